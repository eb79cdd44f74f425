package notify

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Desktop shows messages as macOS notifications via osascript with sound.
type Desktop struct{}

func NewDesktop() *Desktop {
	return &Desktop{}
}

func (d *Desktop) SendMessage(ctx context.Context, text string, meta Metadata) error {
	script := fmt.Sprintf(
		`display notification "%s" with title "Chime" sound name "default"`,
		escapeAppleScript(text),
	)

	cmd := exec.CommandContext(ctx, "osascript", "-e", script)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("osascript: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
