package yaml

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
)

// Quarantine moves a corrupted file into <chimeDir>/quarantine under a
// timestamped name. Callers log the event; this package stays quiet.
func Quarantine(chimeDir, filePath string) error {
	quarantineDir := filepath.Join(chimeDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return fmt.Errorf("create quarantine dir: %w", err)
	}

	baseName := filepath.Base(filePath)
	timestamp := time.Now().Format("20060102T150405")
	quarantinePath := filepath.Join(quarantineDir, fmt.Sprintf("%s.%s.corrupt", baseName, timestamp))

	if err := os.Rename(filePath, quarantinePath); err != nil {
		return fmt.Errorf("move to quarantine: %w", err)
	}
	return nil
}

// RestoreFromBackup copies path.bak over path after checking the backup
// still parses.
func RestoreFromBackup(filePath string) error {
	bakPath := filePath + ".bak"
	if _, err := os.Stat(bakPath); os.IsNotExist(err) {
		return fmt.Errorf("no backup file: %s", bakPath)
	}

	content, err := os.ReadFile(bakPath)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if err := validateYAML(content); err != nil {
		return fmt.Errorf("backup YAML is also corrupted: %w", err)
	}

	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}
	return nil
}

// GenerateSkeleton writes a minimal valid file of the given type.
func GenerateSkeleton(filePath string, fileType string) error {
	content, err := yamlv3.Marshal(skeletonFor(fileType))
	if err != nil {
		return fmt.Errorf("marshal skeleton: %w", err)
	}

	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("write skeleton: %w", err)
	}
	return nil
}

// RecoverCorruptedFile quarantines the file, then restores the backup
// if one parses, else writes a fresh skeleton.
func RecoverCorruptedFile(chimeDir, filePath, fileType string) error {
	if err := Quarantine(chimeDir, filePath); err != nil {
		return fmt.Errorf("quarantine failed: %w", err)
	}

	if err := RestoreFromBackup(filePath); err == nil {
		return nil
	}

	if err := GenerateSkeleton(filePath, fileType); err != nil {
		return fmt.Errorf("skeleton generation failed: %w", err)
	}
	return nil
}

func skeletonFor(fileType string) any {
	switch fileType {
	case "task_list":
		return map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      "task_list",
			"tasks":          []any{},
		}
	case "state_triggers":
		return map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      "state_triggers",
			"triggers":       []any{},
		}
	case "state_metrics":
		return map[string]any{
			"schema_version":   CurrentSchemaVersion,
			"file_type":        "state_metrics",
			"counters":         map[string]any{},
			"last_scan":        nil,
			"daemon_heartbeat": nil,
			"updated_at":       nil,
		}
	default:
		return map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      fileType,
		}
	}
}
