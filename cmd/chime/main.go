package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/msageha/chime/internal/daemon"
	"github.com/msageha/chime/internal/due"
	"github.com/msageha/chime/internal/model"
	"github.com/msageha/chime/internal/runs"
	"github.com/msageha/chime/internal/setup"
	"github.com/msageha/chime/internal/status"
	"github.com/msageha/chime/internal/store"
	"github.com/msageha/chime/internal/uds"
)

const version = "0.1.0"

const chimeDirName = ".chime"

func main() {
	// Optional .env carrying CHIME_PG_DSN or the webhook token
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "setup":
		runSetup(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "stop":
		runStop(os.Args[2:])
	case "scan":
		runScan(os.Args[2:])
	case "add":
		runAdd(os.Args[2:])
	case "list":
		runList(os.Args[2:])
	case "done":
		runDone(os.Args[2:])
	case "rm":
		runRm(os.Args[2:])
	case "runs":
		runRuns(os.Args[2:])
	case "version":
		fmt.Printf("chime %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runSetup(args []string) {
	dir := "."
	name := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--dir":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--dir requires a value")
				os.Exit(1)
			}
			i++
			dir = args[i]
		case "--name":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--name requires a value")
				os.Exit(1)
			}
			i++
			name = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: chime setup [--dir <dir>] [--name <project>]\n", args[i])
			os.Exit(1)
		}
	}

	if err := setup.Run(dir, name); err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}
	absDir, _ := filepath.Abs(dir)
	fmt.Printf("Initialized %s in %s\n", chimeDirName, absDir)
}

func runDaemon(args []string) {
	dirFlag := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--dir":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--dir requires a value")
				os.Exit(1)
			}
			i++
			dirFlag = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: chime daemon [--dir <dir>]\n", args[i])
			os.Exit(1)
		}
	}

	var chimeDir string
	if dirFlag != "" {
		chimeDir = filepath.Join(dirFlag, chimeDirName)
		if info, err := os.Stat(chimeDir); err != nil || !info.IsDir() {
			fmt.Fprintf(os.Stderr, "error: %s not found. Run 'chime setup --dir %s' first.\n", chimeDir, dirFlag)
			os.Exit(1)
		}
	} else {
		chimeDir = mustFindChimeDir()
	}

	cfg := mustLoadConfig(chimeDir)

	d, err := daemon.New(chimeDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}

	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runStatus(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: chime status [--json]\n", a)
			os.Exit(1)
		}
	}

	chimeDir := mustFindChimeDir()
	cfg := mustLoadConfig(chimeDir)

	if err := status.Run(chimeDir, cfg, jsonOutput); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
}

func runStop(_ []string) {
	chimeDir := mustFindChimeDir()

	client := uds.NewClient(filepath.Join(chimeDir, uds.DefaultSocketName))
	resp, err := client.SendCommand("shutdown", nil)
	if err == nil {
		err = resp.Err()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "stop: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Shutdown requested.")
}

func runScan(_ []string) {
	chimeDir := mustFindChimeDir()

	client := uds.NewClient(filepath.Join(chimeDir, uds.DefaultSocketName))
	resp, err := client.SendCommand("scan", nil)
	if err == nil {
		err = resp.Err()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Scan started. Check 'chime status' for the outcome.")
}

func runAdd(args []string) {
	every := ""
	var positional []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--every":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--every requires a value")
				os.Exit(1)
			}
			i++
			every = args[i]
		default:
			positional = append(positional, args[i])
		}
	}
	if len(positional) != 1 || every == "" {
		fmt.Fprintln(os.Stderr, `usage: chime add <name> --every "every 7 days"`)
		os.Exit(1)
	}

	chimeDir := mustFindChimeDir()
	cfg := mustLoadConfig(chimeDir)
	st := mustOpenStore(chimeDir, cfg)
	defer closeStore(st)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	task, err := st.AddTask(ctx, positional[0], every)
	if err != nil {
		fmt.Fprintf(os.Stderr, "add: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Added %q (%s), id %s\n", task.Name, task.Frequency, task.ID)
}

func runList(args []string) {
	if len(args) > 0 {
		fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: chime list\n", args[0])
		os.Exit(1)
	}

	chimeDir := mustFindChimeDir()
	cfg := mustLoadConfig(chimeDir)
	st := mustOpenStore(chimeDir, cfg)
	defer closeStore(st)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tasks, err := st.ListTasks(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list: %v\n", err)
		os.Exit(1)
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks. Add one with: chime add <name> --every \"every 7 days\"")
		return
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Name < tasks[j].Name })

	now := time.Now().UTC()
	fmt.Printf("%-36s  %-22s  %-16s  %-4s  %s\n", "ID", "NAME", "FREQUENCY", "DUE", "OVERDUE")
	for _, task := range tasks {
		dueStr := "no"
		overdue := "-"
		if task.CompletedAt != nil {
			dueStr = "done"
		} else if due.IsDue(task, now) {
			dueStr = "yes"
			overdue = fmt.Sprintf("%dd", due.OverdueBy(task, now))
		}
		fmt.Printf("%-36s  %-22s  %-16s  %-4s  %s\n", task.ID, task.Name, task.Frequency, dueStr, overdue)
	}
}

func runDone(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: chime done <id|name>")
		os.Exit(1)
	}

	chimeDir := mustFindChimeDir()
	cfg := mustLoadConfig(chimeDir)
	st := mustOpenStore(chimeDir, cfg)
	defer closeStore(st)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	task, err := resolveTask(ctx, st, args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "done: %v\n", err)
		os.Exit(1)
	}
	completed, err := st.CompleteTask(ctx, task.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "done: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Completed %q. An active reminder run stops at its next check.\n", completed.Name)
}

func runRm(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: chime rm <id|name>")
		os.Exit(1)
	}

	chimeDir := mustFindChimeDir()
	cfg := mustLoadConfig(chimeDir)
	st := mustOpenStore(chimeDir, cfg)
	defer closeStore(st)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	task, err := resolveTask(ctx, st, args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "rm: %v\n", err)
		os.Exit(1)
	}
	if err := st.RemoveTask(ctx, task.ID); err != nil {
		fmt.Fprintf(os.Stderr, "rm: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Removed %q\n", task.Name)
}

func runRuns(args []string) {
	all := false
	for _, a := range args {
		switch a {
		case "--all":
			all = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: chime runs [--all]\n", a)
			os.Exit(1)
		}
	}

	chimeDir := mustFindChimeDir()
	logger := log.New(io.Discard, "", 0)
	rs := runs.NewStore(chimeDir, logger)

	active, err := activeRuns(chimeDir, rs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "runs: %v\n", err)
		os.Exit(1)
	}
	printRuns("Active runs", active)

	if all {
		archived, err := rs.ListArchived()
		if err != nil {
			fmt.Fprintf(os.Stderr, "runs: %v\n", err)
			os.Exit(1)
		}
		fmt.Println()
		printRuns("Archived runs", archived)
	}
}

// activeRuns prefers the daemon's view and falls back to reading runs/
// directly when the daemon is down.
func activeRuns(chimeDir string, rs *runs.Store) ([]model.EscalationRun, error) {
	client := uds.NewClient(filepath.Join(chimeDir, uds.DefaultSocketName))
	client.SetTimeout(2 * time.Second)
	resp, err := client.SendCommand("runs", nil)
	if err != nil || !resp.Success {
		return rs.ListActive()
	}

	var data struct {
		Runs []struct {
			RunID    string `json:"run_id"`
			TaskID   string `json:"task_id"`
			TaskName string `json:"task_name"`
			Level    string `json:"level"`
			Status   string `json:"status"`
			ResumeAt string `json:"resume_at"`
			Attempts int    `json:"attempts"`
		} `json:"runs"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return rs.ListActive()
	}

	out := make([]model.EscalationRun, 0, len(data.Runs))
	for _, r := range data.Runs {
		out = append(out, model.EscalationRun{
			RunID:    r.RunID,
			TaskID:   r.TaskID,
			TaskName: r.TaskName,
			Level:    model.Level(r.Level),
			Status:   model.RunStatus(r.Status),
			ResumeAt: r.ResumeAt,
			Attempts: r.Attempts,
		})
	}
	return out, nil
}

func printRuns(header string, list []model.EscalationRun) {
	fmt.Println(header + ":")
	if len(list) == 0 {
		fmt.Println("  none")
		return
	}
	fmt.Printf("  %-28s  %-22s  %-11s  %-8s  %s\n", "RUN", "TASK", "LEVEL", "STATUS", "RESUME_AT")
	for _, run := range list {
		level := string(run.Level)
		if level == "" {
			level = "launched"
		}
		fmt.Printf("  %-28s  %-22s  %-11s  %-8s  %s\n",
			run.RunID, run.TaskName, level, run.Status, run.ResumeAt)
	}
}

// resolveTask accepts either a task id or an exact task name.
func resolveTask(ctx context.Context, st store.TaskWriter, key string) (model.Task, error) {
	task, err := st.GetTask(ctx, key)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return model.Task{}, err
	}

	tasks, err := st.ListTasks(ctx)
	if err != nil {
		return model.Task{}, err
	}
	var match *model.Task
	for i := range tasks {
		if tasks[i].Name != key {
			continue
		}
		if match != nil {
			return model.Task{}, fmt.Errorf("name %q is ambiguous, use the task id", key)
		}
		match = &tasks[i]
	}
	if match == nil {
		return model.Task{}, fmt.Errorf("no task with id or name %q", key)
	}
	return *match, nil
}

func findChimeDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, chimeDirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func mustFindChimeDir() string {
	chimeDir := findChimeDir()
	if chimeDir == "" {
		fmt.Fprintf(os.Stderr, "error: %s directory not found. Run 'chime setup' first.\n", chimeDirName)
		os.Exit(1)
	}
	return chimeDir
}

func loadConfig(chimeDir string) (model.Config, error) {
	data, err := os.ReadFile(filepath.Join(chimeDir, "config.yaml"))
	if err != nil {
		return model.Config{}, fmt.Errorf("read config.yaml: %w", err)
	}
	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config.yaml: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

func mustLoadConfig(chimeDir string) model.Config {
	cfg, err := loadConfig(chimeDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func mustOpenStore(chimeDir string, cfg model.Config) store.TaskWriter {
	logger := log.New(io.Discard, "", 0)
	st, err := store.Open(chimeDir, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	return st
}

func closeStore(st store.TaskWriter) {
	if closer, ok := st.(io.Closer); ok {
		_ = closer.Close()
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `chime %s — periodic task reminders with escalation

Usage: chime <command> [options]

Project:
  setup [--dir D] [--name N]   Initialize the %s directory
  daemon [--dir D]             Run the reminder daemon
  status [--json]              Show daemon, task, and run state
  stop                         Ask a running daemon to shut down

Tasks:
  add <name> --every <expr>    Add a periodic task ("every 7 days")
  list                         List tasks with due state
  done <id|name>               Mark a task completed
  rm <id|name>                 Remove a task

Runs:
  scan                         Trigger an immediate scan
  runs [--all]                 Show active (and archived) reminder runs

Utilities:
  version                      Show version
  help                         Show this help

`, version, chimeDirName)
}
