// Package status implements the chime status report.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/msageha/chime/internal/due"
	"github.com/msageha/chime/internal/model"
	"github.com/msageha/chime/internal/runs"
	"github.com/msageha/chime/internal/store"
	"github.com/msageha/chime/internal/uds"
)

type Report struct {
	Daemon DaemonStatus `json:"daemon"`
	Tasks  []TaskStatus `json:"tasks,omitempty"`
	Runs   []RunStatus  `json:"runs,omitempty"`
}

type DaemonStatus struct {
	Running bool `json:"running"`
	Pid     int  `json:"pid,omitempty"`
}

type TaskStatus struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Frequency   string `json:"frequency"`
	Due         bool   `json:"due"`
	OverdueDays int    `json:"overdue_days,omitempty"`
}

type RunStatus struct {
	RunID    string `json:"run_id"`
	TaskName string `json:"task_name"`
	Level    string `json:"level"`
	Status   string `json:"status"`
	ResumeAt string `json:"resume_at,omitempty"`
}

// Run gathers daemon, task, and run state and prints it. Task and run state
// is read from the store directly so the report works with the daemon down.
func Run(chimeDir string, cfg model.Config, jsonOutput bool) error {
	report := Report{}

	sockPath := filepath.Join(chimeDir, uds.DefaultSocketName)
	report.Daemon = checkDaemon(sockPath)

	logger := log.New(io.Discard, "", 0)

	tasks, err := listTasks(chimeDir, cfg, logger)
	if err != nil {
		return err
	}
	report.Tasks = tasks
	report.Runs = listRuns(chimeDir, logger)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	printReport(report)
	return nil
}

func checkDaemon(sockPath string) DaemonStatus {
	client := uds.NewClient(sockPath)
	client.SetTimeout(2 * time.Second)
	resp, err := client.SendCommand("status", nil)
	if err != nil || !resp.Success {
		return DaemonStatus{Running: false}
	}
	var data struct {
		Pid int `json:"pid"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return DaemonStatus{Running: true}
	}
	return DaemonStatus{Running: true, Pid: data.Pid}
}

func listTasks(chimeDir string, cfg model.Config, logger *log.Logger) ([]TaskStatus, error) {
	st, err := store.Open(chimeDir, cfg, logger)
	if err != nil {
		return nil, err
	}
	if closer, ok := st.(io.Closer); ok {
		defer closer.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tasks, err := st.ListTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	now := time.Now().UTC()
	statuses := make([]TaskStatus, 0, len(tasks))
	for _, task := range tasks {
		ts := TaskStatus{
			ID:        task.ID,
			Name:      task.Name,
			Frequency: task.Frequency,
			Due:       due.IsDue(task, now),
		}
		if ts.Due {
			ts.OverdueDays = due.OverdueBy(task, now)
		}
		statuses = append(statuses, ts)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses, nil
}

func listRuns(chimeDir string, logger *log.Logger) []RunStatus {
	active, err := runs.NewStore(chimeDir, logger).ListActive()
	if err != nil {
		return nil
	}

	statuses := make([]RunStatus, 0, len(active))
	for _, run := range active {
		level := string(run.Level)
		if level == "" {
			level = "launched"
		}
		statuses = append(statuses, RunStatus{
			RunID:    run.RunID,
			TaskName: run.TaskName,
			Level:    level,
			Status:   string(run.Status),
			ResumeAt: run.ResumeAt,
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].RunID < statuses[j].RunID })
	return statuses
}

func printReport(r Report) {
	// Daemon
	if r.Daemon.Running {
		if r.Daemon.Pid > 0 {
			fmt.Printf("Daemon: running (pid %d)\n", r.Daemon.Pid)
		} else {
			fmt.Println("Daemon: running")
		}
	} else {
		fmt.Println("Daemon: stopped")
	}

	// Tasks
	if len(r.Tasks) > 0 {
		fmt.Println("\nTasks:")
		fmt.Printf("  %-22s  %-16s  %-4s  %s\n", "NAME", "FREQUENCY", "DUE", "OVERDUE")
		for _, task := range r.Tasks {
			dueStr := "no"
			overdue := "-"
			if task.Due {
				dueStr = "yes"
				overdue = fmt.Sprintf("%dd", task.OverdueDays)
			}
			fmt.Printf("  %-22s  %-16s  %-4s  %s\n", task.Name, task.Frequency, dueStr, overdue)
		}
	} else {
		fmt.Println("\nTasks: none")
	}

	// Active runs
	if len(r.Runs) > 0 {
		fmt.Println("\nActive runs:")
		fmt.Printf("  %-28s  %-22s  %-11s  %s\n", "RUN", "TASK", "LEVEL", "RESUME_AT")
		for _, run := range r.Runs {
			fmt.Printf("  %-28s  %-22s  %-11s  %s\n", run.RunID, run.TaskName, run.Level, run.ResumeAt)
		}
	}
}
