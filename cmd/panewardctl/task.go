package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jaakkos/stringwork/internal/scheduler"
	"github.com/jaakkos/stringwork/internal/store"
	"github.com/jaakkos/stringwork/internal/storeerr"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage scheduled tasks",
	}
	cmd.AddCommand(newTaskAddCmd())
	cmd.AddCommand(newTaskUpdateCmd())
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskNextCmd())
	cmd.AddCommand(newTaskRunningCmd())
	cmd.AddCommand(newTaskDoneCmd())
	cmd.AddCommand(newTaskPauseCmd())
	cmd.AddCommand(newTaskResumeCmd())
	cmd.AddCommand(newTaskRemoveCmd())
	cmd.AddCommand(newTaskHistoryCmd())
	return cmd
}

// taskAddFlags carries the flags shared by `task add` and `task update`.
type taskAddFlags struct {
	id, name, prompt              string
	in, at, cron, every            string
	timezone                       string
	priority                       int
	requireIdle                   bool
	missThreshold                  int
	replyChannel, replyEndpoint    string
}

func registerTaskFlags(cmd *cobra.Command, f *taskAddFlags) {
	cmd.Flags().StringVar(&f.id, "id", "", "task id")
	cmd.Flags().StringVar(&f.name, "name", "", "display name")
	cmd.Flags().StringVar(&f.prompt, "prompt", "", "prompt text delivered to the assistant")
	cmd.Flags().StringVar(&f.in, "in", "", "one-time, relative: run in this duration (e.g. 10m)")
	cmd.Flags().StringVar(&f.at, "at", "", "one-time, absolute: run at this RFC3339 timestamp")
	cmd.Flags().StringVar(&f.cron, "cron", "", "recurring: 5-field cron expression")
	cmd.Flags().StringVar(&f.every, "every", "", "interval: run every duration (e.g. 1h)")
	cmd.Flags().StringVar(&f.timezone, "timezone", "UTC", "IANA timezone for cron evaluation")
	cmd.Flags().IntVar(&f.priority, "priority", store.PriorityNormalUser, "priority (1=system, 2=urgent, 3=normal)")
	cmd.Flags().BoolVar(&f.requireIdle, "require-idle", false, "recorded on the task and its queue entries; delivery is idle-gated by priority 1 only, not by this flag")
	cmd.Flags().IntVar(&f.missThreshold, "miss-threshold", 300, "seconds past next_run_at after which the occurrence is skipped")
	cmd.Flags().StringVar(&f.replyChannel, "reply-channel", "", "channel to route the task's output to")
	cmd.Flags().StringVar(&f.replyEndpoint, "reply-endpoint", "", "endpoint to route the task's output to")
}

// buildTask validates "exactly one of --in, --at, --cron, --every"
// and derives the task's type, schedule fields, and initial next_run_at.
func buildTask(f *taskAddFlags) (store.Task, error) {
	set := 0
	for _, v := range []string{f.in, f.at, f.cron, f.every} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return store.Task{}, fmt.Errorf("%w: exactly one of --in, --at, --cron, --every is required", storeerr.ErrInvalidTask)
	}
	if f.id == "" {
		return store.Task{}, fmt.Errorf("%w: --id is required", storeerr.ErrInvalidTask)
	}

	t := store.Task{
		ID:            f.id,
		Name:          f.name,
		Prompt:        f.prompt,
		Timezone:      f.timezone,
		Priority:      f.priority,
		RequireIdle:   f.requireIdle,
		MissThreshold: f.missThreshold,
		ReplyChannel:  f.replyChannel,
		ReplyEndpoint: f.replyEndpoint,
	}

	switch {
	case f.in != "":
		d, err := time.ParseDuration(f.in)
		if err != nil {
			return store.Task{}, fmt.Errorf("parse --in: %w", err)
		}
		t.Type = store.TaskOneTime
		t.NextRunAt = time.Now().Add(d)
	case f.at != "":
		when, err := time.Parse(time.RFC3339, f.at)
		if err != nil {
			return store.Task{}, fmt.Errorf("parse --at: %w", err)
		}
		t.Type = store.TaskOneTime
		t.NextRunAt = when
	case f.cron != "":
		t.Type = store.TaskRecurring
		t.CronExpression = f.cron
		next, err := scheduler.NextOccurrence(t, time.Now())
		if err != nil {
			return store.Task{}, err
		}
		t.NextRunAt = next
	case f.every != "":
		d, err := time.ParseDuration(f.every)
		if err != nil {
			return store.Task{}, fmt.Errorf("parse --every: %w", err)
		}
		t.Type = store.TaskInterval
		t.IntervalSeconds = int(d.Seconds())
		t.NextRunAt = time.Now().Add(d)
	}
	return t, nil
}

func newTaskAddCmd() *cobra.Command {
	var f taskAddFlags
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a new scheduled task",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := buildTask(&f)
			if err != nil {
				fail(err)
			}
			st, _, err := openStore()
			if err != nil {
				fail(err)
			}
			defer st.Close()
			if err := st.AddTask(t); err != nil {
				fail(err)
			}
			printTaskID(cmd, t.ID)
			return nil
		},
	}
	registerTaskFlags(cmd, &f)
	return cmd
}

func newTaskUpdateCmd() *cobra.Command {
	var f taskAddFlags
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Replace an existing task's fields",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.id == "" {
				fail(fmt.Errorf("--id is required"))
			}
			st, _, err := openStore()
			if err != nil {
				fail(err)
			}
			defer st.Close()
			if err := st.RemoveTask(f.id); err != nil {
				fail(err)
			}
			t, err := buildTask(&f)
			if err != nil {
				fail(err)
			}
			if err := st.AddTask(t); err != nil {
				fail(err)
			}
			printTaskID(cmd, t.ID)
			return nil
		},
	}
	registerTaskFlags(cmd, &f)
	return cmd
}

func newTaskListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, optionally filtered by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore()
			if err != nil {
				fail(err)
			}
			defer st.Close()
			tasks, err := st.ListTasks(store.TaskStatus(status))
			if err != nil {
				fail(err)
			}
			printTasks(cmd, tasks)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, running, completed, failed, paused)")
	return cmd
}

func newTaskNextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Print the next due task, if any",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore()
			if err != nil {
				fail(err)
			}
			defer st.Close()
			t, err := st.NextDueTask(time.Now())
			if err != nil {
				fail(err)
			}
			printTasks(cmd, []store.Task{*t})
			return nil
		},
	}
	return cmd
}

func newTaskRunningCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "running",
		Short: "List currently running tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore()
			if err != nil {
				fail(err)
			}
			defer st.Close()
			tasks, err := st.ListTasks(store.TaskRunning)
			if err != nil {
				fail(err)
			}
			printTasks(cmd, tasks)
			return nil
		},
	}
	return cmd
}

func newTaskDoneCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "done",
		Short: "Mark a running task completed",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore()
			if err != nil {
				fail(err)
			}
			defer st.Close()
			now := time.Now()
			if err := finishLatestStartedHistory(st, id, store.HistoryCompleted, "completed via task done", now); err != nil {
				fail(err)
			}
			if err := st.CompleteTask(id, now); err != nil {
				fail(err)
			}
			printTaskID(cmd, id)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id")
	cmd.MarkFlagRequired("id")
	return cmd
}

// finishLatestStartedHistory closes out the most recent still-running
// history row for a task, if any, so task_history reflects a terminal
// outcome for every dispatch attempt instead of leaving it at "started".
func finishLatestStartedHistory(st *store.Store, taskID string, status store.TaskHistoryStatus, detail string, now time.Time) error {
	hist, err := st.ListHistory(taskID, 1)
	if err != nil {
		return err
	}
	if len(hist) == 0 || hist[0].Status != store.HistoryStarted {
		return nil
	}
	return st.FinishHistory(hist[0].ID, status, detail, now)
}

func newTaskPauseCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Pause a task out of its rotation",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore()
			if err != nil {
				fail(err)
			}
			defer st.Close()
			if err := st.PauseTask(id, time.Now()); err != nil {
				fail(err)
			}
			printTaskID(cmd, id)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id")
	cmd.MarkFlagRequired("id")
	return cmd
}

func newTaskResumeCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a paused task",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore()
			if err != nil {
				fail(err)
			}
			defer st.Close()
			if err := st.ResumeTask(id, time.Now()); err != nil {
				fail(err)
			}
			printTaskID(cmd, id)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id")
	cmd.MarkFlagRequired("id")
	return cmd
}

func newTaskRemoveCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Delete a task and its history",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore()
			if err != nil {
				fail(err)
			}
			defer st.Close()
			if err := st.RemoveTask(id); err != nil {
				fail(err)
			}
			printTaskID(cmd, id)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id")
	cmd.MarkFlagRequired("id")
	return cmd
}

func newTaskHistoryCmd() *cobra.Command {
	var id string
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List a task's dispatch history",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore()
			if err != nil {
				fail(err)
			}
			defer st.Close()
			hist, err := st.ListHistory(id, limit)
			if err != nil {
				fail(err)
			}
			if jsonOutput {
				json.NewEncoder(cmd.OutOrStdout()).Encode(hist)
			} else {
				for _, h := range hist {
					fmt.Fprintf(cmd.OutOrStdout(), "%d %s started=%s finished=%s %s\n", h.ID, h.Status, h.StartedAt, h.FinishedAt, h.Detail)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows to print")
	cmd.MarkFlagRequired("id")
	return cmd
}

func printTaskID(cmd *cobra.Command, id string) {
	if jsonOutput {
		json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{"id": id})
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), id)
	}
}

func printTasks(cmd *cobra.Command, tasks []store.Task) {
	if jsonOutput {
		json.NewEncoder(cmd.OutOrStdout()).Encode(tasks)
		return
	}
	for _, t := range tasks {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s status=%s type=%s next_run_at=%s\n", t.ID, t.Name, t.Status, t.Type, t.NextRunAt)
	}
}
