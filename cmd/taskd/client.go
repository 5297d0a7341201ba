package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"taskd/internal/config"
	"taskd/internal/task"
)

func (c *cli) submitCmd() *cobra.Command {
	var (
		id      string
		opts    []string
		optJSON string
		at      string
		redo    string
		expire  string
	)
	cmd := &cobra.Command{
		Use:   "submit <worker>",
		Short: "Schedule a task",
		Long: `Schedule a task for <worker> and print its id.

--at takes an RFC 3339 time or a delay such as 10m. --redo and --expire take
a duration or whole seconds. --opt values are parsed as JSON when they can
be, so numbers and booleans keep their type.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t := task.Task{ID: id, WorkerName: args[0], Options: task.Options{}}
			if optJSON != "" {
				if err := json.Unmarshal([]byte(optJSON), &t.Options); err != nil {
					return fmt.Errorf("--options: %w", err)
				}
			}
			for _, kv := range opts {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return fmt.Errorf("--opt %q: want key=value", kv)
				}
				t.Options[k] = parseValue(v)
			}
			start, err := parseAt(at, time.Now())
			if err != nil {
				return err
			}
			t.StartAt = start
			if t.RedoInterval, err = config.ParseRedoField("--redo", redo); err != nil {
				return err
			}
			if t.Expire, err = config.ParseSecondsField("--expire", expire); err != nil {
				return err
			}

			cl, err := c.client()
			if err != nil {
				return err
			}
			got, err := cl.ScheduleTask(cmd.Context(), t)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), got)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&id, "id", "", "task id (default: generated)")
	f.StringArrayVarP(&opts, "opt", "o", nil, "option key=value (repeatable)")
	f.StringVar(&optJSON, "options", "", "options as a JSON object")
	f.StringVar(&at, "at", "", "start time (RFC 3339) or delay from now")
	f.StringVar(&redo, "redo", "", "redo interval; empty means one-shot")
	f.StringVar(&expire, "expire", "", "keep a finished one-shot task this long (default 1h)")
	return cmd
}

func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func parseAt(raw string, now time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	d, err := config.ParseSecondsField("--at", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--at: want RFC 3339 time or delay, got %q", raw)
	}
	return now.Add(d), nil
}

func (c *cli) listCmd() *cobra.Command {
	var (
		status string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var mask task.Status
			if status != "" {
				m, err := task.ParseStatus(status)
				if err != nil {
					return err
				}
				mask = m
			}
			cl, err := c.client()
			if err != nil {
				return err
			}
			tasks, err := cl.ListTasks(cmd.Context())
			if err != nil {
				return err
			}
			out := tasks[:0]
			for _, t := range tasks {
				if mask == 0 || t.Status.In(mask) {
					out = append(out, t)
				}
			}
			sort.SliceStable(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			return printTasks(cmd, out)
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", "", `filter by status, e.g. "doing|queued"`)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printTasks(cmd *cobra.Command, tasks []task.Task) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWORKER\tSTATUS\tSTART\tSTOP\tREDO\tOUTPUT")
	for _, t := range tasks {
		stop := "-"
		if !t.StopAt.IsZero() {
			stop = t.StopAt.Local().Format(time.DateTime)
		}
		redo := "-"
		if t.RedoInterval > 0 {
			redo = t.RedoInterval.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.WorkerName, t.Status, t.StartAt.Local().Format(time.DateTime), stop, redo, firstLine(t.Output, 60))
	}
	return w.Flush()
}

func firstLine(s string, max int) string {
	s, _, _ = strings.Cut(s, "\n")
	if len(s) > max {
		s = s[:max-3] + "..."
	}
	return s
}

func (c *cli) cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>...",
		Short: "Cancel tasks; running ones are killed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			for _, id := range args {
				if err := cl.CancelTask(cmd.Context(), id); err != nil {
					return fmt.Errorf("%s: %w", id, err)
				}
			}
			return nil
		},
	}
}

func (c *cli) abortCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abort <id>...",
		Short: "Kill running tasks; they end as aborted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			for _, id := range args {
				if err := cl.AbortTask(cmd.Context(), id); err != nil {
					return fmt.Errorf("%s: %w", id, err)
				}
			}
			return nil
		},
	}
}

func (c *cli) contextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "context <key> <value>",
		Short: "Set a scheduler context value and print the whole context",
		Long: `Set a value in the scheduler context. Bootstrap hooks receive the context
on every run; the config-jobs hook uses it as default options.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			sc, err := cl.SetContext(cmd.Context(), args[0], parseValue(args[1]))
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(sc)
		},
	}
}
