package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/bodhya/bodhya/pkg/core"
	"github.com/bodhya/bodhya/pkg/storage"
)

func newHistoryCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded task executions",
	}
	cmd.AddCommand(newHistoryListCmd(g), newHistoryShowCmd(g), newHistoryStatsCmd(g))
	return cmd
}

func newHistoryListCmd(g *globalOptions) *cobra.Command {
	var filter storage.HistoryFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch core.TaskStatus(status) {
			case "", core.TaskStatusPending, core.TaskStatusRunning, core.TaskStatusCompleted, core.TaskStatusFailed:
				filter.Status = core.TaskStatus(status)
			default:
				return NewInvalidArgumentError("status", fmt.Sprintf("unknown status %q", status))
			}
			ctx := cmd.Context()
			return withApp(ctx, g, cmd.ErrOrStderr(), func(a *app) error {
				store, err := a.historyStore()
				if err != nil {
					return err
				}
				recs, err := store.List(ctx, filter)
				if err != nil {
					return err
				}
				if g.JSON {
					return printJSON(cmd.OutOrStdout(), recs)
				}
				w := newTabWriter(cmd.OutOrStdout())
				writeRow(w, "TASK", "STARTED", "DOMAIN", "AGENT", "STATUS", "ITER", "DURATION", "DESCRIPTION")
				for _, r := range recs {
					writeRow(w, r.TaskID, r.StartedAt.Local().Format(time.DateTime), r.Domain, r.AgentID,
						string(r.Status), strconv.Itoa(r.Iterations), durationMS(r.DurationMS), clip(r.Description, 60))
				}
				return w.Flush()
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&filter.Domain, "domain", "", "only tasks of this domain")
	f.StringVar(&status, "status", "", "only tasks with this status: pending, running, completed, failed")
	f.IntVarP(&filter.Limit, "limit", "n", 20, "maximum number of tasks")
	return cmd
}

func newHistoryShowCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one recorded task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, g, cmd.ErrOrStderr(), func(a *app) error {
				store, err := a.historyStore()
				if err != nil {
					return err
				}
				rec, err := store.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if g.JSON {
					return printJSON(cmd.OutOrStdout(), rec)
				}
				out := cmd.OutOrStdout()
				w := newTabWriter(out)
				writeRow(w, "Task:", rec.TaskID)
				writeRow(w, "Description:", rec.Description)
				writeRow(w, "Domain:", rec.Domain)
				writeRow(w, "Agent:", rec.AgentID)
				writeRow(w, "Status:", string(rec.Status))
				writeRow(w, "Started:", rec.StartedAt.Local().Format(time.DateTime))
				if !rec.CompletedAt.IsZero() {
					writeRow(w, "Completed:", rec.CompletedAt.Local().Format(time.DateTime))
				}
				writeRow(w, "Duration:", durationMS(rec.DurationMS))
				writeRow(w, "Iterations:", strconv.Itoa(rec.Iterations))
				writeRow(w, "Error:", rec.Error)
				if err := w.Flush(); err != nil {
					return err
				}
				if rec.Result != "" {
					fmt.Fprintf(out, "\n%s\n", rec.Result)
				}
				return nil
			})
		},
	}
}

func newHistoryStatsCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <domain>",
		Short: "Summarize outcomes for one domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, g, cmd.ErrOrStderr(), func(a *app) error {
				store, err := a.historyStore()
				if err != nil {
					return err
				}
				st, err := store.DomainStats(ctx, args[0])
				if err != nil {
					return err
				}
				if g.JSON {
					return printJSON(cmd.OutOrStdout(), struct {
						storage.DomainStats
						SuccessRate float64 `json:"success_rate"`
					}{st, st.SuccessRate()})
				}
				w := newTabWriter(cmd.OutOrStdout())
				writeRow(w, "Domain:", st.Domain)
				writeRow(w, "Total:", strconv.Itoa(st.Total))
				writeRow(w, "Completed:", strconv.Itoa(st.Completed))
				writeRow(w, "Failed:", strconv.Itoa(st.Failed))
				writeRow(w, "Success rate:", fmt.Sprintf("%.0f%%", st.SuccessRate()*100))
				writeRow(w, "Avg iterations:", fmt.Sprintf("%.1f", st.AvgIterations))
				return w.Flush()
			})
		},
	}
}

func durationMS(ms int64) string {
	if ms <= 0 {
		return ""
	}
	return (time.Duration(ms) * time.Millisecond).Round(time.Millisecond).String()
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
