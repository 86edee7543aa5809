package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bodhya/bodhya/pkg/core"
	"github.com/bodhya/bodhya/pkg/models"
	"github.com/bodhya/bodhya/pkg/storage"
	"github.com/bodhya/bodhya/pkg/tools"
)

func newDoctorCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the working directory, history store, models and tool providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return withApp(ctx, g, cmd.ErrOrStderr(), func(a *app) error {
				checks := a.healthChecks(ctx)
				results, overall := checks.CheckAll(ctx)
				if g.JSON {
					if err := printJSON(cmd.OutOrStdout(), map[string]any{"status": overall, "checks": results}); err != nil {
						return err
					}
				} else {
					w := newTabWriter(cmd.OutOrStdout())
					writeRow(w, "COMPONENT", "STATUS", "DETAIL")
					for _, r := range results {
						writeRow(w, r.Component, string(r.Status), r.Message)
					}
					if err := w.Flush(); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "\noverall: %s\n", overall)
				}
				if overall == core.HealthUnhealthy {
					return exitStatus(1)
				}
				return nil
			})
		},
	}
}

func healthy(msg string) core.HealthResult {
	return core.HealthResult{Status: core.HealthHealthy, Message: msg}
}

func degraded(msg string) core.HealthResult {
	return core.HealthResult{Status: core.HealthDegraded, Message: msg}
}

func unhealthy(err error) core.HealthResult {
	return core.HealthResult{Status: core.HealthUnhealthy, Message: err.Error()}
}

// healthChecks builds every component up front; the checkers only probe
// what was built, so they can run concurrently.
func (a *app) healthChecks(ctx context.Context) *core.HealthRegistry {
	checks := core.NewHealthRegistry(0)

	checks.Register("config", core.HealthCheckFunc(func(context.Context) core.HealthResult {
		profile := a.cfg.Profile
		if profile == "" {
			profile = "default"
		}
		return healthy(fmt.Sprintf("profile %s, engagement %s", profile, a.cfg.Engagement()))
	}))

	sb, sbErr := a.sandbox()
	checks.Register("workspace", core.HealthCheckFunc(func(context.Context) core.HealthResult {
		if sbErr != nil {
			return unhealthy(sbErr)
		}
		if _, err := sb.Exists("."); err != nil {
			return unhealthy(err)
		}
		return healthy(sb.Root())
	}))

	reg, toolsErr := a.toolRegistry(ctx, true)
	report := a.providers
	checks.Register("tools", core.HealthCheckFunc(func(context.Context) core.HealthResult {
		return toolsHealth(reg, report, toolsErr)
	}))

	store, historyErr := a.historyStore()
	checks.Register("history", core.HealthCheckFunc(func(ctx context.Context) core.HealthResult {
		return historyHealth(ctx, store, historyErr, a.cfg.Paths.HistoryDB)
	}))

	mr, modelsErr := a.modelRegistry()
	checks.Register("models", core.HealthCheckFunc(func(context.Context) core.HealthResult {
		return modelsHealth(mr, modelsErr, a.cfg.Engagement())
	}))
	return checks
}

func toolsHealth(reg *tools.Registry, report *tools.LoadReport, err error) core.HealthResult {
	if err != nil {
		return unhealthy(err)
	}
	msg := fmt.Sprintf("%d tools", len(reg.List()))
	if report == nil {
		return healthy(msg)
	}
	if len(report.Failed) > 0 {
		names := make([]string, 0, len(report.Failed))
		for _, f := range report.Failed {
			names = append(names, f.Name)
		}
		return degraded(fmt.Sprintf("%s; providers failed: %s", msg, strings.Join(names, ", ")))
	}
	return healthy(fmt.Sprintf("%s, %d from %d provider(s)", msg, report.ToolCount(), len(report.Connected)))
}

func historyHealth(ctx context.Context, store storage.HistoryStore, err error, path string) core.HealthResult {
	if err != nil {
		return unhealthy(err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := store.List(ctx, storage.HistoryFilter{Limit: 1}); err != nil {
		return unhealthy(err)
	}
	return healthy(path)
}

func modelsHealth(reg *models.Registry, err error, mode core.EngagementMode) core.HealthResult {
	if err != nil {
		return unhealthy(err)
	}
	if reg == nil {
		return degraded("no model manifest; agents use their model-free fallbacks")
	}
	var local, installed, remote int
	for _, st := range reg.List() {
		switch st.Location {
		case models.LocationLocal:
			local++
			if st.Installed {
				installed++
			}
		case models.LocationRemote:
			remote++
		}
	}
	msg := fmt.Sprintf("%d/%d local installed, %d remote", installed, local, remote)
	if installed == 0 && !(mode.AllowsRemote() && remote > 0) {
		return degraded(msg + "; no usable model under engagement " + mode.String())
	}
	return healthy(msg)
}
