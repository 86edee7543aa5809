package main

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bodhya/bodhya/pkg/core"
)

func newVersionCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if g.JSON {
				return printJSON(cmd.OutOrStdout(), map[string]string{
					"version": version,
					"go":      runtime.Version(),
					"os_arch": runtime.GOOS + "/" + runtime.GOARCH,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bodhya %s (%s %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
			return nil
		},
	}
}

type agentRow struct {
	ID         string               `json:"id"`
	Enabled    bool                 `json:"enabled"`
	Capability core.AgentCapability `json:"capability"`
}

func newAgentsCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List registered agents and the words they respond to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return withApp(ctx, g, cmd.ErrOrStderr(), func(a *app) error {
				ctrl, err := a.controller(ctx)
				if err != nil {
					return err
				}
				infos := ctrl.Agents()
				rows := make([]agentRow, 0, len(infos))
				for _, info := range infos {
					rows = append(rows, agentRow{ID: info.ID, Enabled: info.Enabled, Capability: info.Capability})
				}
				if g.JSON {
					return printJSON(cmd.OutOrStdout(), map[string]any{
						"engagement": ctrl.Engagement().Mode().String(),
						"agents":     rows,
					})
				}
				w := newTabWriter(cmd.OutOrStdout())
				writeRow(w, "AGENT", "DOMAIN", "ENABLED", "INTENTS", "DESCRIPTION")
				for _, r := range rows {
					writeRow(w, r.ID, r.Capability.Domain, fmt.Sprint(r.Enabled), strings.Join(r.Capability.Intents, ","), r.Capability.Description)
				}
				if err := w.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "\nengagement: %s\n", ctrl.Engagement().Mode())
				return nil
			})
		},
	}
}
