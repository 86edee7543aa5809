package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bodhya/bodhya/pkg/bridge"
	"github.com/bodhya/bodhya/pkg/tools"
)

func newToolsCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List, call and serve tools",
	}
	cmd.AddCommand(newToolsListCmd(g), newToolsCallCmd(g), newToolsServeCmd(g))
	return cmd
}

func newToolsListCmd(g *globalOptions) *cobra.Command {
	var builtinOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered tools and their operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return withApp(ctx, g, cmd.ErrOrStderr(), func(a *app) error {
				reg, err := a.toolRegistry(ctx, !builtinOnly)
				if err != nil {
					return err
				}
				descs := reg.List()
				if g.JSON {
					return printJSON(cmd.OutOrStdout(), descs)
				}
				w := newTabWriter(cmd.OutOrStdout())
				writeRow(w, "TOOL", "ORIGIN", "OPERATIONS", "DESCRIPTION")
				for _, d := range descs {
					writeRow(w, d.Name, d.Origin, strings.Join(d.OperationNames(), ","), d.Description)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&builtinOnly, "builtin", false, "skip external providers")
	return cmd
}

func newToolsCallCmd(g *globalOptions) *cobra.Command {
	var params string
	cmd := &cobra.Command{
		Use:   "call <tool> <operation>",
		Short: "Invoke one tool operation inside the working directory",
		Example: `  bodhya tools call filesystem read --params '{"path":"main.go"}'
  bodhya tools call shell run --params '{"command":"go","args":["test","./..."]}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePayload(params)
			if err != nil {
				return err
			}
			if p == nil {
				p = map[string]any{}
			}
			ctx := cmd.Context()
			return withApp(ctx, g, cmd.ErrOrStderr(), func(a *app) error {
				reg, err := a.toolRegistry(ctx, true)
				if err != nil {
					return err
				}
				if _, ok := reg.Get(args[0]); !ok {
					return NewNotFoundError("tools", args[0])
				}
				res, err := reg.Execute(ctx, args[0], args[1], p)
				if err != nil {
					return err
				}
				if g.JSON {
					if err := printJSON(cmd.OutOrStdout(), res); err != nil {
						return err
					}
				} else if res.Success {
					if s, ok := res.Payload.(string); ok {
						fmt.Fprint(cmd.OutOrStdout(), s)
						if !strings.HasSuffix(s, "\n") {
							fmt.Fprintln(cmd.OutOrStdout())
						}
					} else if err := printJSON(cmd.OutOrStdout(), res.Payload); err != nil {
						return err
					}
				} else {
					fmt.Fprintf(cmd.ErrOrStderr(), "tool failed: %s\n", res.Error)
				}
				if !res.Success {
					return exitStatus(1)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&params, "params", "p", "", "operation parameters as JSON or @file")
	return cmd
}

func newToolsServeCmd(g *globalOptions) *cobra.Command {
	var noLimits bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the built-in tools as an MCP provider over stdio",
		Long: `Publish the built-in filesystem, shell, edit and search tools as an MCP
server on stdin/stdout, confined to the working directory. Operations are
published as <tool>_<operation>. Logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return withApp(ctx, g, cmd.ErrOrStderr(), func(a *app) error {
				reg, err := a.toolRegistry(ctx, false)
				if err != nil {
					return err
				}
				sb := a.workspace
				if noLimits {
					sb = sb.WithLimits(nil)
				}
				srv, err := bridge.NewServer("bodhya", version, reg.Bind(sb), reg.Served(tools.OriginBuiltin), a.logger)
				if err != nil {
					return err
				}
				a.logger.Info("cli.tools.serve", "root", sb.Root())
				return srv.ServeStdio()
			})
		},
	}
	cmd.Flags().BoolVar(&noLimits, "no-limits", false, "do not cap file writes and command executions")
	return cmd
}
