package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/bodhya/bodhya/pkg/models"
)

func newModelsCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Inspect, install and remove models from the manifest",
	}
	cmd.AddCommand(
		newModelsListCmd(g),
		newModelsPlanCmd(g),
		newModelsInstallCmd(g),
		newModelsRemoveCmd(g),
	)
	return cmd
}

func newModelsListCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List manifest models and their install state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), g, cmd.ErrOrStderr(), func(a *app) error {
				reg, err := a.requireModels()
				if err != nil {
					return err
				}
				statuses := reg.List()
				if g.JSON {
					return printJSON(cmd.OutOrStdout(), statuses)
				}
				w := newTabWriter(cmd.OutOrStdout())
				writeRow(w, "ID", "ROLE", "DOMAIN", "BACKEND", "LOCATION", "SIZE", "INSTALLED")
				for _, st := range statuses {
					size := ""
					if st.Entry.SizeBytes > 0 {
						size = humanBytes(st.Entry.SizeBytes)
					}
					installed := "no"
					if st.Installed {
						installed = "yes"
					}
					writeRow(w, st.Entry.ID, string(st.Entry.Role), st.Entry.Domain, st.Entry.Backend, st.Location, size, installed)
				}
				return w.Flush()
			})
		},
	}
}

func newModelsPlanCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plan <model-id>",
		Short: "Show what installing a model would download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), g, cmd.ErrOrStderr(), func(a *app) error {
				reg, err := a.requireModels()
				if err != nil {
					return err
				}
				plan, err := reg.EnsureInstalled(args[0])
				if err != nil {
					return err
				}
				if g.JSON {
					return printJSON(cmd.OutOrStdout(), plan)
				}
				writePlan(cmd.OutOrStdout(), plan)
				return nil
			})
		},
	}
}

func newModelsInstallCmd(g *globalOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "install <model-id>",
		Short: "Download and verify a model",
		Long: `Download a model into the models directory. The file streams into a
temporary sibling and only appears at its final path after the checksum
matches. An interrupted or failed download leaves nothing behind.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), g, cmd.ErrOrStderr(), func(a *app) error {
				progress := newProgressPrinter(cmd.ErrOrStderr())
				reg, err := a.requireModels(models.WithProgress(progress.report))
				if err != nil {
					return err
				}
				plan, err := reg.EnsureInstalled(args[0])
				if err != nil {
					return err
				}
				if plan.AlreadyInstalled {
					if g.JSON {
						return printJSON(cmd.OutOrStdout(), plan)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s is already installed at %s\n", plan.ModelID, plan.Destination)
					return nil
				}
				if !yes {
					writePlan(cmd.ErrOrStderr(), plan)
					if !confirm(cmd.InOrStdin(), cmd.ErrOrStderr(), "Proceed with download?") {
						return NewInvalidArgumentError("confirmation", "download not confirmed")
					}
				}
				plan, err = reg.Download(cmd.Context(), args[0])
				progress.done()
				if err != nil {
					return err
				}
				if g.JSON {
					return printJSON(cmd.OutOrStdout(), plan)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "installed %s at %s\n", plan.ModelID, plan.Destination)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "download without asking for confirmation")
	return cmd
}

func newModelsRemoveCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <model-id>",
		Short: "Delete an installed model file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), g, cmd.ErrOrStderr(), func(a *app) error {
				reg, err := a.requireModels()
				if err != nil {
					return err
				}
				if err := reg.Remove(args[0]); err != nil {
					return err
				}
				if g.JSON {
					return printJSON(cmd.OutOrStdout(), map[string]string{"removed": args[0]})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
				return nil
			})
		},
	}
}

func writePlan(w io.Writer, p *models.DownloadPlan) {
	tw := newTabWriter(w)
	writeRow(tw, "Model:", p.ModelID)
	writeRow(tw, "Name:", p.DisplayName)
	writeRow(tw, "Source:", p.SourceURL)
	writeRow(tw, "Checksum:", p.Checksum)
	if p.SizeBytes > 0 {
		writeRow(tw, "Size:", humanBytes(p.SizeBytes))
	}
	writeRow(tw, "Destination:", p.Destination)
	if p.AlreadyInstalled {
		writeRow(tw, "Installed:", "yes")
	}
	_ = tw.Flush()
}

func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N] ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// progressPrinter reports download progress in whole percent steps.
type progressPrinter struct {
	mu   sync.Mutex
	w    io.Writer
	last int
	seen bool
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w, last: -1}
}

func (p *progressPrinter) report(pr models.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = true
	if pr.Total <= 0 {
		fmt.Fprintf(p.w, "\r%s: %s", pr.ModelID, humanBytes(pr.Downloaded))
		return
	}
	pct := int(pr.Downloaded * 100 / pr.Total)
	if pct == p.last {
		return
	}
	p.last = pct
	fmt.Fprintf(p.w, "\r%s: %3d%% (%s / %s)", pr.ModelID, pct, humanBytes(pr.Downloaded), humanBytes(pr.Total))
}

func (p *progressPrinter) done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen {
		fmt.Fprintln(p.w)
	}
}
