package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/funnyzak/reqflow/internal/dump"
	"github.com/funnyzak/reqflow/internal/replay"
	"github.com/funnyzak/reqflow/internal/storage"
	"github.com/funnyzak/reqflow/internal/workspace"
	"github.com/funnyzak/reqflow/pkg/binding"
)

var errStorageDisabled = errors.New("replay history is disabled (storage.enable=false)")

func newInspectCmd() *cobra.Command {
	var withRelations bool
	cmd := &cobra.Command{
		Use:   "inspect <file>",
		Short: "Print the elements, exports and variables of a HAR capture or saved flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			ws, err := loadWorkspace(a, args[0], withRelations)
			if err != nil {
				return err
			}
			f, err := ws.Flow()
			if err != nil {
				return err
			}
			return a.printer.PrintFlow(f)
		},
	}
	cmd.Flags().BoolVarP(&withRelations, "relations", "r", false, "Discover relations before printing")
	return cmd
}

func newRelationsCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "relations <har>",
		Short: "Discover token and cookie relations and save the resulting flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			ws, err := loadWorkspace(a, args[0], true)
			if err != nil {
				return err
			}
			if output == "" {
				f, err := ws.Flow()
				if err != nil {
					return err
				}
				return f.Save(cmd.OutOrStdout())
			}
			if err := ws.SaveFile(output); err != nil {
				return fmt.Errorf("failed to save flow: %w", err)
			}
			a.log.Info("Flow saved", "path", output, "elements", ws.Status().Elements)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "out", "o", "", "Write the flow document to this file instead of stdout")
	return cmd
}

func newReplayCmd() *cobra.Command {
	var (
		withRelations bool
		stepMode      bool
		noStore       bool
		assignments   []string
	)
	cmd := &cobra.Command{
		Use:   "replay <file>",
		Short: "Replay a HAR capture or saved flow against the live server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, !noStore)
			if err != nil {
				return err
			}
			defer a.Close()

			ws, err := loadWorkspace(a, args[0], withRelations)
			if err != nil {
				return err
			}
			defer ws.Close()
			for _, assignment := range assignments {
				name, value, err := parseAssignment(assignment)
				if err != nil {
					return err
				}
				if err := ws.SetVariable(name, value); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			status, err := ws.StartSession()
			if err != nil {
				return err
			}
			a.log.Info("Replaying flow", "source", status.Source, "elements", status.Elements, "run", status.RunID)

			if stepMode {
				err = stepThrough(ctx, ws, a, cmd.InOrStdin(), cmd.OutOrStdout())
			} else {
				err = ws.Run(ctx, a.printer.PrintStep)
			}
			if err != nil {
				return err
			}

			vars, err := ws.SessionVariables()
			if err != nil {
				return err
			}
			return a.printer.PrintVariables(vars)
		},
	}
	cmd.Flags().BoolVarP(&withRelations, "relations", "r", false, "Discover relations before replaying")
	cmd.Flags().BoolVar(&stepMode, "step", false, "Wait for Enter before each request")
	cmd.Flags().BoolVar(&noStore, "no-store", false, "Do not record this replay in the history")
	cmd.Flags().StringArrayVar(&assignments, "set", nil, "Set an external variable (name=value, value may be JSON)")
	return cmd
}

// stepThrough plays one element per line read from in. "q" stops early.
func stepThrough(ctx context.Context, ws *workspace.Workspace, a *app, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)
	for {
		next, ok, err := ws.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		fmt.Fprintf(out, "%s %s %s [Enter to send, q to stop] ",
			color.CyanString("next #%d", next.Index), next.Element.Request.Method, next.Element.Request.URL)
		line, readErr := reader.ReadString('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return readErr
		}
		if strings.EqualFold(strings.TrimSpace(line), "q") {
			return nil
		}

		step, err := ws.PlayNext(ctx)
		var stepErr *replay.StepError
		switch {
		case errors.As(err, &stepErr):
			fmt.Fprintln(out, color.RedString("step failed: %v", stepErr.Err))
			if a.cfg.Replay.StopOnError {
				return err
			}
		case err != nil:
			return err
		default:
			if err := a.printer.PrintStep(step); err != nil {
				return err
			}
		}
		if errors.Is(readErr, io.EOF) {
			return nil
		}
	}
}

func newExportCmd() *cobra.Command {
	var (
		format        string
		output        string
		withRelations bool
	)
	cmd := &cobra.Command{
		Use:   "export <file>",
		Short: "Export a flow as json, yaml, txt or csv",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			ws, err := loadWorkspace(a, args[0], withRelations)
			if err != nil {
				return err
			}
			f, err := ws.Flow()
			if err != nil {
				return err
			}

			var w io.Writer = cmd.OutOrStdout()
			if output != "" {
				file, err := os.Create(output)
				if err != nil {
					return err
				}
				defer file.Close()
				w = file
			}
			if _, _, err := dump.Write(w, f, format); err != nil {
				return err
			}
			if output != "" {
				a.log.Info("Flow exported", "path", output, "format", format)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "json", "Export format ("+strings.Join(dump.Formats, ", ")+")")
	cmd.Flags().StringVarP(&output, "out", "o", "", "Write to this file instead of stdout")
	cmd.Flags().BoolVarP(&withRelations, "relations", "r", false, "Discover relations before exporting")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	var (
		limit  int
		status string
		search string
	)
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recorded replay runs, or the steps of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.store == nil {
				return errStorageDisabled
			}

			if len(args) == 1 {
				run, err := a.store.GetRun(args[0])
				if err != nil {
					return err
				}
				if run == nil {
					return fmt.Errorf("%w: %s", storage.ErrRunNotFound, args[0])
				}
				return printRunSteps(cmd.OutOrStdout(), run)
			}

			runs, total, err := a.store.ListRuns(storage.ListOptions{Search: search, Status: status, Limit: limit})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSOURCE\tSTARTED\tSTATUS\tSTEPS\tFAILED")
			for _, run := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%d\n",
					run.ID,
					runewidth.Truncate(run.Source, 40, "..."),
					humanize.Time(run.StartedAt),
					run.Status,
					run.Completed, run.Total,
					run.Failed,
				)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "%d of %d run(s)\n", len(runs), total)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum runs to list")
	cmd.Flags().StringVar(&status, "status", "", "Only list runs with this status (running, finished, aborted)")
	cmd.Flags().StringVar(&search, "search", "", "Only list runs whose source or step URLs contain this text")
	return cmd
}

func printRunSteps(out io.Writer, run *storage.StoredRun) error {
	fmt.Fprintf(out, "Run %s  %s  %s (%s)\n", run.ID, run.Source, run.Status, humanize.Time(run.StartedAt))
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tELEMENT\tMETHOD\tURL\tSTATUS\tOUTCOME\tTIME\tMATCHED")
	for i, step := range run.Steps {
		status := fmt.Sprintf("%d", step.StatusCode)
		if step.Error != "" {
			status = "ERR"
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\t%dms\t%t\n",
			i+1,
			step.Index,
			step.Method,
			runewidth.Truncate(step.URL, 60, "..."),
			status,
			step.Outcome,
			step.ResponseTimeMs,
			step.Matched,
		)
	}
	return tw.Flush()
}

func loadWorkspace(a *app, path string, withRelations bool) (*workspace.Workspace, error) {
	ws := a.workspace()
	if err := ws.LoadFile(path); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	if withRelations {
		if err := ws.FindRelations(); err != nil {
			return nil, err
		}
	}
	return ws, nil
}

// parseAssignment splits name=value. Values that parse as JSON keep their
// type; anything else is a string.
func parseAssignment(s string) (string, any, error) {
	name, raw, ok := strings.Cut(s, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return "", nil, fmt.Errorf("invalid assignment %q, expected name=value", s)
	}
	if value, err := binding.Decode([]byte(raw)); err == nil {
		return name, value, nil
	}
	return name, raw, nil
}
