package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/funnyzak/reqflow/internal/dump"
	"github.com/funnyzak/reqflow/internal/printer"
	"github.com/funnyzak/reqflow/internal/workspace"
)

var errQuit = errors.New("quit")

type menuItem struct {
	key   string
	label string
	run   func(*shell) error
}

var shellMenu = []menuItem{
	{"1", "Load HAR capture", (*shell).loadCapture},
	{"2", "Load saved flow", (*shell).loadFlow},
	{"3", "Save flow", (*shell).saveFlow},
	{"4", "Find relations", (*shell).findRelations},
	{"5", "Start replay session", (*shell).startSession},
	{"6", "Play next element", (*shell).playNext},
	{"7", "Show next pending element", (*shell).showNext},
	{"8", "Show last completed step", (*shell).showLast},
	{"9", "Show session variables", (*shell).showSessionVariables},
	{"10", "Set external variable", (*shell).setVariable},
	{"11", "Rename external variable", (*shell).renameVariable},
	{"12", "Delete external variable", (*shell).deleteVariable},
	{"13", "Display flow", (*shell).displayFlow},
	{"14", "Export flow", (*shell).exportFlow},
	{"15", "Move element", (*shell).moveElement},
	{"16", "Edit request field", (*shell).editElement},
	{"17", "Add export", (*shell).addExport},
	{"18", "Remove export", (*shell).removeExport},
	{"0", "Quit", func(*shell) error { return errQuit }},
}

// shell is the interactive flow editor and stepper.
type shell struct {
	ctx     context.Context
	ws      *workspace.Workspace
	printer printer.Printer
	in      *bufio.Scanner
	out     io.Writer
}

func newShellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell [file]",
		Short: "Edit and step through a flow interactively",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()

			ws := a.workspace()
			defer ws.Close()
			if len(args) == 1 {
				if err := ws.LoadFile(args[0]); err != nil {
					return fmt.Errorf("failed to load %s: %w", args[0], err)
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return newShell(ctx, ws, a.printer, cmd.InOrStdin(), cmd.OutOrStdout()).Run()
		},
	}
}

func newShell(ctx context.Context, ws *workspace.Workspace, p printer.Printer, in io.Reader, out io.Writer) *shell {
	return &shell{ctx: ctx, ws: ws, printer: p, in: bufio.NewScanner(in), out: out}
}

// Run shows the menu until the user quits or input ends.
func (s *shell) Run() error {
	for {
		s.printMenu()
		choice, ok := s.prompt("Choice")
		if !ok {
			return nil
		}
		item := findMenuItem(choice)
		if item == nil {
			fmt.Fprintln(s.out, color.YellowString("Unknown choice %q", choice))
			continue
		}
		err := item.run(s)
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			fmt.Fprintln(s.out, color.RedString("Error: %v", err))
		}
		if s.ctx.Err() != nil {
			return nil
		}
	}
}

func findMenuItem(choice string) *menuItem {
	for i := range shellMenu {
		if shellMenu[i].key == choice {
			return &shellMenu[i]
		}
	}
	return nil
}

func (s *shell) printMenu() {
	status := s.ws.Status()
	header := "no flow loaded"
	if status.Loaded {
		header = fmt.Sprintf("%s: %d element(s), session %s", status.Source, status.Elements, status.State)
	}
	fmt.Fprintln(s.out)
	fmt.Fprintln(s.out, color.New(color.Bold).Sprint(header))
	for _, item := range shellMenu {
		fmt.Fprintf(s.out, "  %2s) %s\n", item.key, item.label)
	}
}

// prompt reads one trimmed line. ok is false once input is exhausted.
func (s *shell) prompt(label string) (string, bool) {
	fmt.Fprintf(s.out, "%s: ", label)
	if !s.in.Scan() {
		return "", false
	}
	return strings.TrimSpace(s.in.Text()), true
}

func (s *shell) promptRequired(label string) (string, error) {
	value, ok := s.prompt(label)
	if !ok || value == "" {
		return "", fmt.Errorf("%s is required", strings.ToLower(label))
	}
	return value, nil
}

func (s *shell) loadCapture() error {
	path, err := s.promptRequired("HAR path")
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return s.ws.LoadHAR(data, path)
}

func (s *shell) loadFlow() error {
	path, err := s.promptRequired("Flow path")
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return s.ws.LoadFlow(data, path)
}

func (s *shell) saveFlow() error {
	path, err := s.promptRequired("Save to")
	if err != nil {
		return err
	}
	if err := s.ws.SaveFile(path); err != nil {
		return err
	}
	fmt.Fprintln(s.out, color.GreenString("Saved %s", path))
	return nil
}

func (s *shell) findRelations() error {
	if err := s.ws.FindRelations(); err != nil {
		return err
	}
	fmt.Fprintln(s.out, color.GreenString("Relations applied"))
	return nil
}

func (s *shell) startSession() error {
	status, err := s.ws.StartSession()
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Session %s started, %d element(s) pending\n", status.SessionID, status.Pending)
	return nil
}

func (s *shell) playNext() error {
	step, err := s.ws.PlayNext(s.ctx)
	if err != nil {
		return err
	}
	return s.printer.PrintStep(step)
}

func (s *shell) showNext() error {
	next, ok, err := s.ws.Next()
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(s.out, "Queue is empty")
		return nil
	}
	return s.printer.PrintElement(next.Index, next.Element)
}

func (s *shell) showLast() error {
	last, ok, err := s.ws.Last()
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(s.out, "No step completed yet")
		return nil
	}
	return s.printer.PrintStep(last)
}

func (s *shell) showSessionVariables() error {
	vars, err := s.ws.SessionVariables()
	if err != nil {
		return err
	}
	return s.printer.PrintVariables(vars)
}

func (s *shell) setVariable() error {
	assignment, err := s.promptRequired("name=value")
	if err != nil {
		return err
	}
	name, value, err := parseAssignment(assignment)
	if err != nil {
		return err
	}
	return s.ws.SetVariable(name, value)
}

func (s *shell) renameVariable() error {
	from, err := s.promptRequired("Variable")
	if err != nil {
		return err
	}
	to, err := s.promptRequired("New name")
	if err != nil {
		return err
	}
	return s.ws.RenameVariable(from, to)
}

func (s *shell) deleteVariable() error {
	name, err := s.promptRequired("Variable")
	if err != nil {
		return err
	}
	return s.ws.DeleteVariable(name)
}

func (s *shell) displayFlow() error {
	f, err := s.ws.Flow()
	if err != nil {
		return err
	}
	return s.printer.PrintFlow(f)
}

func (s *shell) exportFlow() error {
	format, err := s.promptRequired("Format (" + strings.Join(dump.Formats, ", ") + ")")
	if err != nil {
		return err
	}
	path, err := s.promptRequired("Export to")
	if err != nil {
		return err
	}
	f, err := s.ws.Flow()
	if err != nil {
		return err
	}
	data, _, _, err := dump.Export(f, format)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	fmt.Fprintln(s.out, color.GreenString("Exported %s", path))
	return nil
}

func (s *shell) moveElement() error {
	from, err := s.promptIndex("From index")
	if err != nil {
		return err
	}
	to, err := s.promptIndex("To index")
	if err != nil {
		return err
	}
	return s.ws.Move(from, to)
}

func (s *shell) editElement() error {
	index, err := s.promptIndex("Element index")
	if err != nil {
		return err
	}
	path, err := s.promptRequired("Path (e.g. $.Request.Headers.X-Tenant)")
	if err != nil {
		return err
	}
	raw, _ := s.prompt("Value")
	_, value, err := parseAssignment("v=" + raw)
	if err != nil {
		return err
	}
	return s.ws.Edit(index, path, value)
}

func (s *shell) addExport() error {
	index, err := s.promptIndex("Element index")
	if err != nil {
		return err
	}
	name, err := s.promptRequired("Export name")
	if err != nil {
		return err
	}
	path, err := s.promptRequired("Path (e.g. $.Response.Body.id)")
	if err != nil {
		return err
	}
	regex, _ := s.prompt("Regex (optional)")
	if err := s.ws.AddExport(index, name, path, regex); err != nil {
		return err
	}
	fmt.Fprintln(s.out, color.GreenString("Export %s added to element %d", name, index))
	return nil
}

func (s *shell) removeExport() error {
	index, err := s.promptIndex("Element index")
	if err != nil {
		return err
	}
	name, err := s.promptRequired("Export name")
	if err != nil {
		return err
	}
	if err := s.ws.RemoveExport(index, name); err != nil {
		return err
	}
	fmt.Fprintln(s.out, color.GreenString("Export %s removed from element %d", name, index))
	return nil
}

func (s *shell) promptIndex(label string) (int, error) {
	raw, err := s.promptRequired(label)
	if err != nil {
		return 0, err
	}
	return parseIndex(raw)
}

func parseIndex(s string) (int, error) {
	index, err := strconv.Atoi(s)
	if err != nil || index < 0 {
		return 0, fmt.Errorf("invalid index %q", s)
	}
	return index, nil
}
