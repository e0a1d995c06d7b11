package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapgrid/internal/source"
)

// replMaxRows bounds how much of a result one REPL statement loads.
const replMaxRows = 1000

// NewREPLCommand creates the repl command.
func NewREPLCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Interactive SQL shell against the engine",
		Long: `Run ad-hoc SQL against the embedded engine. Each statement streams
through a throwaway tab, so large results load incrementally and stop
at a bounded row window.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runREPL(cmd)
		},
	}
}

func runREPL(cmd *cobra.Command) error {
	ctx := cmd.Context()
	cfg := ConfigFromContext(ctx)
	logger := LoggerFromContext(ctx)

	a, err := newApp(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.close()

	historyFile := filepath.Join(filepath.Dir(cfg.StatePath), "repl_history")

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "leapgrid> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       ".quit",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize REPL: %w", err)
	}
	defer func() { _ = rl.Close() }()

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "leapgrid REPL (database: %s)\n", cfg.Database)
	_, _ = fmt.Fprintln(out, "Type .help for commands, .quit to exit")
	_, _ = fmt.Fprintln(out)

	var buffer strings.Builder
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			buffer.Reset()
			rl.SetPrompt("leapgrid> ")
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, ".") {
			if line == ".quit" || line == ".exit" {
				break
			}
			a.handleDotCommand(ctx, out, line)
			continue
		}

		buffer.WriteString(line)
		if !strings.HasSuffix(line, ";") {
			buffer.WriteString(" ")
			rl.SetPrompt("     ...> ")
			continue
		}
		rl.SetPrompt("leapgrid> ")

		query := strings.TrimSuffix(buffer.String(), ";")
		buffer.Reset()

		if err := a.runStatement(ctx, out, query); err != nil {
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
		}
		_, _ = fmt.Fprintln(out)
	}

	return nil
}

// runStatement streams one SQL statement through a throwaway tab and
// renders up to replMaxRows of the result.
func (a *app) runStatement(ctx context.Context, out io.Writer, query string) error {
	tab, err := a.registry.Open(ctx, "", source.Descriptor{Kind: source.KindScript, SQL: query})
	if err != nil {
		return err
	}
	defer func() { _ = a.registry.Close(ctx, tab.ID) }()

	if err := tab.Adapter.FetchTo(ctx, replMaxRows); err != nil {
		return err
	}

	st := tab.Adapter.Status()
	slice := tab.Adapter.SliceRows(0, replMaxRows)
	if slice == nil {
		_, _ = fmt.Fprintln(out, "(no result)")
		return nil
	}

	renderTable(out, st.Schema, slice.Data)
	if !st.Exhausted {
		_, _ = countPrinter.Fprintf(out, "(showing first %d rows)\n", len(slice.Data))
	}
	return nil
}

func (a *app) handleDotCommand(ctx context.Context, out io.Writer, line string) {
	switch strings.Fields(line)[0] {
	case ".help":
		_, _ = fmt.Fprintln(out, "  .tables        list tables and views")
		_, _ = fmt.Fprintln(out, "  .quit, .exit   leave the REPL")
	case ".tables":
		tables, err := a.engine.ListTables(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(out, "Error: %v\n", err)
			return
		}
		for _, t := range tables {
			_, _ = fmt.Fprintf(out, "  %s.%s (%s)\n", t.Schema, t.Name, t.Kind)
		}
	default:
		_, _ = fmt.Fprintf(out, "unknown command: %s\n", line)
	}
}
