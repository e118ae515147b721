package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/config"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/logging"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/server"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/store"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/symbolicate"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/symbols"
)

var crashesCmd = &cobra.Command{
	Use:   "crashes",
	Short: "Inspect stored crash artifacts",
	Long: `Inspect the crash artifacts in the crash directory.

Examples:
  crashwarden crashes list
  crashwarden crashes show <id> --format markdown
  crashwarden crashes raw <id> -o crash.dmp`,
}

var crashesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List crash artifacts, newest first",
	Args:  cobra.NoArgs,
	RunE:  runCrashesList,
}

var crashesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show the symbolicated report of a crash",
	Args:  cobra.ExactArgs(1),
	RunE:  runCrashesShow,
}

var crashesRawCmd = &cobra.Command{
	Use:   "raw <id>",
	Short: "Write the raw minidump of a crash",
	Args:  cobra.ExactArgs(1),
	RunE:  runCrashesRaw,
}

var (
	crashesDir    string
	crashesOutput string
	showFormat    string
	rawOut        string
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	kindStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")).Padding(0, 1)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#374151"))
)

func init() {
	rootCmd.AddCommand(crashesCmd)
	crashesCmd.AddCommand(crashesListCmd, crashesShowCmd, crashesRawCmd)

	crashesCmd.PersistentFlags().StringVar(&crashesDir, "crash-dir", "", "crash artifact directory (default: crash.dir)")
	crashesListCmd.Flags().StringVarP(&crashesOutput, "output", "o", "table", "output mode (table, json)")
	crashesShowCmd.Flags().StringVarP(&showFormat, "format", "f", "markdown", "report format (markdown, json, yaml)")
	crashesRawCmd.Flags().StringVarP(&rawOut, "out", "o", "", "write to file instead of stdout")
}

// crashContext opens the store read-only in spirit: retention is not
// enforced, so listing never deletes anything.
func crashContext() (*store.Store, *symbolicate.Pipeline, error) {
	_, cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	dir := crashesDir
	if dir == "" {
		dir = cfg.Crash.Dir
	}
	if dir == "" {
		dir = config.DefaultCrashDir()
	}
	logger := newLogger(cfg)
	st, err := store.Open(dir, 0, logger.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening crash store: %w", err)
	}
	resolver := symbols.NewResolver(logger.Logger, server.SymbolSources(cfg.Symbols)...)
	return st, symbolicate.New(st, resolver, cfg.ThreadDump.MaxFrames, logging.NewNop()), nil
}

func runCrashesList(c *cobra.Command, _ []string) error {
	st, p, err := crashContext()
	if err != nil {
		return err
	}
	arts, err := st.List()
	if err != nil {
		return err
	}
	out := c.OutOrStdout()

	if crashesOutput == "json" {
		if arts == nil {
			arts = []store.Artifact{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(arts)
	}
	if len(arts) == 0 {
		fmt.Fprintf(out, "No crash artifacts in %s.\n", st.Dir())
		return nil
	}

	rows := make([][]string, 0, len(arts))
	for _, a := range arts {
		kind, summary := "?", ""
		if r, err := p.Symbolicate(c.Context(), a.ID); err == nil {
			kind, summary = r.Kind, truncate(r.Summary(), 60)
		} else {
			summary = "unreadable: " + err.Error()
		}
		rows = append(rows, []string{a.ID, a.Created.Local().Format("2006-01-02 15:04:05"), humanSize(a.Size), kind, summary})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case col == 3:
				return kindStyle
			default:
				return cellStyle
			}
		}).
		Headers("ID", "CREATED", "SIZE", "KIND", "SUMMARY").
		Rows(rows...)
	fmt.Fprintln(out, t.Render())
	return nil
}

func runCrashesShow(c *cobra.Command, args []string) error {
	_, p, err := crashContext()
	if err != nil {
		return err
	}
	r, err := p.Symbolicate(c.Context(), args[0])
	if err != nil {
		return err
	}
	return renderReport(c.OutOrStdout(), r, showFormat)
}

func renderReport(out io.Writer, r *symbolicate.Report, format string) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(r)
	case "markdown", "md":
		md := r.Markdown()
		if isTerminal(out) {
			renderer, err := glamour.NewTermRenderer(
				glamour.WithAutoStyle(),
				glamour.WithWordWrap(120),
			)
			if err == nil {
				if rendered, err := renderer.Render(md); err == nil {
					md = rendered
				}
			}
		}
		_, err := io.WriteString(out, md)
		return err
	default:
		return fmt.Errorf("unknown format %q, use markdown, json or yaml", format)
	}
}

func runCrashesRaw(c *cobra.Command, args []string) error {
	st, _, err := crashContext()
	if err != nil {
		return err
	}
	data, err := st.Fetch(args[0])
	if err != nil {
		return err
	}
	if rawOut == "" {
		if isTerminal(c.OutOrStdout()) {
			return fmt.Errorf("refusing to write a binary minidump to a terminal, use --out")
		}
		_, err = c.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(rawOut, data, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", rawOut, err)
	}
	fmt.Fprintf(c.ErrOrStderr(), "wrote %s (%s)\n", rawOut, humanSize(int64(len(data))))
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
