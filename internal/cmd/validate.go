package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/graph"
	"github.com/Iron-Ham/foreman/internal/tracker"
	"github.com/Iron-Ham/foreman/internal/workitem"
)

var validateCmd = &cobra.Command{
	Use:   "validate [items-file]",
	Short: "Check work items for schema errors and dependency cycles",
	Long: `Validate work items without running anything. Items are read from the
given file or, without an argument, from the configured tracker.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

var orderCmd = &cobra.Command{
	Use:   "order [items-file]",
	Short: "Print the dispatch order of work items",
	Long: `Print the dependency order in which items would be dispatched, grouped
into levels. Items in the same level do not depend on each other.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runOrder,
}

var (
	validateJSON bool
	orderJSON    bool
)

func init() {
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(orderCmd)

	validateCmd.Flags().BoolVar(&validateJSON, "json", false, "Output the result as JSON")
	orderCmd.Flags().BoolVar(&orderJSON, "json", false, "Output the order as JSON")
}

// loadItems reads items from the file argument or the configured tracker.
func loadItems(ctx context.Context, args []string) ([]workitem.WorkItem, error) {
	if len(args) > 0 {
		items, err := tracker.LoadItemsFile(args[0])
		if err != nil {
			return nil, err
		}
		return workitem.NormalizeAll(items), nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	tr, err := tracker.New(cfg.Tracker)
	if err != nil {
		return nil, err
	}
	defer tr.Close()
	items, err := tr.ListItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tracker items: %w", err)
	}
	return workitem.NormalizeAll(items), nil
}

type validationReport struct {
	Valid  bool     `json:"valid"`
	Items  int      `json:"items"`
	Kind   string   `json:"kind,omitempty"`
	Error  string   `json:"error,omitempty"`
	ItemID string   `json:"item_id,omitempty"`
	Cycle  []string `json:"cycle,omitempty"`
}

func runValidate(cmd *cobra.Command, args []string) error {
	items, err := loadItems(cmd.Context(), args)
	if err != nil {
		return err
	}

	report := validationReport{Valid: true, Items: len(items)}
	verr := graph.Validate(items)
	if verr != nil {
		report.Valid = false
		report.Error = verr.Error()
		var schema *errors.SchemaError
		var cycle *errors.CycleError
		switch {
		case errors.As(verr, &schema):
			report.Kind = "schema"
			report.ItemID = schema.ItemID
		case errors.As(verr, &cycle):
			report.Kind = "cycle"
			report.Cycle = cycle.Path
		}
	}

	out := cmd.OutOrStdout()
	if validateJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else if report.Valid {
		fmt.Fprintf(out, "%d items, no schema errors, no cycles\n", report.Items)
	} else {
		fmt.Fprintf(out, "invalid: %s\n", report.Error)
	}

	if !report.Valid {
		return &ExitCodeError{Code: ExitError}
	}
	return nil
}

func runOrder(cmd *cobra.Command, args []string) error {
	items, err := loadItems(cmd.Context(), args)
	if err != nil {
		return err
	}
	g, err := graph.New(items)
	if err != nil {
		return err
	}
	order, err := g.Order()
	if err != nil {
		return err
	}
	levels := g.Levels()

	out := cmd.OutOrStdout()
	if orderJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Order  []string   `json:"order"`
			Levels [][]string `json:"levels"`
		}{order, levels})
	}

	byID := graph.ItemsByID(items)
	n := 0
	for i, level := range levels {
		fmt.Fprintf(out, "level %d\n", i)
		for _, id := range level {
			n++
			line := fmt.Sprintf("  %3d. %s", n, id)
			if title := byID[id].Title; title != "" {
				line += "  " + title
			}
			if deps := g.Dependencies(id); len(deps) > 0 {
				line += "  (after " + strings.Join(deps, ", ") + ")"
			}
			if down := g.Downstream(id); len(down) > 0 {
				line += fmt.Sprintf("  [unlocks %d]", len(down))
			}
			fmt.Fprintln(out, line)
		}
	}
	return nil
}
