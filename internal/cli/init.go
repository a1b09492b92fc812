package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/strata-project/strata/internal/table"
	"github.com/strata-project/strata/pkg/config"
	"github.com/strata-project/strata/pkg/model"
)

var initLayout string

var initCmd = &cobra.Command{
	Use:   "init <name>",
	Short: "Initialize a new table",
	Long: `Initialize a new table at --base (default: the working directory).

This creates:
  - .strata/format_version (version 1)
  - .strata/table.yaml with the table name, id and layout version
  - .strata/timeline/ for instant files
  - .strata/config.yaml with default client settings, if absent`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		base := baseDir
		if base == "" {
			base = "."
		}
		base, err := filepath.Abs(base)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(base, 0755); err != nil {
			return fmt.Errorf("create table directory: %w", err)
		}

		cfg, err := loadConfig(base)
		if err != nil {
			return err
		}
		layout := model.LayoutVersion(cfg.LayoutVersion)
		switch initLayout {
		case "":
		case "legacy", "0":
			layout = model.LayoutLegacy
		case "modern", "1":
			layout = model.LayoutModern
		default:
			return fmt.Errorf("invalid layout %q (must be legacy or modern)", initLayout)
		}
		cfg.LayoutVersion = int(layout)

		store, err := table.OpenStore(cfg, base)
		if err != nil {
			return err
		}
		t, err := table.Init(context.Background(), store, args[0], layout)
		if err != nil {
			return fmt.Errorf("failed to initialize table: %w", err)
		}
		if _, statErr := os.Stat(config.Path(base)); os.IsNotExist(statErr) && configPath == "" {
			if err := config.Save(base, cfg); err != nil {
				return err
			}
		}

		if jsonOutput {
			return outputJSON(map[string]any{
				"base":           base,
				"format_version": t.FormatVersion,
				"table":          t.Properties,
			})
		}
		fmt.Printf("Initialized table %s in %s\n", t.Properties.Name, base)
		fmt.Printf("  Table ID: %s\n", t.Properties.TableID)
		fmt.Printf("  Layout: %s\n", t.Properties.LayoutVersion)
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initLayout, "layout", "", "timeline layout: legacy or modern (default from config)")
	rootCmd.AddCommand(initCmd)
}
