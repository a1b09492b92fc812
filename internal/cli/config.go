package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/strata-project/strata/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config <command>",
	Short: "Inspect strata configuration",
	Long: `Inspect the configuration stored in .strata/config.yaml.

Sections:
  storage         - backend (local, memory, s3) and S3 connection settings
  lock            - provider (none, inprocess, file, redis, zookeeper) and timeouts
  time_generator  - max_clock_skew and timezone used when minting times
  logging         - level and format
  audit           - enable the hash-chained transition log`,
	DisableFlagsInUseLine: true,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		base, err := resolveBase()
		if err != nil {
			return err
		}
		cfg, err := loadConfig(base)
		if err != nil {
			return err
		}

		location := configPath
		if location == "" {
			location = config.Path(base)
		}

		if jsonOutput {
			return outputJSON(map[string]any{"location": location, "config": cfg})
		}

		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		fmt.Println("# strata configuration")
		if _, err := os.Stat(location); err != nil {
			fmt.Printf("# Location: %s (not present, showing defaults)\n\n", location)
		} else {
			fmt.Printf("# Location: %s\n\n", location)
		}
		fmt.Print(string(out))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
