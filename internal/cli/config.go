package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/allyourbase/alterd/internal/config"
)

const defaultConfigPath = "alterd.toml"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print resolved configuration",
	Long: `Load and print the resolved alterd configuration as TOML.
Shows the result of merging defaults, alterd.toml, environment variables, and flags.`,
	RunE: runConfig,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long: `Get a specific configuration value by dotted key path.
Examples: server.port, alter.max_running_rollup_job_num_per_table, journal.backend`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value in alterd.toml",
	Long: `Set a configuration value in the alterd.toml config file.
Creates the file if it doesn't exist.
Examples:
  alterd config set server.port 9030
  alterd config set alter.max_running_rollup_job_num_per_table 2
  alterd config set journal.backend sqlite`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default alterd.toml",
	RunE:  runConfigInit,
}

func init() {
	for _, c := range []*cobra.Command{configCmd, configGetCmd, configSetCmd, configInitCmd} {
		c.Flags().String("config", "", "Path to alterd.toml config file")
	}
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")

	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
}

func configPathFlag(cmd *cobra.Command) string {
	p, _ := cmd.Flags().GetString("config")
	if p == "" {
		return defaultConfigPath
	}
	return p
}

func runConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPathFlag(cmd), nil)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	out := cmd.OutOrStdout()
	if outputFormat(cmd) == "json" {
		return writeJSON(out, cfg)
	}
	s, err := cfg.ToTOML()
	if err != nil {
		return fmt.Errorf("serializing config: %w", err)
	}
	fmt.Fprint(out, s)
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPathFlag(cmd), nil)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	value, err := config.GetValue(cfg, args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if outputFormat(cmd) == "json" {
		return writeJSON(out, map[string]any{"key": args[0], "value": value})
	}
	fmt.Fprintln(out, value)
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	path := configPathFlag(cmd)
	key, value := args[0], args[1]
	if !config.IsValidKey(key) {
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	if err := config.SetValue(path, key, value); err != nil {
		return fmt.Errorf("setting config value: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s = %s\n", key, value)
	fmt.Fprintf(out, "Written to %s\n", path)

	// Only warn: values are often set one at a time.
	if _, err := config.Load(path, nil); err != nil {
		msg := err.Error()
		if rest, ok := strings.CutPrefix(msg, "config validation: "); ok {
			msg = rest
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Note: %s\n", msg)
	}
	return nil
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	path := configPathFlag(cmd)
	force, _ := cmd.Flags().GetBool("force")
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.GenerateDefault(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}
