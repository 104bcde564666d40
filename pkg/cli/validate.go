package cli

import (
	"fmt"
	"os/exec"
	"slices"

	"github.com/spf13/cobra"

	"github.com/movebroker/movebroker/pkg/cli/internal/output"
	"github.com/movebroker/movebroker/pkg/config"
)

var (
	validateFlags configFlags
	validatePrint bool
)

// ValidateOutput is the JSON result of validate.
type ValidateOutput struct {
	Valid    bool              `json:"valid"`
	File     string            `json:"file,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
	Sources  map[string]string `json:"sources,omitempty"`
	Config   *config.Config    `json:"config,omitempty"`
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the effective configuration without starting anything",
	Long: `Load the configuration the same way serve does (defaults, file,
environment, flags) and report every problem found. The exit status is
non-zero when the configuration is invalid.

With --print the effective configuration is written as YAML, followed by
the layer each overridden value came from.`,
	Example: `  movebroker validate -c movebroker.yaml
  MOVEBROKER_PORT=9000 movebroker validate --print
  movebroker validate -c movebroker.yaml --json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runValidate(cmd, &validateFlags)
	},
}

func init() {
	validateFlags.addFileFlag(validateCmd)
	validateFlags.addServerFlags(validateCmd)
	validateFlags.addEngineFlags(validateCmd)
	validateFlags.addLogFlags(validateCmd)
	validateCmd.Flags().BoolVar(&validatePrint, "print", false, "Print the effective configuration")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, f *configFlags) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(cmd, f)
	if err != nil {
		if jsonOutput {
			_ = output.JSON(out, ValidateOutput{File: f.configPath()})
		}
		return err
	}

	var warnings []string
	if cfg.Engine.Path != "" {
		if _, err := exec.LookPath(cfg.Engine.Path); err != nil {
			warnings = append(warnings, fmt.Sprintf("engine.path %q is not executable here: %v", cfg.Engine.Path, err))
		}
	}

	if jsonOutput {
		res := ValidateOutput{Valid: true, File: f.configPath(), Warnings: warnings, Sources: cfg.Sources}
		if validatePrint {
			res.Config = cfg
		}
		return output.JSON(out, res)
	}

	for _, w := range warnings {
		output.Warn(cmd.ErrOrStderr(), "%s", w)
	}

	if validatePrint {
		data, err := config.Marshal(cfg)
		if err != nil {
			return err
		}
		if _, err := out.Write(data); err != nil {
			return err
		}
		if len(cfg.Sources) > 0 {
			fmt.Fprintln(out, "# overridden values:")
			keys := make([]string, 0, len(cfg.Sources))
			for k := range cfg.Sources {
				keys = append(keys, k)
			}
			slices.Sort(keys)
			for _, k := range keys {
				fmt.Fprintf(out, "#   %s (%s)\n", k, cfg.Sources[k])
			}
		}
		return nil
	}

	if file := f.configPath(); file != "" {
		fmt.Fprintf(out, "Configuration is valid (%s)\n", file)
	} else {
		fmt.Fprintln(out, "Configuration is valid (defaults)")
	}
	return nil
}
