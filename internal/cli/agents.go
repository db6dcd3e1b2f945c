package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/harun/npcagent/internal/config"
	"github.com/harun/npcagent/pkg/manager"
	"github.com/spf13/cobra"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Work with agent definition files",
}

var agentsValidateCmd = &cobra.Command{
	Use:   "validate [dir]",
	Short: "Check agent definition files without starting anything",
	Long: `Parse every .yaml/.yml file in the agent directory and report which
definitions are valid. Exits non-zero when any file is invalid.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAgentsValidate,
}

func init() {
	agentsCmd.AddCommand(agentsValidateCmd)
	rootCmd.AddCommand(agentsCmd)
}

func runAgentsValidate(cmd *cobra.Command, args []string) error {
	var dir string
	if len(args) == 1 {
		dir = args[0]
	} else {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		dir = cfg.Agents.Dir
	}

	results, err := manager.ReadDefinitions(dir)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(results) == 0 {
		fmt.Fprintf(out, "No agent definitions in %s\n", dir)
		return nil
	}

	seen := make(map[string]string)
	var failed []string
	for _, r := range results {
		name := filepath.Base(r.Path)
		if r.Err != nil {
			fmt.Fprintf(out, "FAIL  %s: %v\n", name, r.Err)
			failed = append(failed, name)
			continue
		}
		if prev, dup := seen[r.Config.ID]; dup {
			fmt.Fprintf(out, "FAIL  %s: duplicate id %q (also in %s)\n", name, r.Config.ID, prev)
			failed = append(failed, name)
			continue
		}
		seen[r.Config.ID] = name
		fmt.Fprintf(out, "OK    %s: %s (%s) on %s, skills [%s]\n",
			name, r.Config.ID, r.Config.Name, r.Config.Spawn.Map, strings.Join(r.Config.Skills, ", "))
	}

	if len(failed) > 0 {
		return fmt.Errorf("%d invalid definition(s): %s", len(failed), strings.Join(failed, ", "))
	}
	return nil
}
