package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"THA-AgentHub/internal/registry"
)

var agentsSeed string

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List the agents declared in the registry seed file",
	RunE:  runAgents,
}

func init() {
	agentsCmd.Flags().StringVar(&agentsSeed, "seed", "", "直接读取种子文件，跳过配置文件")
	rootCmd.AddCommand(agentsCmd)
}

func runAgents(cmd *cobra.Command, _ []string) error {
	seed := agentsSeed
	if seed == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		seed = cfg.Registry.SeedFile
	}
	if seed == "" {
		return fmt.Errorf("未配置 registry.seed_file")
	}
	reg := registry.New()
	if _, err := reg.LoadSeedFile(seed); err != nil {
		return err
	}
	return printAgents(cmd.OutOrStdout(), reg.List())
}

func printAgents(out io.Writer, agents []registry.Agent) error {
	if len(agents) == 0 {
		_, err := fmt.Fprintln(out, "No agents registered.")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCATEGORY\tPRICE\tSTATUS\tFIELDS")
	for _, a := range agents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d %s\t%s\t%d\n",
			a.ID, a.Name, a.Category, a.Price.Amount, a.Price.Unit, a.Status, len(a.Schema))
	}
	return w.Flush()
}
