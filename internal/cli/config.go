package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"THA-AgentHub/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration with defaults applied, secrets redacted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(redact(*cfg))
		if err != nil {
			return fmt.Errorf("序列化配置失败: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the configuration file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if _, err := loadConfig(); err != nil {
			return err
		}
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", resolveConfigPath())
		return err
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configValidateCmd)
	rootCmd.AddCommand(configCmd)
}

const redacted = "******"

// redact 隐藏配置中的凭证。
func redact(cfg config.Config) config.Config {
	mask := func(s *string) {
		if *s != "" {
			*s = redacted
		}
	}
	mask(&cfg.Server.AdminToken)
	mask(&cfg.Storage.JobStore.DSN)
	mask(&cfg.Verifier.Indexer.APIKey)
	mask(&cfg.Dispatch.Queue.Redis.Password)
	mask(&cfg.Dispatch.Queue.RabbitMQ.URL)
	mask(&cfg.Dispatch.Guard.Redis.Password)
	return cfg
}
