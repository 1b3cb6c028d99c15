// Package cli 基于 Cobra 实现 thad 命令行：serve 启动守护进程，agents 与 config 用于运维检查。
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"THA-AgentHub/internal/config"
)

// ConfigEnv 指定配置文件路径的环境变量。
const ConfigEnv = "THA_CONFIG"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "thad",
	Short: "THA Agent Hub daemon",
	Long: `thad accepts paid agent jobs, waits for the escrow payment to land on chain
and dispatches each paid job to its agent backend exactly once.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"配置文件路径 (JSON/TOML/YAML)，默认读取 $"+ConfigEnv+" 或 configs/config.json")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

// resolveConfigPath 依次使用命令行参数、环境变量与默认路径。
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if env := os.Getenv(ConfigEnv); env != "" {
		return env
	}
	return filepath.Join("configs", "config.json")
}

func loadConfig() (*config.Config, error) {
	return config.Load(resolveConfigPath())
}
