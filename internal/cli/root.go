// Package cli 实现 privctl 命令行：查看平台定义、计算提权路径、对设备批量执行命令。
package cli

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/charlesren/netpriv/internal/config"
	"github.com/charlesren/netpriv/internal/logger"
	"github.com/charlesren/netpriv/platform"
)

const moduleName = "cli"

type Config struct {
	ConfigPath   string
	OutputWriter io.Writer
}

type runtimeState struct {
	configPath string
	cfg        *config.Config
	verbose    bool
	writer     io.Writer
}

type runtimeKey struct{}

func DefaultConfig() Config {
	return Config{
		ConfigPath:   os.Getenv(config.EnvPrefix + "_CONFIG"),
		OutputWriter: os.Stdout,
	}
}

func NewRootCommand(cfg Config) *cobra.Command {
	rt := &runtimeState{configPath: cfg.ConfigPath, writer: cfg.OutputWriter}

	root := &cobra.Command{
		Use:           "privctl",
		Short:         "Privilege-aware command runner for network devices",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if rt.writer == nil {
				rt.writer = os.Stdout
			}
			if cmd.Name() == "completion" {
				return nil
			}
			loaded, err := config.Load(rt.configPath)
			if err != nil {
				return err
			}
			if rt.verbose {
				loaded.Log.Level = logger.LevelDebug
				loaded.Log.Console = true
			}
			if err := logger.Init(loaded.LoggerOptions()...); err != nil {
				return err
			}
			rt.cfg = loaded
			logger.Debugf(moduleName, "config loaded from %q", rt.configPath)
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&rt.configPath, "config", "c", rt.configPath, "Path to config file (yaml, toml or json)")
	root.PersistentFlags().BoolVarP(&rt.verbose, "verbose", "v", false, "Log at debug level to stderr")
	root.SetOut(rt.writer)
	root.SetContext(context.WithValue(context.Background(), runtimeKey{}, rt))

	root.AddCommand(
		NewPlatformsCommand(),
		NewValidateCommand(),
		NewPathCommand(),
		NewRunCommand(),
	)
	return root
}

func getRuntime(cmd *cobra.Command) *runtimeState {
	if rt, ok := cmd.Context().Value(runtimeKey{}).(*runtimeState); ok {
		return rt
	}
	return &runtimeState{writer: cmd.OutOrStdout()}
}

func (rt *runtimeState) registry() (*platform.Registry, error) {
	if rt.cfg == nil {
		return platform.NewBuiltinRegistry()
	}
	return rt.cfg.Registry()
}
