package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/AGPFMiner/multiminer/config"
	"github.com/AGPFMiner/multiminer/miner"
)

const version = "0.2.0"

const defaultConfigName = "multiminer"

// The main command describes the service and runs the miner.
var mainCmd = &cobra.Command{
	Use:          "multiminer",
	Short:        "Proof-of-work miner for CPUs and FPGA boards",
	Long:         `Multiminer fetches work from a stratum pool and spreads it over every configured device.`,
	SilenceUsage: true,
}

// The version command prints this service.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version.",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	// RunE is assigned here because mine refers to mainCmd.
	mainCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return mine(cmd.Context())
	}
	mainCmd.AddCommand(versionCmd)
	registerFlags(mainCmd.PersistentFlags())
}

func registerFlags(flags *pflag.FlagSet) {
	flags.String("cfg", "", "config file path, searched as multiminer.{json,yaml,toml} in . and /etc/multiminer when empty")
	flags.String("log.level", "info", "log level: debug, info, warn or error")
	flags.String("log.file", "", "also log to this file, rotated")
	flags.String("api.listen", "127.0.0.1:1234", "status api listen address")
	flags.Bool("api.enable", true, "serve the status api")
}

//newViper reads defaults, bound flags and the config file
func newViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	config.SetDefaults(v)
	if err := v.BindPFlags(flags); err != nil {
		return nil, err
	}

	fullcfgname := v.GetString("cfg")
	if fullcfgname != "" {
		v.SetConfigFile(fullcfgname)
	} else {
		v.SetConfigName(defaultConfigName)
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/multiminer")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	return v, nil
}

func mine(ctx context.Context) error {
	v, err := newViper(mainCmd.PersistentFlags())
	if err != nil {
		return err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	logger := miner.NewLogger(cfg.Log, nil)
	defer logger.Close()
	if used := v.ConfigFileUsed(); used != "" {
		logger.Info("Config file", zap.String("path", used))
	} else {
		logger.Info("No config file found, using defaults and flags")
	}

	m, err := miner.New(cfg, logger.Logger, miner.WithLevelSetter(logger.SetLevel))
	if err != nil {
		return err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		logger.Info("Config file changed", zap.String("path", e.Name))
		next, err := config.Load(v)
		if err != nil {
			logger.Warn("Ignoring invalid config", zap.Error(err))
			return
		}
		m.Reload(next)
	})
	if v.ConfigFileUsed() != "" {
		v.WatchConfig()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := m.Run(ctx); err != nil {
		logger.Error("Miner failed", zap.Error(err))
		return err
	}
	return nil
}

func main() {
	if err := mainCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
