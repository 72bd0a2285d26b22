// Command quill is the command line front end of the realtime client.
//
// Run a local realtime server:
//
//	quill serve
//
// Connect and print live updates:
//
//	QUILL_TOKEN=alice quill watch --room article-1
//
// Inject an event into a running server:
//
//	quill publish notification '{"id":"n1","message":"hi","timestamp":1700000000000}'
package main

import (
	"fmt"
	"os"

	"github.com/HMasataka/quill/internal/config"
	"github.com/HMasataka/quill/internal/logging"
	"github.com/spf13/cobra"
)

var version = "dev"

type globalFlags struct {
	configPath string
	envFile    string
	logLevel   string
	logFormat  string
}

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:          "quill",
		Short:        "Realtime client and development server",
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to a YAML or JSON configuration file")
	rootCmd.PersistentFlags().StringVar(&flags.envFile, "env-file", "", "Dotenv file to load (default .env when present)")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Override the log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "Override the log format (text, json, pretty)")

	rootCmd.AddCommand(
		buildServeCmd(flags),
		buildWatchCmd(flags),
		buildPublishCmd(flags),
		buildKickCmd(flags),
	)

	return rootCmd
}

// load resolves configuration and the logger shared by every command.
func (f *globalFlags) load() (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(config.LoadOptions{Path: f.configPath, EnvFile: f.envFile})
	if err != nil {
		return nil, nil, err
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Logging.Format = f.logFormat
	}

	return cfg, logging.NewWithWriter(cfg.Logging, os.Stderr), nil
}
