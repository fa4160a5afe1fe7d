package main

import (
	"os"

	"github.com/i5heu/taxindex/internal/config"
	"github.com/i5heu/taxindex/pkg/logging"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	conf       config.Config
	log        *logrus.Logger
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "taxindex",
		Short:        "Build and query taxonomy k-mer indexes",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			conf, err = config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				conf.LogLevel = logLevel
			}
			log, err = logging.New(conf.LogLevel)
			return err
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(buildCommand(), classifyCommand(), infoCommand(), importStoreCommand())
	return root
}
