// Command aperture-demo drives a loadbalancer.ApertureController against a
// pool of synthetic TCP endpoints under a generated request load, exposing
// Prometheus metrics so the aperture's expand/contract behavior can be
// observed while running.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/khryptorgraphics/aperturebalancer/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

type application struct {
	cfg    *config.Config
	logger *logrus.Logger
}

func main() {
	app := &application{logger: logrus.New()}

	rootCmd := &cobra.Command{
		Use:   "aperture-demo",
		Short: "Aperture load balancer demo",
		Long: `aperture-demo runs a self-contained demonstration of the aperture
load balancer: a pool of synthetic TCP endpoints, a generated request load,
and a live Prometheus /metrics endpoint showing the aperture resizing in
response to that load.`,
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.initializeLogging(cmd)
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("config", "", "path to config file")
	rootCmd.PersistentFlags().String("log-level", "", "override logging.level from config")

	rootCmd.AddCommand(app.buildRunCmd(), app.buildVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		app.logger.WithError(err).Fatal("aperture-demo: fatal error")
		os.Exit(1)
	}
}

func (app *application) buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("aperture-demo %s (%s)\n", version, commit)
		},
	}
}

func (app *application) initializeLogging(cmd *cobra.Command) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("aperture-demo: load config: %w", err)
	}
	if override, _ := cmd.Flags().GetString("log-level"); override != "" {
		cfg.Logging.Level = override
	}
	app.cfg = cfg

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("aperture-demo: parse log level: %w", err)
	}
	app.logger.SetLevel(level)
	if cfg.Logging.Format == "json" {
		app.logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return nil
}
