package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fabian4/gatewayproxy/internal/config"
	"github.com/fabian4/gatewayproxy/internal/logging"
	"github.com/fabian4/gatewayproxy/internal/metrics"
	"github.com/fabian4/gatewayproxy/internal/supervisor"
	"github.com/fabian4/gatewayproxy/internal/version"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		logLevel   string
		logJSON    bool
	)

	runServe := func(cmd *cobra.Command) error {
		log := logging.New(logging.Options{Level: logLevel, JSON: logJSON})
		m := metrics.New()
		sup := supervisor.New(configPath, log, m)
		return sup.Run(cmd.Context())
	}

	root := &cobra.Command{
		Use:          "gatewayproxy",
		Short:        "A configurable reverse proxy gateway",
		SilenceUsage: true,
		Version:      version.String(),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "./gateway.yaml", "path to the gateway YAML config")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit structured JSON logs instead of text")

	serveCmd := &cobra.Command{
		Use:          "serve",
		Short:        "Run the gateway, serving until a shutdown signal is received",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}

	validateCmd := &cobra.Command{
		Use:          "validate",
		Short:        "Validate the config file and exit, printing any errors",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d route(s), listening on %s\n", len(snap.Routes), snap.ListenAddr)
			return nil
		},
	}

	root.AddCommand(serveCmd)
	root.AddCommand(validateCmd)
	return root
}
