// Package main is the entry point for the officeflow workflow service.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pitabwire/officeflow/internal/config"
	"github.com/pitabwire/officeflow/internal/observability"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:           "officeflow",
		Short:         "Approval workflow engine",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			observability.Version = version
			observability.Commit = commit
			return v.BindPFlags(cmd.Flags())
		},
	}

	root.PersistentFlags().String("config", "config.yaml", "path to configuration file")
	root.PersistentFlags().String("log-level", "", "override observability.log_level")

	v.SetEnvPrefix("OFFICEFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root.AddCommand(
		newServeCommand(v),
		newRecoverCommand(v),
		newValidateCommand(v),
	)
	return root
}

// loadConfig reads the config file named by --config (or OFFICEFLOW_CONFIG)
// and applies flag overrides on top.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg, err := config.Load(v.GetString("config"))
	if err != nil {
		return nil, err
	}
	if level := v.GetString("log-level"); level != "" {
		cfg.Observability.LogLevel = level
	}
	return cfg, nil
}
