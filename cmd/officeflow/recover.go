package main

import (
	"encoding/json"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pitabwire/officeflow/internal/observability"
)

func newRecoverCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Run one recovery pass over running instances and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			logger, err := observability.NewLogger(cfg.Observability)
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer logger.Sync()

			ctx := cmd.Context()
			a, err := buildApp(ctx, cfg, logger, observability.InitMetrics(prometheus.NewRegistry()))
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.engine.Recover(ctx)
			if err != nil {
				return fmt.Errorf("recover: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if report.Unrecovered > 0 {
				return fmt.Errorf("%d instance(s) could not be recovered", report.Unrecovered)
			}
			return nil
		},
	}
}
