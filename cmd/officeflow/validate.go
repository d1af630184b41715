package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pitabwire/officeflow/internal/definition"
	"github.com/pitabwire/officeflow/model"
)

func newValidateCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [dir...]",
		Short: "Validate template files without starting the service",
		Long: "Validate loads every template under the given directories, or the\n" +
			"configured definitions.directories when none are given, and reports\n" +
			"every definition error.",
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs := args
			if len(dirs) == 0 {
				cfg, err := loadConfig(v)
				if err != nil {
					return err
				}
				dirs = cfg.Definitions.Directories
			}
			return validateTemplates(cmd.Context(), cmd.OutOrStdout(), dirs)
		},
	}
}

// validateTemplates registers every template found in dirs into a scratch
// registry and prints one line per template.
func validateTemplates(ctx context.Context, out io.Writer, dirs []string) error {
	srcs, err := definition.NewLoader().LoadAll(dirs)
	if err != nil {
		return err
	}

	registry := definition.NewRegistry()
	failed := 0
	for _, src := range srcs {
		tmpl, err := registry.Register(ctx, src.Template)
		if err != nil {
			failed++
			fmt.Fprintf(out, "FAIL %s (%s): %v\n", src.Template.ID, src.SourceFile, err)
			var ee *model.ErrorEnvelope
			if errors.As(err, &ee) {
				for _, d := range ee.Details {
					fmt.Fprintf(out, "     %s: %s\n", d.Field, d.Message)
				}
			}
			continue
		}
		fmt.Fprintf(out, "ok   %s (%d steps)\n", tmpl.ID, len(tmpl.Steps))
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d template(s) invalid", failed, len(srcs))
	}
	return nil
}
