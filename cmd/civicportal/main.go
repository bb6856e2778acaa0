// Package main is the civicportal command: the API server, operator
// tooling, and a terminal client for citizens.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pitabwire/civicportal/internal/config"
	"github.com/pitabwire/civicportal/internal/observability"
	"github.com/pitabwire/civicportal/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		if ee, ok := model.AsEnvelope(err); ok {
			fmt.Fprintln(os.Stderr, formatEnvelope(ee))
		} else {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	configPath string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "civicportal",
		Short:         "Municipal e-government portal",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			observability.Version = version
			observability.Commit = commit
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("CIVIC_CONFIG"),
		"path to the configuration file (defaults apply when empty)")

	root.AddCommand(
		newServeCmd(opts),
		newCatalogCmd(opts),
		newHashPasswordCmd(),
		newAccountCmd(opts),
		newLoginCmd(opts),
		newLogoutCmd(opts),
		newApplicationsCmd(opts),
		newNotificationsCmd(opts),
		newApplyCmd(opts),
		newPayCmd(opts),
		newPreferencesCmd(opts),
		newReviewCmd(opts),
	)
	return root
}

func formatEnvelope(ee *model.ErrorEnvelope) string {
	msg := fmt.Sprintf("%s: %s", ee.Code, ee.Message)
	for _, d := range ee.Details {
		msg += fmt.Sprintf("\n  %s: %s", d.Field, d.Message)
	}
	return msg
}

var errAborted = errors.New("aborted")
