package main

import (
	"bufio"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pitabwire/civicportal/internal/application"
	"github.com/pitabwire/civicportal/internal/portalclient"
	"github.com/pitabwire/civicportal/model"
)

func newPreferencesCmd(opts *rootOptions) *cobra.Command {
	channels := map[string]*string{
		portalclient.ChannelEmail: new(string),
		portalclient.ChannelSMS:   new(string),
		portalclient.ChannelInApp: new(string),
	}
	cmd := &cobra.Command{
		Use:   "preferences",
		Short: "Show or change notification channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, done, err := newPortalClient(cmd, opts)
			if err != nil {
				return err
			}
			defer done()
			ctx := cmd.Context()

			p, err := c.Profile(ctx)
			if err != nil {
				return err
			}
			toggle := portalclient.ClientPreferenceToggle(c, p.Preferences)

			for _, ch := range []string{portalclient.ChannelEmail, portalclient.ChannelSMS, portalclient.ChannelInApp} {
				v := *channels[ch]
				if v == "" {
					continue
				}
				on, err := parseSwitch(v)
				if err != nil {
					return fmt.Errorf("--%s: %w", flagName(ch), err)
				}
				if err := toggle.Toggle(ctx, ch, on); err != nil {
					return err
				}
			}

			prefs := toggle.Prefs()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "email\t%s\n", onOff(prefs.Email))
			fmt.Fprintf(tw, "sms\t%s\n", onOff(prefs.SMS))
			fmt.Fprintf(tw, "in-app\t%s\n", onOff(prefs.InApp))
			return tw.Flush()
		},
	}
	for ch, v := range channels {
		cmd.Flags().StringVar(v, flagName(ch), "", "on or off")
	}
	return cmd
}

func flagName(channel string) string {
	if channel == portalclient.ChannelInApp {
		return "in-app"
	}
	return channel
}

func parseSwitch(v string) (bool, error) {
	switch v {
	case "on", "true", "yes":
		return true, nil
	case "off", "false", "no":
		return false, nil
	}
	return false, fmt.Errorf("%q is not on or off", v)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func newPayCmd(opts *rootOptions) *cobra.Command {
	var method string
	cmd := &cobra.Command{
		Use:   "pay <application-id>",
		Short: "Pay the fee of an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, done, err := newPortalClient(cmd, opts)
			if err != nil {
				return err
			}
			defer done()
			ctx := cmd.Context()

			rec, err := c.Application(ctx, args[0])
			if err != nil {
				return err
			}
			if rec.Fee.Status != model.FeeUnpaid {
				fmt.Fprintf(cmd.OutOrStdout(), "nothing to pay: fee is %s\n", rec.Fee.Status)
				return nil
			}
			prompt := fmt.Sprintf("Pay %s for %s? [y/N] ", formatFee(rec.Fee), rec.ReferenceNumber)
			if !confirm(bufio.NewReader(cmd.InOrStdin()), cmd.OutOrStdout(), prompt) {
				return errAborted
			}

			rec, err = c.Pay(ctx, rec.ID, application.PaymentRequest{Amount: rec.Fee.Amount, Method: method})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "paid, receipt %s\n", rec.Fee.Receipt)
			return nil
		},
	}
	cmd.Flags().StringVar(&method, "method", "card", "card, mobile_money, bank_transfer or cash")
	return cmd
}

func newReviewCmd(opts *rootOptions) *cobra.Command {
	var req application.TransitionRequest
	var to string
	cmd := &cobra.Command{
		Use:   "review <application-id>",
		Short: "Move an application to its next status (officials)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, done, err := newPortalClient(cmd, opts)
			if err != nil {
				return err
			}
			defer done()

			req.To = model.Status(to)
			rec, err := c.Transition(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", rec.ReferenceNumber, rec.Status)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&to, "to", "", "target status")
	f.StringVar(&req.Comment, "comment", "", "note recorded in the audit trail")
	f.IntVar(&req.Version, "version", 0, "expected record version")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}
