package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/civicportal/internal/portalclient"
	"github.com/pitabwire/civicportal/internal/session"
	"github.com/pitabwire/civicportal/model"
)

// newPortalClient opens the configured token store, hydrates the session
// from it and returns an API client.
func newPortalClient(cmd *cobra.Command, opts *rootOptions) (*portalclient.Client, func(), error) {
	cfg := opts.cfg
	closeFn := func() {}

	var store session.TokenStore
	switch cfg.Client.TokenStore {
	case "redis":
		rdb := newRedisClient(cfg.Redis)
		closeFn = func() { _ = rdb.Close() }
		store = session.NewRedisTokenStore(rdb, "civicportal:"+cfg.Client.BaseURL)
	default:
		store = session.NewFileTokenStore(cfg.Client.TokenFile)
	}

	sess := session.New(store, zap.NewNop())
	if err := sess.Hydrate(cmd.Context()); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning: stored session could not be read, signed out:", err)
	}

	c, err := portalclient.New(cfg.Client, sess)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return c, closeFn, nil
}

func newLoginCmd(opts *rootOptions) *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, done, err := newPortalClient(cmd, opts)
			if err != nil {
				return err
			}
			defer done()

			pw, err := readPassword(cmd, "Password: ")
			if err != nil {
				return err
			}
			tok, err := c.Login(cmd.Context(), model.Credentials{Email: email, Password: pw})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s until %s\n", email, tok.ExpiresAt.Local().Format("2006-01-02 15:04"))
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newLogoutCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, done, err := newPortalClient(cmd, opts)
			if err != nil {
				return err
			}
			defer done()
			if err := c.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "signed out")
			return nil
		},
	}
}

func newApplicationsCmd(opts *rootOptions) *cobra.Command {
	var (
		q       model.ListQuery
		status  string
		all     bool
		history string
	)
	cmd := &cobra.Command{
		Use:     "applications",
		Aliases: []string{"apps"},
		Short:   "List your applications",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, done, err := newPortalClient(cmd, opts)
			if err != nil {
				return err
			}
			defer done()
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if history != "" {
				events, err := c.History(ctx, history)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "WHEN\tEVENT\tFROM\tTO\tCOMMENT")
				for _, e := range events {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.Timestamp.Local().Format("2006-01-02 15:04"), e.Event, e.From, e.To, e.Comment)
				}
				return tw.Flush()
			}

			if status != "" {
				q.Filters = map[string]string{"status": status}
			}

			var page model.PageResult[model.Record]
			if all {
				page, err = c.AdminApplications(ctx, q)
			} else {
				view := portalclient.MyApplicationsView(c)
				defer view.Close()
				if err = view.Load(ctx); err == nil {
					view.Apply(q)
					page = view.Result()
				}
			}
			if err != nil {
				return err
			}
			printRecords(cmd, page)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&q.Search, "search", "s", "", "search applicant, reference, email or service")
	f.StringVar(&status, "status", "", "only show this status")
	f.StringVar(&q.SortField, "sort", "created_at", "sort field")
	f.StringVar(&q.SortDir, "dir", model.SortDesc, "sort direction: asc or desc")
	f.IntVar(&q.Page, "page", 0, "page number, starting at 0")
	f.IntVar(&q.PageSize, "page-size", 10, "rows per page")
	f.BoolVar(&all, "all", false, "list every citizen's applications (officials)")
	f.StringVar(&history, "history", "", "show the audit trail of one application")
	return cmd
}

func printRecords(cmd *cobra.Command, page model.PageResult[model.Record]) {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REFERENCE\tSERVICE\tSTATUS\tFEE\tSUBMITTED")
	for _, r := range page.Items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.ReferenceNumber, r.ServiceName, r.Status, formatFee(r.Fee), r.CreatedAt.Local().Format("2006-01-02"))
	}
	_ = tw.Flush()
	pages := 1
	if page.PageSize > 0 {
		pages = page.Total / page.PageSize
		if page.Total%page.PageSize != 0 {
			pages++
		}
		pages = max(pages, 1)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "page %d of %d, %d total\n", page.Page+1, pages, page.Total)
}

func formatFee(f model.Fee) string {
	if f.Amount == 0 {
		return string(f.Status)
	}
	return fmt.Sprintf("%d.%02d %s %s", f.Amount/100, f.Amount%100, f.Currency, f.Status)
}

func newNotificationsCmd(opts *rootOptions) *cobra.Command {
	var (
		markRead string
		remove   string
		q        model.ListQuery
	)
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "List, mark or delete your notifications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, done, err := newPortalClient(cmd, opts)
			if err != nil {
				return err
			}
			defer done()
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			switch {
			case markRead != "":
				if _, err := c.MarkNotification(ctx, markRead, true); err != nil {
					return err
				}
				fmt.Fprintln(out, "marked as read")
				return nil
			case remove != "":
				if err := c.DeleteNotification(ctx, remove); err != nil {
					return err
				}
				fmt.Fprintln(out, "deleted")
				return nil
			}

			page, err := c.Notifications(ctx, q)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tWHEN\t\tTITLE")
			for _, n := range page.Items {
				unread := "*"
				if n.Read {
					unread = ""
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", n.ID, n.CreatedAt.Local().Format("2006-01-02 15:04"), unread, n.Title)
				if body := strings.TrimSpace(n.Body); body != "" {
					fmt.Fprintf(tw, "\t\t\t  %s\n", body)
				}
			}
			return tw.Flush()
		},
	}
	f := cmd.Flags()
	f.StringVar(&markRead, "read", "", "mark the notification with this id as read")
	f.StringVar(&remove, "delete", "", "delete the notification with this id")
	f.StringVarP(&q.Search, "search", "s", "", "search titles")
	f.IntVar(&q.Page, "page", 0, "page number, starting at 0")
	f.IntVar(&q.PageSize, "page-size", 20, "rows per page")
	return cmd
}
