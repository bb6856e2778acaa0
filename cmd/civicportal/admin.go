package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/pitabwire/civicportal/internal/catalog"
	"github.com/pitabwire/civicportal/internal/identity"
	"github.com/pitabwire/civicportal/internal/profile"
	"github.com/pitabwire/civicportal/model"
)

func newCatalogCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the service catalog",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate [dir...]",
		Short: "Load and validate catalog files; no directories checks the configured ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs := args
			if len(dirs) == 0 {
				dirs = opts.cfg.Catalog.Directories
			}
			defs, err := catalog.Load(dirs)
			if err != nil {
				return err
			}
			reg := catalog.NewRegistry(defs)
			out := cmd.OutOrStdout()
			for _, c := range reg.Categories() {
				def, _ := reg.Category(c)
				fmt.Fprintf(out, "%-20s %d services\n", c, len(def.Services))
			}
			fmt.Fprintf(out, "ok: %d services, checksum %s\n", reg.Len(), reg.Checksum())
			return nil
		},
	})
	return cmd
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Print the argon2id hash of a password read from the terminal or stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pw, err := readPassword(cmd, "Password: ")
			if err != nil {
				return err
			}
			hash, err := identity.HashPassword(pw)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func newAccountCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage staff accounts",
	}

	var (
		reg  model.Registration
		role string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an official or admin account in the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.cfg
			if cfg.Storage.Driver != "postgres" {
				return errors.New("account create needs storage.driver postgres; in-memory accounts vanish on exit")
			}
			if !slices.Contains([]string{model.RoleCitizen, model.RoleOfficial, model.RoleAdmin}, role) {
				return fmt.Errorf("unknown role %q", role)
			}
			pw, err := readPassword(cmd, "Password: ")
			if err != nil {
				return err
			}
			reg.Password = pw

			ctx := cmd.Context()
			st, err := openStores(ctx, cfg, zap.NewNop())
			if err != nil {
				return err
			}
			defer st.Close()

			tokens := identity.NewTokenService([]byte(cfg.Identity.SigningKey), cfg.Identity.Issuer, cfg.Identity.Audience, cfg.Identity.TokenTTL)
			svc := profile.NewService(st.profiles, tokens, cfg.Identity, cfg.Uploads, nil, zap.NewNop())
			acct, err := svc.CreateAccount(ctx, reg, role)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s) with role %s\n", acct.Email, acct.SubjectID, role)
			return nil
		},
	}
	create.Flags().StringVar(&reg.Email, "email", "", "login email")
	create.Flags().StringVar(&reg.FirstName, "first-name", "", "first name")
	create.Flags().StringVar(&reg.LastName, "last-name", "", "last name")
	create.Flags().StringVar(&role, "role", model.RoleOfficial, "role: citizen, official or admin")
	_ = create.MarkFlagRequired("email")
	_ = create.MarkFlagRequired("first-name")
	_ = create.MarkFlagRequired("last-name")

	cmd.AddCommand(create)
	return cmd
}

// readPassword prompts without echo on a terminal and reads one line
// otherwise.
func readPassword(cmd *cobra.Command, prompt string) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), prompt)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty password")
	}
	return line, nil
}
