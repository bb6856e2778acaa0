package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pitabwire/civicportal/internal/portalclient"
	"github.com/pitabwire/civicportal/internal/wizard"
	"github.com/pitabwire/civicportal/model"
)

const (
	inputBack   = ":back"
	inputCancel = ":cancel"
)

func newApplyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "apply [service-id]",
		Short: "Fill in and submit an application; without an id, list the services",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, done, err := newPortalClient(cmd, opts)
			if err != nil {
				return err
			}
			defer done()

			if len(args) == 0 {
				return listServices(cmd, c)
			}
			if !c.Session().Authenticated() {
				return errors.New("not signed in; run civicportal login first")
			}
			return runWizard(cmd, c, args[0])
		},
	}
}

func listServices(cmd *cobra.Command, c *portalclient.Client) error {
	page, err := c.Services(cmd.Context(), model.ListQuery{SortField: "category", PageSize: 100})
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCATEGORY\tNAME\tFEE")
	for _, s := range page.Items {
		fee := "free"
		if s.Fee.Amount > 0 {
			fee = fmt.Sprintf("%d.%02d %s", s.Fee.Amount/100, s.Fee.Amount%100, s.Fee.Currency)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID, s.Category, s.Name, fee)
	}
	return tw.Flush()
}

// runWizard walks the citizen through every step of a service's form and
// submits it. Validation problems repeat the step; a failed submission can
// be retried with the same draft.
func runWizard(cmd *cobra.Command, c *portalclient.Client, serviceID string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	in := bufio.NewReader(cmd.InOrStdin())

	def, err := c.Service(ctx, serviceID)
	if err != nil {
		return err
	}

	view := portalclient.MyApplicationsView(c)
	defer view.Close()

	w := wizard.New(def, portalclient.NewSubmitter(c), wizard.WithAppend(view.Append))
	defer w.Dispose()

	fmt.Fprintf(out, "%s\n%s\nType %s to go back a step or %s to quit.\n", w.Definition().Name, def.Description, inputBack, inputCancel)

	for w.State().Open {
		st := w.State()
		step := def.Steps[st.Step]
		fmt.Fprintf(out, "\nStep %d of %d: %s\n", st.Step+1, st.StepCount, step.Title)

		back := false
		for _, f := range step.Fields {
			v, nav, err := promptField(ctx, in, out, c, f)
			if err != nil {
				return err
			}
			if nav == inputCancel {
				w.Cancel()
				return errAborted
			}
			if nav == inputBack {
				back = true
				break
			}
			if err := w.SetField(f.Name, v); err != nil {
				fmt.Fprintln(out, describe(err))
			}
		}
		if back {
			_ = w.Back()
			continue
		}

		err := w.Next(ctx)
		for err != nil && !model.HasCode(err, model.ErrValidationError) {
			fmt.Fprintln(out, "Submission failed:", describe(err))
			if !confirm(in, out, "Retry? [y/N] ") {
				w.Cancel()
				return err
			}
			err = w.Submit(ctx)
		}
		if err != nil {
			fmt.Fprintln(out, describe(err))
		}
	}

	for _, rec := range view.Items() {
		fmt.Fprintf(out, "\nSubmitted %s, reference %s, status %s.\n", rec.ServiceName, rec.ReferenceNumber, rec.Status)
		if rec.Fee.Status == model.FeeUnpaid {
			fmt.Fprintf(out, "A fee of %s is due.\n", formatFee(rec.Fee))
		}
	}
	return nil
}

// promptField asks for one value. It returns the value in the field's
// kind, or the navigation command the user typed.
func promptField(ctx context.Context, in *bufio.Reader, out io.Writer, c *portalclient.Client, f model.FieldDefinition) (any, string, error) {
	label := f.Label
	if f.Required {
		label += " *"
	}
	switch {
	case f.Type == model.FieldBoolean:
		label += " [y/n]"
	case f.Type == model.FieldDocument:
		label += " (file paths, comma separated)"
	case f.Type == model.FieldList:
		label += " (comma separated)"
	case len(f.Options) > 0:
		label += " (" + strings.Join(f.Options, ", ") + ")"
	}
	fmt.Fprintf(out, "%s: ", label)

	line, err := in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, "", err
	}
	if errors.Is(err, io.EOF) && line == "" {
		return nil, inputCancel, nil
	}
	line = strings.TrimSpace(line)
	if line == inputBack || line == inputCancel {
		return nil, line, nil
	}

	switch model.FieldKind(f.Type) {
	case model.KindBool:
		return strings.HasPrefix(strings.ToLower(line), "y"), "", nil
	case model.KindList:
		items := splitList(line)
		if f.Type != model.FieldDocument {
			return items, "", nil
		}
		refs := make([]string, 0, len(items))
		for _, path := range items {
			id, err := uploadDocument(ctx, c, path)
			if err != nil {
				fmt.Fprintf(out, "  could not upload %s: %s\n", path, describe(err))
				continue
			}
			refs = append(refs, id)
		}
		return refs, "", nil
	default:
		return line, "", nil
	}
}

func uploadDocument(ctx context.Context, c *portalclient.Client, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	doc, err := c.UploadDocument(ctx, filepath.Base(path), f)
	if err != nil {
		return "", err
	}
	return doc.ID, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func confirm(in *bufio.Reader, out io.Writer, prompt string) bool {
	fmt.Fprint(out, prompt)
	line, _ := in.ReadString('\n')
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "y")
}

func describe(err error) string {
	if ee, ok := model.AsEnvelope(err); ok {
		return formatEnvelope(ee)
	}
	return err.Error()
}
