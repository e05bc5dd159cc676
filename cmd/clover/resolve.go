package main

import (
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/clover/pkg/models"
)

type resolveOptions struct {
	Selector models.Selector
	Kind     string
	Value    string
	Source   string
}

func newResolveCmd(root *rootOptions) *cobra.Command {
	var opts resolveOptions

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Look up a person by selector, or list every person holding --kind/--value",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(root.cfg, root.logger)
			if err != nil {
				return err
			}
			defer a.close()

			if opts.Kind != "" || opts.Value != "" {
				persons, err := a.resolver.FindPersonsByIdentity(cmd.Context(), opts.Kind, opts.Value, opts.Source)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), persons)
			}

			p, err := a.resolver.ResolveSelector(cmd.Context(), opts.Selector)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), p)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.Selector.ID, "id", "", "person id (merged persons resolve to their survivor)")
	f.StringVar(&opts.Selector.Email, "email", "", "email address")
	f.StringVar(&opts.Selector.Phone, "phone", "", "phone number")
	f.StringVar(&opts.Selector.Username, "username", "", "username")
	f.StringVar(&opts.Selector.ContactID, "contact-id", "", "address book contact id")
	f.StringVar(&opts.Selector.MemoryURL, "memory-url", "", "memory:// url")
	f.StringVar(&opts.Selector.Name, "name", "", "display name, matched loosely")
	f.StringVar(&opts.Kind, "kind", "", "identity kind for a holder lookup")
	f.StringVar(&opts.Value, "value", "", "identity value for a holder lookup")
	f.StringVar(&opts.Source, "source", "", "restrict a holder lookup to one source")
	return cmd
}
