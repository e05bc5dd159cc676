package main

import (
	"github.com/spf13/cobra"

	appctx "github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/models"
)

type mergeOptions struct {
	Actor  string
	Reason string
}

func newMergeCmd(root *rootOptions) *cobra.Command {
	var opts mergeOptions

	cmd := &cobra.Command{
		Use:   "merge <source-person-id> <target-person-id>",
		Short: "Absorb the source person into the target person",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(root.cfg, root.logger)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			if opts.Actor != "" {
				ctx = appctx.SetActor(ctx, opts.Actor)
			}
			res, err := a.merger.Merge(ctx, models.MergeRequest{
				SourceID: args[0],
				TargetID: args[1],
				Reason:   opts.Reason,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&opts.Actor, "actor", "", "who is performing the merge (default system)")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "why the two persons are the same")
	return cmd
}
