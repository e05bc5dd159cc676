package main

import (
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
)

type normalizeOutput struct {
	Value     string                 `json:"value"`
	Kind      string                 `json:"kind"`
	Inferred  bool                   `json:"inferred"`
	Canonical string                 `json:"canonical"`
	Phone     *normalizers.PhoneInfo `json:"phone,omitempty"`
	Display   string                 `json:"display,omitempty"`
}

func newNormalizeCmd(root *rootOptions) *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "normalize <value>",
		Short: "Show the kind and canonical form clover derives for a raw value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n := normalizers.New(root.cfg.DefaultRegion)
			return printJSON(cmd.OutOrStdout(), describeValue(n, args[0], kind))
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "identity kind (inferred when empty)")
	return cmd
}

func describeValue(n *normalizers.Normalizer, value, kind string) normalizeOutput {
	out := normalizeOutput{Value: value, Kind: kind}
	if kind == "" {
		out.Kind = string(n.InferKind(value))
		out.Inferred = true
	}
	out.Canonical = n.Normalize(value, out.Kind)

	if models.IdentityKind(out.Kind) == models.KindPhone {
		info := n.PhoneMetadata(value)
		out.Phone = &info
		out.Display = n.FormatPhoneDisplay(value, normalizers.PhoneFormatInternational)
	}
	return out
}
