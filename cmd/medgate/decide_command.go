package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"medgate/internal/approval"
	"medgate/internal/queue"
)

func newDecideCommand(ctx *commandContext) *cobra.Command {
	var (
		version   int64
		notes     string
		actor     string
		overrides []string
	)

	cmd := &cobra.Command{
		Use:   "decide <document-id> <approved|rejected|needs_changes>",
		Short: "Record a clinician gate decision on the current explanation",
		Long: `Record a clinician gate decision on the current explanation.

Approving a document with unresolved High-severity flags requires one
--override flag-id=justification per flag; the justification must meet the
configured minimum length.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			docID, err := parseID(args[0])
			if err != nil {
				return err
			}
			kind, ok := queue.ParseDecisionKind(args[1])
			if !ok {
				return fmt.Errorf("unknown decision %q", args[1])
			}
			parsed, err := parseOverrides(overrides)
			if err != nil {
				return err
			}
			return ctx.withGate(func(gate *approval.Gate, _ *queue.Store) error {
				decision, err := gate.Decide(cmd.Context(), approval.DecisionRequest{
					DocumentID:         docID,
					ExplanationVersion: version,
					Kind:               kind,
					Notes:              notes,
					Actor:              actor,
					Overrides:          parsed,
				})
				if err != nil {
					return err
				}
				cmd.Printf("decision %d recorded: %s on document %d version %d\n",
					decision.ID, decision.Decision, decision.DocumentID, decision.ExplanationVersion)
				return nil
			})
		},
	}

	cmd.Flags().Int64Var(&version, "version", 0, "Explanation version the decision targets")
	cmd.Flags().StringVar(&notes, "notes", "", "Decision notes (required for rejected and needs_changes)")
	cmd.Flags().StringVar(&actor, "actor", "", "Acting clinician, as clinician:identifier")
	cmd.Flags().StringArrayVar(&overrides, "override", nil, "High flag override as flag-id=justification (repeatable)")
	_ = cmd.MarkFlagRequired("version")
	_ = cmd.MarkFlagRequired("actor")

	return cmd
}

func parseOverrides(raw []string) ([]queue.OverrideInput, error) {
	overrides := make([]queue.OverrideInput, 0, len(raw))
	for _, entry := range raw {
		idPart, justification, found := strings.Cut(entry, "=")
		if !found {
			return nil, fmt.Errorf("override %q must be flag-id=justification", entry)
		}
		flagID, err := parseID(idPart)
		if err != nil {
			return nil, fmt.Errorf("override %q: %w", entry, err)
		}
		overrides = append(overrides, queue.OverrideInput{
			FlagID:        flagID,
			Justification: strings.TrimSpace(justification),
		})
	}
	return overrides, nil
}

func newSignCommand(ctx *commandContext) *cobra.Command {
	var (
		signatureRef string
		actor        string
	)

	cmd := &cobra.Command{
		Use:   "sign <decision-id>",
		Short: "Seal a recorded decision with a signature reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return ctx.withGate(func(gate *approval.Gate, _ *queue.Store) error {
				decision, err := gate.Sign(cmd.Context(), id, signatureRef, actor)
				if err != nil {
					return err
				}
				cmd.Printf("decision %d sealed at %s\n", decision.ID, formatTimePtr(decision.SignedAt))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&signatureRef, "signature", "", "External signature reference")
	cmd.Flags().StringVar(&actor, "actor", "", "Acting clinician, as clinician:identifier")
	_ = cmd.MarkFlagRequired("signature")
	_ = cmd.MarkFlagRequired("actor")

	return cmd
}
