package main

import (
	"github.com/spf13/cobra"

	"medgate/internal/config"
	"medgate/internal/queue"
)

func newShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <document-id>",
		Short: "Show a document with its jobs, flags, and decisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return ctx.withStore(func(_ *config.Config, store *queue.Store) error {
				doc, err := store.GetDocument(cmd.Context(), id)
				if err != nil {
					return err
				}
				if doc == nil {
					return queue.ErrDocumentNotFound
				}
				jobs, err := store.JobsForDocument(cmd.Context(), id)
				if err != nil {
					return err
				}
				flags, err := store.ActiveFlags(cmd.Context(), id, doc.ExplanationVersion)
				if err != nil {
					return err
				}
				decisions, err := store.DecisionsForDocument(cmd.Context(), id)
				if err != nil {
					return err
				}

				if asJSON {
					return writeJSON(cmd, map[string]any{
						"document":  doc,
						"jobs":      jobs,
						"flags":     flags,
						"decisions": decisions,
					})
				}

				cmd.Printf("document %d  patient=%s  type=%s  status=%s  explanation_version=%d\n",
					doc.ID, doc.PatientID, doc.DocType, doc.Status, doc.ExplanationVersion)
				if doc.Frozen() {
					cmd.Printf("frozen: stage=%s code=%s\n", doc.FailedStage, doc.FailureCode)
				}
				cmd.Printf("jobs: %d  active flags: %d (max severity %s)  decisions: %d\n",
					len(jobs), len(flags), dash(string(queue.MaxSeverity(flags))), len(decisions))
				if doc.ExplanationText != "" {
					cmd.Println()
					cmd.Println(doc.ExplanationText)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON output")
	return cmd
}

func newFlagsCommand(ctx *commandContext) *cobra.Command {
	var (
		all    bool
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "flags <document-id>",
		Short: "List safety flags for a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return ctx.withStore(func(_ *config.Config, store *queue.Store) error {
				var (
					flags []*queue.SafetyFlag
					err   error
				)
				if all {
					flags, err = store.FlagsForDocument(cmd.Context(), id)
				} else {
					doc, derr := store.GetDocument(cmd.Context(), id)
					if derr != nil {
						return derr
					}
					if doc == nil {
						return queue.ErrDocumentNotFound
					}
					flags, err = store.ActiveFlags(cmd.Context(), id, doc.ExplanationVersion)
				}
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, flags)
				}
				rows := make([][]string, 0, len(flags))
				for _, flag := range flags {
					superseded := ""
					if flag.Superseded {
						superseded = "yes"
					}
					rows = append(rows, []string{
						formatID(flag.ID),
						string(flag.Type),
						string(flag.Severity),
						formatID(flag.ExplanationVersion),
						dash(superseded),
						dash(flag.Evidence),
					})
				}
				cmd.Println(renderTable(
					[]string{"ID", "TYPE", "SEVERITY", "EXPL VER", "SUPERSEDED", "EVIDENCE"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Include superseded flags")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON output")
	return cmd
}
