package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"medgate/internal/pipeline"
	"medgate/internal/queue"
)

func newIngestCommand(ctx *commandContext) *cobra.Command {
	var (
		patientID string
		docType   string
		actor     string
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Register a clinical document and start processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, ok := queue.ParseDocumentType(docType)
			if !ok {
				return fmt.Errorf("unknown document type %q", docType)
			}
			return ctx.withOrchestrator(func(orch *pipeline.Orchestrator, _ *queue.Store) error {
				doc, created, err := orch.Ingest(cmd.Context(), pipeline.IngestParams{
					SourcePath: args[0],
					PatientID:  patientID,
					DocType:    kind,
					Actor:      actor,
				})
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, map[string]any{
						"document_id":  doc.ID,
						"content_hash": doc.ContentHash,
						"status":       doc.Status,
						"created":      created,
					})
				}
				if created {
					cmd.Printf("document %d queued (hash %s)\n", doc.ID, doc.ContentHash)
				} else {
					cmd.Printf("document %d already known (hash %s), nothing enqueued\n", doc.ID, doc.ContentHash)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&patientID, "patient", "", "Patient identifier")
	cmd.Flags().StringVar(&docType, "type", "", "Document type (referral, discharge_summary, prescription, lab_report, imaging_report, clinical_note)")
	cmd.Flags().StringVar(&actor, "actor", "", "Acting user, as role:identifier")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON output")
	_ = cmd.MarkFlagRequired("patient")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

func newReprocessCommand(ctx *commandContext) *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "reprocess <document-id> [stage]",
		Short: "Re-enqueue a stage: the failed one for a frozen document, or a named one to re-run",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var kind queue.StageKind
			if len(args) == 2 {
				parsed, ok := queue.ParseStageKind(args[1])
				if !ok {
					return fmt.Errorf("unknown stage %q", args[1])
				}
				kind = parsed
			}
			return ctx.withOrchestrator(func(orch *pipeline.Orchestrator, _ *queue.Store) error {
				job, err := orch.Reprocess(cmd.Context(), id, kind, actor)
				if err != nil {
					return err
				}
				cmd.Printf("document %d: %s re-enqueued as job %d\n", id, job.StageKind, job.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "Acting user, as role:identifier")
	return cmd
}
