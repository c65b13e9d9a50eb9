package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"medgate/internal/config"
	"medgate/internal/queue"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect pipeline documents and jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newQueueListCommand(ctx))
	cmd.AddCommand(newQueueJobsCommand(ctx))
	cmd.AddCommand(newQueueHealthCommand(ctx))
	cmd.AddCommand(newQueueCheckCommand(ctx))
	return cmd
}

func newQueueCheckCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run a database diagnostic check",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(_ *config.Config, store *queue.Store) error {
				health, err := store.CheckHealth(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, health)
				}
				integrity := "ok"
				if !health.IntegrityOK {
					integrity = "FAILED"
				}
				cmd.Printf("database: %s\nschema: %s\nintegrity: %s\ndocuments: %d\njobs: %d\naudit entries: %d\n",
					health.Path, dash(health.SchemaVersion), integrity,
					health.Documents, health.Jobs, health.AuditEntries)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON output")
	return cmd
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var (
		statusFilters []string
		asJSON        bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List documents with their pipeline status",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses := make([]queue.DocumentStatus, 0, len(statusFilters))
			for _, raw := range statusFilters {
				status, ok := queue.ParseDocumentStatus(raw)
				if !ok {
					return fmt.Errorf("unknown status %q", raw)
				}
				statuses = append(statuses, status)
			}
			return ctx.withStore(func(_ *config.Config, store *queue.Store) error {
				docs, err := store.ListDocuments(cmd.Context(), statuses...)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, docs)
				}
				rows := make([][]string, 0, len(docs))
				for _, doc := range docs {
					frozen := ""
					if doc.Frozen() {
						frozen = fmt.Sprintf("%s (%s)", doc.FailedStage, doc.FailureCode)
					}
					rows = append(rows, []string{
						strconv.FormatInt(doc.ID, 10),
						doc.PatientID,
						string(doc.DocType),
						string(doc.Status),
						strconv.FormatInt(doc.ExplanationVersion, 10),
						dash(frozen),
						formatTime(doc.CreatedAt),
					})
				}
				cmd.Println(renderTable(
					[]string{"ID", "PATIENT", "TYPE", "STATUS", "EXPL VER", "FROZEN AT", "CREATED"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVar(&statusFilters, "status", nil, "Filter by document status (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON output")
	return cmd
}

func newQueueJobsCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "jobs <document-id>",
		Short: "List the jobs recorded for a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return ctx.withStore(func(_ *config.Config, store *queue.Store) error {
				jobs, err := store.JobsForDocument(cmd.Context(), id)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, jobs)
				}
				rows := make([][]string, 0, len(jobs))
				for _, job := range jobs {
					rows = append(rows, []string{
						strconv.FormatInt(job.ID, 10),
						string(job.StageKind),
						string(job.Status),
						fmt.Sprintf("%d/%d", job.Attempt, job.MaxAttempts),
						dash(job.ErrorCode),
						strconv.FormatInt(job.LatencyMS, 10),
						formatTimePtr(job.FinishedAt),
					})
				}
				cmd.Println(renderTable(
					[]string{"JOB", "STAGE", "STATUS", "ATTEMPT", "ERROR", "MS", "FINISHED"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignLeft, alignRight, alignLeft},
				))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON output")
	return cmd
}

func newQueueHealthCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show aggregate job counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(_ *config.Config, store *queue.Store) error {
				health, err := store.Health(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, health)
				}
				cmd.Println(renderTable(
					[]string{"TOTAL", "QUEUED", "RUNNING", "SUCCEEDED", "FAILED"},
					[][]string{{
						strconv.Itoa(health.Total),
						strconv.Itoa(health.Queued),
						strconv.Itoa(health.Running),
						strconv.Itoa(health.Succeeded),
						strconv.Itoa(health.Failed),
					}},
					[]columnAlignment{alignRight, alignRight, alignRight, alignRight, alignRight},
				))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON output")
	return cmd
}
