package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"medgate/internal/config"
	"medgate/internal/queue"
)

func newAuditCommand(ctx *commandContext) *cobra.Command {
	var (
		objectType string
		actor      string
		fromRaw    string
		toRaw      string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "audit [object-id]",
		Short: "Read the audit trail for an object or an actor",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(_ *config.Config, store *queue.Store) error {
				var (
					entries []*queue.AuditEntry
					err     error
				)
				switch {
				case len(args) == 1:
					id, perr := parseID(args[0])
					if perr != nil {
						return perr
					}
					entries, err = store.AuditByObject(cmd.Context(), objectType, id)
				case actor != "":
					from, to, perr := parseAuditWindow(fromRaw, toRaw)
					if perr != nil {
						return perr
					}
					entries, err = store.AuditByActor(cmd.Context(), actor, from, to)
				default:
					return fmt.Errorf("either an object id or --actor is required")
				}
				if err != nil {
					return err
				}

				if asJSON {
					return writeJSON(cmd, entries)
				}
				rows := make([][]string, 0, len(entries))
				for _, entry := range entries {
					rows = append(rows, []string{
						formatID(entry.ID),
						formatTime(entry.CreatedAt),
						dash(entry.Actor),
						entry.Action,
						fmt.Sprintf("%s/%d", entry.ObjectType, entry.ObjectID),
						entry.PipelineVersion,
					})
				}
				cmd.Println(renderTable(
					[]string{"ID", "WHEN", "ACTOR", "ACTION", "OBJECT", "PIPELINE"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&objectType, "object-type", queue.ObjectDocument, "Object type (document, job, flag_set, decision)")
	cmd.Flags().StringVar(&actor, "actor", "", "List entries recorded by this actor instead")
	cmd.Flags().StringVar(&fromRaw, "from", "", "Lower time bound (RFC 3339) for --actor queries")
	cmd.Flags().StringVar(&toRaw, "to", "", "Upper time bound (RFC 3339) for --actor queries")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON output")

	return cmd
}

func parseAuditWindow(fromRaw, toRaw string) (time.Time, time.Time, error) {
	var from, to time.Time
	var err error
	if fromRaw != "" {
		if from, err = time.Parse(time.RFC3339, fromRaw); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse --from: %w", err)
		}
	}
	if toRaw != "" {
		if to, err = time.Parse(time.RFC3339, toRaw); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse --to: %w", err)
		}
	}
	return from, to, nil
}
