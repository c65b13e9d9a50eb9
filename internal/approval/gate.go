// Package approval enforces who may record gate decisions and with what
// supporting material before delegating to the store's decision transaction.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"medgate/internal/config"
	"medgate/internal/logging"
	"medgate/internal/queue"
)

// RoleClinician is the only role permitted to record or sign decisions.
const RoleClinician = "clinician"

// Gate validates decision requests before they reach the store.
type Gate struct {
	store  *queue.Store
	cfg    *config.Config
	logger *slog.Logger
}

// NewGate builds the approval gate over the shared store.
func NewGate(store *queue.Store, cfg *config.Config, logger *slog.Logger) *Gate {
	return &Gate{store: store, cfg: cfg, logger: logging.NewComponentLogger(logger, "approval")}
}

// DecisionRequest is one clinician gate action as received from the CLI.
type DecisionRequest struct {
	DocumentID         int64
	ExplanationVersion int64
	Kind               queue.DecisionKind
	Notes              string
	Actor              string
	Overrides          []queue.OverrideInput
}

// Decide authorizes the actor and records the decision. Approval with
// unresolved High-severity flags surfaces queue.ErrUnresolvedCriticalFlag;
// the refusal is already audited by the store.
func (g *Gate) Decide(ctx context.Context, req DecisionRequest) (*queue.Decision, error) {
	if err := authorize(req.Actor); err != nil {
		return nil, err
	}

	decision, err := g.store.RecordDecision(ctx, queue.DecisionParams{
		DocumentID:         req.DocumentID,
		ExplanationVersion: req.ExplanationVersion,
		Kind:               req.Kind,
		Notes:              req.Notes,
		Actor:              req.Actor,
		Overrides:          req.Overrides,
		MinJustification:   g.cfg.Gate.MinJustificationChars,
	})
	if err != nil {
		return nil, err
	}
	g.logger.Info("decision recorded",
		logging.Int64(logging.FieldDocumentID, req.DocumentID),
		logging.String("decision", string(decision.Decision)),
		logging.String("actor", req.Actor))
	return decision, nil
}

// Sign seals a recorded decision with an external signature reference.
func (g *Gate) Sign(ctx context.Context, decisionID int64, signatureRef, actor string) (*queue.Decision, error) {
	if err := authorize(actor); err != nil {
		return nil, err
	}
	return g.store.SignDecision(ctx, decisionID, signatureRef, actor)
}

// authorize checks the actor identity. Actors are "role:identifier" strings;
// only clinicians pass the gate.
func authorize(actor string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return fmt.Errorf("%w: actor is required", queue.ErrNotAuthorized)
	}
	role, id, found := strings.Cut(actor, ":")
	if !found || strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: actor must be role:identifier", queue.ErrNotAuthorized)
	}
	if role != RoleClinician {
		return fmt.Errorf("%w: role %q may not decide", queue.ErrNotAuthorized, role)
	}
	return nil
}
