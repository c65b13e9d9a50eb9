package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"medgate/internal/queue"
	"medgate/internal/services"
)

// Permanent-failure exit code for stage commands. Any other non-zero exit is
// treated as transient and retried against the job's attempt budget.
const exitCodePermanent = 3

// CommandExecutor runs a stage as an external command. The request is written
// to the command's stdin as JSON and the response is read from stdout, so
// extraction, entity linking, and explanation backends can be swapped without
// rebuilding the daemon.
type CommandExecutor struct {
	kind    queue.StageKind
	command []string
}

// NewCommandExecutor builds an executor for one stage kind. The argv must be
// non-empty.
func NewCommandExecutor(kind queue.StageKind, command []string) (*CommandExecutor, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("stage %s: command is required", kind)
	}
	return &CommandExecutor{kind: kind, command: command}, nil
}

// Execute runs the configured command for one attempt.
func (e *CommandExecutor) Execute(ctx context.Context, req Request) (Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, services.Wrap(services.ErrPermanent, string(e.kind), "encode_request", "encode stage request", err)
	}

	cmd := exec.CommandContext(ctx, e.command[0], e.command[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Response{}, services.Wrap(services.ErrTimeout, string(e.kind), "run_command", "stage command timed out", ctx.Err())
		}
		marker := services.ErrTransient
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == exitCodePermanent {
			marker = services.ErrPermanent
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return Response{}, services.Wrap(marker, string(e.kind), "run_command", detail, err)
	}

	var resp Response
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Response{}, services.Wrap(services.ErrPermanent, string(e.kind), "decode_response", "decode stage response", err)
	}
	if err := validateResponse(e.kind, resp); err != nil {
		return Response{}, services.Wrap(services.ErrPermanent, string(e.kind), "validate_response", err.Error(), err)
	}
	return resp, nil
}

func validateResponse(kind queue.StageKind, resp Response) error {
	switch kind {
	case queue.StageExtract:
		if strings.TrimSpace(resp.RawText) == "" {
			return errors.New("extract produced no text")
		}
	case queue.StageLink:
		if strings.TrimSpace(resp.EntitiesJSON) == "" {
			return errors.New("link produced no entities")
		}
		if !json.Valid([]byte(resp.EntitiesJSON)) {
			return errors.New("link produced malformed entities JSON")
		}
	case queue.StageExplain:
		if strings.TrimSpace(resp.ExplanationText) == "" {
			return errors.New("explain produced no text")
		}
	}
	return nil
}
