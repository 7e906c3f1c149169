package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jellyward/jellyward/internal/metrics"
	"github.com/jellyward/jellyward/internal/provision"
	"github.com/jellyward/jellyward/internal/resolve"
	"github.com/jellyward/jellyward/internal/store"
)

// StepOutcome is the terminal state of one removal sub-step.
type StepOutcome string

const (
	OutcomeDone    StepOutcome = "done"
	OutcomeFailed  StepOutcome = "failed"
	OutcomeSkipped StepOutcome = "skipped"
)

// Removal step names, in execution order.
const (
	StepRemoteAccount = "remote_account"
	StepInviteCode    = "invite_code"
	StepLocalStatus   = "local_status"
)

// Step records one removal sub-step.
type Step struct {
	Name    string
	Outcome StepOutcome
	Detail  string
}

// RemovalReport is the full per-step account of one removal. Every
// step is always reported: a failure in one never hides the others.
type RemovalReport struct {
	OperationID string
	Identifier  string
	ChatID      string
	Steps       []Step
}

// Complete reports whether every step finished as done or skipped.
func (r RemovalReport) Complete() bool {
	for _, s := range r.Steps {
		if s.Outcome == OutcomeFailed {
			return false
		}
	}
	return true
}

// RemoveRequest describes one member removal.
type RemoveRequest struct {
	Identifier  string
	DisplayName string
	Reason      string
	Actor       Actor
}

// Remove tears a member down across all three systems in fixed order:
// remote account, unclaimed invite code, local record status. Each
// step runs regardless of the previous one's outcome, so partial
// failures leave the minimum amount of live access behind and the
// report shows exactly what still needs manual cleanup.
func (c *Coordinator) Remove(ctx context.Context, req RemoveRequest) (*RemovalReport, error) {
	if req.Identifier == "" {
		return nil, fmt.Errorf("identifier is required")
	}

	res := c.resolver.Resolve(resolve.Input{Identifier: req.Identifier, DisplayName: req.DisplayName})
	report := &RemovalReport{
		OperationID: uuid.NewString(),
		Identifier:  req.Identifier,
		ChatID:      res.ChatID,
	}
	if report.ChatID == "" {
		if best, ok := res.Best(); ok {
			report.ChatID = best.ChatID
		}
	}

	report.record(c.deleteRemoteAccount(ctx, res))
	report.record(c.deleteInviteCode(ctx, report.ChatID))
	report.record(c.disableLocalRecord(report.ChatID))

	details := fmt.Sprintf("op=%s reason=%s", report.OperationID, req.Reason)
	for _, s := range report.Steps {
		details += fmt.Sprintf(" %s=%s", s.Name, s.Outcome)
	}
	var remoteName string
	if best, ok := res.Best(); ok {
		remoteName = best.RemoteUsername
	}
	c.audit(req.Actor, "remove", report.ChatID, remoteName, details)

	log.Info().Str("operationID", report.OperationID).
		Str("identifier", req.Identifier).
		Bool("complete", report.Complete()).
		Msg("Removal finished")
	return report, nil
}

// deleteRemoteAccount walks the resolved candidates in confidence
// order. A not-found answer falls through to the next candidate; only
// a transport failure stops the walk, since the account may still
// exist behind the fault.
func (c *Coordinator) deleteRemoteAccount(ctx context.Context, res resolve.Resolution) Step {
	names := res.Usernames()
	if len(names) == 0 {
		return Step{Name: StepRemoteAccount, Outcome: OutcomeSkipped, Detail: "no remote candidate resolved"}
	}

	for _, name := range names {
		rctx, cancel := context.WithTimeout(ctx, c.cfg.RemoteTimeout)
		status, err := c.remote.DeleteAccount(rctx, name)
		cancel()
		if err != nil {
			return Step{Name: StepRemoteAccount, Outcome: OutcomeFailed,
				Detail: fmt.Sprintf("delete %s: %v", name, err)}
		}
		if status == provision.StatusOK {
			return Step{Name: StepRemoteAccount, Outcome: OutcomeDone, Detail: name}
		}
		log.Debug().Str("remoteUsername", name).Msg("Remote account not found, trying next candidate")
	}
	return Step{Name: StepRemoteAccount, Outcome: OutcomeFailed,
		Detail: fmt.Sprintf("no remote account matched %d candidate(s)", len(names))}
}

func (c *Coordinator) deleteInviteCode(ctx context.Context, chatID string) Step {
	if chatID == "" {
		return Step{Name: StepInviteCode, Outcome: OutcomeSkipped, Detail: "no local record resolved"}
	}
	rec, err := c.store.Get(chatID)
	if errors.Is(err, store.ErrNotFound) {
		return Step{Name: StepInviteCode, Outcome: OutcomeSkipped, Detail: "no local record"}
	}
	if err != nil {
		return Step{Name: StepInviteCode, Outcome: OutcomeFailed, Detail: err.Error()}
	}
	if rec.InviteCode == "" {
		return Step{Name: StepInviteCode, Outcome: OutcomeSkipped, Detail: "no stored invite code"}
	}

	rctx, cancel := context.WithTimeout(ctx, c.cfg.RemoteTimeout)
	status, err := c.remote.DeleteInvite(rctx, rec.InviteCode)
	cancel()
	if err != nil {
		return Step{Name: StepInviteCode, Outcome: OutcomeFailed,
			Detail: fmt.Sprintf("delete code %s: %v", rec.InviteCode, err)}
	}
	// An already-gone code means the goal state holds
	if status == provision.StatusNotFound {
		return Step{Name: StepInviteCode, Outcome: OutcomeDone, Detail: rec.InviteCode + " already gone"}
	}
	return Step{Name: StepInviteCode, Outcome: OutcomeDone, Detail: rec.InviteCode}
}

func (c *Coordinator) disableLocalRecord(chatID string) Step {
	if chatID == "" {
		return Step{Name: StepLocalStatus, Outcome: OutcomeSkipped, Detail: "no local record resolved"}
	}
	if err := c.store.SetStatus(chatID, store.StatusDisabled); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Step{Name: StepLocalStatus, Outcome: OutcomeSkipped, Detail: "no local record"}
		}
		return Step{Name: StepLocalStatus, Outcome: OutcomeFailed, Detail: err.Error()}
	}
	if err := c.store.ClearInviteCode(chatID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return Step{Name: StepLocalStatus, Outcome: OutcomeFailed, Detail: err.Error()}
	}
	return Step{Name: StepLocalStatus, Outcome: OutcomeDone}
}

func (r *RemovalReport) record(s Step) {
	r.Steps = append(r.Steps, s)
	metrics.RemovalStepsTotal.WithLabelValues(s.Name, string(s.Outcome)).Inc()
}
