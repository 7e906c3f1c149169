// Package lifecycle orchestrates invite issuance, account extension,
// and member removal across the invite store, the directory cache, and
// the remote provisioning service.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jellyward/jellyward/internal/directory"
	"github.com/jellyward/jellyward/internal/metrics"
	"github.com/jellyward/jellyward/internal/provision"
	"github.com/jellyward/jellyward/internal/resolve"
	"github.com/jellyward/jellyward/internal/store"
)

// Actor identifies the administrator driving an operation, for the
// audit trail.
type Actor struct {
	ID   string
	Name string
}

// Config carries the issuance defaults the coordinator applies when a
// request leaves them unset.
type Config struct {
	TrialPlan        string
	TrialDays        int
	LinkBaseURL      string
	LinkValidityDays int
	RemoteTimeout    time.Duration
}

// Coordinator drives multi-system lifecycle operations. Remote
// mutations always come first: local state is only written after the
// remote accepted the change, so a remote failure never strands a
// local record claiming something the remote does not have.
type Coordinator struct {
	store    *store.Store
	cache    *directory.Cache
	remote   provision.Mutator
	resolver *resolve.Resolver
	cfg      Config

	nowFn func() time.Time
}

// New creates a coordinator.
func New(st *store.Store, cache *directory.Cache, remote provision.Mutator, resolver *resolve.Resolver, cfg Config) *Coordinator {
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = 15 * time.Second
	}
	return &Coordinator{
		store:    st,
		cache:    cache,
		remote:   remote,
		resolver: resolver,
		cfg:      cfg,
		nowFn:    time.Now,
	}
}

// IssueRequest describes one invite to issue. Plan and AccountDays
// default to the configured trial terms when unset.
type IssueRequest struct {
	ChatID       string
	ChatUsername string
	Plan         string
	AccountDays  int
	Actor        Actor
}

// IssueResult reports a successful issuance.
type IssueResult struct {
	InviteCode string
	InviteURL  string
	Status     store.Status
	ExpiresAt  time.Time
	// Superseded is set when an active record for the same chat
	// identity already existed and was replaced by this issuance.
	Superseded bool
}

// Issue creates an invite on the provisioning service and records it
// locally. A remote failure aborts the operation with no local write.
// Re-issuing over an existing record supersedes it: the status resets
// to the plan-derived value and, when the old invite was never claimed,
// its remote code is revoked best-effort.
func (c *Coordinator) Issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	if req.ChatID == "" || req.ChatUsername == "" {
		return nil, fmt.Errorf("chat ID and username are required")
	}
	plan := req.Plan
	if plan == "" {
		plan = c.cfg.TrialPlan
	}
	days := req.AccountDays
	if days <= 0 {
		days = c.cfg.TrialDays
	}
	status := store.StatusForPlan(plan, c.cfg.TrialPlan)
	now := c.nowFn()

	superseded := false
	if existing, err := c.store.Get(req.ChatID); err == nil {
		if existing.Status == store.StatusTrial || existing.Status == store.StatusPaid {
			superseded = true
		}
		// An unclaimed invite left on the remote would stay redeemable
		// alongside the new one, so revoke it first.
		if existing.InviteCode != "" && existing.RemoteUserID == "" {
			rctx, cancel := context.WithTimeout(ctx, c.cfg.RemoteTimeout)
			if _, err := c.remote.DeleteInvite(rctx, existing.InviteCode); err != nil {
				log.Warn().Err(err).Str("chatID", req.ChatID).
					Str("code", existing.InviteCode).Msg("Failed to revoke superseded invite")
			}
			cancel()
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	label := req.ChatUsername + "-" + uuid.NewString()[:8]
	spec := provision.InviteSpec{
		Profile:     plan,
		Label:       label,
		AccountDays: days,
		LinkDays:    c.cfg.LinkValidityDays,
	}

	rctx, cancel := context.WithTimeout(ctx, c.cfg.RemoteTimeout)
	code, err := c.remote.CreateInvite(rctx, spec)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("invite creation failed, nothing recorded: %w", err)
	}

	expiresAt := now.Add(time.Duration(days) * 24 * time.Hour)
	rec := &store.InviteRecord{
		ChatID:           req.ChatID,
		ChatUsername:     req.ChatUsername,
		InviteCode:       code,
		Plan:             plan,
		Status:           status,
		AccountExpiresAt: &expiresAt,
	}
	if err := c.store.Upsert(rec); err != nil {
		// The remote invite exists but the local record does not. Keep
		// the code in the error so an operator can reconcile by hand.
		return nil, fmt.Errorf("invite %s created remotely but local record failed: %w", code, err)
	}

	metrics.InvitesIssuedTotal.WithLabelValues(string(status)).Inc()
	c.audit(req.Actor, "issue", req.ChatID, "", fmt.Sprintf("plan=%s days=%d code=%s superseded=%t", plan, days, code, superseded))
	log.Info().Str("chatID", req.ChatID).Str("plan", plan).
		Bool("superseded", superseded).Msg("Invite issued")

	return &IssueResult{
		InviteCode: code,
		InviteURL:  c.inviteURL(code),
		Status:     status,
		ExpiresAt:  expiresAt,
		Superseded: superseded,
	}, nil
}

// ExtendRequest describes an account extension.
type ExtendRequest struct {
	Identifier  string
	DisplayName string
	Days        int
	Actor       Actor
}

// ExtendResult reports the outcome of an extension.
type ExtendResult struct {
	RemoteUsername string
	NewExpiresAt   time.Time
	Status         provision.Status
}

// Extend pushes an account's expiry out by the requested number of
// days. Expired accounts extend from now rather than from the lapsed
// date, so the member always receives the full purchased window.
func (c *Coordinator) Extend(ctx context.Context, req ExtendRequest) (*ExtendResult, error) {
	if req.Days <= 0 {
		return nil, fmt.Errorf("extension days must be positive")
	}
	res := c.resolver.Resolve(resolve.Input{Identifier: req.Identifier, DisplayName: req.DisplayName})
	best, ok := res.Best()
	if !ok || best.RemoteUsername == "" {
		return nil, fmt.Errorf("no remote account resolved for %q", req.Identifier)
	}

	now := c.nowFn()
	base := now
	if entry, err := c.cache.FindByUsername(best.RemoteUsername); err == nil &&
		entry.ExpiresAt != nil && entry.ExpiresAt.After(now) {
		base = *entry.ExpiresAt
	} else if res.ChatID != "" {
		if rec, err := c.store.Get(res.ChatID); err == nil &&
			rec.AccountExpiresAt != nil && rec.AccountExpiresAt.After(now) {
			base = *rec.AccountExpiresAt
		}
	}
	newExpiry := base.Add(time.Duration(req.Days) * 24 * time.Hour)

	rctx, cancel := context.WithTimeout(ctx, c.cfg.RemoteTimeout)
	status, err := c.remote.ExtendAccount(rctx, best.RemoteUsername, newExpiry)
	cancel()
	if err != nil {
		return nil, err
	}
	result := &ExtendResult{RemoteUsername: best.RemoteUsername, NewExpiresAt: newExpiry, Status: status}
	if status != provision.StatusOK {
		return result, nil
	}

	chatID := res.ChatID
	if chatID == "" {
		chatID = best.ChatID
	}
	if chatID != "" {
		if err := c.store.SetExpiry(chatID, &newExpiry); err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Warn().Err(err).Str("chatID", chatID).Msg("Failed to record extended expiry locally")
		}
	}
	c.audit(req.Actor, "extend", chatID, best.RemoteUsername,
		fmt.Sprintf("days=%d until=%s", req.Days, newExpiry.UTC().Format(time.RFC3339)))
	log.Info().Str("remoteUsername", best.RemoteUsername).
		Time("until", newExpiry).Msg("Account extended")
	return result, nil
}

func (c *Coordinator) inviteURL(code string) string {
	if c.cfg.LinkBaseURL == "" {
		return ""
	}
	return strings.TrimRight(c.cfg.LinkBaseURL, "/") + "/" + code
}

func (c *Coordinator) audit(actor Actor, action, targetChat, targetRemote, details string) {
	err := c.store.RecordAction(store.AdminAction{
		ActorID:      actor.ID,
		ActorName:    actor.Name,
		Action:       action,
		TargetChat:   targetChat,
		TargetRemote: targetRemote,
		Details:      details,
	})
	if err != nil {
		log.Warn().Err(err).Str("action", action).Msg("Failed to record admin action")
	}
}
