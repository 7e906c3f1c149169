// Package provision defines the capability surface of the media-server
// provisioning service and a thin HTTP client for jfa-go-compatible
// servers. Transport sophistication (retry, backoff) is deliberately
// left to deployments fronting the service.
package provision

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status discriminates the outcome of a remote mutation. Transport
// failures are reported as errors instead, so callers can branch on
// cause rather than sniffing messages.
type Status int

const (
	// StatusOK means the remote applied the mutation.
	StatusOK Status = iota
	// StatusNotFound means the remote explicitly reported the target
	// does not exist. Terminal for that action, not a transport fault.
	StatusNotFound
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotFound:
		return "not_found"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ErrTransport wraps remote calls that failed to complete (timeout,
// connection reset, malformed response). Always retryable.
var ErrTransport = errors.New("provisioner transport failure")

// IsTransport reports whether err is a transport-level failure.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport)
}

// RemoteUser is one account as reported by the provisioning service.
type RemoteUser struct {
	ID           string
	Username     string
	LinkedChatID string
	Email        string
	ExpiresAt    *time.Time
	Disabled     bool
	Admin        bool
}

// InviteSpec describes an invite to create.
type InviteSpec struct {
	Profile     string
	Label       string
	AccountDays int
	LinkDays    int
}

// Fetcher lists the provisioning service's user directory.
type Fetcher interface {
	ListUsers(ctx context.Context) ([]RemoteUser, error)
}

// Mutator performs account and invite mutations against the
// provisioning service.
type Mutator interface {
	// CreateInvite creates an invite and returns its code.
	CreateInvite(ctx context.Context, spec InviteSpec) (string, error)
	// ExtendAccount moves an account's expiry to the exact timestamp.
	ExtendAccount(ctx context.Context, remoteUsername string, expiresAt time.Time) (Status, error)
	// DeleteAccount removes the remote account.
	DeleteAccount(ctx context.Context, remoteUsername string) (Status, error)
	// DeleteInvite removes an unclaimed invite by code.
	DeleteInvite(ctx context.Context, inviteCode string) (Status, error)
}
