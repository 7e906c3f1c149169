// Package resolve pairs chat identities with remote media-server
// accounts from partial, possibly stale evidence. Every lookup produces
// a ranked candidate list; selection policy belongs to the caller.
package resolve

import (
	"errors"
	"regexp"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/rs/zerolog/log"

	"github.com/jellyward/jellyward/internal/directory"
	"github.com/jellyward/jellyward/internal/store"
)

// Confidence ranks how a pairing was established. Lower values are
// more trustworthy.
type Confidence int

const (
	// ConfirmedDirect pairings come from a structural chat reference
	// cross-checked against a fresh directory entry.
	ConfirmedDirect Confidence = iota
	// NameMatch pairings matched an identifier against the remote
	// username field.
	NameMatch
	// LocalReverse pairings matched a remote username back to a stored
	// display label in the invite store.
	LocalReverse
	// Forced pairings use the raw identifier verbatim so accounts that
	// never synced into the cache stay reachable for removal.
	Forced
)

func (c Confidence) String() string {
	switch c {
	case ConfirmedDirect:
		return "confirmed_direct"
	case NameMatch:
		return "name_match"
	case LocalReverse:
		return "local_reverse"
	case Forced:
		return "forced"
	default:
		return "unknown"
	}
}

// Candidate is one possible (chat, remote) pairing. Either side may be
// empty when only half the pairing could be established.
type Candidate struct {
	ChatID         string
	RemoteUsername string
	Confidence     Confidence
}

// Resolution is the full outcome of resolving one identifier. ChatID
// carries the structurally-parsed chat reference even when no pairing
// was confirmed, so callers can still act on the local side.
type Resolution struct {
	ChatID     string
	Candidates []Candidate
}

// Best returns the highest-confidence candidate, or false when none.
func (r Resolution) Best() (Candidate, bool) {
	if len(r.Candidates) == 0 {
		return Candidate{}, false
	}
	return r.Candidates[0], true
}

// Usernames returns the distinct remote usernames in confidence order.
func (r Resolution) Usernames() []string {
	seen := make(map[string]struct{}, len(r.Candidates))
	var out []string
	for _, c := range r.Candidates {
		if c.RemoteUsername == "" {
			continue
		}
		if _, dup := seen[c.RemoteUsername]; dup {
			continue
		}
		seen[c.RemoteUsername] = struct{}{}
		out = append(out, c.RemoteUsername)
	}
	return out
}

// Input is the raw material for one resolution.
type Input struct {
	// Identifier is the arbitrary string supplied by an operator: a
	// chat mention, a bare numeric ID, or a remote username.
	Identifier string
	// DisplayName is the chat-side display label when the caller knows
	// it, tried as a remote username fallback.
	DisplayName string
}

// mention wrappers like <@123456> or <@!123456>
var (
	mentionRe = regexp.MustCompile(`^<@!?(\d+)>$`)
	numericRe = regexp.MustCompile(`^\d{5,}$`)
)

// Resolver produces ranked identity pairings from the invite store and
// the directory cache.
type Resolver struct {
	store        *store.Store
	cache        *directory.Cache
	syncInterval time.Duration

	nowFn func() time.Time
}

// New creates a resolver. syncInterval bounds how old a directory entry
// may be before it is treated as unconfirmed.
func New(st *store.Store, cache *directory.Cache, syncInterval time.Duration) *Resolver {
	return &Resolver{store: st, cache: cache, syncInterval: syncInterval, nowFn: time.Now}
}

// Resolve runs the precedence chain over the input. It never fails on
// ambiguity: every plausible pairing is returned, ranked, and the
// caller chooses how far down the list to go.
func (r *Resolver) Resolve(in Input) Resolution {
	res := Resolution{}
	now := r.nowFn()

	chatID := parseChatID(in.Identifier)
	res.ChatID = chatID

	// Structural chat reference cross-checked against the mirror.
	if chatID != "" {
		entry, err := r.cache.FindByChatID(chatID)
		switch {
		case err == nil && entry.ConfirmedAt(now, r.syncInterval):
			res.add(Candidate{ChatID: chatID, RemoteUsername: entry.RemoteUsername, Confidence: ConfirmedDirect})
		case err == nil:
			// A stale mirror row degrades to a name hint instead of
			// asserting a link that may no longer hold.
			log.Debug().Str("chatID", chatID).Time("lastSynced", entry.LastSyncedAt).
				Msg("Directory entry stale, downgrading pairing confidence")
			res.add(Candidate{ChatID: chatID, RemoteUsername: entry.RemoteUsername, Confidence: NameMatch})
		case !errors.Is(err, directory.ErrNotFound):
			log.Warn().Err(err).Str("chatID", chatID).Msg("Directory lookup failed during resolution")
		}
	}

	// Name matching against the authoritative remote username field.
	if !res.hasConfirmed() {
		if chatID == "" {
			r.tryUsername(&res, in.Identifier, chatID)
		}
		if in.DisplayName != "" {
			r.tryUsername(&res, in.DisplayName, chatID)
		}
	}

	// Reverse lookup: a remote username with no chat side yet may match
	// a stored display label, exact first, then wildcard.
	if chatID == "" && in.Identifier != "" {
		r.reverseLookup(&res, in.Identifier)
	}

	// Forced fallback keeps never-synced accounts reachable. A
	// chat-shaped identifier carries no remote name to force.
	if len(res.Candidates) == 0 && in.Identifier != "" && chatID == "" {
		res.add(Candidate{RemoteUsername: in.Identifier, Confidence: Forced})
	}

	return res
}

func (r *Resolver) tryUsername(res *Resolution, name, chatID string) {
	if name == "" || parseChatID(name) != "" {
		return
	}
	entry, err := r.cache.FindByUsername(name)
	if err != nil {
		if !errors.Is(err, directory.ErrNotFound) {
			log.Warn().Err(err).Str("username", name).Msg("Directory lookup failed during resolution")
		}
		return
	}
	pairChat := chatID
	if pairChat == "" {
		pairChat = entry.LinkedChatID
	}
	res.add(Candidate{ChatID: pairChat, RemoteUsername: entry.RemoteUsername, Confidence: NameMatch})
}

func (r *Resolver) reverseLookup(res *Resolution, name string) {
	records, err := r.store.FindByDisplayName(name)
	if err != nil {
		log.Warn().Err(err).Str("name", name).Msg("Invite store search failed during resolution")
		return
	}

	// Exact label matches first, then a wildcard pass over the rest.
	for _, rec := range records {
		if rec.ChatUsername == name {
			res.add(Candidate{ChatID: rec.ChatID, RemoteUsername: name, Confidence: LocalReverse})
		}
	}
	pattern := "*" + name + "*"
	for _, rec := range records {
		if rec.ChatUsername == name {
			continue
		}
		if wildcard.Match(pattern, rec.ChatUsername) {
			res.add(Candidate{ChatID: rec.ChatID, RemoteUsername: name, Confidence: LocalReverse})
		}
	}
}

func (res *Resolution) add(c Candidate) {
	for _, existing := range res.Candidates {
		if existing.ChatID == c.ChatID && existing.RemoteUsername == c.RemoteUsername {
			return
		}
	}
	res.Candidates = append(res.Candidates, c)
}

func (res *Resolution) hasConfirmed() bool {
	for _, c := range res.Candidates {
		if c.Confidence == ConfirmedDirect {
			return true
		}
	}
	return false
}

// parseChatID extracts a chat account reference from mention wrappers
// or bare numeric IDs. Returns empty when the identifier is not
// chat-ID shaped.
func parseChatID(identifier string) string {
	if m := mentionRe.FindStringSubmatch(identifier); m != nil {
		return m[1]
	}
	if numericRe.MatchString(identifier) {
		return identifier
	}
	return ""
}
