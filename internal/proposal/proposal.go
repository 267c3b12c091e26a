// Package proposal tracks the mcp/proposal -> mcp/request (fulfillment)
// -> mcp/response correlation chains described in spec §4.4. The
// gateway does not interpret tool semantics; it only remembers who
// proposed what, so it can enforce that a withdrawal comes from the
// original proposer (defense in depth alongside the capability check
// on the withdraw envelope itself). Rejection carries no such
// restriction.
package proposal

import (
	"fmt"
	"sync"
	"time"
)

// Status is the lifecycle state of one tracked proposal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusFulfilled  Status = "fulfilled"
	StatusResponded  Status = "responded"
	StatusWithdrawn  Status = "withdrawn"
	StatusRejected   Status = "rejected"
)

// Proposal is one tracked mcp/proposal and its correlated fulfillment
// and response, if any have arrived yet.
type Proposal struct {
	ID          string // the proposal envelope's own id
	Proposer    string
	CreatedAt   time.Time
	Status      Status
	FulfilledBy string // participant id of the mcp/request fulfiller
	RequestID   string // id of the fulfilling mcp/request envelope
}

// ErrNotFound is returned when referencing an untracked proposal ID.
var ErrNotFound = fmt.Errorf("proposal not found")

// ErrNotProposer is returned when a withdraw is attempted by someone
// other than the original proposer (spec §4.4).
var ErrNotProposer = fmt.Errorf("only the original proposer may withdraw this proposal")

// Tracker holds the in-flight proposal state for one space.
type Tracker struct {
	mu        sync.RWMutex
	proposals map[string]*Proposal
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{proposals: make(map[string]*Proposal)}
}

// Observe records a new mcp/proposal envelope. proposalID is the
// envelope's own id (later referenced as correlation_id by the
// fulfilling mcp/request and the eventual mcp/response).
func (t *Tracker) Observe(proposalID, proposer string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.proposals[proposalID] = &Proposal{
		ID:        proposalID,
		Proposer:  proposer,
		CreatedAt: at,
		Status:    StatusPending,
	}
}

// Fulfill records that requestID (an mcp/request envelope) fulfills
// proposalID, sent by fulfiller. Fulfillment is correlated via the
// request's correlation_id referencing the proposal's id.
func (t *Tracker) Fulfill(proposalID, requestID, fulfiller string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.proposals[proposalID]
	if !ok {
		return ErrNotFound
	}
	if p.Status != StatusPending {
		return fmt.Errorf("proposal %s is not pending (status=%s)", proposalID, p.Status)
	}
	p.Status = StatusFulfilled
	p.FulfilledBy = fulfiller
	p.RequestID = requestID
	return nil
}

// Respond records that an mcp/response correlating to proposalID has
// been routed, completing the chain.
func (t *Tracker) Respond(proposalID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.proposals[proposalID]
	if !ok {
		return ErrNotFound
	}
	p.Status = StatusResponded
	return nil
}

// Withdraw marks a proposal withdrawn, enforcing that only the
// original proposer may do so. Returns ErrNotProposer, leaving the
// proposal unchanged, if by is not the proposal's proposer; capability
// grants carry no notion of who proposed what, so this is the only
// place that check is made.
func (t *Tracker) Withdraw(proposalID, by string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.proposals[proposalID]
	if !ok {
		return ErrNotFound
	}
	if p.Proposer != by {
		return ErrNotProposer
	}
	p.Status = StatusWithdrawn
	return nil
}

// Reject marks a proposal rejected by a fulfiller declining to act on
// it. Unlike Withdraw, any participant with mcp/reject capability may
// reject — the proposer restriction is specific to withdrawal.
func (t *Tracker) Reject(proposalID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.proposals[proposalID]
	if !ok {
		return ErrNotFound
	}
	p.Status = StatusRejected
	return nil
}

// Get returns a copy of the tracked proposal state, or nil if unknown.
func (t *Tracker) Get(proposalID string) *Proposal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.proposals[proposalID]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

// Pending returns the proposals still awaiting fulfillment (status
// pending) that were observed at least olderThan before now. Fulfilled
// proposals still waiting for a response are not included.
func (t *Tracker) Pending(olderThan time.Duration, now time.Time) []*Proposal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Proposal
	for _, p := range t.proposals {
		if p.Status == StatusPending && now.Sub(p.CreatedAt) >= olderThan {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out
}
