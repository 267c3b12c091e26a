// Package participant implements the participant lifecycle operations
// of spec §4.6: pause/resume/status/forget/clear/restart/shutdown
// envelopes, and the context_tokens/context_messages usage counters
// that drive throttled near_limit status emission.
package participant

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mew-protocol/gateway/internal/space"
)

// PauseRequest is the payload shape of a participant/pause envelope.
type PauseRequest struct {
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// ResumeRequest is the payload shape of a participant/resume envelope.
type ResumeRequest struct{}

// ForgetRequest is the payload shape of participant/forget. Target
// identifies who to forget; Target=="" forgets the sender's own history.
// Direction/Entries describe the trim (spec §4.6); the gateway does not
// interpret them beyond bookkeeping — local context trimming is SDK-level.
type ForgetRequest struct {
	Target    string `json:"target,omitempty"`
	Direction string `json:"direction,omitempty"`
	Entries   int    `json:"entries,omitempty"`
}

// ClearRequest is the payload shape of participant/clear, resetting
// usage counters without removing the participant.
type ClearRequest struct {
	Target string `json:"target,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// RequestStatusRequest is the payload shape of participant/request-status.
// Fields, if non-empty, names the subset of StatusPayload fields the
// caller wants; messages_in_context and status are always included
// (spec §4.6).
type RequestStatusRequest struct {
	Fields []string `json:"fields,omitempty"`
}

// RestartRequest is the payload shape of participant/restart.
type RestartRequest struct {
	Payload map[string]any `json:"payload,omitempty"`
}

// ShutdownRequest is the payload shape of participant/shutdown.
type ShutdownRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Status values reported in participant/status envelopes (spec §4.6).
const (
	StatusActive       = "active"
	StatusPaused       = "paused"
	StatusNearLimit    = "near_limit"
	StatusCompacting   = "compacting"
	StatusCompacted    = "compacted"
	StatusCleared      = "cleared"
	StatusRestarted    = "restarted"
	StatusShuttingDown = "shutting_down"
)

// StatusPayload is the payload shape of a participant/status envelope
// emitted by the gateway in reply to a status request, a lifecycle
// operation, or a usage threshold crossing.
type StatusPayload struct {
	Participant     string `json:"participant"`
	Status          string `json:"status"`
	Paused          bool   `json:"paused"`
	ContextTokens   int    `json:"tokens,omitempty"`
	ContextMessages int    `json:"messages_in_context"`
	MaxTokens       int    `json:"max_tokens,omitempty"`
	NearLimit       bool   `json:"near_limit,omitempty"`
}

// NearLimitFraction is the usage threshold (of an operator-configured
// token budget) above which a participant's status is reported as
// near_limit (spec §4.6: "context_tokens ≥ 0.9 × context_max_tokens").
const NearLimitFraction = 0.9

// Controller applies lifecycle operations to a space's participant
// table. It holds no state of its own beyond a per-participant
// throttle for near_limit emission, since the authoritative state
// lives in space.Space.
type Controller struct {
	sp *space.Space

	// lastNearLimitNotice throttles repeat near_limit status pushes so
	// a participant hovering at the threshold doesn't flood the space.
	lastNearLimitNotice map[string]time.Time
	throttle            time.Duration
}

// NewController returns a Controller bound to one space. throttle is
// the minimum interval between repeat near_limit notices for the same
// participant; spec §4.6 requires a cooldown of at least 60s.
func NewController(sp *space.Space, throttle time.Duration) *Controller {
	if throttle <= 0 {
		throttle = 60 * time.Second
	}
	return &Controller{sp: sp, lastNearLimitNotice: make(map[string]time.Time), throttle: throttle}
}

// Pause applies a participant/pause envelope's effect.
func (c *Controller) Pause(target string, req PauseRequest, now time.Time) error {
	var until time.Time
	if req.TimeoutSeconds > 0 {
		until = now.Add(time.Duration(req.TimeoutSeconds) * time.Second)
	}
	if c.sp.Participant(target) == nil {
		return fmt.Errorf("unknown participant %q", target)
	}
	c.sp.SetPaused(target, true, until, req.Reason)
	return nil
}

// Resume applies a participant/resume envelope's effect.
func (c *Controller) Resume(target string) error {
	if c.sp.Participant(target) == nil {
		return fmt.Errorf("unknown participant %q", target)
	}
	c.sp.SetPaused(target, false, time.Time{}, "")
	return nil
}

// Forget applies a participant/forget envelope's effect, removing the
// target's tracked identity and grants entirely.
func (c *Controller) Forget(target string) error {
	if c.sp.Participant(target) == nil {
		return fmt.Errorf("unknown participant %q", target)
	}
	c.sp.Forget(target)
	delete(c.lastNearLimitNotice, target)
	return nil
}

// Clear resets a participant's usage counters without forgetting its
// identity or grants, replying with status cleared (spec §4.6).
func (c *Controller) Clear(target string) (StatusPayload, error) {
	p := c.sp.Participant(target)
	if p == nil {
		return StatusPayload{}, fmt.Errorf("unknown participant %q", target)
	}
	p.ContextTokens = 0
	p.ContextMessages = 0
	delete(c.lastNearLimitNotice, target)
	return StatusPayload{Participant: target, Status: StatusCleared, Paused: p.Paused}, nil
}

// RequestStatus builds the current StatusPayload for a participant, in
// reply to participant/request-status. Status reflects near_limit once
// a RecordUsage call has reported a near_limit crossing, until Clear,
// Restart or Forget resets it, else paused/active.
func (c *Controller) RequestStatus(target string) (StatusPayload, error) {
	return c.Status(target)
}

// Restart re-initializes a participant's tracked counters, replying
// with status restarted (spec §4.6).
func (c *Controller) Restart(target string) (StatusPayload, error) {
	p := c.sp.Participant(target)
	if p == nil {
		return StatusPayload{}, fmt.Errorf("unknown participant %q", target)
	}
	p.ContextTokens = 0
	p.ContextMessages = 0
	c.sp.SetPaused(target, false, time.Time{}, "")
	delete(c.lastNearLimitNotice, target)
	return StatusPayload{Participant: target, Status: StatusRestarted}, nil
}

// Shutdown builds the final status payload a participant/shutdown
// reply carries before the gateway disconnects the target (spec §4.6).
// Shutdown does not itself close the connection — internal/gateway
// does that after sending this status, since Controller has no
// reference to the connection registry.
func (c *Controller) Shutdown(target string) (StatusPayload, error) {
	p := c.sp.Participant(target)
	if p == nil {
		return StatusPayload{}, fmt.Errorf("unknown participant %q", target)
	}
	return StatusPayload{Participant: target, Status: StatusShuttingDown, Paused: p.Paused}, nil
}

// RecordUsage increments a participant's context_tokens/context_messages
// counters, returning whether a near_limit status should be emitted now
// (crossed NearLimitFraction of budget and the throttle window elapsed).
func (c *Controller) RecordUsage(target string, tokens int, budget int, now time.Time) (nearLimit bool) {
	p := c.sp.Participant(target)
	if p == nil {
		return false
	}
	p.ContextTokens += tokens
	p.ContextMessages++

	if budget <= 0 {
		return false
	}
	if float64(p.ContextTokens) < NearLimitFraction*float64(budget) {
		return false
	}
	last, ok := c.lastNearLimitNotice[target]
	if ok && now.Sub(last) < c.throttle {
		return false
	}
	c.lastNearLimitNotice[target] = now
	return true
}

// Status builds the current StatusPayload for a participant: always
// paused or active, with near_limit layered in once a RecordUsage call
// has reported a near_limit crossing. The flag stays set, regardless
// of the throttle window, until Clear, Restart or Forget resets it.
func (c *Controller) Status(target string) (StatusPayload, error) {
	p := c.sp.Participant(target)
	if p == nil {
		return StatusPayload{}, fmt.Errorf("unknown participant %q", target)
	}
	status := StatusActive
	if p.Paused {
		status = StatusPaused
	}
	_, nearLimit := c.lastNearLimitNotice[target]
	if nearLimit {
		status = StatusNearLimit
	}
	return StatusPayload{
		Participant:     target,
		Status:          status,
		Paused:          p.Paused,
		ContextTokens:   p.ContextTokens,
		ContextMessages: p.ContextMessages,
		NearLimit:       nearLimit,
	}, nil
}

// MarshalStatus is a convenience wrapper for building the payload of
// the system/error or participant/status envelope the router emits.
func MarshalStatus(p StatusPayload) (json.RawMessage, error) {
	return json.Marshal(p)
}
