package consent

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medrex/consent-engine/pkg/types"
)

// Event drives an access request out of pending
type Event string

const (
	EventApprove Event = "approve"
	EventDeny    Event = "deny"
	EventExpire  Event = "expire"
)

var transitions = map[types.RequestStatus]map[Event]types.RequestStatus{
	types.StatusPending: {
		EventApprove: types.StatusApproved,
		EventDeny:    types.StatusDenied,
		EventExpire:  types.StatusExpired,
	},
}

// Transition is the only place a request status may change. Terminal
// states have no outgoing edges.
func Transition(from types.RequestStatus, event Event) (types.RequestStatus, error) {
	edges, ok := transitions[from]
	if !ok {
		return from, types.NewError(types.KindAlreadyResolved,
			fmt.Sprintf("access request is already %s", from))
	}
	to, ok := edges[event]
	if !ok {
		return from, types.NewError(types.KindValidation, fmt.Sprintf("unknown event %q", event))
	}
	return to, nil
}

// apply moves a request through the state machine and stamps responded_at
func apply(r *types.AccessRequest, event Event, now time.Time) error {
	to, err := Transition(r.Status, event)
	if err != nil {
		return err
	}
	r.Status = to
	at := now
	r.RespondedAt = &at
	return nil
}

// MarkExpired expires a pending request. It is a no-op on any other status
// and reports whether the request changed.
func MarkExpired(r *types.AccessRequest, now time.Time) bool {
	if r.Status != types.StatusPending {
		return false
	}
	return apply(r, EventExpire, now) == nil
}

// Deny resolves a pending request as denied
func Deny(r *types.AccessRequest, now time.Time) error {
	return apply(r, EventDeny, now)
}

// Approve resolves a pending request as approved
func Approve(r *types.AccessRequest, now time.Time) error {
	return apply(r, EventApprove, now)
}

// ValidateScopes checks a requested scope set against the fixed vocabulary
// and returns it deduplicated in request order
func ValidateScopes(scopes []types.Scope) ([]types.Scope, error) {
	if len(scopes) == 0 {
		return nil, types.NewError(types.KindInvalidScope, "at least one scope is required")
	}

	seen := make(map[types.Scope]bool, len(scopes))
	out := make([]types.Scope, 0, len(scopes))
	var invalid []string
	for _, s := range scopes {
		if !s.IsValid() {
			invalid = append(invalid, string(s))
			continue
		}
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	if len(invalid) > 0 {
		return nil, types.NewError(types.KindInvalidScope,
			fmt.Sprintf("invalid scopes: %s", strings.Join(invalid, ", "))).
			WithDetails(map[string]interface{}{"invalid_scopes": invalid})
	}
	return out, nil
}

// NewRequestParams describes an access request about to be created
type NewRequestParams struct {
	PatientID    string
	OrgID        string
	UserID       string
	Scopes       []types.Scope
	Reason       string
	DurationDays int
	Channel      types.DeliveryChannel
}

// NewAccessRequest builds a pending request expiring ttl from now
func NewAccessRequest(p NewRequestParams, now time.Time, ttl time.Duration) *types.AccessRequest {
	r := &types.AccessRequest{
		ID:             uuid.New().String(),
		PatientID:      p.PatientID,
		RequesterOrgID: p.OrgID,
		Scopes:         p.Scopes,
		Reason:         p.Reason,
		DurationDays:   p.DurationDays,
		Channel:        p.Channel,
		Status:         types.StatusPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
	if p.UserID != "" {
		user := p.UserID
		r.RequesterUser = &user
	}
	return r
}
