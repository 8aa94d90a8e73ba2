package consent

import (
	"time"

	"github.com/google/uuid"

	"github.com/medrex/consent-engine/pkg/types"
)

// NewGrantParams describes a grant about to be minted
type NewGrantParams struct {
	PatientID       string
	GranteeOrgID    string
	AccessRequestID string
	Scopes          []types.Scope
	ValidFrom       time.Time
	ValidTo         time.Time
	IsWhitelist     bool
	CreatedBy       types.GrantCreator
}

// NewGrant validates and builds an access grant
func NewGrant(p NewGrantParams, now time.Time) (*types.AccessGrant, error) {
	if !p.ValidFrom.Before(p.ValidTo) {
		return nil, types.NewError(types.KindInvalidWindow, "valid_from must be before valid_to")
	}
	scopes, err := ValidateScopes(p.Scopes)
	if err != nil {
		return nil, err
	}
	switch p.CreatedBy {
	case types.CreatedByPatient, types.CreatedBySystem, types.CreatedByStaff:
	default:
		return nil, types.NewError(types.KindValidation, "unknown grant creator")
	}

	g := &types.AccessGrant{
		ID:           uuid.New().String(),
		PatientID:    p.PatientID,
		GranteeOrgID: p.GranteeOrgID,
		Scopes:       scopes,
		ValidFrom:    p.ValidFrom,
		ValidTo:      p.ValidTo,
		IsWhitelist:  p.IsWhitelist,
		CreatedBy:    p.CreatedBy,
		CreatedAt:    now,
	}
	if p.AccessRequestID != "" {
		id := p.AccessRequestID
		g.AccessRequestID = &id
	}
	return g, nil
}

// Revoke terminates a grant. A second revoke fails rather than silently succeeding.
func Revoke(g *types.AccessGrant, by *string, reason string, now time.Time) error {
	if g.RevokedAt != nil {
		return types.NewError(types.KindAlreadyRevoked, "grant has already been revoked")
	}
	at := now
	g.RevokedAt = &at
	g.RevokedBy = by
	g.RevocationReason = reason
	return nil
}

// Operation is a protected data operation checked at the boundary
type Operation string

const (
	OperationRead  Operation = "read"
	OperationWrite Operation = "write"
)

// ScopesFor lists the scopes any one of which authorizes the operation
func ScopesFor(op Operation) ([]types.Scope, error) {
	switch op {
	case OperationRead:
		return []types.Scope{types.ScopeReadRecords, types.ScopeReadSummary}, nil
	case OperationWrite:
		return []types.Scope{types.ScopeWriteRecords}, nil
	}
	return nil, types.NewError(types.KindValidation, "unknown operation")
}

// AuditActionFor maps a requested scope to the ledger action recorded on success
func AuditActionFor(scope types.Scope) types.AuditAction {
	if scope == types.ScopeWriteRecords {
		return types.AuditWrite
	}
	return types.AuditRead
}

// SelectGrant picks the most relevant active grant: among active grants
// holding any accepted scope, the one valid for the longest. No active grant
// at all is NoActiveGrant; active grants lacking every accepted scope is
// ScopeMissing.
func SelectGrant(grants []*types.AccessGrant, accepted []types.Scope, now time.Time) (*types.AccessGrant, types.Scope, error) {
	var (
		best      *types.AccessGrant
		bestScope types.Scope
		anyActive bool
	)
	for _, g := range grants {
		if !g.IsActive(now) {
			continue
		}
		anyActive = true
		for _, s := range accepted {
			if g.HasScope(s) {
				if best == nil || g.ValidTo.After(best.ValidTo) {
					best, bestScope = g, s
				}
				break
			}
		}
	}

	if best != nil {
		return best, bestScope, nil
	}
	if !anyActive {
		return nil, "", types.NewError(types.KindNoActiveGrant, "no active grant for this patient")
	}
	return nil, "", types.NewError(types.KindScopeMissing, "grant does not include the required scope").
		WithDetails(map[string]interface{}{"required_scopes": accepted})
}
