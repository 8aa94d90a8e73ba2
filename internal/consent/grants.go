package consent

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/medrex/consent-engine/pkg/types"
)

// GrantListOptions narrows a staff grant listing
type GrantListOptions struct {
	PatientID      string
	ActiveOnly     bool
	IncludeRevoked bool
	Limit          int
	Offset         int
}

// ListGrants lists grants held by the caller's organization, newest first
func (e *Engine) ListGrants(ctx context.Context, actor *types.Actor, opts GrantListOptions) (_ []*types.AccessGrant, err error) {
	ctx, done := e.begin(ctx, "list_grants")
	defer func() { done(err) }()

	if err := requireStaff(actor); err != nil {
		return nil, err
	}
	f := types.AccessGrantFilters{
		GranteeOrgID:   actor.OrgID,
		PatientID:      opts.PatientID,
		IncludeRevoked: opts.IncludeRevoked,
		Limit:          opts.Limit,
		Offset:         opts.Offset,
	}
	if opts.ActiveOnly {
		now := e.now()
		f.ActiveAt = &now
	}
	return e.listGrants(ctx, f)
}

// PatientGrantView is a grant as presented to the patient
type PatientGrantView struct {
	*types.AccessGrant
	OrgName string `json:"org_name"`
}

// ListPatientGrants lists the unrevoked grants a patient has issued
func (e *Engine) ListPatientGrants(ctx context.Context, patientID string) (_ []*PatientGrantView, err error) {
	ctx, done := e.begin(ctx, "list_patient_grants")
	defer func() { done(err) }()

	grants, err := e.listGrants(ctx, types.AccessGrantFilters{PatientID: patientID, Limit: maxListLimit})
	if err != nil {
		return nil, err
	}

	names := map[string]string{}
	out := make([]*PatientGrantView, 0, len(grants))
	for _, g := range grants {
		name, ok := names[g.GranteeOrgID]
		if !ok {
			name, _ = e.directory.OrganizationName(ctx, g.GranteeOrgID)
			names[g.GranteeOrgID] = name
		}
		out = append(out, &PatientGrantView{AccessGrant: g, OrgName: name})
	}
	return out, nil
}

func (e *Engine) listGrants(ctx context.Context, f types.AccessGrantFilters) ([]*types.AccessGrant, error) {
	var out []*types.AccessGrant
	err := e.store.WithTx(ctx, func(tx Tx) error {
		var err error
		out, err = tx.ListGrants(ctx, f)
		return err
	})
	return out, err
}

// RevokeGrant terminates a grant. The patient may revoke grants they issued;
// staff may relinquish grants held by their organization.
func (e *Engine) RevokeGrant(ctx context.Context, grantID string, by Responder, reason string) (_ *types.AccessGrant, err error) {
	ctx, done := e.begin(ctx, "revoke_grant", attribute.String("grant.id", grantID))
	defer func() { done(err) }()

	now := e.now()
	var grant *types.AccessGrant
	err = e.store.WithTx(ctx, func(tx Tx) error {
		var err error
		grant, err = tx.GetGrant(ctx, grantID, true)
		if err != nil {
			return err
		}
		switch {
		case by.Staff != nil:
			if by.Staff.OrgID != grant.GranteeOrgID {
				return types.NewError(types.KindUnauthorized, "grant is held by another organization")
			}
		case by.PatientID != "":
			if by.PatientID != grant.PatientID {
				return types.NewError(types.KindUnauthorized, "grant belongs to another patient")
			}
		default:
			return types.NewError(types.KindUnauthorized, "caller identity is required")
		}

		if err := Revoke(grant, by.userID(), reason, now); err != nil {
			return err
		}
		if err := tx.UpdateGrantRevocation(ctx, grant); err != nil {
			return err
		}

		entry := newAuditEntry(types.AuditRevoke, grant.PatientID, by.userID(), strPtr(grant.GranteeOrgID), now, map[string]interface{}{
			"grant_id":   grant.ID,
			"reason":     reason,
			"revoked_by": by.kind(),
		})
		entry.ObjectType, entry.ObjectID = "access_grant", grant.ID
		entry.GrantID = strPtr(grant.ID)
		return tx.AppendAudit(ctx, by.Meta.apply(entry))
	})
	if err != nil {
		return nil, e.reject(ctx, err, "", "")
	}

	e.metrics.RecordGrantRevoked()
	e.metrics.RecordAuditEvent(string(types.AuditRevoke), true)
	e.logger.Audit(by.kind(), "access_grant_revoked", "access_grant:"+grant.ID, true, map[string]interface{}{
		"org_id":     grant.GranteeOrgID,
		"patient_id": grant.PatientID,
		"reason":     reason,
	})
	return grant, nil
}

// WhitelistInput describes a long-lived grant created without a request
type WhitelistInput struct {
	PatientID    string
	OrgID        string
	Scopes       []types.Scope
	DurationDays int
}

var defaultWhitelistScopes = []types.Scope{types.ScopeReadSummary, types.ScopeReadRecords}

// CreateWhitelistGrant issues a long-lived grant toward a trusted
// organization. The patient may whitelist any organization; staff may only
// do so for patients of their own organization.
func (e *Engine) CreateWhitelistGrant(ctx context.Context, by Responder, in WhitelistInput) (_ *types.AccessGrant, err error) {
	ctx, done := e.begin(ctx, "create_whitelist_grant",
		attribute.String("patient.id", in.PatientID),
		attribute.String("grantee.org_id", in.OrgID))
	defer func() { done(err) }()

	if in.OrgID == "" {
		return nil, types.NewError(types.KindValidation, "organization_id is required")
	}

	createdBy := types.CreatedByPatient
	switch {
	case by.Staff != nil:
		if err := requireRequester(by.Staff); err != nil {
			return nil, err
		}
		if in.PatientID == "" {
			return nil, types.NewError(types.KindValidation, "patient_id is required")
		}
		owned, err := e.directory.OwnedBy(ctx, in.PatientID, by.Staff.OrgID)
		if err != nil {
			return nil, err
		}
		if !owned {
			return nil, types.NewError(types.KindUnauthorized, "only the patient's own organization may whitelist another")
		}
		createdBy = types.CreatedByStaff
	case by.PatientID != "":
		if in.PatientID != "" && in.PatientID != by.PatientID {
			return nil, types.NewError(types.KindUnauthorized, "patients may only whitelist access to their own records")
		}
		in.PatientID = by.PatientID
	default:
		return nil, types.NewError(types.KindUnauthorized, "caller identity is required")
	}

	if _, err := e.directory.FindByID(ctx, in.PatientID); err != nil {
		return nil, err
	}
	if _, err := e.directory.OrganizationName(ctx, in.OrgID); err != nil {
		return nil, err
	}

	scopes := in.Scopes
	if len(scopes) == 0 {
		scopes = defaultWhitelistScopes
	}
	duration, err := e.durationDays(in.DurationDays, e.cfg.WhitelistDurationDays)
	if err != nil {
		return nil, err
	}

	now := e.now()
	grant, err := NewGrant(NewGrantParams{
		PatientID:    in.PatientID,
		GranteeOrgID: in.OrgID,
		Scopes:       scopes,
		ValidFrom:    now,
		ValidTo:      now.AddDate(0, 0, duration),
		IsWhitelist:  true,
		CreatedBy:    createdBy,
	}, now)
	if err != nil {
		return nil, err
	}

	err = e.store.WithTx(ctx, func(tx Tx) error {
		if err := tx.CreateGrant(ctx, grant); err != nil {
			return err
		}
		entry := newAuditEntry(types.AuditShare, grant.PatientID, by.userID(), strPtr(grant.GranteeOrgID), now, map[string]interface{}{
			"grant_id":     grant.ID,
			"scopes":       grant.Scopes,
			"valid_to":     grant.ValidTo.UTC().Format(time.RFC3339),
			"is_whitelist": true,
		})
		entry.ObjectType, entry.ObjectID = "access_grant", grant.ID
		entry.GrantID = strPtr(grant.ID)
		return tx.AppendAudit(ctx, by.Meta.apply(entry))
	})
	if err != nil {
		return nil, e.reject(ctx, err, in.OrgID, in.PatientID)
	}

	e.metrics.RecordGrantIssued(string(createdBy), true)
	e.metrics.RecordAuditEvent(string(types.AuditShare), true)
	return grant, nil
}

// ListAuditLogs lists ledger entries recorded against the caller's organization
func (e *Engine) ListAuditLogs(ctx context.Context, actor *types.Actor, f types.AuditLogFilters) (_ []*types.AuditLog, err error) {
	ctx, done := e.begin(ctx, "list_audit_logs")
	defer func() { done(err) }()

	if err := requireStaff(actor); err != nil {
		return nil, err
	}
	if f.Action != "" && !f.Action.IsValid() {
		return nil, types.NewError(types.KindValidation, "unknown audit action: "+string(f.Action))
	}
	f.OrgID = actor.OrgID
	return e.store.ListAuditLogs(ctx, f)
}

// VerifyAuditChain recomputes the ledger hash chain. Restricted to
// organization administrators.
func (e *Engine) VerifyAuditChain(ctx context.Context, actor *types.Actor) (_ *ChainReport, err error) {
	ctx, done := e.begin(ctx, "verify_audit_chain")
	defer func() { done(err) }()

	if err := requireStaff(actor); err != nil {
		return nil, err
	}
	if actor.Role != types.RoleOwner && actor.Role != types.RoleBranchAdmin {
		return nil, types.NewError(types.KindUnauthorized, "only administrators may verify the audit chain")
	}

	report, err := VerifyChain(ctx, e.store)
	if err != nil {
		return nil, err
	}
	if !report.Valid {
		e.logger.Security("audit_chain_broken", actor.UserID, map[string]interface{}{
			"patient_id": report.BrokenPatientID,
			"broken_at":  report.BrokenAt,
			"reason":     report.Reason,
		})
	}
	return report, nil
}
