package consent

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/medrex/consent-engine/pkg/types"
)

// AccessDecision is the outcome of an allowed enforcement check
type AccessDecision struct {
	Allowed bool               `json:"allowed"`
	Owner   bool               `json:"owner"`
	Scope   types.Scope        `json:"scope,omitempty"`
	Grant   *types.AccessGrant `json:"grant,omitempty"`
}

// CheckAccess decides whether the actor's organization may exercise scope on
// the patient's records. Denials come back as NoActiveGrant or ScopeMissing.
func (e *Engine) CheckAccess(ctx context.Context, actor *types.Actor, patientID string, scope types.Scope) (*AccessDecision, error) {
	if !scope.IsValid() {
		return nil, types.NewError(types.KindInvalidScope, "invalid scope: "+string(scope))
	}
	return e.check(ctx, actor, patientID, []types.Scope{scope})
}

// CheckOperation is CheckAccess for a data operation. Reads are satisfied by
// read_records or read_summary; writes need write_records.
func (e *Engine) CheckOperation(ctx context.Context, actor *types.Actor, patientID string, op Operation) (*AccessDecision, error) {
	scopes, err := ScopesFor(op)
	if err != nil {
		return nil, err
	}
	return e.check(ctx, actor, patientID, scopes)
}

func (e *Engine) check(ctx context.Context, actor *types.Actor, patientID string, accepted []types.Scope) (_ *AccessDecision, err error) {
	ctx, done := e.begin(ctx, "check_access",
		attribute.String("patient.id", patientID),
		attribute.String("scope", string(accepted[0])))
	defer func() { done(err) }()

	if err := requireStaff(actor); err != nil {
		return nil, err
	}
	if patientID == "" {
		return nil, types.NewError(types.KindValidation, "patient_id is required")
	}

	owned, err := e.directory.OwnedBy(ctx, patientID, actor.OrgID)
	if err != nil {
		return nil, err
	}
	if owned {
		e.metrics.RecordAccessCheck(string(accepted[0]), "owner")
		e.logger.PHIAccess(ctx, actor.UserID, patientID, string(AuditActionFor(accepted[0])), "patient_records", true,
			map[string]interface{}{"org_id": actor.OrgID, "basis": "owner"})
		return &AccessDecision{Allowed: true, Owner: true, Scope: accepted[0]}, nil
	}

	now := e.now()
	assessment, err := e.fraud.Evaluate(ctx, FraudSubject{
		UserID:    actor.UserID,
		OrgID:     actor.OrgID,
		PatientID: patientID,
		Action:    AuditActionFor(accepted[0]),
	}, now)
	if err != nil {
		return nil, e.reject(ctx, err, actor.OrgID, patientID)
	}
	if assessment.Suspicious {
		e.metrics.RecordFraudSignal(string(AuditActionFor(accepted[0])), string(assessment.Severity))
		e.logger.Security("suspicious_record_access", actor.UserID, map[string]interface{}{
			"org_id":     actor.OrgID,
			"patient_id": patientID,
			"severity":   assessment.Severity,
			"reasons":    assessment.Reasons,
		})
	}

	var (
		grant *types.AccessGrant
		scope types.Scope
	)
	err = e.store.WithTx(ctx, func(tx Tx) error {
		grants, err := tx.ListGrantsForPair(ctx, patientID, actor.OrgID, true)
		if err != nil {
			return err
		}
		grant, scope, err = SelectGrant(grants, accepted, now)
		if err != nil {
			return err
		}

		grant.TrackAccess(now)
		if err := tx.RecordGrantAccess(ctx, grant); err != nil {
			return err
		}

		details := map[string]interface{}{
			"grant_id": grant.ID,
			"scope":    scope,
		}
		if assessment.Suspicious {
			details["fraud"] = assessment.Details()
		}
		action := AuditActionFor(scope)
		entry := newAuditEntry(action, patientID, strPtr(actor.UserID), strPtr(actor.OrgID), now, details)
		entry.ObjectType, entry.ObjectID = "patient_records", patientID
		entry.GrantID = strPtr(grant.ID)
		return tx.AppendAudit(ctx, metaOf(actor).apply(entry))
	})
	if err != nil {
		kind := types.KindOf(err)
		if kind == types.KindNoActiveGrant || kind == types.KindScopeMissing {
			e.metrics.RecordAccessCheck(string(accepted[0]), string(kind))
			e.logger.PHIAccess(ctx, actor.UserID, patientID, string(AuditActionFor(accepted[0])), "patient_records", false,
				map[string]interface{}{"org_id": actor.OrgID, "reason": kind})
		}
		return nil, e.reject(ctx, err, actor.OrgID, patientID)
	}

	e.metrics.RecordAccessCheck(string(scope), "allow")
	e.metrics.RecordAuditEvent(string(AuditActionFor(scope)), true)
	e.logger.PHIAccess(ctx, actor.UserID, patientID, string(AuditActionFor(scope)), "patient_records", true,
		map[string]interface{}{"org_id": actor.OrgID, "grant_id": grant.ID, "basis": "grant"})
	return &AccessDecision{Allowed: true, Scope: scope, Grant: grant}, nil
}
