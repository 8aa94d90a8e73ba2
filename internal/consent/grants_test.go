package consent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/consent-engine/pkg/types"
)

func TestEngine_OwnerOrganizationNeedsNoGrant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	decision, err := h.engine.CheckAccess(ctx, doctor(ownerOrg), patientID, types.ScopeWriteRecords)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.True(t, decision.Owner)
	assert.Nil(t, decision.Grant)
	assert.Empty(t, h.auditActions(t))
}

func TestEngine_CheckAccessValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.CheckAccess(ctx, doctor(requesterOrg), patientID, "everything")
	requireKind(t, err, types.KindInvalidScope)

	_, err = h.engine.CheckOperation(ctx, doctor(requesterOrg), patientID, "delete")
	requireKind(t, err, types.KindValidation)

	_, err = h.engine.CheckAccess(ctx, nil, patientID, types.ScopeReadRecords)
	requireKind(t, err, types.KindUnauthorized)

	_, err = h.engine.CheckAccess(ctx, doctor(requesterOrg), "", types.ScopeReadRecords)
	requireKind(t, err, types.KindValidation)
}

func TestEngine_GrantExpiresAtValidTo(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	staff := doctor(requesterOrg)
	h.approve(t, h.request(t, staff))

	h.clock.Advance(7*24*time.Hour + time.Second)

	_, err := h.engine.CheckAccess(ctx, staff, patientID, types.ScopeReadRecords)
	requireKind(t, err, types.KindNoActiveGrant)
}

func TestEngine_RevokeGrant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	staff := doctor(requesterOrg)
	grant := h.approve(t, h.request(t, staff))

	_, err := h.engine.RevokeGrant(ctx, grant.ID, Responder{Staff: doctor(ownerOrg)}, "")
	requireKind(t, err, types.KindUnauthorized)

	_, err = h.engine.RevokeGrant(ctx, grant.ID, Responder{PatientID: "someone-else"}, "")
	requireKind(t, err, types.KindUnauthorized)

	revoked, err := h.engine.RevokeGrant(ctx, grant.ID, patient(), "treatment finished")
	require.NoError(t, err)
	require.NotNil(t, revoked.RevokedAt)
	assert.Nil(t, revoked.RevokedBy)
	assert.Equal(t, "treatment finished", revoked.RevocationReason)

	_, err = h.engine.RevokeGrant(ctx, grant.ID, patient(), "again")
	requireKind(t, err, types.KindAlreadyRevoked)

	_, err = h.engine.CheckAccess(ctx, staff, patientID, types.ScopeReadRecords)
	requireKind(t, err, types.KindNoActiveGrant)

	_, err = h.engine.RevokeGrant(ctx, "missing", patient(), "")
	requireKind(t, err, types.KindNotFound)

	assert.Equal(t, []types.AuditAction{types.AuditRequest, types.AuditShare, types.AuditRevoke}, h.auditActions(t))
}

func TestEngine_StaffRelinquishesGrant(t *testing.T) {
	h := newHarness(t)
	staff := doctor(requesterOrg)
	grant := h.approve(t, h.request(t, staff))

	revoked, err := h.engine.RevokeGrant(context.Background(), grant.ID, Responder{Staff: staff}, "no longer needed")
	require.NoError(t, err)
	require.NotNil(t, revoked.RevokedBy)
	assert.Equal(t, staff.UserID, *revoked.RevokedBy)

	entries, err := h.store.ListAuditLogs(context.Background(), types.AuditLogFilters{Action: types.AuditRevoke})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "staff", entries[0].Details["revoked_by"])
	assert.Equal(t, grant.ID, *entries[0].GrantID)
}

func TestEngine_PatientWhitelist(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	staff := doctor(requesterOrg)

	grant, err := h.engine.CreateWhitelistGrant(ctx, patient(), WhitelistInput{OrgID: requesterOrg})
	require.NoError(t, err)
	assert.True(t, grant.IsWhitelist)
	assert.Nil(t, grant.AccessRequestID)
	assert.Equal(t, types.CreatedByPatient, grant.CreatedBy)
	assert.Equal(t, h.clock.Now().AddDate(0, 0, 180), grant.ValidTo)
	assert.Equal(t, []types.Scope{types.ScopeReadSummary, types.ScopeReadRecords}, grant.Scopes)

	decision, err := h.engine.CheckAccess(ctx, staff, patientID, types.ScopeReadSummary)
	require.NoError(t, err)
	assert.Equal(t, types.ScopeReadSummary, decision.Scope)

	_, err = h.engine.CheckOperation(ctx, staff, patientID, OperationWrite)
	requireKind(t, err, types.KindScopeMissing)

	views, err := h.engine.ListPatientGrants(ctx, patientID)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "Clinic A", views[0].OrgName)

	_, err = h.engine.CreateWhitelistGrant(ctx, patient(), WhitelistInput{PatientID: "someone-else", OrgID: requesterOrg})
	requireKind(t, err, types.KindUnauthorized)

	_, err = h.engine.CreateWhitelistGrant(ctx, patient(), WhitelistInput{OrgID: "org-unknown"})
	requireKind(t, err, types.KindNotFound)
}

func TestEngine_StaffWhitelist(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.CreateWhitelistGrant(ctx, Responder{Staff: doctor(requesterOrg)}, WhitelistInput{
		PatientID: patientID,
		OrgID:     requesterOrg,
	})
	requireKind(t, err, types.KindUnauthorized)

	grant, err := h.engine.CreateWhitelistGrant(ctx, Responder{Staff: doctor(ownerOrg)}, WhitelistInput{
		PatientID:    patientID,
		OrgID:        requesterOrg,
		Scopes:       []types.Scope{types.ScopeReadImages},
		DurationDays: 90,
	})
	require.NoError(t, err)
	assert.Equal(t, types.CreatedByStaff, grant.CreatedBy)
	assert.Equal(t, h.clock.Now().AddDate(0, 0, 90), grant.ValidTo)

	entries, err := h.store.ListAuditLogs(ctx, types.AuditLogFilters{Action: types.AuditShare})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, true, entries[0].Details["is_whitelist"])
}

func TestEngine_ListGrants(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	staff := doctor(requesterOrg)
	grant := h.approve(t, h.request(t, staff))

	grants, err := h.engine.ListGrants(ctx, staff, GrantListOptions{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, grant.ID, grants[0].ID)

	_, err = h.engine.RevokeGrant(ctx, grant.ID, patient(), "")
	require.NoError(t, err)

	grants, err = h.engine.ListGrants(ctx, staff, GrantListOptions{})
	require.NoError(t, err)
	assert.Empty(t, grants)

	grants, err = h.engine.ListGrants(ctx, staff, GrantListOptions{IncludeRevoked: true})
	require.NoError(t, err)
	assert.Len(t, grants, 1)

	grants, err = h.engine.ListGrants(ctx, doctor(ownerOrg), GrantListOptions{IncludeRevoked: true})
	require.NoError(t, err)
	assert.Empty(t, grants)
}

func TestEngine_AuditLogsAreScopedToOrganization(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	staff := doctor(requesterOrg)
	h.request(t, staff)

	logs, err := h.engine.ListAuditLogs(ctx, staff, types.AuditLogFilters{OrgID: ownerOrg})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, requesterOrg, *logs[0].OrgID)

	logs, err = h.engine.ListAuditLogs(ctx, doctor(ownerOrg), types.AuditLogFilters{})
	require.NoError(t, err)
	assert.Empty(t, logs)

	_, err = h.engine.ListAuditLogs(ctx, staff, types.AuditLogFilters{Action: "delete"})
	requireKind(t, err, types.KindValidation)
}

func TestEngine_VerifyAuditChainRequiresAdministrator(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.VerifyAuditChain(context.Background(), doctor(requesterOrg))
	requireKind(t, err, types.KindUnauthorized)

	report, err := h.engine.VerifyAuditChain(context.Background(),
		&types.Actor{UserID: "admin", OrgID: requesterOrg, Role: types.RoleBranchAdmin})
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Zero(t, report.Checked)
}
