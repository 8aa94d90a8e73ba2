package consent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/consent-engine/pkg/database"
	"github.com/medrex/consent-engine/pkg/encryption"
	"github.com/medrex/consent-engine/pkg/logger"
	"github.com/medrex/consent-engine/pkg/types"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return NewPostgresStore(database.Wrap(sqlDB, logger.NewWithOutput("error", io.Discard))), mock
}

var requestCols = []string{"id", "patient_id", "requester_org_id", "requester_user_id", "scopes", "reason",
	"requested_duration_days", "delivery_channel", "status", "created_at", "expires_at", "responded_at"}

var grantCols = []string{"id", "patient_id", "grantee_org_id", "access_request_id", "scopes", "valid_from", "valid_to",
	"is_whitelist", "created_by", "revoked_at", "revoked_by", "revocation_reason", "last_accessed_at",
	"access_count", "created_at"}

var auditCols = []string{"id", "sequence", "user_id", "organization_id", "patient_id", "action", "object_type",
	"object_id", "access_grant_id", "ip_address", "user_agent", "details", "created_at", "prev_hash", "entry_hash"}

func TestPostgresStore_GetRequestForUpdate(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM consent_access_requests WHERE id = $1 FOR UPDATE")).
		WithArgs("req-1").
		WillReturnRows(sqlmock.NewRows(requestCols).AddRow(
			"req-1", "p1", "o1", "u1", "{read_records,read_summary}", "checkup",
			30, "telegram", "pending", storeNow, storeNow.Add(10*time.Minute), nil,
		))
	mock.ExpectCommit()

	var got *types.AccessRequest
	err := store.WithTx(ctx, func(tx Tx) error {
		var err error
		got, err = tx.GetRequest(ctx, "req-1", true)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []types.Scope{types.ScopeReadRecords, types.ScopeReadSummary}, got.Scopes)
	assert.Equal(t, types.StatusPending, got.Status)
	require.NotNil(t, got.RequesterUser)
	assert.Equal(t, "u1", *got.RequesterUser)
	assert.Nil(t, got.RespondedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRequestNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM consent_access_requests WHERE id = $1")).
		WillReturnRows(sqlmock.NewRows(requestCols))
	mock.ExpectRollback()

	err := store.WithTx(ctx, func(tx Tx) error {
		_, err := tx.GetRequest(ctx, "missing", false)
		return err
	})
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_BeginFailureIsServiceUnavailable(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	err := store.WithTx(context.Background(), func(Tx) error { return nil })
	assert.Equal(t, types.KindServiceUnavailable, types.KindOf(err))
}

func TestPostgresStore_CreateRequest(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	r := NewAccessRequest(NewRequestParams{
		PatientID: "p1", OrgID: "o1", Scopes: []types.Scope{types.ScopeReadRecords}, Channel: types.ChannelSMS,
	}, storeNow, time.Minute)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO consent_access_requests")).
		WithArgs(r.ID, "p1", "o1", nil, sqlmock.AnyArg(), "", 0, "sms", "pending", storeNow, storeNow.Add(time.Minute), nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.WithTx(ctx, func(tx Tx) error { return tx.CreateRequest(ctx, r) }))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateRequestStatusMissingRow(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	r := &types.AccessRequest{ID: "req-1", Status: types.StatusDenied}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE consent_access_requests SET status = $2")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.WithTx(ctx, func(tx Tx) error { return tx.UpdateRequestStatus(ctx, r) })
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRequestsBuildsFilters(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(
		"WHERE requester_org_id = $1 AND status = $2 ORDER BY created_at DESC LIMIT $3 OFFSET $4")).
		WithArgs("o1", "pending", 50, 0).
		WillReturnRows(sqlmock.NewRows(requestCols))
	mock.ExpectCommit()

	require.NoError(t, store.WithTx(ctx, func(tx Tx) error {
		out, err := tx.ListRequests(ctx, types.AccessRequestFilters{RequesterOrgID: "o1", Status: types.StatusPending})
		require.NoError(t, err)
		assert.Empty(t, out)
		return nil
	}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LockExpiredPendingSkipsLocked(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("AND ($2 = '' OR requester_org_id = $2)")).
		WithArgs(storeNow, "o1", 100).
		WillReturnRows(sqlmock.NewRows(requestCols).AddRow(
			"req-1", "p1", "o1", nil, "{read_records}", "", 30, "telegram", "pending",
			storeNow.Add(-time.Hour), storeNow.Add(-50*time.Minute), nil,
		))
	mock.ExpectCommit()

	require.NoError(t, store.WithTx(ctx, func(tx Tx) error {
		out, err := tx.LockExpiredPending(ctx, "o1", storeNow, 100)
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Nil(t, out[0].RequesterUser)
		return nil
	}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RevokeAlreadyRevoked(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	at := storeNow
	g := &types.AccessGrant{ID: "g1", RevokedAt: &at}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND revoked_at IS NULL")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.WithTx(ctx, func(tx Tx) error { return tx.UpdateGrantRevocation(ctx, g) })
	assert.Equal(t, types.KindAlreadyRevoked, types.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordGrantAccess(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	at := storeNow
	g := &types.AccessGrant{ID: "g1", LastAccessedAt: &at, AccessCount: 1}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SET access_count = access_count + 1")).
		WithArgs("g1", storeNow).
		WillReturnRows(sqlmock.NewRows([]string{"access_count"}).AddRow(42))
	mock.ExpectCommit()

	require.NoError(t, store.WithTx(ctx, func(tx Tx) error { return tx.RecordGrantAccess(ctx, g) }))
	assert.Equal(t, int64(42), g.AccessCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListGrantsForPair(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`revoked_at IS NULL\s+ORDER BY valid_to DESC FOR UPDATE`).
		WithArgs("p1", "o1").
		WillReturnRows(sqlmock.NewRows(grantCols).AddRow(
			"g1", "p1", "o1", "req-1", "{read_records}", storeNow, storeNow.Add(time.Hour),
			false, "patient", nil, nil, "", nil, 0, storeNow,
		))
	mock.ExpectCommit()

	require.NoError(t, store.WithTx(ctx, func(tx Tx) error {
		out, err := tx.ListGrantsForPair(ctx, "p1", "o1", true)
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, "req-1", *out[0].AccessRequestID)
		assert.Equal(t, types.CreatedByPatient, out[0].CreatedBy)
		assert.True(t, out[0].IsActive(storeNow))
		return nil
	}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func expectChainTail(mock sqlmock.Sqlmock, patientID string, rows *sqlmock.Rows) {
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock($1, hashtext($2))")).
		WithArgs(database.AuditChainLockClass, patientID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT sequence, entry_hash FROM consent_audit_logs WHERE patient_id = $1 ORDER BY sequence DESC LIMIT 1")).
		WithArgs(patientID).
		WillReturnRows(rows)
}

func TestPostgresStore_AppendAuditLinksToTail(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	tailHash := encryption.HashData([]byte("tail"))
	e := newAuditEntry(types.AuditRead, "p1", strPtr("u1"), strPtr("o1"), storeNow, map[string]interface{}{"grant_id": "g1"})

	mock.ExpectBegin()
	expectChainTail(mock, "p1", sqlmock.NewRows([]string{"sequence", "entry_hash"}).AddRow(7, tailHash))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO consent_audit_logs")).
		WithArgs(e.ID, 8, "u1", "o1", "p1", "read", "", "", nil, "", "", []byte(`{"grant_id":"g1"}`),
			storeNow, tailHash, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.WithTx(ctx, func(tx Tx) error { return tx.AppendAudit(ctx, e) }))
	assert.Equal(t, int64(8), e.Sequence)
	assert.Equal(t, tailHash, e.PrevHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendAuditGenesis(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	e := newAuditEntry(types.AuditRequest, "p1", nil, strPtr("o1"), storeNow, nil)

	mock.ExpectBegin()
	expectChainTail(mock, "p1", sqlmock.NewRows([]string{"sequence", "entry_hash"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO consent_audit_logs")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.WithTx(ctx, func(tx Tx) error { return tx.AppendAudit(ctx, e) }))
	assert.Equal(t, int64(1), e.Sequence)
	assert.Equal(t, encryption.GenesisHash, e.PrevHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendAuditDuplicateIsImmutable(t *testing.T) {
	for name, pqErr := range map[string]*pq.Error{
		"primary key": {Code: "23505", Constraint: "consent_audit_logs_pkey"},
		"trigger":     {Code: database.AuditImmutableSQLState, Message: "consent_audit_logs is append-only"},
	} {
		t.Run(name, func(t *testing.T) {
			store, mock := newMockStore(t)
			ctx := context.Background()
			e := newAuditEntry(types.AuditRead, "p1", nil, nil, storeNow, nil)

			mock.ExpectBegin()
			expectChainTail(mock, "p1", sqlmock.NewRows([]string{"sequence", "entry_hash"}))
			mock.ExpectExec(regexp.QuoteMeta("INSERT INTO consent_audit_logs")).WillReturnError(pqErr)
			mock.ExpectRollback()

			err := store.WithTx(ctx, func(tx Tx) error { return tx.AppendAudit(ctx, e) })
			assert.Equal(t, types.KindImmutableRecord, types.KindOf(err))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresStore_AppendAuditRejectsMissingPatient(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	e := newAuditEntry(types.AuditRead, "", nil, nil, storeNow, nil)

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := store.WithTx(ctx, func(tx Tx) error { return tx.AppendAudit(ctx, e) })
	assert.Equal(t, types.KindValidation, types.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ScanAuditLogs(t *testing.T) {
	store, mock := newMockStore(t)
	chain := append(buildChainFor(t, "p1", 2), buildChainFor(t, "p2", 1)...)

	rows := sqlmock.NewRows(auditCols)
	for _, e := range chain {
		rows.AddRow(e.ID, e.Sequence, *e.UserID, *e.OrgID, e.PatientID, string(e.Action), "", "", nil, "", "",
			[]byte(fmt.Sprintf(`{"count":%v,"grant_id":"g"}`, e.Details["count"])), e.CreatedAt, e.PrevHash, e.EntryHash)
	}
	mock.ExpectQuery(regexp.QuoteMeta(
		"WHERE (patient_id, sequence) > ($1, $2) ORDER BY patient_id ASC, sequence ASC LIMIT $3")).
		WithArgs("", 0, chainPageSize).
		WillReturnRows(rows)

	report, err := VerifyChain(context.Background(), store)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, int64(3), report.Checked)
	assert.Equal(t, int64(2), report.Chains)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListAuditLogs(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(
		"WHERE organization_id = $1 AND action = $2 ORDER BY created_at DESC, sequence DESC LIMIT $3 OFFSET $4")).
		WithArgs("o1", "deny", 500, 10).
		WillReturnRows(sqlmock.NewRows(auditCols).AddRow(
			"a1", 3, nil, "o1", "p1", "deny", "access_request", "req-1", nil, "", "",
			[]byte(`{"reason":"no"}`), storeNow, encryption.GenesisHash, encryption.GenesisHash,
		))

	logs, err := store.ListAuditLogs(context.Background(), types.AuditLogFilters{
		OrgID: "o1", Action: types.AuditDeny, Limit: 1000, Offset: 10,
	})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Nil(t, logs[0].UserID)
	assert.Equal(t, "no", logs[0].Details["reason"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMapPQError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind types.ErrorKind
	}{
		{"no rows", fmt.Errorf("wrapped: %w", sql.ErrNoRows), types.KindNotFound},
		{"other unique violation", &pq.Error{Code: "23505", Constraint: "consent_access_grants_access_request_id_key"}, types.KindValidation},
		{"audit trigger", &pq.Error{Code: "CN001"}, types.KindImmutableRecord},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), types.KindServiceUnavailable},
		{"connection closed", sql.ErrConnDone, types.KindServiceUnavailable},
		{"unknown", errors.New("syntax error"), types.KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, types.KindOf(mapPQError(tt.err, "thing")))
		})
	}
}
