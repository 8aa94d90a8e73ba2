package consent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/medrex/consent-engine/pkg/database"
	"github.com/medrex/consent-engine/pkg/types"
)

const (
	pqUniqueViolation = "23505"
	auditPrimaryKey   = "consent_audit_logs_pkey"
)

// queryer is satisfied by both *sql.DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// PostgresStore is the lib/pq backed Store
type PostgresStore struct {
	db *database.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store over an open connection pool
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// WithTx implements Store
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.NewErrorWithCause(types.KindServiceUnavailable, "failed to begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&pgTx{q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return mapPQError(fmt.Errorf("failed to commit transaction: %w", err), "transaction")
	}
	return nil
}

// ScanAuditLogs implements AuditScanner
func (s *PostgresStore) ScanAuditLogs(ctx context.Context, after AuditCursor, limit int) ([]*types.AuditLog, error) {
	query := `SELECT ` + auditColumns + ` FROM consent_audit_logs
		WHERE (patient_id, sequence) > ($1, $2) ORDER BY patient_id ASC, sequence ASC LIMIT $3`
	return queryAuditLogs(ctx, s.db, query, after.PatientID, after.Sequence, limit)
}

// ListAuditLogs implements AuditReader, newest first
func (s *PostgresStore) ListAuditLogs(ctx context.Context, f types.AuditLogFilters) ([]*types.AuditLog, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.OrgID != "" {
		args = append(args, f.OrgID)
		where = append(where, fmt.Sprintf("organization_id = $%d", len(args)))
	}
	if f.PatientID != "" {
		args = append(args, f.PatientID)
		where = append(where, fmt.Sprintf("patient_id = $%d", len(args)))
	}
	if f.Action != "" {
		args = append(args, string(f.Action))
		where = append(where, fmt.Sprintf("action = $%d", len(args)))
	}

	query := `SELECT ` + auditColumns + ` FROM consent_audit_logs` + whereClause(where)
	args = append(args, clampLimit(f.Limit), maxInt(f.Offset, 0))
	query += fmt.Sprintf(" ORDER BY created_at DESC, sequence DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	return queryAuditLogs(ctx, s.db, query, args...)
}

type pgTx struct {
	q queryer
}

const requestColumns = `id, patient_id, requester_org_id, requester_user_id, scopes, reason,
	requested_duration_days, delivery_channel, status, created_at, expires_at, responded_at`

func (t *pgTx) CreateRequest(ctx context.Context, r *types.AccessRequest) error {
	query := `INSERT INTO consent_access_requests (` + requestColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := t.q.ExecContext(ctx, query,
		r.ID,
		r.PatientID,
		r.RequesterOrgID,
		nullString(r.RequesterUser),
		pq.Array(scopeStrings(r.Scopes)),
		r.Reason,
		r.DurationDays,
		string(r.Channel),
		string(r.Status),
		r.CreatedAt,
		r.ExpiresAt,
		nullTime(r.RespondedAt),
	)
	if err != nil {
		return mapPQError(fmt.Errorf("failed to create access request: %w", err), "access request")
	}
	return nil
}

func (t *pgTx) GetRequest(ctx context.Context, id string, forUpdate bool) (*types.AccessRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM consent_access_requests WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	r, err := scanRequest(t.q.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, mapPQError(err, "access request")
	}
	return r, nil
}

func (t *pgTx) UpdateRequestStatus(ctx context.Context, r *types.AccessRequest) error {
	query := `UPDATE consent_access_requests SET status = $2, responded_at = $3 WHERE id = $1`
	res, err := t.q.ExecContext(ctx, query, r.ID, string(r.Status), nullTime(r.RespondedAt))
	if err != nil {
		return mapPQError(fmt.Errorf("failed to update access request: %w", err), "access request")
	}
	return requireRow(res, "access request not found")
}

func (t *pgTx) ListRequests(ctx context.Context, f types.AccessRequestFilters) ([]*types.AccessRequest, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.RequesterOrgID != "" {
		args = append(args, f.RequesterOrgID)
		where = append(where, fmt.Sprintf("requester_org_id = $%d", len(args)))
	}
	if f.PatientID != "" {
		args = append(args, f.PatientID)
		where = append(where, fmt.Sprintf("patient_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + requestColumns + ` FROM consent_access_requests` + whereClause(where)
	args = append(args, clampLimit(f.Limit), maxInt(f.Offset, 0))
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	return t.queryRequests(ctx, query, args...)
}

func (t *pgTx) LockExpiredPending(ctx context.Context, orgID string, now time.Time, limit int) ([]*types.AccessRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM consent_access_requests
		WHERE status = 'pending' AND expires_at < $1 AND ($2 = '' OR requester_org_id = $2)
		ORDER BY expires_at ASC LIMIT $3
		FOR UPDATE SKIP LOCKED`
	return t.queryRequests(ctx, query, now, orgID, clampLimit(limit))
}

func (t *pgTx) queryRequests(ctx context.Context, query string, args ...interface{}) ([]*types.AccessRequest, error) {
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapPQError(fmt.Errorf("failed to list access requests: %w", err), "access request")
	}
	defer rows.Close()

	out := []*types.AccessRequest{}
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate access requests: %w", err)
	}
	return out, nil
}

func scanRequest(row rowScanner) (*types.AccessRequest, error) {
	var (
		r           types.AccessRequest
		user        sql.NullString
		scopes      []string
		channel     string
		status      string
		respondedAt sql.NullTime
	)
	err := row.Scan(
		&r.ID,
		&r.PatientID,
		&r.RequesterOrgID,
		&user,
		pq.Array(&scopes),
		&r.Reason,
		&r.DurationDays,
		&channel,
		&status,
		&r.CreatedAt,
		&r.ExpiresAt,
		&respondedAt,
	)
	if err != nil {
		return nil, err
	}
	r.RequesterUser = fromNullString(user)
	r.Scopes = toScopes(scopes)
	r.Channel = types.DeliveryChannel(channel)
	r.Status = types.RequestStatus(status)
	r.RespondedAt = fromNullTime(respondedAt)
	return &r, nil
}

const tokenColumns = `id, access_request_id, code_hash, attempts_count, max_attempts,
	created_at, expires_at, used_at`

func (t *pgTx) CreateToken(ctx context.Context, tok *types.ConsentToken) error {
	query := `INSERT INTO consent_tokens (` + tokenColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := t.q.ExecContext(ctx, query,
		tok.ID,
		tok.AccessRequestID,
		tok.CodeHash,
		tok.AttemptsCount,
		tok.MaxAttempts,
		tok.CreatedAt,
		tok.ExpiresAt,
		nullTime(tok.UsedAt),
	)
	if err != nil {
		return mapPQError(fmt.Errorf("failed to create consent token: %w", err), "consent token")
	}
	return nil
}

func (t *pgTx) GetTokenByRequest(ctx context.Context, requestID string, forUpdate bool) (*types.ConsentToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM consent_tokens WHERE access_request_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		tok    types.ConsentToken
		usedAt sql.NullTime
	)
	err := t.q.QueryRowContext(ctx, query, requestID).Scan(
		&tok.ID,
		&tok.AccessRequestID,
		&tok.CodeHash,
		&tok.AttemptsCount,
		&tok.MaxAttempts,
		&tok.CreatedAt,
		&tok.ExpiresAt,
		&usedAt,
	)
	if err != nil {
		return nil, mapPQError(err, "consent token")
	}
	tok.UsedAt = fromNullTime(usedAt)
	return &tok, nil
}

func (t *pgTx) UpdateToken(ctx context.Context, tok *types.ConsentToken) error {
	query := `UPDATE consent_tokens SET attempts_count = $2, used_at = $3 WHERE access_request_id = $1`
	res, err := t.q.ExecContext(ctx, query, tok.AccessRequestID, tok.AttemptsCount, nullTime(tok.UsedAt))
	if err != nil {
		return mapPQError(fmt.Errorf("failed to update consent token: %w", err), "consent token")
	}
	return requireRow(res, "consent token not found")
}

const grantColumns = `id, patient_id, grantee_org_id, access_request_id, scopes, valid_from, valid_to,
	is_whitelist, created_by, revoked_at, revoked_by, revocation_reason, last_accessed_at,
	access_count, created_at`

func (t *pgTx) CreateGrant(ctx context.Context, g *types.AccessGrant) error {
	query := `INSERT INTO consent_access_grants (` + grantColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err := t.q.ExecContext(ctx, query,
		g.ID,
		g.PatientID,
		g.GranteeOrgID,
		nullString(g.AccessRequestID),
		pq.Array(scopeStrings(g.Scopes)),
		g.ValidFrom,
		g.ValidTo,
		g.IsWhitelist,
		string(g.CreatedBy),
		nullTime(g.RevokedAt),
		nullString(g.RevokedBy),
		g.RevocationReason,
		nullTime(g.LastAccessedAt),
		g.AccessCount,
		g.CreatedAt,
	)
	if err != nil {
		return mapPQError(fmt.Errorf("failed to create access grant: %w", err), "access grant")
	}
	return nil
}

func (t *pgTx) GetGrant(ctx context.Context, id string, forUpdate bool) (*types.AccessGrant, error) {
	query := `SELECT ` + grantColumns + ` FROM consent_access_grants WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	g, err := scanGrant(t.q.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, mapPQError(err, "access grant")
	}
	return g, nil
}

func (t *pgTx) GetGrantByRequest(ctx context.Context, requestID string) (*types.AccessGrant, error) {
	query := `SELECT ` + grantColumns + ` FROM consent_access_grants WHERE access_request_id = $1`
	g, err := scanGrant(t.q.QueryRowContext(ctx, query, requestID))
	if err != nil {
		return nil, mapPQError(err, "access grant")
	}
	return g, nil
}

func (t *pgTx) ListGrantsForPair(ctx context.Context, patientID, orgID string, forUpdate bool) ([]*types.AccessGrant, error) {
	query := `SELECT ` + grantColumns + ` FROM consent_access_grants
		WHERE patient_id = $1 AND grantee_org_id = $2 AND revoked_at IS NULL
		ORDER BY valid_to DESC`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	return t.queryGrants(ctx, query, patientID, orgID)
}

func (t *pgTx) ListGrants(ctx context.Context, f types.AccessGrantFilters) ([]*types.AccessGrant, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.GranteeOrgID != "" {
		args = append(args, f.GranteeOrgID)
		where = append(where, fmt.Sprintf("grantee_org_id = $%d", len(args)))
	}
	if f.PatientID != "" {
		args = append(args, f.PatientID)
		where = append(where, fmt.Sprintf("patient_id = $%d", len(args)))
	}
	if !f.IncludeRevoked {
		where = append(where, "revoked_at IS NULL")
	}
	if f.ActiveAt != nil {
		args = append(args, *f.ActiveAt)
		where = append(where, fmt.Sprintf("valid_from <= $%d AND valid_to >= $%d AND revoked_at IS NULL", len(args), len(args)))
	}

	query := `SELECT ` + grantColumns + ` FROM consent_access_grants` + whereClause(where)
	args = append(args, clampLimit(f.Limit), maxInt(f.Offset, 0))
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	return t.queryGrants(ctx, query, args...)
}

// UpdateGrantRevocation only touches unrevoked rows
func (t *pgTx) UpdateGrantRevocation(ctx context.Context, g *types.AccessGrant) error {
	query := `UPDATE consent_access_grants
		SET revoked_at = $2, revoked_by = $3, revocation_reason = $4
		WHERE id = $1 AND revoked_at IS NULL`
	res, err := t.q.ExecContext(ctx, query, g.ID, nullTime(g.RevokedAt), nullString(g.RevokedBy), g.RevocationReason)
	if err != nil {
		return mapPQError(fmt.Errorf("failed to revoke access grant: %w", err), "access grant")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return types.NewError(types.KindAlreadyRevoked, "grant has already been revoked")
	}
	return nil
}

func (t *pgTx) RecordGrantAccess(ctx context.Context, g *types.AccessGrant) error {
	query := `UPDATE consent_access_grants
		SET access_count = access_count + 1,
			last_accessed_at = GREATEST(COALESCE(last_accessed_at, $2), $2)
		WHERE id = $1
		RETURNING access_count`
	at := time.Now()
	if g.LastAccessedAt != nil {
		at = *g.LastAccessedAt
	}
	if err := t.q.QueryRowContext(ctx, query, g.ID, at).Scan(&g.AccessCount); err != nil {
		return mapPQError(err, "access grant")
	}
	return nil
}

func (t *pgTx) queryGrants(ctx context.Context, query string, args ...interface{}) ([]*types.AccessGrant, error) {
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapPQError(fmt.Errorf("failed to list access grants: %w", err), "access grant")
	}
	defer rows.Close()

	out := []*types.AccessGrant{}
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate access grants: %w", err)
	}
	return out, nil
}

func scanGrant(row rowScanner) (*types.AccessGrant, error) {
	var (
		g            types.AccessGrant
		requestID    sql.NullString
		scopes       []string
		createdBy    string
		revokedAt    sql.NullTime
		revokedBy    sql.NullString
		lastAccessed sql.NullTime
	)
	err := row.Scan(
		&g.ID,
		&g.PatientID,
		&g.GranteeOrgID,
		&requestID,
		pq.Array(&scopes),
		&g.ValidFrom,
		&g.ValidTo,
		&g.IsWhitelist,
		&createdBy,
		&revokedAt,
		&revokedBy,
		&g.RevocationReason,
		&lastAccessed,
		&g.AccessCount,
		&g.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	g.AccessRequestID = fromNullString(requestID)
	g.Scopes = toScopes(scopes)
	g.CreatedBy = types.GrantCreator(createdBy)
	g.RevokedAt = fromNullTime(revokedAt)
	g.RevokedBy = fromNullString(revokedBy)
	g.LastAccessedAt = fromNullTime(lastAccessed)
	return &g, nil
}

const auditColumns = `id, sequence, user_id, organization_id, patient_id, action, object_type,
	object_id, access_grant_id, ip_address, user_agent, details, created_at, prev_hash, entry_hash`

// AppendAudit takes the advisory lock of the patient's chain for the rest of
// the transaction, then links the entry onto that patient's tail. Appends for
// different patients never wait on each other.
func (t *pgTx) AppendAudit(ctx context.Context, e *types.AuditLog) error {
	if e.PatientID == "" {
		return types.NewError(types.KindValidation, "audit entry requires a patient")
	}
	if _, err := t.q.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1, hashtext($2))`,
		database.AuditChainLockClass, e.PatientID); err != nil {
		return mapPQError(fmt.Errorf("failed to lock audit chain: %w", err), "audit log")
	}

	var tail *types.AuditLog
	last := types.AuditLog{PatientID: e.PatientID}
	err := t.q.QueryRowContext(ctx,
		`SELECT sequence, entry_hash FROM consent_audit_logs WHERE patient_id = $1 ORDER BY sequence DESC LIMIT 1`,
		e.PatientID,
	).Scan(&last.Sequence, &last.EntryHash)
	switch {
	case err == nil:
		tail = &last
	case errors.Is(err, sql.ErrNoRows):
	default:
		return mapPQError(fmt.Errorf("failed to read audit chain tail: %w", err), "audit log")
	}

	if err := sealEntry(e, tail); err != nil {
		return err
	}

	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}

	query := `INSERT INTO consent_audit_logs (` + auditColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err = t.q.ExecContext(ctx, query,
		e.ID,
		e.Sequence,
		nullString(e.UserID),
		nullString(e.OrgID),
		e.PatientID,
		string(e.Action),
		e.ObjectType,
		e.ObjectID,
		nullString(e.GrantID),
		e.IPAddress,
		e.UserAgent,
		details,
		e.CreatedAt,
		e.PrevHash,
		e.EntryHash,
	)
	if err != nil {
		return mapPQError(fmt.Errorf("failed to append audit log: %w", err), "audit log")
	}
	return nil
}

func queryAuditLogs(ctx context.Context, q queryer, query string, args ...interface{}) ([]*types.AuditLog, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapPQError(fmt.Errorf("failed to query audit logs: %w", err), "audit log")
	}
	defer rows.Close()

	out := []*types.AuditLog{}
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit logs: %w", err)
	}
	return out, nil
}

func scanAudit(row rowScanner) (*types.AuditLog, error) {
	var (
		e       types.AuditLog
		userID  sql.NullString
		orgID   sql.NullString
		grantID sql.NullString
		action  string
		details []byte
	)
	err := row.Scan(
		&e.ID,
		&e.Sequence,
		&userID,
		&orgID,
		&e.PatientID,
		&action,
		&e.ObjectType,
		&e.ObjectID,
		&grantID,
		&e.IPAddress,
		&e.UserAgent,
		&details,
		&e.CreatedAt,
		&e.PrevHash,
		&e.EntryHash,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit log: %w", err)
	}
	e.UserID = fromNullString(userID)
	e.OrgID = fromNullString(orgID)
	e.GrantID = fromNullString(grantID)
	e.Action = types.AuditAction(action)
	e.CreatedAt = e.CreatedAt.UTC()
	e.Details = map[string]interface{}{}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return nil, fmt.Errorf("failed to decode audit details: %w", err)
		}
	}
	return &e, nil
}

// mapPQError translates driver errors into consent error kinds
func mapPQError(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return types.NewError(types.KindNotFound, what+" not found")
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case string(pqErr.Code) == database.AuditImmutableSQLState:
			return types.NewErrorWithCause(types.KindImmutableRecord, "audit log entries are immutable", err)
		case pqErr.Code == pqUniqueViolation && pqErr.Constraint == auditPrimaryKey:
			return types.NewErrorWithCause(types.KindImmutableRecord, "audit log entries are immutable", err)
		case pqErr.Code == pqUniqueViolation:
			return types.NewErrorWithCause(types.KindValidation, what+" already exists", err)
		}
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return types.NewErrorWithCause(types.KindServiceUnavailable, "database unavailable", err)
	}
	return err
}

func requireRow(res sql.Result, notFound string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return types.NewError(types.KindNotFound, notFound)
	}
	return nil
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func scopeStrings(scopes []types.Scope) []string {
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = string(s)
	}
	return out
}

func toScopes(raw []string) []types.Scope {
	out := make([]types.Scope, len(raw))
	for i, s := range raw {
		out[i] = types.Scope(s)
	}
	return out
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func fromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time
	return &v
}
