package consent

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/medrex/consent-engine/pkg/types"
)

// MemoryStore is an in-process Store. Transactions are serialized behind a
// single mutex and applied atomically on commit.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	requests map[string]*types.AccessRequest
	tokens   map[string]*types.ConsentToken // keyed by access request id
	grants   map[string]*types.AccessGrant
	audit    []*types.AuditLog
	auditIDs map[string]bool
	tails    map[string]*types.AuditLog // chain tail per patient
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		requests: make(map[string]*types.AccessRequest),
		tokens:   make(map[string]*types.ConsentToken),
		grants:   make(map[string]*types.AccessGrant),
		auditIDs: make(map[string]bool),
		tails:    make(map[string]*types.AuditLog),
	}}
}

// clone copies the indexes. Stored values are never mutated in place, so
// sharing them between snapshots is safe.
func (s *memState) clone() *memState {
	c := &memState{
		requests: make(map[string]*types.AccessRequest, len(s.requests)),
		tokens:   make(map[string]*types.ConsentToken, len(s.tokens)),
		grants:   make(map[string]*types.AccessGrant, len(s.grants)),
		audit:    s.audit[:len(s.audit):len(s.audit)],
		auditIDs: make(map[string]bool, len(s.auditIDs)),
		tails:    make(map[string]*types.AuditLog, len(s.tails)),
	}
	for k, v := range s.requests {
		c.requests[k] = v
	}
	for k, v := range s.tokens {
		c.tokens[k] = v
	}
	for k, v := range s.grants {
		c.grants[k] = v
	}
	for k := range s.auditIDs {
		c.auditIDs[k] = true
	}
	for k, v := range s.tails {
		c.tails[k] = v
	}
	return c
}

// WithTx implements Store
func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{state: m.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	m.state = tx.state
	return nil
}

// ScanAuditLogs implements AuditScanner
func (m *MemoryStore) ScanAuditLogs(_ context.Context, after AuditCursor, limit int) ([]*types.AuditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*types.AuditLog
	for _, e := range m.state.audit {
		if after.before(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PatientID != out[j].PatientID {
			return out[i].PatientID < out[j].PatientID
		}
		return out[i].Sequence < out[j].Sequence
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for i, e := range out {
		out[i] = copyAudit(e)
	}
	return out, nil
}

// ListAuditLogs implements AuditReader, newest first
func (m *MemoryStore) ListAuditLogs(_ context.Context, f types.AuditLogFilters) ([]*types.AuditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*types.AuditLog
	for i := len(m.state.audit) - 1; i >= 0; i-- {
		e := m.state.audit[i]
		if f.OrgID != "" && deref(e.OrgID) != f.OrgID {
			continue
		}
		if f.PatientID != "" && e.PatientID != f.PatientID {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		out = append(out, copyAudit(e))
	}
	return page(out, f.Offset, f.Limit), nil
}

type memTx struct {
	state *memState
}

func (t *memTx) CreateRequest(_ context.Context, r *types.AccessRequest) error {
	if _, ok := t.state.requests[r.ID]; ok {
		return types.NewError(types.KindValidation, "access request already exists")
	}
	t.state.requests[r.ID] = copyRequest(r)
	return nil
}

func (t *memTx) GetRequest(_ context.Context, id string, _ bool) (*types.AccessRequest, error) {
	r, ok := t.state.requests[id]
	if !ok {
		return nil, types.NewError(types.KindNotFound, "access request not found")
	}
	return copyRequest(r), nil
}

func (t *memTx) UpdateRequestStatus(_ context.Context, r *types.AccessRequest) error {
	cur, ok := t.state.requests[r.ID]
	if !ok {
		return types.NewError(types.KindNotFound, "access request not found")
	}
	next := copyRequest(cur)
	next.Status = r.Status
	next.RespondedAt = copyTime(r.RespondedAt)
	t.state.requests[r.ID] = next
	return nil
}

func (t *memTx) ListRequests(_ context.Context, f types.AccessRequestFilters) ([]*types.AccessRequest, error) {
	var out []*types.AccessRequest
	for _, r := range t.state.requests {
		if f.RequesterOrgID != "" && r.RequesterOrgID != f.RequesterOrgID {
			continue
		}
		if f.PatientID != "" && r.PatientID != f.PatientID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		out = append(out, copyRequest(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, f.Offset, f.Limit), nil
}

func (t *memTx) LockExpiredPending(_ context.Context, orgID string, now time.Time, limit int) ([]*types.AccessRequest, error) {
	var out []*types.AccessRequest
	for _, r := range t.state.requests {
		if orgID != "" && r.RequesterOrgID != orgID {
			continue
		}
		if r.IsExpired(now) {
			out = append(out, copyRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) CreateToken(_ context.Context, tok *types.ConsentToken) error {
	if _, ok := t.state.requests[tok.AccessRequestID]; !ok {
		return types.NewError(types.KindNotFound, "access request not found")
	}
	if _, ok := t.state.tokens[tok.AccessRequestID]; ok {
		return types.NewError(types.KindValidation, "consent token already issued for this request")
	}
	t.state.tokens[tok.AccessRequestID] = copyToken(tok)
	return nil
}

func (t *memTx) GetTokenByRequest(_ context.Context, requestID string, _ bool) (*types.ConsentToken, error) {
	tok, ok := t.state.tokens[requestID]
	if !ok {
		return nil, types.NewError(types.KindNotFound, "consent token not found")
	}
	return copyToken(tok), nil
}

func (t *memTx) UpdateToken(_ context.Context, tok *types.ConsentToken) error {
	cur, ok := t.state.tokens[tok.AccessRequestID]
	if !ok {
		return types.NewError(types.KindNotFound, "consent token not found")
	}
	next := copyToken(cur)
	next.AttemptsCount = tok.AttemptsCount
	next.UsedAt = copyTime(tok.UsedAt)
	t.state.tokens[tok.AccessRequestID] = next
	return nil
}

func (t *memTx) CreateGrant(_ context.Context, g *types.AccessGrant) error {
	if _, ok := t.state.grants[g.ID]; ok {
		return types.NewError(types.KindValidation, "access grant already exists")
	}
	if g.AccessRequestID != nil {
		for _, existing := range t.state.grants {
			if existing.AccessRequestID != nil && *existing.AccessRequestID == *g.AccessRequestID {
				return types.NewError(types.KindValidation, "access request already has a grant")
			}
		}
	}
	t.state.grants[g.ID] = copyGrant(g)
	return nil
}

func (t *memTx) GetGrant(_ context.Context, id string, _ bool) (*types.AccessGrant, error) {
	g, ok := t.state.grants[id]
	if !ok {
		return nil, types.NewError(types.KindNotFound, "access grant not found")
	}
	return copyGrant(g), nil
}

func (t *memTx) GetGrantByRequest(_ context.Context, requestID string) (*types.AccessGrant, error) {
	for _, g := range t.state.grants {
		if g.AccessRequestID != nil && *g.AccessRequestID == requestID {
			return copyGrant(g), nil
		}
	}
	return nil, types.NewError(types.KindNotFound, "access grant not found")
}

func (t *memTx) ListGrantsForPair(_ context.Context, patientID, orgID string, _ bool) ([]*types.AccessGrant, error) {
	var out []*types.AccessGrant
	for _, g := range t.state.grants {
		if g.PatientID == patientID && g.GranteeOrgID == orgID && g.RevokedAt == nil {
			out = append(out, copyGrant(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ValidTo.After(out[j].ValidTo) })
	return out, nil
}

func (t *memTx) ListGrants(_ context.Context, f types.AccessGrantFilters) ([]*types.AccessGrant, error) {
	var out []*types.AccessGrant
	for _, g := range t.state.grants {
		if f.GranteeOrgID != "" && g.GranteeOrgID != f.GranteeOrgID {
			continue
		}
		if f.PatientID != "" && g.PatientID != f.PatientID {
			continue
		}
		if !f.IncludeRevoked && g.RevokedAt != nil {
			continue
		}
		if f.ActiveAt != nil && !g.IsActive(*f.ActiveAt) {
			continue
		}
		out = append(out, copyGrant(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, f.Offset, f.Limit), nil
}

func (t *memTx) UpdateGrantRevocation(_ context.Context, g *types.AccessGrant) error {
	cur, ok := t.state.grants[g.ID]
	if !ok {
		return types.NewError(types.KindNotFound, "access grant not found")
	}
	if cur.RevokedAt != nil {
		return types.NewError(types.KindAlreadyRevoked, "grant has already been revoked")
	}
	next := copyGrant(cur)
	next.RevokedAt = copyTime(g.RevokedAt)
	next.RevokedBy = copyString(g.RevokedBy)
	next.RevocationReason = g.RevocationReason
	t.state.grants[g.ID] = next
	return nil
}

func (t *memTx) RecordGrantAccess(_ context.Context, g *types.AccessGrant) error {
	cur, ok := t.state.grants[g.ID]
	if !ok {
		return types.NewError(types.KindNotFound, "access grant not found")
	}
	next := copyGrant(cur)
	next.AccessCount++
	next.LastAccessedAt = copyTime(g.LastAccessedAt)
	t.state.grants[g.ID] = next
	g.AccessCount = next.AccessCount
	return nil
}

func (t *memTx) AppendAudit(_ context.Context, e *types.AuditLog) error {
	if t.state.auditIDs[e.ID] {
		return types.NewError(types.KindImmutableRecord, "audit log entries are immutable")
	}

	if err := sealEntry(e, t.state.tails[e.PatientID]); err != nil {
		return err
	}

	stored := copyAudit(e)
	t.state.audit = append(t.state.audit, stored)
	t.state.auditIDs[e.ID] = true
	t.state.tails[e.PatientID] = stored
	return nil
}

func page[T any](items []T, offset, limit int) []T {
	limit = clampLimit(limit)
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyRequest(r *types.AccessRequest) *types.AccessRequest {
	c := *r
	c.Scopes = append([]types.Scope(nil), r.Scopes...)
	c.RequesterUser = copyString(r.RequesterUser)
	c.RespondedAt = copyTime(r.RespondedAt)
	return &c
}

func copyToken(t *types.ConsentToken) *types.ConsentToken {
	c := *t
	c.UsedAt = copyTime(t.UsedAt)
	return &c
}

func copyGrant(g *types.AccessGrant) *types.AccessGrant {
	c := *g
	c.Scopes = append([]types.Scope(nil), g.Scopes...)
	c.AccessRequestID = copyString(g.AccessRequestID)
	c.RevokedAt = copyTime(g.RevokedAt)
	c.RevokedBy = copyString(g.RevokedBy)
	c.LastAccessedAt = copyTime(g.LastAccessedAt)
	return &c
}

func copyAudit(e *types.AuditLog) *types.AuditLog {
	c := *e
	c.UserID = copyString(e.UserID)
	c.OrgID = copyString(e.OrgID)
	c.GrantID = copyString(e.GrantID)
	details := make(map[string]interface{}, len(e.Details))
	for k, v := range e.Details {
		details[k] = v
	}
	c.Details = details
	return &c
}
