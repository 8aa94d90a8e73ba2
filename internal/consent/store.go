package consent

import (
	"context"
	"time"

	"github.com/medrex/consent-engine/pkg/types"
)

// RequestRepository persists access requests
type RequestRepository interface {
	CreateRequest(ctx context.Context, r *types.AccessRequest) error
	// GetRequest loads a request; forUpdate locks the row until the transaction ends
	GetRequest(ctx context.Context, id string, forUpdate bool) (*types.AccessRequest, error)
	UpdateRequestStatus(ctx context.Context, r *types.AccessRequest) error
	ListRequests(ctx context.Context, filters types.AccessRequestFilters) ([]*types.AccessRequest, error)
	// LockExpiredPending locks up to limit pending requests whose expiry has passed,
	// skipping rows already locked by other transactions. A non-empty orgID
	// restricts the lock to that requester organization.
	LockExpiredPending(ctx context.Context, orgID string, now time.Time, limit int) ([]*types.AccessRequest, error)
}

// TokenRepository persists consent tokens
type TokenRepository interface {
	CreateToken(ctx context.Context, t *types.ConsentToken) error
	GetTokenByRequest(ctx context.Context, requestID string, forUpdate bool) (*types.ConsentToken, error)
	UpdateToken(ctx context.Context, t *types.ConsentToken) error
}

// GrantRepository persists access grants
type GrantRepository interface {
	CreateGrant(ctx context.Context, g *types.AccessGrant) error
	GetGrant(ctx context.Context, id string, forUpdate bool) (*types.AccessGrant, error)
	GetGrantByRequest(ctx context.Context, requestID string) (*types.AccessGrant, error)
	// ListGrantsForPair returns the non-revoked grants of one (patient, org) pair
	ListGrantsForPair(ctx context.Context, patientID, orgID string, forUpdate bool) ([]*types.AccessGrant, error)
	ListGrants(ctx context.Context, filters types.AccessGrantFilters) ([]*types.AccessGrant, error)
	UpdateGrantRevocation(ctx context.Context, g *types.AccessGrant) error
	// RecordGrantAccess atomically increments access_count and advances last_accessed_at
	RecordGrantAccess(ctx context.Context, g *types.AccessGrant) error
}

// AuditAppender is the only write path into the ledger. It seals the entry
// onto the chain and fails with ImmutableRecord if the id already exists.
type AuditAppender interface {
	AppendAudit(ctx context.Context, e *types.AuditLog) error
}

// AuditReader reads the ledger
type AuditReader interface {
	AuditScanner
	ListAuditLogs(ctx context.Context, filters types.AuditLogFilters) ([]*types.AuditLog, error)
}

// Tx is the unit of work available inside one transactional boundary
type Tx interface {
	RequestRepository
	TokenRepository
	GrantRepository
	AuditAppender
}

// Store is the relational store behind the engine. WithTx commits when fn
// returns nil and rolls back otherwise.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	AuditReader
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
