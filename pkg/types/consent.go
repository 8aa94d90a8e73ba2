package types

import (
	"time"
)

// Scope is a named permission bucket limiting what a grant authorizes
type Scope string

const (
	ScopeReadSummary  Scope = "read_summary"
	ScopeReadRecords  Scope = "read_records"
	ScopeWriteRecords Scope = "write_records"
	ScopeReadImages   Scope = "read_images"
)

// AllScopes is the fixed scope vocabulary
var AllScopes = []Scope{ScopeReadSummary, ScopeReadRecords, ScopeWriteRecords, ScopeReadImages}

// IsValid reports whether the scope belongs to the vocabulary
func (s Scope) IsValid() bool {
	for _, known := range AllScopes {
		if s == known {
			return true
		}
	}
	return false
}

// RequestStatus is the lifecycle state of an access request
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusDenied   RequestStatus = "denied"
	StatusExpired  RequestStatus = "expired"
)

// IsTerminal reports whether no further transition is possible
func (s RequestStatus) IsTerminal() bool {
	return s == StatusApproved || s == StatusDenied || s == StatusExpired
}

// DeliveryChannel identifies how the one-time code reaches the patient
type DeliveryChannel string

const (
	ChannelTelegram DeliveryChannel = "telegram"
	ChannelSMS      DeliveryChannel = "sms"
	ChannelChat     DeliveryChannel = "chat"
)

// IsValid reports whether the channel is supported
func (c DeliveryChannel) IsValid() bool {
	return c == ChannelTelegram || c == ChannelSMS || c == ChannelChat
}

// AuditAction is the kind of consent-relevant event recorded in the ledger
type AuditAction string

const (
	AuditRead    AuditAction = "read"
	AuditWrite   AuditAction = "write"
	AuditShare   AuditAction = "share"
	AuditRevoke  AuditAction = "revoke"
	AuditRequest AuditAction = "request"
	AuditDeny    AuditAction = "deny"
)

// IsValid reports whether the action belongs to the ledger vocabulary
func (a AuditAction) IsValid() bool {
	switch a {
	case AuditRead, AuditWrite, AuditShare, AuditRevoke, AuditRequest, AuditDeny:
		return true
	}
	return false
}

// GrantCreator records who minted a grant
type GrantCreator string

const (
	CreatedByPatient GrantCreator = "patient"
	CreatedBySystem  GrantCreator = "system"
	CreatedByStaff   GrantCreator = "staff"
)

// AccessRequest is one consent negotiation between a requester org and a patient
type AccessRequest struct {
	ID             string          `json:"id"`
	PatientID      string          `json:"patient_id"`
	RequesterOrgID string          `json:"requester_org_id"`
	RequesterUser  *string         `json:"requester_user_id,omitempty"`
	Scopes         []Scope         `json:"scopes"`
	Reason         string          `json:"reason"`
	DurationDays   int             `json:"requested_duration_days"`
	Channel        DeliveryChannel `json:"delivery_channel"`
	Status         RequestStatus   `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
	RespondedAt    *time.Time      `json:"responded_at,omitempty"`
}

// IsExpired reports whether a pending request has outlived its TTL
func (r *AccessRequest) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt) && r.Status == StatusPending
}

// ConsentToken is the hashed one-time code bound to an access request
type ConsentToken struct {
	ID              string     `json:"id"`
	AccessRequestID string     `json:"access_request_id"`
	CodeHash        string     `json:"-"`
	AttemptsCount   int        `json:"attempts_count"`
	MaxAttempts     int        `json:"max_attempts"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	UsedAt          *time.Time `json:"used_at,omitempty"`
}

// AccessGrant is an issued, time-boxed, revocable capability
type AccessGrant struct {
	ID               string       `json:"id"`
	PatientID        string       `json:"patient_id"`
	GranteeOrgID     string       `json:"grantee_org_id"`
	AccessRequestID  *string      `json:"access_request_id,omitempty"`
	Scopes           []Scope      `json:"scopes"`
	ValidFrom        time.Time    `json:"valid_from"`
	ValidTo          time.Time    `json:"valid_to"`
	IsWhitelist      bool         `json:"is_whitelist"`
	CreatedBy        GrantCreator `json:"created_by"`
	RevokedAt        *time.Time   `json:"revoked_at,omitempty"`
	RevokedBy        *string      `json:"revoked_by,omitempty"`
	RevocationReason string       `json:"revocation_reason,omitempty"`
	LastAccessedAt   *time.Time   `json:"last_accessed_at,omitempty"`
	AccessCount      int64        `json:"access_count"`
	CreatedAt        time.Time    `json:"created_at"`
}

// IsActive reports whether the grant authorizes access at the given instant
func (g *AccessGrant) IsActive(now time.Time) bool {
	return g.RevokedAt == nil && !now.Before(g.ValidFrom) && !now.After(g.ValidTo)
}

// HasScope is a pure membership test against the grant's scope set
func (g *AccessGrant) HasScope(scope Scope) bool {
	for _, s := range g.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// TrackAccess records one authorized use of the grant
func (g *AccessGrant) TrackAccess(now time.Time) {
	at := now
	g.LastAccessedAt = &at
	g.AccessCount++
}

// AuditLog is one immutable ledger entry
type AuditLog struct {
	ID         string                 `json:"id"`
	Sequence   int64                  `json:"sequence"`
	UserID     *string                `json:"user_id,omitempty"`
	OrgID      *string                `json:"organization_id,omitempty"`
	PatientID  string                 `json:"patient_id"`
	Action     AuditAction            `json:"action"`
	ObjectType string                 `json:"object_type,omitempty"`
	ObjectID   string                 `json:"object_id,omitempty"`
	GrantID    *string                `json:"access_grant_id,omitempty"`
	IPAddress  string                 `json:"ip_address,omitempty"`
	UserAgent  string                 `json:"user_agent,omitempty"`
	Details    map[string]interface{} `json:"details"`
	CreatedAt  time.Time              `json:"created_at"`
	PrevHash   string                 `json:"prev_hash"`
	EntryHash  string                 `json:"entry_hash"`
}

// Patient is the minimal view the engine needs from the patient directory
type Patient struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	OrgIDs      []string `json:"-"`
	Destination string   `json:"-"`
	Language    string   `json:"-"`
	HasChannel  bool     `json:"has_channel"`
}

// AccessRequestFilters narrows request listings
type AccessRequestFilters struct {
	RequesterOrgID string
	PatientID      string
	Status         RequestStatus
	Limit          int
	Offset         int
}

// AccessGrantFilters narrows grant listings
type AccessGrantFilters struct {
	GranteeOrgID   string
	PatientID      string
	IncludeRevoked bool
	ActiveAt       *time.Time
	Limit          int
	Offset         int
}

// AuditLogFilters narrows audit listings
type AuditLogFilters struct {
	OrgID     string
	PatientID string
	Action    AuditAction
	Limit     int
	Offset    int
}
