package consent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/medrex/consent-engine/pkg/encryption"
	"github.com/medrex/consent-engine/pkg/types"
)

// AuditMeta carries caller network metadata into ledger entries
type AuditMeta struct {
	IPAddress string
	UserAgent string
}

// newAuditEntry builds an unsealed ledger entry. Sequence and hashes are
// assigned by the store when it appends.
func newAuditEntry(action types.AuditAction, patientID string, userID, orgID *string, now time.Time, details map[string]interface{}) *types.AuditLog {
	if details == nil {
		details = map[string]interface{}{}
	}
	return &types.AuditLog{
		ID:        uuid.New().String(),
		UserID:    userID,
		OrgID:     orgID,
		PatientID: patientID,
		Action:    action,
		Details:   details,
		CreatedAt: now.UTC().Truncate(time.Microsecond),
	}
}

func (m AuditMeta) apply(e *types.AuditLog) *types.AuditLog {
	e.IPAddress = m.IPAddress
	e.UserAgent = m.UserAgent
	return e
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// canonicalEntry is the hashed projection of an entry. Field order is fixed
// and details keys are sorted by encoding/json.
type canonicalEntry struct {
	ID         string                 `json:"id"`
	Sequence   int64                  `json:"sequence"`
	UserID     string                 `json:"user_id"`
	OrgID      string                 `json:"organization_id"`
	PatientID  string                 `json:"patient_id"`
	Action     string                 `json:"action"`
	ObjectType string                 `json:"object_type"`
	ObjectID   string                 `json:"object_id"`
	GrantID    string                 `json:"access_grant_id"`
	IPAddress  string                 `json:"ip_address"`
	UserAgent  string                 `json:"user_agent"`
	Details    map[string]interface{} `json:"details"`
	CreatedAt  string                 `json:"created_at"`
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func canonicalPayload(e *types.AuditLog) ([]byte, error) {
	details := e.Details
	if details == nil {
		details = map[string]interface{}{}
	}
	return json.Marshal(canonicalEntry{
		ID:         e.ID,
		Sequence:   e.Sequence,
		UserID:     deref(e.UserID),
		OrgID:      deref(e.OrgID),
		PatientID:  e.PatientID,
		Action:     string(e.Action),
		ObjectType: e.ObjectType,
		ObjectID:   e.ObjectID,
		GrantID:    deref(e.GrantID),
		IPAddress:  e.IPAddress,
		UserAgent:  e.UserAgent,
		Details:    details,
		CreatedAt:  e.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}

// normalizeDetails round-trips details through JSON so the hashed form
// matches what a JSONB column returns on read
func normalizeDetails(details map[string]interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit details: %w", err)
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode audit details: %w", err)
	}
	return out, nil
}

// sealEntry links e to the tail of its patient's chain. tail is nil for the
// patient's first entry.
func sealEntry(e *types.AuditLog, tail *types.AuditLog) error {
	if !e.Action.IsValid() {
		return types.NewError(types.KindValidation, fmt.Sprintf("unknown audit action %q", e.Action))
	}
	if e.PatientID == "" {
		return types.NewError(types.KindValidation, "audit entry requires a patient")
	}
	if tail != nil && tail.PatientID != "" && tail.PatientID != e.PatientID {
		return fmt.Errorf("audit tail belongs to patient %s, not %s", tail.PatientID, e.PatientID)
	}

	details, err := normalizeDetails(e.Details)
	if err != nil {
		return err
	}
	e.Details = details
	e.CreatedAt = e.CreatedAt.UTC().Truncate(time.Microsecond)

	e.Sequence = 1
	e.PrevHash = encryption.GenesisHash
	if tail != nil {
		e.Sequence = tail.Sequence + 1
		e.PrevHash = tail.EntryHash
	}

	payload, err := canonicalPayload(e)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}
	e.EntryHash = encryption.ChainHash(e.PrevHash, payload)
	return nil
}

// ChainReport is the result of an audit chain verification. Every patient
// has an independent chain; a break names the patient and sequence.
type ChainReport struct {
	Valid           bool   `json:"valid"`
	Checked         int64  `json:"checked"`
	Chains          int64  `json:"chains"`
	BrokenPatientID string `json:"broken_patient_id,omitempty"`
	BrokenAt        *int64 `json:"broken_at,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// AuditCursor is a position in the ledger ordered by (patient, sequence)
type AuditCursor struct {
	PatientID string
	Sequence  int64
}

// before reports whether the cursor sorts strictly before e
func (c AuditCursor) before(e *types.AuditLog) bool {
	if e.PatientID != c.PatientID {
		return c.PatientID < e.PatientID
	}
	return c.Sequence < e.Sequence
}

// AuditScanner pages through the ledger ordered by patient, then sequence,
// returning entries strictly after the cursor
type AuditScanner interface {
	ScanAuditLogs(ctx context.Context, after AuditCursor, limit int) ([]*types.AuditLog, error)
}

const chainPageSize = 500

// VerifyChain recomputes every entry hash of every patient chain and reports
// the first break
func VerifyChain(ctx context.Context, scanner AuditScanner) (*ChainReport, error) {
	report := &ChainReport{Valid: true}
	var (
		after    AuditCursor
		prevHash = encryption.GenesisHash
		started  bool
	)

	for {
		page, err := scanner.ScanAuditLogs(ctx, after, chainPageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit logs: %w", err)
		}
		for _, e := range page {
			prevSeq := after.Sequence
			if !started || e.PatientID != after.PatientID {
				started = true
				report.Chains++
				prevSeq, prevHash = 0, encryption.GenesisHash
			}
			if reason := checkLink(e, prevSeq, prevHash); reason != "" {
				seq := e.Sequence
				report.Valid = false
				report.BrokenPatientID = e.PatientID
				report.BrokenAt = &seq
				report.Reason = reason
				return report, nil
			}
			report.Checked++
			prevHash = e.EntryHash
			after = AuditCursor{PatientID: e.PatientID, Sequence: e.Sequence}
		}
		if len(page) < chainPageSize {
			return report, nil
		}
	}
}

func checkLink(e *types.AuditLog, prevSeq int64, prevHash string) string {
	if e.Sequence != prevSeq+1 {
		return fmt.Sprintf("sequence gap: expected %d, found %d", prevSeq+1, e.Sequence)
	}
	if !encryption.EqualHash(e.PrevHash, prevHash) {
		return "previous hash does not match the preceding entry"
	}
	payload, err := canonicalPayload(e)
	if err != nil {
		return fmt.Sprintf("entry cannot be encoded: %v", err)
	}
	if !encryption.EqualHash(e.EntryHash, encryption.ChainHash(e.PrevHash, payload)) {
		return "entry hash does not match its contents"
	}
	return ""
}
