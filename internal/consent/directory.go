package consent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/lib/pq"

	"github.com/medrex/consent-engine/pkg/database"
	"github.com/medrex/consent-engine/pkg/types"
)

// PatientDirectory is the engine's read-only view of the ERP patient registry
type PatientDirectory interface {
	FindByIdentityHash(ctx context.Context, identityHash string) (*types.Patient, error)
	FindByID(ctx context.Context, patientID string) (*types.Patient, error)
	// FindByChannelUser resolves the patient linked to a messaging account
	FindByChannelUser(ctx context.Context, channel types.DeliveryChannel, channelUserID string) (*types.Patient, error)
	OwnedBy(ctx context.Context, patientID, orgID string) (bool, error)
	OrganizationName(ctx context.Context, orgID string) (string, error)
}

// MaskName keeps the family name and reduces the given names to initials
func MaskName(last, first, middle string) string {
	var parts []string
	if last != "" {
		parts = append(parts, last)
	}
	if first != "" {
		r, size := utf8.DecodeRuneInString(first)
		masked := string(r) + strings.Repeat("*", utf8.RuneCountInString(first[size:]))
		parts = append(parts, masked)
	}
	if middle != "" {
		r, _ := utf8.DecodeRuneInString(middle)
		parts = append(parts, string(r)+".")
	}
	return strings.Join(parts, " ")
}

// SQLPatientDirectory reads the ERP patients, patient_organizations,
// organizations and patient_channel_links tables
type SQLPatientDirectory struct {
	db *database.DB
}

var _ PatientDirectory = (*SQLPatientDirectory)(nil)

// NewSQLPatientDirectory creates a directory over the ERP database
func NewSQLPatientDirectory(db *database.DB) *SQLPatientDirectory {
	return &SQLPatientDirectory{db: db}
}

const patientSelect = `
	SELECT p.id, p.last_name, p.first_name, p.middle_name, p.language,
		COALESCE(l.destination, ''), l.patient_id IS NOT NULL,
		COALESCE(ARRAY(SELECT po.organization_id FROM patient_organizations po WHERE po.patient_id = p.id), '{}')
	FROM patients p
	LEFT JOIN LATERAL (
		SELECT patient_id, destination FROM patient_channel_links cl
		WHERE cl.patient_id = p.id ORDER BY cl.created_at DESC LIMIT 1
	) l ON TRUE`

// FindByIdentityHash implements PatientDirectory
func (d *SQLPatientDirectory) FindByIdentityHash(ctx context.Context, identityHash string) (*types.Patient, error) {
	return d.queryPatient(ctx, patientSelect+` WHERE p.identity_hash = $1`, identityHash)
}

// FindByID implements PatientDirectory
func (d *SQLPatientDirectory) FindByID(ctx context.Context, patientID string) (*types.Patient, error) {
	return d.queryPatient(ctx, patientSelect+` WHERE p.id = $1`, patientID)
}

// FindByChannelUser implements PatientDirectory
func (d *SQLPatientDirectory) FindByChannelUser(ctx context.Context, channel types.DeliveryChannel, channelUserID string) (*types.Patient, error) {
	query := patientSelect + ` WHERE p.id = (
		SELECT patient_id FROM patient_channel_links
		WHERE channel = $1 AND channel_user_id = $2 LIMIT 1)`
	return d.queryPatient(ctx, query, string(channel), channelUserID)
}

func (d *SQLPatientDirectory) queryPatient(ctx context.Context, query string, args ...interface{}) (*types.Patient, error) {
	var (
		p                   types.Patient
		last, first, middle sql.NullString
		language            sql.NullString
	)
	err := d.db.QueryRowContext(ctx, query, args...).Scan(
		&p.ID,
		&last,
		&first,
		&middle,
		&language,
		&p.Destination,
		&p.HasChannel,
		pq.Array(&p.OrgIDs),
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.NewError(types.KindNotFound, "patient not found")
		}
		return nil, fmt.Errorf("failed to query patient: %w", err)
	}
	p.DisplayName = MaskName(last.String, first.String, middle.String)
	p.Language = language.String
	return &p, nil
}

// OwnedBy implements PatientDirectory
func (d *SQLPatientDirectory) OwnedBy(ctx context.Context, patientID, orgID string) (bool, error) {
	var owned bool
	err := d.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM patient_organizations WHERE patient_id = $1 AND organization_id = $2)`,
		patientID, orgID,
	).Scan(&owned)
	if err != nil {
		return false, fmt.Errorf("failed to check patient ownership: %w", err)
	}
	return owned, nil
}

// OrganizationName implements PatientDirectory
func (d *SQLPatientDirectory) OrganizationName(ctx context.Context, orgID string) (string, error) {
	var name string
	err := d.db.QueryRowContext(ctx, `SELECT name FROM organizations WHERE id = $1`, orgID).Scan(&name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", types.NewError(types.KindNotFound, "organization not found")
		}
		return "", fmt.Errorf("failed to query organization: %w", err)
	}
	return name, nil
}

// MemoryDirectory is a PatientDirectory held in process
type MemoryDirectory struct {
	mu       sync.RWMutex
	patients map[string]*types.Patient
	byHash   map[string]string
	byChan   map[string]string
	orgs     map[string]string
}

var _ PatientDirectory = (*MemoryDirectory)(nil)

// NewMemoryDirectory creates an empty directory
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		patients: make(map[string]*types.Patient),
		byHash:   make(map[string]string),
		byChan:   make(map[string]string),
		orgs:     make(map[string]string),
	}
}

// AddOrganization registers an organization name
func (d *MemoryDirectory) AddOrganization(orgID, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.orgs[orgID] = name
}

// AddPatient registers a patient under an identity hash
func (d *MemoryDirectory) AddPatient(p types.Patient, identityHash string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := p
	cp.OrgIDs = append([]string(nil), p.OrgIDs...)
	d.patients[p.ID] = &cp
	if identityHash != "" {
		d.byHash[identityHash] = p.ID
	}
}

// LinkChannel binds a messaging account to a patient
func (d *MemoryDirectory) LinkChannel(patientID string, channel types.DeliveryChannel, channelUserID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byChan[string(channel)+":"+channelUserID] = patientID
	if p, ok := d.patients[patientID]; ok {
		p.HasChannel = true
	}
}

func (d *MemoryDirectory) lookup(id string, ok bool) (*types.Patient, error) {
	if !ok {
		return nil, types.NewError(types.KindNotFound, "patient not found")
	}
	p, found := d.patients[id]
	if !found {
		return nil, types.NewError(types.KindNotFound, "patient not found")
	}
	cp := *p
	cp.OrgIDs = append([]string(nil), p.OrgIDs...)
	return &cp, nil
}

// FindByIdentityHash implements PatientDirectory
func (d *MemoryDirectory) FindByIdentityHash(_ context.Context, identityHash string) (*types.Patient, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byHash[identityHash]
	return d.lookup(id, ok)
}

// FindByID implements PatientDirectory
func (d *MemoryDirectory) FindByID(_ context.Context, patientID string) (*types.Patient, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lookup(patientID, true)
}

// FindByChannelUser implements PatientDirectory
func (d *MemoryDirectory) FindByChannelUser(_ context.Context, channel types.DeliveryChannel, channelUserID string) (*types.Patient, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byChan[string(channel)+":"+channelUserID]
	return d.lookup(id, ok)
}

// OwnedBy implements PatientDirectory
func (d *MemoryDirectory) OwnedBy(_ context.Context, patientID, orgID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.patients[patientID]
	if !ok {
		return false, nil
	}
	for _, o := range p.OrgIDs {
		if o == orgID {
			return true, nil
		}
	}
	return false, nil
}

// OrganizationName implements PatientDirectory
func (d *MemoryDirectory) OrganizationName(_ context.Context, orgID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	name, ok := d.orgs[orgID]
	if !ok {
		return "", types.NewError(types.KindNotFound, "organization not found")
	}
	return name, nil
}
