package database

import (
	"context"
	"fmt"
)

// AuditImmutableSQLState is raised by the audit log triggers on any UPDATE,
// DELETE or TRUNCATE of consent_audit_logs
const AuditImmutableSQLState = "CN001"

// AuditChainLockClass is the first key of the two-key advisory lock taken
// per patient chain; the second key is hashtext(patient_id)
const AuditChainLockClass int32 = 0x636e7374 // "cnst"

// CreateSchema creates the consent tables, indexes and audit triggers
func (db *DB) CreateSchema(ctx context.Context) error {
	log := db.logger.WithComponent("database")
	log.Info("Creating consent schema...")

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range schemaStatements() {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema: %w", err)
	}

	log.Info("Consent schema created successfully")
	return nil
}

func schemaStatements() []string {
	return []string{
		createAccessRequestsTable,
		createConsentTokensTable,
		createAccessGrantsTable,
		createAuditLogsTable,
		createIndexes,
		createAuditImmutableFunction,
		createAuditImmutableTriggers,
	}
}

// SQL DDL statements for table creation
const (
	createAccessRequestsTable = `
		CREATE TABLE IF NOT EXISTS consent_access_requests (
			id VARCHAR(36) PRIMARY KEY,
			patient_id VARCHAR(64) NOT NULL,
			requester_org_id VARCHAR(64) NOT NULL,
			requester_user_id VARCHAR(64),
			scopes TEXT[] NOT NULL CHECK (
				cardinality(scopes) > 0 AND
				scopes <@ ARRAY['read_summary','read_records','write_records','read_images']::TEXT[]
			),
			reason TEXT NOT NULL DEFAULT '',
			requested_duration_days INTEGER NOT NULL CHECK (requested_duration_days > 0),
			delivery_channel VARCHAR(20) NOT NULL CHECK (delivery_channel IN ('telegram','sms','chat')),
			status VARCHAR(20) NOT NULL CHECK (status IN ('pending','approved','denied','expired')),
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			responded_at TIMESTAMPTZ
		);`

	createConsentTokensTable = `
		CREATE TABLE IF NOT EXISTS consent_tokens (
			id VARCHAR(36) PRIMARY KEY,
			access_request_id VARCHAR(36) NOT NULL UNIQUE REFERENCES consent_access_requests(id),
			code_hash VARCHAR(128) NOT NULL,
			attempts_count INTEGER NOT NULL DEFAULT 0 CHECK (attempts_count >= 0),
			max_attempts INTEGER NOT NULL CHECK (max_attempts > 0),
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			used_at TIMESTAMPTZ
		);`

	createAccessGrantsTable = `
		CREATE TABLE IF NOT EXISTS consent_access_grants (
			id VARCHAR(36) PRIMARY KEY,
			patient_id VARCHAR(64) NOT NULL,
			grantee_org_id VARCHAR(64) NOT NULL,
			access_request_id VARCHAR(36) UNIQUE REFERENCES consent_access_requests(id),
			scopes TEXT[] NOT NULL CHECK (cardinality(scopes) > 0),
			valid_from TIMESTAMPTZ NOT NULL,
			valid_to TIMESTAMPTZ NOT NULL,
			is_whitelist BOOLEAN NOT NULL DEFAULT FALSE,
			created_by VARCHAR(20) NOT NULL CHECK (created_by IN ('patient','system','staff')),
			revoked_at TIMESTAMPTZ,
			revoked_by VARCHAR(64),
			revocation_reason TEXT NOT NULL DEFAULT '',
			last_accessed_at TIMESTAMPTZ,
			access_count BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			CHECK (valid_from < valid_to)
		);`

	createAuditLogsTable = `
		CREATE TABLE IF NOT EXISTS consent_audit_logs (
			id VARCHAR(36) PRIMARY KEY,
			sequence BIGINT NOT NULL CHECK (sequence > 0),
			user_id VARCHAR(64),
			organization_id VARCHAR(64),
			patient_id VARCHAR(64) NOT NULL,
			action VARCHAR(20) NOT NULL CHECK (action IN ('read','write','share','revoke','request','deny')),
			object_type VARCHAR(100) NOT NULL DEFAULT '',
			object_id VARCHAR(100) NOT NULL DEFAULT '',
			access_grant_id VARCHAR(36) REFERENCES consent_access_grants(id),
			ip_address VARCHAR(45) NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			details JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL,
			prev_hash CHAR(64) NOT NULL,
			entry_hash CHAR(64) NOT NULL,
			CONSTRAINT consent_audit_logs_chain_key UNIQUE (patient_id, sequence)
		);`

	createIndexes = `
		CREATE INDEX IF NOT EXISTS idx_consent_requests_org_patient ON consent_access_requests(requester_org_id, patient_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_consent_requests_pending ON consent_access_requests(expires_at) WHERE status = 'pending';
		CREATE INDEX IF NOT EXISTS idx_consent_grants_patient_org ON consent_access_grants(patient_id, grantee_org_id) WHERE revoked_at IS NULL;
		CREATE INDEX IF NOT EXISTS idx_consent_grants_org ON consent_access_grants(grantee_org_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_consent_audit_patient ON consent_audit_logs(patient_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_consent_audit_org_action ON consent_audit_logs(organization_id, action, created_at DESC);`

	createAuditImmutableFunction = `
		CREATE OR REPLACE FUNCTION consent_audit_logs_immutable() RETURNS trigger AS $$
		BEGIN
			RAISE EXCEPTION 'consent_audit_logs is append-only: % rejected', TG_OP
				USING ERRCODE = '` + AuditImmutableSQLState + `';
		END;
		$$ LANGUAGE plpgsql;`

	createAuditImmutableTriggers = `
		DROP TRIGGER IF EXISTS consent_audit_logs_no_update ON consent_audit_logs;
		CREATE TRIGGER consent_audit_logs_no_update
			BEFORE UPDATE OR DELETE ON consent_audit_logs
			FOR EACH ROW EXECUTE FUNCTION consent_audit_logs_immutable();
		DROP TRIGGER IF EXISTS consent_audit_logs_no_truncate ON consent_audit_logs;
		CREATE TRIGGER consent_audit_logs_no_truncate
			BEFORE TRUNCATE ON consent_audit_logs
			FOR EACH STATEMENT EXECUTE FUNCTION consent_audit_logs_immutable();`
)
