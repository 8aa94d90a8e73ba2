package consent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/medrex/consent-engine/internal/counter"
	"github.com/medrex/consent-engine/pkg/config"
	"github.com/medrex/consent-engine/pkg/encryption"
	"github.com/medrex/consent-engine/pkg/logger"
	"github.com/medrex/consent-engine/pkg/monitoring"
	"github.com/medrex/consent-engine/pkg/types"
)

const identityLength = 12

// Dependencies are the collaborators injected into the engine
type Dependencies struct {
	Store     Store
	Directory PatientDirectory
	Notifier  Notifier
	Counters  counter.Store
	Config    config.ConsentConfig
	Logger    *logger.Logger
	Metrics   *monitoring.MetricsCollector
	Tracing   *monitoring.TracingManager
	Clock     func() time.Time
}

// Engine coordinates the consent lifecycle. It keeps no mutable state of its
// own; everything lives in the injected stores.
type Engine struct {
	store     Store
	directory PatientDirectory
	notifier  Notifier
	otp       *OTPVerifier
	rate      *RateLimiter
	lockout   *DenialLockout
	fraud     *FraudDetector
	cfg       config.ConsentConfig
	logger    *logger.Logger
	metrics   *monitoring.MetricsCollector
	tracing   *monitoring.TracingManager
	now       func() time.Time
}

// NewEngine wires an engine from its dependencies
func NewEngine(deps Dependencies) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("consent store is required")
	}
	if deps.Directory == nil {
		return nil, errors.New("patient directory is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("counter store is required")
	}
	if deps.Logger == nil {
		deps.Logger = logger.New("info")
	}
	if deps.Notifier == nil {
		deps.Notifier = NoopNotifier{}
	}
	if deps.Metrics == nil {
		deps.Metrics = monitoring.NewMetricsCollector("consent-engine", prometheus.NewRegistry())
	}
	if deps.Tracing == nil {
		deps.Tracing = monitoring.NewNoopTracingManager()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	fraud, err := NewFraudDetector(deps.Counters, deps.Config.Fraud)
	if err != nil {
		return nil, err
	}

	cfg := deps.Config
	return &Engine{
		store:     deps.Store,
		directory: deps.Directory,
		notifier:  deps.Notifier,
		otp:       NewOTPVerifier(encryption.NewCodeHasher(cfg.OTPBcryptCost), cfg.OTPLength, cfg.OTPTTL, cfg.OTPMaxAttempts),
		rate:      NewRateLimiter(deps.Counters, cfg.RateLimitPerDay, cfg.RateWindow),
		lockout:   NewDenialLockout(deps.Counters, cfg.LockoutMaxDenials, cfg.LockoutWindow),
		fraud:     fraud,
		cfg:       cfg,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		tracing:   deps.Tracing,
		now:       deps.Clock,
	}, nil
}

// Responder is whoever resolves a request or grant: the patient through the
// messaging channel, or a staff member of the organization involved
type Responder struct {
	PatientID string
	Staff     *types.Actor
	Meta      AuditMeta
}

func (r Responder) userID() *string {
	if r.Staff == nil {
		return nil
	}
	return strPtr(r.Staff.UserID)
}

func (r Responder) kind() string {
	if r.Staff != nil {
		return "staff"
	}
	return "patient"
}

func metaOf(actor *types.Actor) AuditMeta {
	if actor == nil {
		return AuditMeta{}
	}
	return AuditMeta{IPAddress: actor.IPAddress, UserAgent: actor.UserAgent}
}

// begin opens a span for an engine operation. The returned func ends it,
// recording err and the operation latency.
func (e *Engine) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := e.now()
	ctx, span := e.tracing.StartConsentSpan(ctx, op, attrs...)
	return ctx, func(err error) {
		e.tracing.RecordError(span, err)
		span.End()
		e.metrics.ObserveOperation(op, time.Since(start))
	}
}

// reject logs security relevant denials before they are handed back
func (e *Engine) reject(ctx context.Context, err error, orgID, patientID string) error {
	ce, ok := types.AsConsentError(err)
	if !ok {
		return err
	}
	switch {
	case types.IsSecurityDenial(ce.Kind):
		details := map[string]interface{}{"message": ce.Message}
		for k, v := range ce.Details {
			details[k] = v
		}
		if ce.ResetIn > 0 {
			details["reset_in_seconds"] = int64(ce.ResetIn.Seconds())
		}
		e.logger.SecurityDenial(ctx, string(ce.Kind), orgID, patientID, details)
		e.metrics.RecordSecurityDenial(string(ce.Kind))
	case ce.Kind == types.KindImmutableRecord:
		e.logger.WithContext(ctx).WithError(err).Error("Attempted to mutate an audit log entry")
	case ce.Kind == types.KindServiceUnavailable:
		e.logger.WithContext(ctx).WithError(err).Warn("Dependency unavailable")
	}
	return err
}

func requireStaff(actor *types.Actor) error {
	if actor == nil || actor.UserID == "" || actor.OrgID == "" {
		return types.NewError(types.KindUnauthorized, "authenticated staff context is required")
	}
	return nil
}

func requireRequester(actor *types.Actor) error {
	if err := requireStaff(actor); err != nil {
		return err
	}
	if !actor.Role.CanRequestAccess() {
		return types.NewError(types.KindUnauthorized,
			fmt.Sprintf("role %q may not request access to patient records", actor.Role))
	}
	return nil
}

// PatientSummary is the masked view returned by a patient search
type PatientSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	HasChannel  bool   `json:"has_channel"`
	OwnedByOrg  bool   `json:"owned_by_org"`
}

// NormalizeIdentity strips separators from a national identity number and
// checks its shape
func NormalizeIdentity(raw string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, raw)
	if len(cleaned) != identityLength {
		return "", types.NewError(types.KindValidation,
			fmt.Sprintf("identity number must have %d digits", identityLength))
	}
	for _, r := range cleaned {
		if !unicode.IsDigit(r) {
			return "", types.NewError(types.KindValidation, "identity number must contain digits only")
		}
	}
	return cleaned, nil
}

// SearchPatient looks a patient up by identity number. Only the hash of the
// number reaches the directory.
func (e *Engine) SearchPatient(ctx context.Context, actor *types.Actor, identity string) (_ *PatientSummary, err error) {
	ctx, done := e.begin(ctx, "search_patient")
	defer func() { done(err) }()

	if err := requireRequester(actor); err != nil {
		return nil, err
	}
	normalized, err := NormalizeIdentity(identity)
	if err != nil {
		return nil, err
	}

	p, err := e.directory.FindByIdentityHash(ctx, encryption.HashData([]byte(normalized)))
	if err != nil {
		return nil, err
	}
	owned, err := e.directory.OwnedBy(ctx, p.ID, actor.OrgID)
	if err != nil {
		return nil, err
	}

	return &PatientSummary{ID: p.ID, DisplayName: p.DisplayName, HasChannel: p.HasChannel, OwnedByOrg: owned}, nil
}

// CreateRequestInput is a staff member's access request toward a patient
type CreateRequestInput struct {
	PatientID    string
	Scopes       []types.Scope
	Reason       string
	DurationDays int
	Channel      types.DeliveryChannel
}

// CreateRequestResult is the persisted request and whether the code reached the patient
type CreateRequestResult struct {
	Request   *types.AccessRequest `json:"request"`
	Delivered bool                 `json:"delivered"`
}

// CreateRequest opens a consent negotiation. Gates run in order: role,
// scopes, rate limit, denial lockout, fraud. The rate limit slot is reserved
// up front and released again when any later step fails. The request, its
// token and the request audit entry commit together; the code is delivered
// afterwards and a delivery failure leaves the request pending.
func (e *Engine) CreateRequest(ctx context.Context, actor *types.Actor, in CreateRequestInput) (_ *CreateRequestResult, err error) {
	ctx, done := e.begin(ctx, "create_request", attribute.String("patient.id", in.PatientID))
	defer func() { done(err) }()

	if err := requireRequester(actor); err != nil {
		return nil, err
	}
	scopes, err := ValidateScopes(in.Scopes)
	if err != nil {
		return nil, err
	}
	duration, err := e.durationDays(in.DurationDays, e.cfg.DefaultDurationDays)
	if err != nil {
		return nil, err
	}
	channel := in.Channel
	if channel == "" {
		channel = types.ChannelTelegram
	}
	if !channel.IsValid() {
		return nil, types.NewError(types.KindValidation, fmt.Sprintf("unsupported delivery channel %q", channel))
	}

	patient, err := e.directory.FindByID(ctx, in.PatientID)
	if err != nil {
		return nil, err
	}

	if _, err := e.rate.Reserve(ctx, actor.OrgID, patient.ID); err != nil {
		return nil, e.reject(ctx, err, actor.OrgID, patient.ID)
	}
	defer func() {
		if err != nil {
			e.releaseRate(ctx, actor.OrgID, patient.ID)
		}
	}()
	if _, err := e.lockout.Enforce(ctx, actor.OrgID, patient.ID); err != nil {
		return nil, e.reject(ctx, err, actor.OrgID, patient.ID)
	}

	now := e.now()
	assessment, err := e.fraud.Evaluate(ctx, FraudSubject{
		UserID:    actor.UserID,
		OrgID:     actor.OrgID,
		PatientID: patient.ID,
		Action:    types.AuditRequest,
	}, now)
	if err != nil {
		return nil, e.reject(ctx, err, actor.OrgID, patient.ID)
	}
	if assessment.Suspicious {
		e.metrics.RecordFraudSignal(string(types.AuditRequest), string(assessment.Severity))
		e.logger.Security("suspicious_consent_request", actor.UserID, map[string]interface{}{
			"org_id":     actor.OrgID,
			"patient_id": patient.ID,
			"severity":   assessment.Severity,
			"reasons":    assessment.Reasons,
		})
	}
	if assessment.Severity == SeverityHigh {
		return nil, e.blockSuspicious(ctx, actor, patient.ID, scopes, assessment, now)
	}

	req := NewAccessRequest(NewRequestParams{
		PatientID:    patient.ID,
		OrgID:        actor.OrgID,
		UserID:       actor.UserID,
		Scopes:       scopes,
		Reason:       in.Reason,
		DurationDays: duration,
		Channel:      channel,
	}, now, e.cfg.RequestTTL)

	token, code, err := e.otp.Issue(req.ID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to issue one-time code: %w", err)
	}

	details := map[string]interface{}{
		"access_request_id": req.ID,
		"scopes":            scopes,
		"reason":            req.Reason,
		"duration_days":     duration,
		"delivery_channel":  channel,
	}
	if assessment.Suspicious {
		details["fraud"] = assessment.Details()
	}

	err = e.store.WithTx(ctx, func(tx Tx) error {
		if err := tx.CreateRequest(ctx, req); err != nil {
			return err
		}
		if err := tx.CreateToken(ctx, token); err != nil {
			return err
		}
		entry := newAuditEntry(types.AuditRequest, patient.ID, strPtr(actor.UserID), strPtr(actor.OrgID), now, details)
		entry.ObjectType, entry.ObjectID = "access_request", req.ID
		return tx.AppendAudit(ctx, metaOf(actor).apply(entry))
	})
	if err != nil {
		return nil, e.reject(ctx, err, actor.OrgID, patient.ID)
	}
	e.metrics.RecordAccessRequest(string(types.StatusPending))
	e.metrics.RecordAuditEvent(string(types.AuditRequest), true)

	result := &CreateRequestResult{Request: req}
	result.Delivered = e.deliver(ctx, req, patient, code)

	e.logger.Audit(actor.UserID, "access_request_created", "access_request:"+req.ID, true, map[string]interface{}{
		"org_id":     actor.OrgID,
		"patient_id": patient.ID,
		"scopes":     scopes,
		"delivered":  result.Delivered,
	})
	return result, nil
}

// releaseRate hands back a reserved slot. It runs detached from ctx so a
// cancelled caller still returns its unit.
func (e *Engine) releaseRate(ctx context.Context, orgID, patientID string) {
	timeout := e.cfg.CounterTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := e.rate.Release(ctx, orgID, patientID); err != nil {
		e.metrics.RecordDependencyFailure("counter_store")
		e.logger.WithContext(ctx).WithError(err).Warn("Failed to release reserved request slot")
	}
}

// blockSuspicious records the blocked attempt in the ledger and returns
// SuspiciousActivityBlocked
func (e *Engine) blockSuspicious(ctx context.Context, actor *types.Actor, patientID string, scopes []types.Scope, a *FraudAssessment, now time.Time) error {
	details := a.Details()
	details["fraud_detected"] = true
	details["blocked"] = true
	details["scopes"] = scopes

	err := e.store.WithTx(ctx, func(tx Tx) error {
		entry := newAuditEntry(types.AuditRequest, patientID, strPtr(actor.UserID), strPtr(actor.OrgID), now, details)
		entry.ObjectType = "access_request"
		return tx.AppendAudit(ctx, metaOf(actor).apply(entry))
	})
	if err != nil {
		e.metrics.RecordAuditEvent(string(types.AuditRequest), false)
		return e.reject(ctx, err, actor.OrgID, patientID)
	}
	e.metrics.RecordAuditEvent(string(types.AuditRequest), true)

	blocked := types.NewError(types.KindSuspiciousActivityBlocked, "suspicious activity detected, request blocked").
		WithDetails(map[string]interface{}{"severity": string(a.Severity), "reasons": a.Reasons})
	return e.reject(ctx, blocked, actor.OrgID, patientID)
}

func (e *Engine) deliver(ctx context.Context, req *types.AccessRequest, patient *types.Patient, code string) bool {
	log := e.logger.WithContext(ctx).WithField("access_request_id", req.ID)
	if !patient.HasChannel || patient.Destination == "" {
		log.Warn("Patient has no linked messaging channel, code not delivered")
		return false
	}

	orgName, err := e.directory.OrganizationName(ctx, req.RequesterOrgID)
	if err != nil {
		orgName = req.RequesterOrgID
	}

	err = e.notifier.DeliverOTP(ctx, OTPDelivery{
		RequestID:   req.ID,
		Channel:     req.Channel,
		Destination: patient.Destination,
		OrgName:     orgName,
		Reason:      req.Reason,
		Scopes:      req.Scopes,
		Code:        code,
		Language:    patient.Language,
	})
	if errors.Is(err, ErrNoNotificationChannel) {
		log.Warn("No notification channel configured, code not delivered")
		return false
	}
	if err != nil {
		e.metrics.RecordDependencyFailure("notification")
		log.WithError(err).Error("Failed to deliver one-time code, request stays pending")
		return false
	}
	return true
}

func (e *Engine) durationDays(requested, fallback int) (int, error) {
	if requested == 0 {
		return fallback, nil
	}
	if requested < 0 || requested > e.cfg.MaxDurationDays {
		return 0, types.NewError(types.KindValidation,
			fmt.Sprintf("duration must be between 1 and %d days", e.cfg.MaxDurationDays))
	}
	return requested, nil
}

// expireIfStale persists the expiry of a lapsed pending request
func expireIfStale(ctx context.Context, tx Tx, r *types.AccessRequest, now time.Time) (bool, error) {
	if !r.IsExpired(now) {
		return false, nil
	}
	MarkExpired(r, now)
	if err := tx.UpdateRequestStatus(ctx, r); err != nil {
		return false, err
	}
	return true, nil
}

func expiredError(r *types.AccessRequest) error {
	return types.NewError(types.KindExpired, "access request has expired").
		WithDetails(map[string]interface{}{"access_request_id": r.ID, "expired_at": r.ExpiresAt})
}

func (r Responder) authorizeRequest(req *types.AccessRequest) error {
	switch {
	case r.Staff != nil:
		if r.Staff.OrgID != req.RequesterOrgID {
			return types.NewError(types.KindUnauthorized, "access request belongs to another organization")
		}
	case r.PatientID != "":
		if r.PatientID != req.PatientID {
			return types.NewError(types.KindUnauthorized, "access request is addressed to another patient")
		}
	default:
		return types.NewError(types.KindUnauthorized, "caller identity is required")
	}
	return nil
}

// DenyRequest resolves a pending request as denied and counts the denial
// toward the lockout. A lapsed request is expired instead.
func (e *Engine) DenyRequest(ctx context.Context, requestID string, by Responder, reason string) (_ *types.AccessRequest, err error) {
	ctx, done := e.begin(ctx, "deny_request", attribute.String("access_request.id", requestID))
	defer func() { done(err) }()

	now := e.now()
	var (
		req     *types.AccessRequest
		outcome error
	)
	err = e.store.WithTx(ctx, func(tx Tx) error {
		var err error
		req, err = tx.GetRequest(ctx, requestID, true)
		if err != nil {
			return err
		}
		if err := by.authorizeRequest(req); err != nil {
			return err
		}

		expired, err := expireIfStale(ctx, tx, req, now)
		if err != nil {
			return err
		}
		if expired {
			outcome = expiredError(req)
			return nil
		}

		if err := Deny(req, now); err != nil {
			return err
		}
		if err := tx.UpdateRequestStatus(ctx, req); err != nil {
			return err
		}

		entry := newAuditEntry(types.AuditDeny, req.PatientID, by.userID(), strPtr(req.RequesterOrgID), now, map[string]interface{}{
			"access_request_id": req.ID,
			"reason":            reason,
			"denied_by":         by.kind(),
		})
		entry.ObjectType, entry.ObjectID = "access_request", req.ID
		return tx.AppendAudit(ctx, by.Meta.apply(entry))
	})
	if err != nil {
		return nil, e.reject(ctx, err, "", "")
	}
	if outcome != nil {
		e.metrics.RecordAccessRequest(string(types.StatusExpired))
		return req, outcome
	}

	e.metrics.RecordAccessRequest(string(types.StatusDenied))
	e.metrics.RecordAuditEvent(string(types.AuditDeny), true)
	if err := e.lockout.RecordDenial(ctx, req.RequesterOrgID, req.PatientID); err != nil {
		e.metrics.RecordDependencyFailure("counter_store")
		e.logger.WithContext(ctx).WithError(err).Error("Failed to record denial for lockout")
	}
	return req, nil
}

// ApproveViaOTP verifies the patient's code and, on success, issues the
// grant in the same transaction. A failed attempt is still committed.
func (e *Engine) ApproveViaOTP(ctx context.Context, requestID, code string, by Responder) (_ *types.AccessGrant, err error) {
	ctx, done := e.begin(ctx, "approve_via_otp", attribute.String("access_request.id", requestID))
	defer func() { done(err) }()

	now := e.now()
	var (
		req     *types.AccessRequest
		grant   *types.AccessGrant
		outcome error
	)
	err = e.store.WithTx(ctx, func(tx Tx) error {
		var err error
		req, err = tx.GetRequest(ctx, requestID, true)
		if err != nil {
			return err
		}
		if by.PatientID != "" && by.PatientID != req.PatientID {
			return types.NewError(types.KindUnauthorized, "access request is addressed to another patient")
		}

		expired, err := expireIfStale(ctx, tx, req, now)
		if err != nil {
			return err
		}
		if expired {
			outcome = expiredError(req)
			return nil
		}
		if req.Status.IsTerminal() {
			return types.NewError(types.KindAlreadyResolved, fmt.Sprintf("access request is already %s", req.Status))
		}

		token, err := tx.GetTokenByRequest(ctx, req.ID, true)
		if err != nil {
			return err
		}
		attempts := token.AttemptsCount
		if verr := e.otp.Verify(token, code, now); verr != nil {
			outcome = verr
			if token.AttemptsCount != attempts {
				return tx.UpdateToken(ctx, token)
			}
			return nil
		}
		if err := tx.UpdateToken(ctx, token); err != nil {
			return err
		}

		grant, err = NewGrant(NewGrantParams{
			PatientID:       req.PatientID,
			GranteeOrgID:    req.RequesterOrgID,
			AccessRequestID: req.ID,
			Scopes:          req.Scopes,
			ValidFrom:       now,
			ValidTo:         now.AddDate(0, 0, req.DurationDays),
			CreatedBy:       types.CreatedByPatient,
		}, now)
		if err != nil {
			return err
		}
		if err := tx.CreateGrant(ctx, grant); err != nil {
			return err
		}
		if err := Approve(req, now); err != nil {
			return err
		}
		if err := tx.UpdateRequestStatus(ctx, req); err != nil {
			return err
		}

		entry := newAuditEntry(types.AuditShare, req.PatientID, nil, strPtr(req.RequesterOrgID), now, map[string]interface{}{
			"access_request_id": req.ID,
			"grant_id":          grant.ID,
			"scopes":            grant.Scopes,
			"valid_to":          grant.ValidTo.UTC().Format(time.RFC3339),
		})
		entry.ObjectType, entry.ObjectID = "access_grant", grant.ID
		entry.GrantID = strPtr(grant.ID)
		return tx.AppendAudit(ctx, by.Meta.apply(entry))
	})
	if err != nil {
		return nil, e.reject(ctx, err, "", "")
	}

	if outcome != nil {
		kind := types.KindOf(outcome)
		e.metrics.RecordOTPVerification(string(kind))
		if kind == types.KindExpired && req.Status == types.StatusExpired {
			e.metrics.RecordAccessRequest(string(types.StatusExpired))
		}
		if kind == types.KindAttemptsExceeded || kind == types.KindInvalidCode {
			e.logger.Security("consent_code_rejected", "", map[string]interface{}{
				"access_request_id": req.ID,
				"patient_id":        req.PatientID,
				"kind":              kind,
			})
		}
		return nil, outcome
	}

	e.metrics.RecordOTPVerification("success")
	e.metrics.RecordAccessRequest(string(types.StatusApproved))
	e.metrics.RecordGrantIssued(string(grant.CreatedBy), false)
	e.metrics.RecordAuditEvent(string(types.AuditShare), true)
	e.logger.Audit("", "access_grant_issued", "access_grant:"+grant.ID, true, map[string]interface{}{
		"access_request_id": req.ID,
		"org_id":            grant.GranteeOrgID,
		"patient_id":        grant.PatientID,
		"valid_to":          grant.ValidTo,
	})
	return grant, nil
}

// GrantSummary is the part of a grant shown to a polling requester
type GrantSummary struct {
	GrantID string        `json:"grant_id"`
	ValidTo time.Time     `json:"valid_to"`
	Scopes  []types.Scope `json:"scopes"`
}

// RequestStatusView is what a requester sees while polling one request
type RequestStatusView struct {
	ID          string                `json:"id"`
	Status      types.RequestStatus   `json:"status"`
	CreatedAt   time.Time             `json:"created_at"`
	ExpiresAt   time.Time             `json:"expires_at"`
	RespondedAt *time.Time            `json:"responded_at,omitempty"`
	Channel     types.DeliveryChannel `json:"delivery_channel"`
	Grant       *GrantSummary         `json:"grant,omitempty"`
}

// GetRequestStatus returns the current state of one of the caller's
// requests, expiring it first if it has lapsed
func (e *Engine) GetRequestStatus(ctx context.Context, actor *types.Actor, requestID string) (_ *RequestStatusView, err error) {
	ctx, done := e.begin(ctx, "get_request_status", attribute.String("access_request.id", requestID))
	defer func() { done(err) }()

	if err := requireStaff(actor); err != nil {
		return nil, err
	}

	now := e.now()
	var view *RequestStatusView
	var expired bool
	err = e.store.WithTx(ctx, func(tx Tx) error {
		req, err := tx.GetRequest(ctx, requestID, true)
		if err != nil {
			return err
		}
		if req.RequesterOrgID != actor.OrgID {
			return types.NewError(types.KindNotFound, "access request not found")
		}
		if expired, err = expireIfStale(ctx, tx, req, now); err != nil {
			return err
		}

		view = &RequestStatusView{
			ID:          req.ID,
			Status:      req.Status,
			CreatedAt:   req.CreatedAt,
			ExpiresAt:   req.ExpiresAt,
			RespondedAt: req.RespondedAt,
			Channel:     req.Channel,
		}
		if req.Status == types.StatusApproved {
			g, err := tx.GetGrantByRequest(ctx, req.ID)
			if err != nil {
				return err
			}
			view.Grant = &GrantSummary{GrantID: g.ID, ValidTo: g.ValidTo, Scopes: g.Scopes}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expired {
		e.metrics.RecordAccessRequest(string(types.StatusExpired))
	}
	return view, nil
}

// PatientRequestView is a request as presented to the patient
type PatientRequestView struct {
	Request *types.AccessRequest `json:"request"`
	OrgName string               `json:"org_name"`
}

// GetPatientRequest returns one request addressed to patientID
func (e *Engine) GetPatientRequest(ctx context.Context, patientID, requestID string) (_ *PatientRequestView, err error) {
	ctx, done := e.begin(ctx, "get_patient_request", attribute.String("access_request.id", requestID))
	defer func() { done(err) }()

	now := e.now()
	var req *types.AccessRequest
	err = e.store.WithTx(ctx, func(tx Tx) error {
		var err error
		req, err = tx.GetRequest(ctx, requestID, true)
		if err != nil {
			return err
		}
		if req.PatientID != patientID {
			return types.NewError(types.KindNotFound, "access request not found")
		}
		_, err = expireIfStale(ctx, tx, req, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	name, err := e.directory.OrganizationName(ctx, req.RequesterOrgID)
	if err != nil {
		name = ""
	}
	return &PatientRequestView{Request: req, OrgName: name}, nil
}

// ListRequests lists the requests of the caller's organization, newest first
func (e *Engine) ListRequests(ctx context.Context, actor *types.Actor, f types.AccessRequestFilters) (_ []*types.AccessRequest, err error) {
	ctx, done := e.begin(ctx, "list_requests")
	defer func() { done(err) }()

	if err := requireRequester(actor); err != nil {
		return nil, err
	}
	f.RequesterOrgID = actor.OrgID

	now := e.now()
	var (
		out     []*types.AccessRequest
		expired int
	)
	err = e.store.WithTx(ctx, func(tx Tx) error {
		// lapsed rows are expired before filtering so status and paging see the final state
		var err error
		if expired, err = expirePending(ctx, tx, actor.OrgID, now); err != nil {
			return err
		}
		requests, err := tx.ListRequests(ctx, f)
		if err != nil {
			return err
		}
		out = make([]*types.AccessRequest, 0, len(requests))
		for _, r := range requests {
			if _, err := expireIfStale(ctx, tx, r, now); err != nil {
				return err
			}
			if f.Status != "" && r.Status != f.Status {
				continue
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := 0; i < expired; i++ {
		e.metrics.RecordAccessRequest(string(types.StatusExpired))
	}
	return out, nil
}

// expirePending expires every lapsed pending request of one organization
func expirePending(ctx context.Context, tx Tx, orgID string, now time.Time) (int, error) {
	n := 0
	for {
		stale, err := tx.LockExpiredPending(ctx, orgID, now, maxListLimit)
		if err != nil {
			return n, err
		}
		for _, r := range stale {
			if MarkExpired(r, now) {
				if err := tx.UpdateRequestStatus(ctx, r); err != nil {
					return n, err
				}
				n++
			}
		}
		if len(stale) < maxListLimit {
			return n, nil
		}
	}
}

// ExpireStale expires up to limit lapsed pending requests and returns how
// many changed. Request reads expire lazily too, so this is housekeeping.
func (e *Engine) ExpireStale(ctx context.Context, limit int) (n int, err error) {
	ctx, done := e.begin(ctx, "expire_stale")
	defer func() { done(err) }()

	now := e.now()
	err = e.store.WithTx(ctx, func(tx Tx) error {
		stale, err := tx.LockExpiredPending(ctx, "", now, limit)
		if err != nil {
			return err
		}
		for _, r := range stale {
			if MarkExpired(r, now) {
				if err := tx.UpdateRequestStatus(ctx, r); err != nil {
					return err
				}
				n++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for i := 0; i < n; i++ {
		e.metrics.RecordAccessRequest(string(types.StatusExpired))
	}
	return n, nil
}

// RunSweeper calls ExpireStale every interval until ctx is cancelled
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	log := e.logger.WithComponent("sweeper")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := e.ExpireStale(ctx, maxListLimit)
			if err != nil {
				log.WithError(err).Warn("Failed to expire stale access requests")
				continue
			}
			if n > 0 {
				log.WithField("expired", n).Info("Expired stale access requests")
			}
		}
	}
}
