package consent

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/medrex/consent-engine/pkg/logger"
	"github.com/medrex/consent-engine/pkg/types"
)

const maxBodyBytes = 1 << 20

// Response headers set on a successful enforcement check
const (
	GrantValidUntilHeader = "X-Grant-Valid-Until"
	GrantScopesHeader     = "X-Grant-Scopes"
)

// Handler exposes the engine over HTTP
type Handler struct {
	engine    *Engine
	directory PatientDirectory
	tokens    *TokenValidator
	botSecret string
	limiter   *ClientRateLimiter
	proxies   *TrustedProxies
	logger    *logger.Logger
}

// NewHandler creates the HTTP handler. limiter may be nil.
func NewHandler(engine *Engine, directory PatientDirectory, tokens *TokenValidator, botSecret string, limiter *ClientRateLimiter, log *logger.Logger) *Handler {
	return &Handler{
		engine:    engine,
		directory: directory,
		tokens:    tokens,
		botSecret: botSecret,
		limiter:   limiter,
		logger:    log,
	}
}

// SetTrustedProxies makes the handler honor X-Forwarded-For from the given
// proxies. Without it the peer address is always the client address.
func (h *Handler) SetTrustedProxies(p *TrustedProxies) {
	h.proxies = p
}

// RegisterRoutes mounts the staff API under /api/v1/consent and the patient
// channel API under /api/v1/patient
func (h *Handler) RegisterRoutes(r *mux.Router) {
	staff := r.PathPrefix("/api/v1/consent").Subrouter()
	staff.Use(h.authMiddleware)
	staff.HandleFunc("/search-patient", h.handleSearchPatient).Methods(http.MethodPost)
	staff.HandleFunc("/access-requests", h.handleCreateRequest).Methods(http.MethodPost)
	staff.HandleFunc("/access-requests", h.handleListRequests).Methods(http.MethodGet)
	staff.HandleFunc("/access-requests/{id}/status", h.handleRequestStatus).Methods(http.MethodGet)
	staff.HandleFunc("/access-requests/{id}/deny", h.handleStaffDeny).Methods(http.MethodPost)
	staff.HandleFunc("/grants", h.handleListGrants).Methods(http.MethodGet)
	staff.HandleFunc("/grants/whitelist", h.handleStaffWhitelist).Methods(http.MethodPost)
	staff.HandleFunc("/grants/{id}/revoke", h.handleStaffRevoke).Methods(http.MethodPost)
	staff.HandleFunc("/check", h.handleCheck).Methods(http.MethodPost)
	staff.HandleFunc("/audit-logs", h.handleListAuditLogs).Methods(http.MethodGet)
	staff.HandleFunc("/audit-logs/verify", h.handleVerifyAuditChain).Methods(http.MethodGet)

	patient := r.PathPrefix("/api/v1/patient").Subrouter()
	patient.Use(h.throttleMiddleware, h.botSecretMiddleware)
	patient.HandleFunc("/otp/verify", h.handleVerifyOTP).Methods(http.MethodPost)
	patient.HandleFunc("/access-requests/{id}", h.handlePatientRequest).Methods(http.MethodGet)
	patient.HandleFunc("/access-requests/{id}/deny", h.handlePatientDeny).Methods(http.MethodPost)
	patient.HandleFunc("/grants", h.handlePatientGrants).Methods(http.MethodGet)
	patient.HandleFunc("/grants/whitelist", h.handlePatientWhitelist).Methods(http.MethodPost)
	patient.HandleFunc("/grants/{id}/revoke", h.handlePatientRevoke).Methods(http.MethodPost)
}

type searchPatientBody struct {
	Identity string `json:"identity"`
}

func (h *Handler) handleSearchPatient(w http.ResponseWriter, r *http.Request) {
	var body searchPatientBody
	if !h.decode(w, r, &body) {
		return
	}
	actor, _ := ActorFromContext(r.Context())
	res, err := h.engine.SearchPatient(r.Context(), actor, body.Identity)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

type createRequestBody struct {
	PatientID    string                `json:"patient_id"`
	Scopes       []types.Scope         `json:"scopes"`
	Reason       string                `json:"reason"`
	DurationDays int                   `json:"requested_duration_days"`
	Channel      types.DeliveryChannel `json:"delivery_channel"`
}

func (h *Handler) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if !h.decode(w, r, &body) {
		return
	}
	if body.PatientID == "" {
		h.writeError(w, r, types.NewError(types.KindValidation, "patient_id is required"))
		return
	}
	actor, _ := ActorFromContext(r.Context())
	res, err := h.engine.CreateRequest(r.Context(), actor, CreateRequestInput{
		PatientID:    body.PatientID,
		Scopes:       body.Scopes,
		Reason:       body.Reason,
		DurationDays: body.DurationDays,
		Channel:      body.Channel,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) handleListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, ok := h.paging(w, r)
	if !ok {
		return
	}
	actor, _ := ActorFromContext(r.Context())
	res, err := h.engine.ListRequests(r.Context(), actor, types.AccessRequestFilters{
		PatientID: q.Get("patient_id"),
		Status:    types.RequestStatus(q.Get("status")),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"results": res, "count": len(res)})
}

func (h *Handler) handleRequestStatus(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	res, err := h.engine.GetRequestStatus(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

type reasonBody struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleStaffDeny(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	if !h.decodeOptional(w, r, &body) {
		return
	}
	actor, _ := ActorFromContext(r.Context())
	req, err := h.engine.DenyRequest(r.Context(), mux.Vars(r)["id"], Responder{Staff: actor, Meta: metaOf(actor)}, body.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"status": req.Status, "id": req.ID})
}

func (h *Handler) handleListGrants(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, ok := h.paging(w, r)
	if !ok {
		return
	}
	actor, _ := ActorFromContext(r.Context())
	res, err := h.engine.ListGrants(r.Context(), actor, GrantListOptions{
		PatientID:      q.Get("patient_id"),
		ActiveOnly:     q.Get("active_only") == "true",
		IncludeRevoked: q.Get("include_revoked") == "true",
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"results": res, "count": len(res)})
}

type whitelistBody struct {
	PatientID    string        `json:"patient_id"`
	OrgID        string        `json:"organization_id"`
	Scopes       []types.Scope `json:"scopes"`
	DurationDays int           `json:"duration_days"`
}

func (b whitelistBody) input() WhitelistInput {
	return WhitelistInput{PatientID: b.PatientID, OrgID: b.OrgID, Scopes: b.Scopes, DurationDays: b.DurationDays}
}

func (h *Handler) handleStaffWhitelist(w http.ResponseWriter, r *http.Request) {
	var body whitelistBody
	if !h.decode(w, r, &body) {
		return
	}
	actor, _ := ActorFromContext(r.Context())
	grant, err := h.engine.CreateWhitelistGrant(r.Context(), Responder{Staff: actor, Meta: metaOf(actor)}, body.input())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, grant)
}

func (h *Handler) handleStaffRevoke(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	if !h.decodeOptional(w, r, &body) {
		return
	}
	actor, _ := ActorFromContext(r.Context())
	grant, err := h.engine.RevokeGrant(r.Context(), mux.Vars(r)["id"], Responder{Staff: actor, Meta: metaOf(actor)}, body.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "revoked", "grant": grant})
}

type checkBody struct {
	PatientID string      `json:"patient_id"`
	Scope     types.Scope `json:"scope"`
	Operation Operation   `json:"operation"`
}

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	var body checkBody
	if !h.decode(w, r, &body) {
		return
	}
	actor, _ := ActorFromContext(r.Context())

	var (
		decision *AccessDecision
		err      error
	)
	switch {
	case body.Scope != "":
		decision, err = h.engine.CheckAccess(r.Context(), actor, body.PatientID, body.Scope)
	case body.Operation != "":
		decision, err = h.engine.CheckOperation(r.Context(), actor, body.PatientID, body.Operation)
	default:
		err = types.NewError(types.KindValidation, "scope or operation is required")
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if decision.Grant != nil {
		w.Header().Set(GrantValidUntilHeader, decision.Grant.ValidTo.UTC().Format(time.RFC3339))
		w.Header().Set(GrantScopesHeader, strings.Join(scopeStrings(decision.Grant.Scopes), ","))
	}
	h.writeJSON(w, http.StatusOK, decision)
}

func (h *Handler) handleListAuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, ok := h.paging(w, r)
	if !ok {
		return
	}
	actor, _ := ActorFromContext(r.Context())
	res, err := h.engine.ListAuditLogs(r.Context(), actor, types.AuditLogFilters{
		PatientID: q.Get("patient_id"),
		Action:    types.AuditAction(q.Get("action")),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"results": res, "count": len(res)})
}

func (h *Handler) handleVerifyAuditChain(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	report, err := h.engine.VerifyAuditChain(r.Context(), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

type verifyOTPBody struct {
	AccessRequestID string `json:"access_request_id"`
	Code            string `json:"otp_code"`
}

func (h *Handler) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var body verifyOTPBody
	if !h.decode(w, r, &body) {
		return
	}
	if body.AccessRequestID == "" || body.Code == "" {
		h.writeError(w, r, types.NewError(types.KindValidation, "access_request_id and otp_code are required"))
		return
	}
	grant, err := h.engine.ApproveViaOTP(r.Context(), body.AccessRequestID, body.Code, h.patientResponder(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, grant)
}

func (h *Handler) handlePatientRequest(w http.ResponseWriter, r *http.Request) {
	patientID, ok := h.requirePatient(w, r)
	if !ok {
		return
	}
	res, err := h.engine.GetPatientRequest(r.Context(), patientID, mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handlePatientDeny(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requirePatient(w, r); !ok {
		return
	}
	var body reasonBody
	if !h.decodeOptional(w, r, &body) {
		return
	}
	req, err := h.engine.DenyRequest(r.Context(), mux.Vars(r)["id"], h.patientResponder(r), body.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"status": req.Status, "id": req.ID})
}

func (h *Handler) handlePatientGrants(w http.ResponseWriter, r *http.Request) {
	patientID, ok := h.requirePatient(w, r)
	if !ok {
		return
	}
	res, err := h.engine.ListPatientGrants(r.Context(), patientID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"results": res, "count": len(res)})
}

func (h *Handler) handlePatientWhitelist(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requirePatient(w, r); !ok {
		return
	}
	var body whitelistBody
	if !h.decode(w, r, &body) {
		return
	}
	grant, err := h.engine.CreateWhitelistGrant(r.Context(), h.patientResponder(r), body.input())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, grant)
}

func (h *Handler) handlePatientRevoke(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requirePatient(w, r); !ok {
		return
	}
	var body reasonBody
	if !h.decodeOptional(w, r, &body) {
		return
	}
	grant, err := h.engine.RevokeGrant(r.Context(), mux.Vars(r)["id"], h.patientResponder(r), body.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "revoked", "grant": grant})
}

func (h *Handler) patientResponder(r *http.Request) Responder {
	return Responder{
		PatientID: patientFromContext(r.Context()),
		Meta:      AuditMeta{IPAddress: h.proxies.ClientIP(r), UserAgent: r.UserAgent()},
	}
}

func (h *Handler) requirePatient(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := patientFromContext(r.Context())
	if id == "" {
		h.writeError(w, r, types.NewError(types.KindValidation, ChannelUserIDHeader+" header is required"))
		return "", false
	}
	return id, true
}

func (h *Handler) paging(w http.ResponseWriter, r *http.Request) (int, int, bool) {
	q := r.URL.Query()
	limit, offset := 0, 0
	var err error
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			h.writeError(w, r, types.NewError(types.KindValidation, "limit must be a non-negative integer"))
			return 0, 0, false
		}
	}
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			h.writeError(w, r, types.NewError(types.KindValidation, "offset must be a non-negative integer"))
			return 0, 0, false
		}
	}
	return limit, offset, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		h.writeError(w, r, types.NewErrorWithCause(types.KindValidation, "invalid request body", err))
		return false
	}
	return true
}

// decodeOptional accepts an empty body
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, r, types.NewErrorWithCause(types.KindValidation, "invalid request body", err))
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

// errorBody is the JSON shape of every error response
type errorBody struct {
	Error          types.ErrorKind        `json:"error"`
	Message        string                 `json:"message"`
	ResetInSeconds int64                  `json:"reset_in_seconds,omitempty"`
	Details        map[string]interface{} `json:"details,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	ce, ok := types.AsConsentError(err)
	if !ok {
		h.logger.WithContext(r.Context()).WithError(err).Error("Unhandled error")
		h.writeJSON(w, http.StatusInternalServerError, errorBody{
			Error:   types.KindInternal,
			Message: "internal server error",
		})
		return
	}

	body := errorBody{Error: ce.Kind, Message: ce.Message, Details: ce.Details}
	if ce.ResetIn > 0 {
		body.ResetInSeconds = int64((ce.ResetIn + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(body.ResetInSeconds, 10))
	}
	status := types.HTTPStatus(ce.Kind)
	if status >= http.StatusInternalServerError {
		h.logger.WithContext(r.Context()).WithError(err).Error("Request failed")
	}
	h.writeJSON(w, status, body)
}
