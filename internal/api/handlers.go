package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/raaihank/pii-guard/internal/entity"
	"github.com/raaihank/pii-guard/internal/guard"
	"github.com/raaihank/pii-guard/internal/policy"
	"go.uber.org/zap"
)

type scanRequest struct {
	Text            string `json:"text"`
	TenantID        string `json:"tenant_id"`
	DetectionMethod string `json:"detection_method"`
}

type scanResponse struct {
	Detections []entity.Detection `json:"detections"`
}

type applyRequest struct {
	Text            string `json:"text"`
	TenantID        string `json:"tenant_id"`
	SessionID       string `json:"session_id"`
	DetectionMethod string `json:"detection_method"`
	Mode            string `json:"mode"`
	Threshold       string `json:"threshold"`
}

type applyResponse struct {
	MaskedText string             `json:"masked_text"`
	Redactions map[string]int     `json:"redactions"`
	SessionID  string             `json:"session_id"`
	Mode       string             `json:"mode"`
	Detections []entity.Detection `json:"detections,omitempty"`
}

type reidentifyRequest struct {
	Pseudonym string `json:"pseudonym"`
	SessionID string `json:"session_id"`
	TenantID  string `json:"tenant_id"`
}

type reidentifyResponse struct {
	Original string `json:"original"`
}

type errorResponse struct {
	Error      string `json:"error"`
	Violations int    `json:"violations,omitempty"`
}

// handleScan runs detection only
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if !s.decode(w, r, &req) {
		return
	}
	tenantID := tenantFrom(r, req.TenantID)
	if !s.allow(w, r, tenantID) {
		return
	}
	method, err := entity.ParseMethod(req.DetectionMethod)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	detections, err := s.guard.Scan(r.Context(), guard.ScanRequest{
		Text:     req.Text,
		TenantID: tenantID,
		Method:   method,
	})
	if err != nil {
		s.writeGuardError(w, r, err)
		return
	}
	if detections == nil {
		detections = []entity.Detection{}
	}
	writeJSON(w, http.StatusOK, scanResponse{Detections: detections})
}

// handleApply runs the full pipeline
func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if !s.decode(w, r, &req) {
		return
	}

	applyReq := guard.ApplyRequest{
		Text:      req.Text,
		TenantID:  tenantFrom(r, req.TenantID),
		SessionID: req.SessionID,
	}
	if !s.allow(w, r, applyReq.TenantID) {
		return
	}

	method, err := entity.ParseMethod(req.DetectionMethod)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	applyReq.Method = method

	if req.Mode != "" {
		mode, err := policy.ParseMode(req.Mode)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		applyReq.Mode = &mode
	}
	if req.Threshold != "" {
		threshold, err := entity.ParseConfidence(req.Threshold)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		applyReq.Threshold = &threshold
	}

	result, err := s.guard.Apply(r.Context(), applyReq)
	if err != nil {
		s.writeGuardError(w, r, err)
		return
	}

	resp := applyResponse{
		MaskedText: result.MaskedText,
		Redactions: result.Redactions,
		SessionID:  result.SessionID,
		Mode:       string(result.Mode),
	}
	if result.Mode == policy.ModeDetect {
		resp.Detections = result.Detections
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleReidentify reverses one replacement
func (s *Server) handleReidentify(w http.ResponseWriter, r *http.Request) {
	var req reidentifyRequest
	if !s.decode(w, r, &req) {
		return
	}
	tenantID := tenantFrom(r, req.TenantID)
	if !s.allow(w, r, tenantID) {
		return
	}

	if err := s.authorizer.AuthorizeReidentify(r, tenantID, req.SessionID); err != nil {
		s.logger.Warn("Reidentify refused",
			zap.String("request_id", getRequestID(r.Context())),
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
		writeError(w, http.StatusForbidden, "reidentify not permitted")
		return
	}

	original, err := s.guard.Reidentify(r.Context(), req.Pseudonym, req.SessionID)
	if err != nil {
		s.writeGuardError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reidentifyResponse{Original: original})
}

// handleFlush discards a session
func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, tenantFrom(r, "")) {
		return
	}
	sessionID := mux.Vars(r)["id"]
	if err := s.guard.Flush(r.Context(), sessionID); err != nil {
		s.writeGuardError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleInfo handles info requests
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	pol := s.guard.Policy()
	info := map[string]interface{}{
		"name":              "pii-guard",
		"version":           Version,
		"mode":              string(pol.Mode()),
		"requested_mode":    string(pol.RequestedMode()),
		"threshold":         pol.Threshold().String(),
		"masking_available": s.guard.MaskingAvailable(),
		"session_backend":   s.config.Session.Backend,
		"uptime":            time.Since(s.started).Round(time.Second).String(),
	}
	if s.rules != nil {
		info["detectors"] = s.rules.GetEnabledRules()
	}
	if s.hub != nil {
		info["websocket_clients"] = s.hub.GetStats().ActiveConnections
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// writeGuardError maps guard errors onto status codes. Error strings never
// contain request text.
func (s *Server) writeGuardError(w http.ResponseWriter, r *http.Request, err error) {
	var violation *policy.ViolationError
	switch {
	case errors.As(err, &violation):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error:      policy.ErrPolicyViolation.Error(),
			Violations: violation.Count,
		})
	case errors.Is(err, policy.ErrOverrideRejected):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, guard.ErrTenantRequired),
		errors.Is(err, guard.ErrSessionRequired),
		errors.Is(err, guard.ErrInvalidPseudonym):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, guard.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error("Guard operation failed",
			zap.String("request_id", getRequestID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func tenantFrom(r *http.Request, bodyTenant string) string {
	if bodyTenant != "" {
		return bodyTenant
	}
	return r.Header.Get(TenantHeader)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
