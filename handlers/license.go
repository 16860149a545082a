package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"glowbridge.app/cloud/internal/logger"
	"glowbridge.app/cloud/internal/version"
	"glowbridge.app/cloud/keys"
	"glowbridge.app/cloud/license"
	"glowbridge.app/cloud/models"
	"glowbridge.app/cloud/storage"
)

type IssueResponse struct {
	Entitlement *models.Entitlement `json:"entitlement"`
	Token       *models.SignedToken `json:"token"`
}

// IssueLicense is the manual-grant path used by the dashboard. Subscription
// grants arrive through the Stripe webhook instead.
func (s *Server) IssueLicense(w http.ResponseWriter, r *http.Request) {
	var req license.GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, models.CodeMalformedPayload, "invalid request body")
		return
	}

	ent, token, err := s.Issuer.Issue(r.Context(), req)
	if err != nil {
		if errors.Is(err, keys.ErrUnavailable) {
			writeErrorResponse(w, http.StatusInternalServerError, models.CodeKeyUnavailable, "signing service unavailable")
			return
		}
		logger.Error("Issue failed", map[string]interface{}{
			"error":      err.Error(),
			"subject":    req.Subject,
			"product_id": req.ProductID,
		})
		writeErrorResponse(w, http.StatusBadRequest, models.CodeMalformedPayload, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, IssueResponse{Entitlement: ent, Token: token})
}

type ValidateRequest struct {
	Token      *models.SignedToken `json:"token"`
	DeviceID   string              `json:"device_id,omitempty"`
	DeviceName string              `json:"device_name,omitempty"`
	AppVersion string              `json:"app_version,omitempty"`
}

type ValidateResponse struct {
	Valid     bool        `json:"valid"`
	Code      models.Code `json:"code,omitempty"`
	Message   string      `json:"message,omitempty"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty"`
}

// ValidateLicense runs the full verification protocol. The response always
// carries the tagged failure kind: clients prompt for re-purchase, device
// management, or re-auth depending on which one it is.
func (s *Server) ValidateLicense(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == nil {
		writeErrorResponse(w, http.StatusBadRequest, models.CodeMalformedPayload, "invalid request body")
		return
	}

	// Payload version gates app compatibility before any crypto.
	if req.AppVersion != "" {
		compatible, err := version.IsCompatible(req.Token.License.Version, req.AppVersion)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, models.CodeMalformedPayload, "invalid app version format")
			return
		}
		if !compatible {
			writeJSON(w, http.StatusOK, ValidateResponse{
				Valid:   false,
				Code:    models.CodeMalformedPayload,
				Message: "license version not supported by this app version",
			})
			return
		}
	}

	result, err := s.Verifier.Validate(r.Context(), req.Token, req.DeviceID, req.DeviceName)
	if err != nil {
		logger.Error("Validation infrastructure failure", map[string]interface{}{
			"error":          err.Error(),
			"entitlement_id": req.Token.License.LicenseID,
		})
		writeErrorResponse(w, http.StatusInternalServerError, "", "internal server error")
		return
	}

	resp := ValidateResponse{
		Valid:   result.Valid,
		Code:    result.Code,
		Message: result.Message,
	}
	if result.Valid {
		resp.Message = "License valid"
		resp.ExpiresAt = req.Token.License.ExpiresAt
	}
	writeJSON(w, http.StatusOK, resp)
}

type ActivateRequest struct {
	Token      *models.SignedToken `json:"token"`
	DeviceID   string              `json:"device_id"`
	DeviceName string              `json:"device_name,omitempty"`
}

type ActivateResponse struct {
	Valid   bool           `json:"valid"`
	Code    models.Code    `json:"code,omitempty"`
	Message string         `json:"message,omitempty"`
	Device  *models.Device `json:"device,omitempty"`
}

// ActivateLicense is validation plus an explicit device bind: first use
// binds, re-activation refreshes last_seen.
func (s *Server) ActivateLicense(w http.ResponseWriter, r *http.Request) {
	var req ActivateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == nil {
		writeErrorResponse(w, http.StatusBadRequest, models.CodeMalformedPayload, "invalid request body")
		return
	}
	if req.DeviceID == "" {
		writeErrorResponse(w, http.StatusBadRequest, models.CodeMalformedPayload, "device_id required")
		return
	}

	result, err := s.Verifier.Validate(r.Context(), req.Token, req.DeviceID, req.DeviceName)
	if err != nil {
		logger.Error("Activation infrastructure failure", map[string]interface{}{
			"error":          err.Error(),
			"entitlement_id": req.Token.License.LicenseID,
			"device_id":      req.DeviceID,
		})
		writeErrorResponse(w, http.StatusInternalServerError, "", "internal server error")
		return
	}

	resp := ActivateResponse{Valid: result.Valid, Code: result.Code, Message: result.Message}
	if result.Valid {
		resp.Message = "Device activated"
		if dev, err := s.Storage.FindDevice(r.Context(), req.Token.License.LicenseID, req.DeviceID); err == nil {
			resp.Device = dev
		}
		logger.Info("Device activated", map[string]interface{}{
			"entitlement_id": req.Token.License.LicenseID,
			"device_id":      req.DeviceID,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type DeactivateRequest struct {
	EntitlementID string `json:"entitlement_id"`
	DeviceID      string `json:"device_id"`
}

type DeactivateResponse struct {
	Success bool        `json:"success"`
	Code    models.Code `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

// DeactivateLicense unbinds a device. The dashboard calls this on behalf of
// owners for device management.
func (s *Server) DeactivateLicense(w http.ResponseWriter, r *http.Request) {
	var req DeactivateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, models.CodeMalformedPayload, "invalid request body")
		return
	}
	if req.EntitlementID == "" || req.DeviceID == "" {
		writeErrorResponse(w, http.StatusBadRequest, models.CodeMalformedPayload, "entitlement_id and device_id required")
		return
	}

	err := s.Storage.UnbindDevice(r.Context(), req.EntitlementID, req.DeviceID)
	if errors.Is(err, storage.ErrNotBound) {
		writeJSON(w, http.StatusOK, DeactivateResponse{
			Success: false,
			Code:    models.CodeDeviceNotBound,
			Message: "device not bound to this entitlement",
		})
		return
	}
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "", "internal server error")
		return
	}

	logger.Info("Device unbound", map[string]interface{}{
		"entitlement_id": req.EntitlementID,
		"device_id":      req.DeviceID,
	})
	writeJSON(w, http.StatusOK, DeactivateResponse{Success: true})
}

// ListDevices returns bindings newest-seen first.
func (s *Server) ListDevices(w http.ResponseWriter, r *http.Request) {
	entitlementID := chi.URLParam(r, "id")

	devices, err := s.Storage.ListDevices(r.Context(), entitlementID)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "", "internal server error")
		return
	}
	if devices == nil {
		devices = []*models.Device{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entitlement_id": entitlementID,
		"devices":        devices,
	})
}

type RevokeRequest struct {
	EntitlementID string `json:"entitlement_id"`
	Reason        string `json:"reason,omitempty"`
}

// RevokeLicense appends to the ledger and drops live sessions. Re-revoking
// is a no-op by design; revocation never un-happens.
func (s *Server) RevokeLicense(w http.ResponseWriter, r *http.Request) {
	var req RevokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EntitlementID == "" {
		writeErrorResponse(w, http.StatusBadRequest, models.CodeMalformedPayload, "entitlement_id required")
		return
	}

	if err := s.Storage.Revoke(r.Context(), req.EntitlementID, req.Reason); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "", "internal server error")
		return
	}

	dropped := s.Sessions.RevokeEntitlement(req.EntitlementID)
	logger.Info("Entitlement revoked", map[string]interface{}{
		"entitlement_id":   req.EntitlementID,
		"reason":           req.Reason,
		"sessions_dropped": dropped,
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{"revoked": true})
}

// ListRevocations serves the CRL-style feed. Clients cache it and pass
// their last-seen timestamp as ?since= to diff.
func (s *Server) ListRevocations(w http.ResponseWriter, r *http.Request) {
	since := time.Time{}
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, models.CodeMalformedPayload, "since must be RFC3339")
			return
		}
		since = parsed
	}

	records, err := s.Storage.ListRevoked(r.Context(), since)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "", "internal server error")
		return
	}
	if records == nil {
		records = []*models.RevocationRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"revocations": records,
		"as_of":       time.Now().UTC(),
	})
}

// PublicKey exposes the active verification key for clients that validate
// offline.
func (s *Server) PublicKey(w http.ResponseWriter, r *http.Request) {
	kid := s.Keys.ActiveKeyID()
	pem, err := s.Keys.PublicKeyPEM(kid)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, models.CodeKeyUnavailable, "signing service unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key_id":     kid,
		"public_key": pem,
		"format":     "pem",
	})
}
