package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"glowbridge.app/cloud/internal/logger"
	"glowbridge.app/cloud/models"
	"glowbridge.app/cloud/session"
)

type LoginRequest struct {
	Subject   string `json:"subject"`
	ProductID string `json:"product_id"`
}

type LoginResponse struct {
	Session *models.Session     `json:"session"`
	Token   *models.SignedToken `json:"token"`
}

func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, models.CodeMalformedPayload, "invalid request body")
		return
	}
	if req.Subject == "" || req.ProductID == "" {
		writeErrorResponse(w, http.StatusBadRequest, models.CodeMalformedPayload, "subject and product_id required")
		return
	}

	// Origin limiting already ran; this one is keyed by subject so one
	// caller cannot burn the whole origin budget for everyone behind a NAT.
	if !s.allowSubject("session", req.Subject, w) {
		return
	}

	sess, token, err := s.Sessions.Login(r.Context(), req.Subject, req.ProductID)
	if err != nil {
		if errors.Is(err, session.ErrRevoked) {
			writeErrorResponse(w, http.StatusForbidden, models.CodeRevoked, "entitlement has been revoked")
			return
		}
		logger.Error("Login failed", map[string]interface{}{
			"error":   err.Error(),
			"subject": req.Subject,
		})
		writeErrorResponse(w, http.StatusInternalServerError, "", "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, LoginResponse{Session: sess, Token: token})
}

type RefreshRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) RefreshSession(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeErrorResponse(w, http.StatusBadRequest, models.CodeMalformedPayload, "session_id required")
		return
	}

	sess, err := s.Sessions.Refresh(r.Context(), req.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrRevoked) {
			writeErrorResponse(w, http.StatusForbidden, models.CodeRevoked, "entitlement has been revoked")
			return
		}
		writeErrorResponse(w, http.StatusUnauthorized, models.CodeExpired, "unknown or expired session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"session": sess})
}

type LogoutRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) Logout(w http.ResponseWriter, r *http.Request) {
	var req LogoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeErrorResponse(w, http.StatusBadRequest, models.CodeMalformedPayload, "session_id required")
		return
	}

	s.Sessions.Logout(req.SessionID)
	writeJSON(w, http.StatusOK, map[string]interface{}{"logged_out": true})
}
