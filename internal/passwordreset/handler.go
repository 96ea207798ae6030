package passwordreset

import (
	"encoding/json"
	"net/http"
	"strings"

	"tenant-auth/internal/apperr"
	"tenant-auth/internal/observability"
)

const maxJSONBodyBytes = 1 << 20

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type requestBody struct {
	Email      string `json:"email"`
	TenantCode string `json:"tenant_code"`
}

type tokenBody struct {
	Token string `json:"token"`
}

type confirmBody struct {
	Token           string `json:"token"`
	NewPassword     string `json:"new_password"`
	ConfirmPassword string `json:"confirm_password"`
}

func (h *Handler) Request(w http.ResponseWriter, r *http.Request) {
	var body requestBody
	if !decodeJSON(w, r, &body) {
		return
	}

	message, err := h.service.Request(r.Context(), body.Email, body.TenantCode, observability.ClientIP(r), r.UserAgent())
	if err != nil {
		apperr.WriteError(w, err)
		return
	}

	apperr.WriteJSON(w, http.StatusOK, map[string]string{"message": message})
}

// Validate reads the token from the query string, falling back to a JSON body.
func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("token"))
	if raw == "" && r.ContentLength != 0 {
		var body tokenBody
		if !decodeJSON(w, r, &body) {
			return
		}
		raw = body.Token
	}

	result, err := h.service.Validate(r.Context(), raw)
	if err != nil {
		apperr.WriteError(w, err)
		return
	}

	apperr.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	var body confirmBody
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.Confirm(r.Context(), body.Token, body.NewPassword, body.ConfirmPassword); err != nil {
		apperr.WriteError(w, err)
		return
	}

	apperr.WriteJSON(w, http.StatusOK, map[string]string{"message": ConfirmedMessage})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		apperr.WriteError(w, apperr.Validation("invalid json body"))
		return false
	}
	return true
}
