package auth

import (
	"encoding/json"
	"mime"
	"net/http"
	"regexp"
	"strings"

	"tenant-auth/internal/apperr"
	"tenant-auth/internal/observability"
	"tenant-auth/internal/token"
	"tenant-auth/internal/tokenstore"
)

var emailRegex = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

const (
	maxJSONBodyBytes  = 1 << 20
	maxEmailLength    = 254
	maxPasswordLength = 200

	grantClientCredentials = "client_credentials"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type loginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	TenantCode string `json:"tenant_code"`
	RememberMe bool   `json:"remember_me"`
}

type clientCredentialsRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	TenantID     string `json:"tenant_id"`
	Scope        string `json:"scope"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type revokeRequest struct {
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
}

type logoutRequest struct {
	RevokeAllDevices bool `json:"revoke_all_devices"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.Email = strings.TrimSpace(body.Email)
	body.TenantCode = strings.TrimSpace(body.TenantCode)
	if len(body.Email) > maxEmailLength || !emailRegex.MatchString(body.Email) {
		apperr.WriteError(w, apperr.Validation("email format is invalid"))
		return
	}
	if body.Password == "" || len(body.Password) > maxPasswordLength {
		apperr.WriteError(w, apperr.Validation("password format is invalid"))
		return
	}
	if body.TenantCode == "" {
		apperr.WriteError(w, apperr.Validation("tenant_code is required"))
		return
	}

	pair, err := h.service.Login(r.Context(), Credentials{
		Email:      body.Email,
		Password:   body.Password,
		TenantCode: body.TenantCode,
		RememberMe: body.RememberMe,
	}, DeviceFromRequest(r))
	if err != nil {
		apperr.WriteError(w, err)
		return
	}

	apperr.WriteJSON(w, http.StatusOK, pair)
}

// Token is the client-credentials grant. It accepts form or JSON bodies and
// client credentials in HTTP Basic auth.
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	var body clientCredentialsRequest

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" {
		r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
		if err := r.ParseForm(); err != nil {
			apperr.WriteError(w, apperr.Validation("invalid form body"))
			return
		}
		body = clientCredentialsRequest{
			GrantType:    r.PostForm.Get("grant_type"),
			ClientID:     r.PostForm.Get("client_id"),
			ClientSecret: r.PostForm.Get("client_secret"),
			TenantID:     r.PostForm.Get("tenant_id"),
			Scope:        r.PostForm.Get("scope"),
		}
	} else if !decodeJSON(w, r, &body) {
		return
	}

	if id, secret, ok := r.BasicAuth(); ok {
		body.ClientID, body.ClientSecret = id, secret
	}
	if body.GrantType != "" && body.GrantType != grantClientCredentials {
		apperr.WriteError(w, apperr.Validation("unsupported grant_type"))
		return
	}

	pair, err := h.service.ServiceAccountLogin(r.Context(), body.ClientID, body.ClientSecret, body.TenantID, body.Scope)
	if err != nil {
		apperr.WriteError(w, err)
		return
	}

	apperr.WriteJSON(w, http.StatusOK, pair)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.RefreshToken = strings.TrimSpace(body.RefreshToken)
	if body.RefreshToken == "" {
		apperr.WriteError(w, apperr.Validation("refresh_token is required"))
		return
	}

	pair, err := h.service.Refresh(r.Context(), body.RefreshToken, DeviceFromRequest(r))
	if err != nil {
		apperr.WriteError(w, err)
		return
	}

	apperr.WriteJSON(w, http.StatusOK, pair)
}

func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	var body revokeRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	kind := token.KindAccess
	if hint := strings.TrimSpace(body.TokenType); hint != "" {
		parsed, ok := token.ParseKind(hint)
		if !ok {
			apperr.WriteError(w, apperr.Validation("token_type must be access or refresh"))
			return
		}
		kind = parsed
	}

	if err := h.service.Revoke(r.Context(), body.Token, kind); err != nil {
		apperr.WriteError(w, err)
		return
	}

	apperr.WriteJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	raw, ok := BearerToken(r)
	if !ok {
		apperr.WriteError(w, apperr.Authentication("missing authorization token"))
		return
	}

	var body logoutRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.Logout(r.Context(), raw, body.RevokeAllDevices); err != nil {
		apperr.WriteError(w, err)
		return
	}

	apperr.WriteJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	raw, ok := BearerToken(r)
	if !ok {
		apperr.WriteJSON(w, http.StatusUnauthorized, ValidationResult{Valid: false})
		return
	}

	result := h.service.Validate(r.Context(), raw)
	if !result.Valid {
		apperr.WriteJSON(w, http.StatusUnauthorized, result)
		return
	}

	apperr.WriteJSON(w, http.StatusOK, result)
}

// DeviceFromRequest collects the device details stored with refresh records.
func DeviceFromRequest(r *http.Request) tokenstore.DeviceInfo {
	platform := strings.TrimSpace(r.Header.Get("X-Client-Platform"))
	if platform == "" {
		platform = strings.Trim(r.Header.Get("Sec-CH-UA-Platform"), `" `)
	}
	return tokenstore.DeviceInfo{
		IP:        observability.ClientIP(r),
		UserAgent: r.UserAgent(),
		Platform:  platform,
	}.Clean()
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
