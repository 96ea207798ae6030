package directory

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"tenant-auth/internal/apperr"
	"tenant-auth/internal/observability"
	"tenant-auth/internal/token"
)

// Admin holds the administrative commands on user login state.
type Admin struct {
	store  Store
	logger *observability.Logger
	now    func() time.Time
}

func NewAdmin(store Store, logger *observability.Logger) *Admin {
	return &Admin{store: store, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Unlock clears the failed-login counter and any active lock. The actor must
// hold the admin scope in the user's tenant.
func (a *Admin) Unlock(ctx context.Context, actor *token.Claims, userID string) (User, error) {
	if actor == nil || actor.Kind != token.KindAccess {
		return User{}, apperr.Authentication("authentication required")
	}
	if !actor.HasScope(ScopeAdmin) {
		return User{}, apperr.Forbidden("insufficient scope")
	}

	user, err := ApplyLoginState(ctx, a.store, userID, func(current User) (LoginState, bool, error) {
		if current.TenantID != actor.TenantID {
			return LoginState{}, false, ErrNotFound
		}
		if current.Login.FailedCount == 0 && current.Login.LockedUntil == nil {
			return current.Login, false, nil
		}
		return current.Login.Unlocked(), true, nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, apperr.NotFound("user not found")
		}
		return User{}, apperr.Internal("unlock user", err)
	}

	a.logger.Info("user_unlocked", map[string]any{
		"user_id":   user.ID,
		"tenant_id": user.TenantID,
		"actor_id":  actor.Subject,
	})
	return user, nil
}

type Handler struct {
	admin *Admin
}

func NewHandler(admin *Admin) *Handler {
	return &Handler{admin: admin}
}

func (h *Handler) Unlock(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		apperr.WriteError(w, apperr.Validation("invalid user id"))
		return
	}

	claims, _ := token.ClaimsFromContext(r.Context())
	user, err := h.admin.Unlock(r.Context(), claims, id)
	if err != nil {
		apperr.WriteError(w, err)
		return
	}

	apperr.WriteJSON(w, http.StatusOK, map[string]any{
		"status":  "unlocked",
		"user_id": user.ID,
	})
}
