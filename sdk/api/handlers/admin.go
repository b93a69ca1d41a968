package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	coreauth "github.com/aigatewayhq/upstream-gateway/sdk/cliproxy/auth"
)

// AdminStore is the subset of the Account Store the account-management
// endpoints need.
type AdminStore interface {
	ListAll(ctx context.Context) ([]*coreauth.Auth, error)
	GetByID(ctx context.Context, provider, id string) (*coreauth.Auth, error)
	UpdateStatus(ctx context.Context, provider, id string, status coreauth.Status) error
}

// AdminHandler exposes the admin account-management endpoints spec's
// external interfaces section calls for, gated by AdminAuth.
type AdminHandler struct {
	store AdminStore
}

// NewAdmin constructs an AdminHandler.
func NewAdmin(store AdminStore) *AdminHandler {
	return &AdminHandler{store: store}
}

type accountView struct {
	ID          string `json:"id"`
	Provider    string `json:"provider"`
	UserID      string `json:"user_id"`
	Label       string `json:"label"`
	Shared      bool   `json:"shared"`
	Status      string `json:"status"`
	NeedsReauth bool   `json:"needs_reauth"`
}

func toAccountView(a *coreauth.Auth) accountView {
	return accountView{
		ID:          a.ID,
		Provider:    a.Provider,
		UserID:      a.UserID,
		Label:       a.Label,
		Shared:      a.Shared,
		Status:      string(a.Status),
		NeedsReauth: a.NeedsReauth,
	}
}

// ListAccounts handles GET /admin/accounts, optionally filtered by
// ?provider=.
func (h *AdminHandler) ListAccounts(c *gin.Context) {
	accounts, err := h.store.ListAll(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	filterProvider := c.Query("provider")
	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		if filterProvider != "" && a.Provider != filterProvider {
			continue
		}
		views = append(views, toAccountView(a))
	}
	c.JSON(http.StatusOK, gin.H{"accounts": views})
}

// GetAccount handles GET /admin/accounts/:provider/:id.
func (h *AdminHandler) GetAccount(c *gin.Context) {
	provider := c.Param("provider")
	id := c.Param("id")
	a, err := h.store.GetByID(c.Request.Context(), provider, id)
	if err != nil {
		writeError(c, http.StatusNotFound, "not_found", err.Error())
		return
	}
	c.JSON(http.StatusOK, toAccountView(a))
}

type setStatusRequest struct {
	Status string `json:"status"`
}

// SetAccountStatus handles POST /admin/accounts/:provider/:id/status,
// enabling or disabling an account by hand (spec's disableAccount mutation,
// exposed for operator-driven recovery after an account comes back online).
func (h *AdminHandler) SetAccountStatus(c *gin.Context) {
	provider := c.Param("provider")
	id := c.Param("id")
	var req setStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request_error", "invalid request body")
		return
	}
	status := coreauth.Status(req.Status)
	if status != coreauth.StatusEnabled && status != coreauth.StatusDisabled {
		writeError(c, http.StatusBadRequest, "invalid_request_error", "status must be enabled or disabled")
		return
	}
	if err := h.store.UpdateStatus(c.Request.Context(), provider, id, status); err != nil {
		writeError(c, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "provider": provider, "status": string(status)})
}
