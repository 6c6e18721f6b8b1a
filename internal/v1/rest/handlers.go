// Package rest serves the multiplayer session lifecycle over HTTP and
// forwards cloud-save and account traffic to the upstream Canvas64 API.
// Every response body is JSON; errors are always {"error": string}.
package rest

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/retroden/canvas64/backend/go/internal/v1/auth"
	"github.com/retroden/canvas64/backend/go/internal/v1/logging"
	"github.com/retroden/canvas64/backend/go/internal/v1/session"
	"github.com/retroden/canvas64/backend/go/pkg/retroapi"
)

// Handler serves the REST surface. upstream and validator are optional:
// a nil upstream disables the passthrough routes with 404s, a nil
// validator disables the bearer gate on /api/saves.
type Handler struct {
	registry  *session.Registry
	upstream  *retroapi.Client
	validator auth.TokenValidator
}

// NewHandler wires the REST surface to its dependencies.
func NewHandler(registry *session.Registry, upstream *retroapi.Client, validator auth.TokenValidator) *Handler {
	return &Handler{
		registry:  registry,
		upstream:  upstream,
		validator: validator,
	}
}

type createSessionRequest struct {
	HostName     string `json:"hostName"`
	AvatarURL    string `json:"avatarUrl"`
	RomID        string `json:"romId"`
	RomTitle     string `json:"romTitle"`
	VoiceEnabled bool   `json:"voiceEnabled"`
}

type joinSessionRequest struct {
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl"`
}

type closeSessionRequest struct {
	ClientID string `json:"clientId"`
}

type kickMemberRequest struct {
	ClientID       string `json:"clientId"`
	TargetClientID string `json:"targetClientId"`
}

// CreateSession handles POST /api/multiplayer/sessions. The caller becomes
// the host in slot 1 and receives the clientId that authorizes host-only
// actions for the life of the session.
func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	res, err := h.registry.Create(c.Request.Context(), session.CreateParams{
		HostName:     req.HostName,
		AvatarURL:    req.AvatarURL,
		RomID:        req.RomID,
		RomTitle:     req.RomTitle,
		VoiceEnabled: req.VoiceEnabled,
	})
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"code":     res.Code,
		"clientId": res.ClientID,
		"session":  res.Session,
	})
}

// JoinSession handles POST /api/multiplayer/sessions/:code/join.
func (h *Handler) JoinSession(c *gin.Context) {
	var req joinSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	res, err := h.registry.Join(c.Request.Context(), c.Param("code"), session.JoinParams{
		Name:      req.Name,
		AvatarURL: req.AvatarURL,
	})
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":     res.Code,
		"clientId": res.ClientID,
		"session":  res.Session,
	})
}

// GetSession handles GET /api/multiplayer/sessions/:code. A closed session
// still resolves during its grace window, with closed:true in the snapshot.
func (h *Handler) GetSession(c *gin.Context) {
	snap, err := h.registry.Lookup(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": snap})
}

// CloseSession handles POST /api/multiplayer/sessions/:code/close. Host only.
func (h *Handler) CloseSession(c *gin.Context) {
	var req closeSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if err := h.registry.Close(c.Request.Context(), c.Param("code"), session.ClientID(req.ClientID)); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": true})
}

// KickMember handles POST /api/multiplayer/sessions/:code/kick. Host only;
// the host cannot kick itself.
func (h *Handler) KickMember(c *gin.Context) {
	var req kickMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	err := h.registry.Kick(c.Request.Context(), c.Param("code"),
		session.ClientID(req.ClientID), session.ClientID(req.TargetClientID))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"kicked": true})
}

// renderError maps session sentinels to HTTP statuses. Validation detail is
// safe to echo; everything else answers with a fixed token so internals do
// not leak.
func (h *Handler) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, session.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, session.ErrRoomFull):
		c.JSON(http.StatusConflict, gin.H{"error": "room_full"})
	case errors.Is(err, session.ErrCapacityExhausted):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "capacity_exhausted"})
	default:
		logging.Error(c.Request.Context(), "unhandled session error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
	}
}
