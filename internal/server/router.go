package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/castmirror/castmirror/backend/internal/auth"
	"github.com/castmirror/castmirror/backend/internal/catalog"
	"github.com/castmirror/castmirror/backend/internal/devices"
	"github.com/castmirror/castmirror/backend/internal/ingest"
	"github.com/castmirror/castmirror/backend/internal/subscriptions"
)

const userIDContextKey = "castmirror_user_id"

var (
	errMissingSessionValidator   = errors.New("session validator dependency required")
	errMissingDeviceManager      = errors.New("device manager dependency required")
	errMissingIngestService      = errors.New("ingest service dependency required")
	errMissingSubscriptionLayer  = errors.New("subscription service dependency required")
	errInvalidSinceParameter     = errors.New("since parameter missing or invalid")
	errInvalidSynchronizePayload = errors.New("synchronize payload invalid")
)

// SessionValidator verifies the session credential attached to a request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// Dependencies wires the HTTP layer to the domain services.
type Dependencies struct {
	Sessions      SessionValidator
	Devices       *devices.Manager
	Ingest        *ingest.Service
	Subscriptions *subscriptions.Service
	Logger        *zap.Logger
}

// NewHTTPHandler builds the API router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Devices == nil {
		return nil, errMissingDeviceManager
	}
	if deps.Ingest == nil {
		return nil, errMissingIngestService
	}
	if deps.Subscriptions == nil {
		return nil, errMissingSubscriptionLayer
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		sessions:      deps.Sessions,
		devices:       deps.Devices,
		ingest:        deps.Ingest,
		subscriptions: deps.Subscriptions,
		logger:        logger,
	}

	api := router.Group("/api/2")
	api.Use(handler.authorizeRequest)
	api.GET("/subscriptions/:device", handler.handleSubscriptionChanges)
	api.POST("/subscriptions/:device", handler.handleSubscriptionUpload)
	api.PUT("/subscriptions/:device", handler.handleSubscriptionReplace)
	api.GET("/episodes", handler.handleEpisodeActionsDownload)
	api.POST("/episodes", handler.handleEpisodeActionsUpload)
	api.GET("/sync-devices", handler.handleSyncStatus)
	api.POST("/sync-devices", handler.handleSyncDevices)
	api.POST("/devices/:device", handler.handleDeviceUpdate)

	return router, nil
}

type httpHandler struct {
	sessions      SessionValidator
	devices       *devices.Manager
	ingest        *ingest.Service
	subscriptions *subscriptions.Service
	logger        *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Warn("session validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Next()
}

func (h *httpHandler) userID(c *gin.Context) string {
	return c.GetString(userIDContextKey)
}

// parseSince reads the mandatory since query parameter, a unix timestamp in
// seconds.
func parseSince(c *gin.Context) (time.Time, error) {
	raw, present := c.GetQuery("since")
	if !present {
		return time.Time{}, errInvalidSinceParameter
	}
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seconds < 0 {
		return time.Time{}, errInvalidSinceParameter
	}
	return time.Unix(seconds, 0).UTC(), nil
}

type subscriptionChangesResponse struct {
	Add       []string `json:"add"`
	Remove    []string `json:"remove"`
	Timestamp int64    `json:"timestamp"`
}

func (h *httpHandler) handleSubscriptionChanges(c *gin.Context) {
	since, err := parseSince(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
		return
	}

	client, err := h.devices.ByUID(c.Request.Context(), h.devices.DB(), h.userID(c), c.Param("device"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	until := time.Now().UTC().Truncate(time.Second)
	add, remove, cursor, err := h.subscriptions.DeviceChanges(c.Request.Context(), client, since, until)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, subscriptionChangesResponse{
		Add:       add,
		Remove:    remove,
		Timestamp: cursor.Unix(),
	})
}

type subscriptionUploadPayload struct {
	Add    []string `json:"add"`
	Remove []string `json:"remove"`
}

type uploadResponse struct {
	Timestamp  int64       `json:"timestamp"`
	UpdateURLs [][2]string `json:"update_urls"`
}

func buildUploadResponse(result ingest.UploadResult) uploadResponse {
	pairs := make([][2]string, 0, len(result.UpdatedURLs))
	for _, updated := range result.UpdatedURLs {
		pairs = append(pairs, [2]string{updated.Old, updated.New})
	}
	return uploadResponse{Timestamp: result.Timestamp.Unix(), UpdateURLs: pairs}
}

func (h *httpHandler) handleSubscriptionUpload(c *gin.Context) {
	var payload subscriptionUploadPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.ingest.UpdateDeviceSubscriptions(
		c.Request.Context(), h.userID(c), c.Param("device"), c.Request.UserAgent(),
		payload.Add, payload.Remove)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, buildUploadResponse(result))
}

func (h *httpHandler) handleSubscriptionReplace(c *gin.Context) {
	var urls []string
	if err := c.ShouldBindJSON(&urls); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.ingest.ReplaceDeviceSubscriptions(
		c.Request.Context(), h.userID(c), c.Param("device"), c.Request.UserAgent(), urls)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, buildUploadResponse(result))
}

type episodeActionsResponse struct {
	Actions   []ingest.ActionRecord `json:"actions"`
	Timestamp int64                 `json:"timestamp"`
}

func (h *httpHandler) handleEpisodeActionsDownload(c *gin.Context) {
	since, err := parseSince(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
		return
	}

	result, err := h.ingest.DownloadEpisodeActions(c.Request.Context(), ingest.FeedQuery{
		UserID:     h.userID(c),
		PodcastURL: c.Query("podcast"),
		DeviceUID:  c.Query("device"),
		Since:      since,
		Aggregated: c.Query("aggregated") == "true",
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	actions := result.Actions
	if actions == nil {
		actions = []ingest.ActionRecord{}
	}
	c.JSON(http.StatusOK, episodeActionsResponse{
		Actions:   actions,
		Timestamp: result.Timestamp.Unix(),
	})
}

func (h *httpHandler) handleEpisodeActionsUpload(c *gin.Context) {
	var payloads []ingest.ActionPayload
	if err := c.ShouldBindJSON(&payloads); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.ingest.UploadEpisodeActions(
		c.Request.Context(), h.userID(c), c.Request.UserAgent(), payloads)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, buildUploadResponse(result))
}

type syncStatusResponse struct {
	Synchronized    [][]string `json:"synchronized"`
	NotSynchronized []string   `json:"not-synchronized"`
}

func buildSyncStatusResponse(status devices.GroupedStatus) syncStatusResponse {
	response := syncStatusResponse{
		Synchronized:    status.Synchronized,
		NotSynchronized: status.NotSynchronized,
	}
	if response.Synchronized == nil {
		response.Synchronized = [][]string{}
	}
	if response.NotSynchronized == nil {
		response.NotSynchronized = []string{}
	}
	return response
}

func (h *httpHandler) handleSyncStatus(c *gin.Context) {
	status, err := h.devices.Status(c.Request.Context(), h.userID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, buildSyncStatusResponse(status))
}

type syncDevicesPayload struct {
	Synchronize     [][]string `json:"synchronize"`
	StopSynchronize []string   `json:"stop-synchronize"`
}

func (h *httpHandler) handleSyncDevices(c *gin.Context) {
	var payload syncDevicesPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	for _, group := range payload.Synchronize {
		if len(group) < 2 {
			c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidSynchronizePayload.Error()})
			return
		}
	}

	userID := h.userID(c)
	for _, group := range payload.Synchronize {
		anchor := group[0]
		for _, uid := range group[1:] {
			err := h.subscriptions.SyncDevices(c.Request.Context(), userID, anchor, uid)
			if err != nil {
				h.respondError(c, err)
				return
			}
		}
	}
	for _, uid := range payload.StopSynchronize {
		err := h.subscriptions.StopSyncDevice(c.Request.Context(), userID, uid)
		if errors.Is(err, devices.ErrNotGrouped) {
			// Stopping sync on an ungrouped device in a bulk request is a
			// no-op, not an error.
			continue
		}
		if err != nil {
			h.respondError(c, err)
			return
		}
	}

	status, err := h.devices.Status(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, buildSyncStatusResponse(status))
}

type deviceUpdatePayload struct {
	Caption string `json:"caption"`
	Type    string `json:"type"`
}

func (h *httpHandler) handleDeviceUpdate(c *gin.Context) {
	var payload deviceUpdatePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	clientType := devices.ClientType("")
	if payload.Type != "" {
		clientType = devices.NormalizeType(payload.Type)
	}
	_, err := h.devices.Update(
		c.Request.Context(), h.userID(c), c.Param("device"), c.Request.UserAgent(),
		payload.Caption, clientType)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// respondError maps domain sentinels onto HTTP statuses.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, devices.ErrDeviceNotFound), errors.Is(err, catalog.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, devices.ErrInvalidUID),
		errors.Is(err, devices.ErrSameDevice),
		errors.Is(err, ingest.ErrInvalidBatch),
		errors.Is(err, ingest.ErrAddRemoveConflict),
		errors.Is(err, catalog.ErrInvalidFeedURL):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, devices.ErrAlreadyGrouped), errors.Is(err, devices.ErrNotGrouped):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
