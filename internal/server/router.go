package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tradewind/internal/entity"
	"github.com/MarcoPoloResearchLab/tradewind/internal/interactions"
	"github.com/MarcoPoloResearchLab/tradewind/internal/journal"
	"github.com/MarcoPoloResearchLab/tradewind/internal/mutation"
	"github.com/MarcoPoloResearchLab/tradewind/internal/notifications"
	"github.com/MarcoPoloResearchLab/tradewind/internal/pagination"
	"github.com/MarcoPoloResearchLab/tradewind/internal/realtime"
	"github.com/MarcoPoloResearchLab/tradewind/internal/store"
	"github.com/MarcoPoloResearchLab/tradewind/internal/syncerr"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	heartbeatInterval   = 25 * time.Second
	defaultJournalLimit = 50
)

var (
	errMissingStore        = errors.New("store dependency required")
	errMissingWindows      = errors.New("pagination manager dependency required")
	errMissingFetch        = errors.New("fetcher factory dependency required")
	errMissingInteractions = errors.New("interactions service dependency required")
	errMissingGrouper      = errors.New("notification grouper dependency required")
)

// FetcherFactory returns the page loader of a collection.
type FetcherFactory func(key pagination.CollectionKey) pagination.Fetcher

// MutationJournal lists recorded mutation transitions.
type MutationJournal interface {
	Recent(ctx context.Context, limit int) ([]journal.MutationRecord, error)
}

type Dependencies struct {
	Store          *store.Store
	Windows        *pagination.Manager
	Fetch          FetcherFactory
	Interactions   *interactions.Service
	Queue          *mutation.Queue
	Grouper        *notifications.Grouper
	Presence       *realtime.Presence
	Journal        MutationJournal
	Metrics        http.Handler
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the local API served to the UI process.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Windows == nil {
		return nil, errMissingWindows
	}
	if deps.Fetch == nil {
		return nil, errMissingFetch
	}
	if deps.Interactions == nil {
		return nil, errMissingInteractions
	}
	if deps.Grouper == nil {
		return nil, errMissingGrouper
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		store:        deps.Store,
		windows:      deps.Windows,
		fetch:        deps.Fetch,
		interactions: deps.Interactions,
		queue:        deps.Queue,
		grouper:      deps.Grouper,
		presence:     deps.Presence,
		journal:      deps.Journal,
		logger:       logger,
	}
	handler.changes = NewChangeFeed(handler.watchTopic)

	router.GET("/healthz", handler.handleHealth)

	router.GET("/collections/:key", handler.handleCollection)
	router.POST("/collections/:key/next", handler.handleNextPage)
	router.POST("/collections/:key/refresh", handler.handleRefresh)
	router.DELETE("/collections/:key", handler.handleCloseCollection)

	router.GET("/notifications/groups", handler.handleGroups)

	router.POST("/posts", handler.handlePublishPost)
	router.POST("/posts/:id/like", handler.handlePostAction(mutation.KindLike))
	router.POST("/posts/:id/save", handler.handlePostAction(mutation.KindSave))
	router.POST("/posts/:id/repost", handler.handlePostAction(mutation.KindRepost))

	router.POST("/chats/:chatId/messages", handler.handleSendMessage)
	router.GET("/chats/:chatId/typing", handler.handleTyping)
	router.POST("/messages/:id/reactions", handler.handleReaction)

	router.POST("/entities/:kind/:id/read", handler.handleMarkRead)
	router.POST("/entities/:kind/:id/pin", handler.handleFlag(mutation.KindPin))
	router.POST("/entities/:kind/:id/mute", handler.handleFlag(mutation.KindMute))
	router.POST("/entities/:kind/:id/archive", handler.handleFlag(mutation.KindArchive))

	router.GET("/changes", handler.handleChanges)
	router.GET("/debug/mutations", handler.handleDebugMutations)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	store        *store.Store
	windows      *pagination.Manager
	fetch        FetcherFactory
	interactions *interactions.Service
	queue        *mutation.Queue
	grouper      *notifications.Grouper
	presence     *realtime.Presence
	journal      MutationJournal
	changes      *ChangeFeed
	logger       *zap.Logger
}

type collectionPayload struct {
	Key           string          `json:"key"`
	Items         []entity.Entity `json:"items"`
	NextCursor    *string         `json:"nextCursor"`
	IsLoadingMore bool            `json:"isLoadingMore"`
	Exhausted     bool            `json:"exhausted"`
}

type groupsPayload struct {
	Groups      []notifications.Group `json:"groups"`
	UnreadTotal int                   `json:"unreadTotal"`
}

type mutationPayload struct {
	MutationID string          `json:"mutationId"`
	Kind       mutation.Kind   `json:"kind"`
	TargetKind entity.Kind     `json:"targetKind"`
	TargetID   entity.ID       `json:"targetId"`
	Status     mutation.Status `json:"status"`
	Error      string          `json:"error,omitempty"`
}

type postRequestPayload struct {
	Content     string              `json:"content"`
	Audience    entity.Audience     `json:"audience"`
	Attachments []entity.Attachment `json:"attachments"`
	Feeds       []string            `json:"feeds"`
}

type messageRequestPayload struct {
	ChatType    entity.ChatType     `json:"chatType"`
	Content     string              `json:"content"`
	Attachments []entity.Attachment `json:"attachments"`
}

type reactionRequestPayload struct {
	Reaction string `json:"reaction"`
}

type flagRequestPayload struct {
	Value *bool `json:"value"`
}

type typingPayload struct {
	ChatID string   `json:"chatId"`
	Users  []string `json:"users"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleCollection(c *gin.Context) {
	key, ok := h.collectionKey(c)
	if !ok {
		return
	}
	if window, open := h.windows.Window(key); open {
		c.JSON(http.StatusOK, h.hydrate(window))
		return
	}
	window, err := h.windows.FetchFirstPage(c.Request.Context(), key, h.fetch(key))
	if err != nil {
		h.writeError(c, "collection fetch failed", err)
		return
	}
	c.JSON(http.StatusOK, h.hydrate(window))
}

func (h *httpHandler) handleNextPage(c *gin.Context) {
	key, ok := h.collectionKey(c)
	if !ok {
		return
	}
	window, err := h.windows.FetchNextPage(c.Request.Context(), key, h.fetch(key))
	if err != nil {
		h.writeError(c, "next page fetch failed", err)
		return
	}
	c.JSON(http.StatusOK, h.hydrate(window))
}

func (h *httpHandler) handleRefresh(c *gin.Context) {
	key, ok := h.collectionKey(c)
	if !ok {
		return
	}
	window, err := h.windows.ReplaceFirstPage(c.Request.Context(), key, h.fetch(key))
	if err != nil {
		h.writeError(c, "collection refresh failed", err)
		return
	}
	c.JSON(http.StatusOK, h.hydrate(window))
}

func (h *httpHandler) handleCloseCollection(c *gin.Context) {
	key, ok := h.collectionKey(c)
	if !ok {
		return
	}
	h.windows.Unsubscribe(key)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleGroups(c *gin.Context) {
	groups := h.grouper.Groups()
	c.JSON(http.StatusOK, groupsPayload{Groups: groups, UnreadTotal: notifications.UnreadTotal(groups)})
}

func (h *httpHandler) handlePostAction(kind mutation.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := entity.NewID(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
			return
		}
		ctx := c.Request.Context()
		var handle *mutation.Handle
		switch kind {
		case mutation.KindLike:
			handle, err = h.interactions.ToggleLike(ctx, id)
		case mutation.KindSave:
			handle, err = h.interactions.ToggleSave(ctx, id)
		default:
			handle, err = h.interactions.Repost(ctx, id)
		}
		h.respondMutation(c, handle, err)
	}
}

func (h *httpHandler) handlePublishPost(c *gin.Context) {
	var request postRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	feeds := make([]pagination.CollectionKey, 0, len(request.Feeds))
	for _, raw := range request.Feeds {
		key, err := pagination.ParseCollectionKey(raw)
		if err != nil || key.Namespace() != pagination.NamespaceFeed {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_feed"})
			return
		}
		feeds = append(feeds, key)
	}
	if len(feeds) == 0 {
		feeds = append(feeds, pagination.FeedKey("all"))
	}
	handle, err := h.interactions.PublishPost(c.Request.Context(), interactions.PostDraft{
		Content:     request.Content,
		Audience:    request.Audience,
		Attachments: request.Attachments,
		Feeds:       feeds,
	})
	h.respondMutation(c, handle, err)
}

func (h *httpHandler) handleSendMessage(c *gin.Context) {
	var request messageRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	handle, err := h.interactions.SendMessage(c.Request.Context(), interactions.MessageDraft{
		ChatID:      c.Param("chatId"),
		ChatType:    request.ChatType,
		Content:     request.Content,
		Attachments: request.Attachments,
	})
	h.respondMutation(c, handle, err)
}

func (h *httpHandler) handleReaction(c *gin.Context) {
	id, err := entity.NewID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return
	}
	var request reactionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	target := mutation.Target{Kind: entity.KindMessage, ID: id}
	handle, err := h.interactions.AddReaction(c.Request.Context(), target, request.Reaction)
	h.respondMutation(c, handle, err)
}

func (h *httpHandler) handleMarkRead(c *gin.Context) {
	target, ok := h.entityTarget(c)
	if !ok {
		return
	}
	handle, err := h.interactions.MarkRead(c.Request.Context(), target)
	h.respondMutation(c, handle, err)
}

func (h *httpHandler) handleFlag(kind mutation.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		target, ok := h.entityTarget(c)
		if !ok {
			return
		}
		var request flagRequestPayload
		if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		current, found := h.store.Get(target.Kind, target.ID)
		if !found {
			h.writeError(c, "flag update failed", store.ErrNotFound)
			return
		}

		ctx := c.Request.Context()
		var (
			handle *mutation.Handle
			err    error
		)
		switch kind {
		case mutation.KindPin:
			handle, err = h.interactions.SetPinned(ctx, target, flagValue(request.Value, current.Interaction.Pinned))
		case mutation.KindMute:
			handle, err = h.interactions.SetMuted(ctx, target, flagValue(request.Value, current.Interaction.Muted))
		default:
			handle, err = h.interactions.SetArchived(ctx, target, flagValue(request.Value, current.Interaction.Archived))
		}
		h.respondMutation(c, handle, err)
	}
}

func (h *httpHandler) handleTyping(c *gin.Context) {
	chatID := strings.TrimSpace(c.Param("chatId"))
	users := []string{}
	if h.presence != nil {
		if typing := h.presence.Typing(chatID); typing != nil {
			users = typing
		}
	}
	c.JSON(http.StatusOK, typingPayload{ChatID: chatID, Users: users})
}

func (h *httpHandler) handleChanges(c *gin.Context) {
	topics := c.QueryArray("topic")
	if len(topics) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_topic"})
		return
	}
	for _, topic := range topics {
		if topic == TopicGroups {
			continue
		}
		if _, err := pagination.ParseCollectionKey(topic); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_topic"})
			return
		}
	}

	ctx := c.Request.Context()
	merged := make(chan ChangeMessage, len(topics))
	cleanups := make([]func(), 0, len(topics))
	for _, topic := range topics {
		stream, cleanup := h.changes.Subscribe(ctx, topic)
		cleanups = append(cleanups, cleanup)
		go forwardChanges(ctx, stream, merged)
	}
	defer func() {
		for _, cleanup := range cleanups {
			cleanup()
		}
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message := <-merged:
			c.SSEvent(message.EventType, gin.H{
				"topic":     message.Topic,
				"timestamp": message.Timestamp.Format(time.RFC3339Nano),
			})
			return true
		case now := <-heartbeat.C:
			c.SSEvent(changeEventHeartbeat, gin.H{"timestamp": now.UTC().Format(time.RFC3339Nano)})
			return true
		}
	})
}

func forwardChanges(ctx context.Context, stream <-chan ChangeMessage, merged chan<- ChangeMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-stream:
			if !ok {
				return
			}
			select {
			case merged <- message:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (h *httpHandler) handleDebugMutations(c *gin.Context) {
	limit := defaultJournalLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}

	pending := []mutationPayload{}
	if h.queue != nil {
		for _, m := range h.queue.Pending() {
			pending = append(pending, newMutationPayload(m))
		}
	}
	recent := []journal.MutationRecord{}
	if h.journal != nil {
		records, err := h.journal.Recent(c.Request.Context(), limit)
		if err != nil {
			h.logger.Error("failed to read mutation journal", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "journal_unavailable"})
			return
		}
		recent = records
	}
	c.JSON(http.StatusOK, gin.H{"pending": pending, "recent": recent})
}

// watchTopic maps a change topic onto store or grouper subscriptions.
func (h *httpHandler) watchTopic(topic string, notify func()) func() {
	if topic == TopicGroups {
		return h.grouper.Subscribe(func([]notifications.Group) { notify() })
	}
	return h.store.Subscribe(store.CollectionSelector(topic), notify)
}

func (h *httpHandler) respondMutation(c *gin.Context, handle *mutation.Handle, err error) {
	if err != nil {
		h.writeError(c, "mutation rejected", err)
		return
	}
	if c.Query("wait") == "true" {
		if waitErr := handle.Wait(c.Request.Context()); waitErr != nil {
			h.writeError(c, "mutation failed", waitErr)
			return
		}
		c.JSON(http.StatusOK, newMutationPayload(handle.Mutation()))
		return
	}
	c.JSON(http.StatusAccepted, newMutationPayload(handle.Mutation()))
}

func (h *httpHandler) writeError(c *gin.Context, message string, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, zap.String("code", code), zap.Error(err))
	} else {
		h.logger.Debug(message, zap.String("code", code), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, interactions.ErrNoChange):
		return http.StatusConflict, "no_change"
	case errors.Is(err, pagination.ErrSuperseded):
		return http.StatusConflict, "superseded"
	case errors.Is(err, syncerr.ErrConflict):
		return http.StatusConflict, syncerr.Code(err)
	case errors.Is(err, mutation.ErrRejected):
		return http.StatusConflict, syncerr.Code(err)
	case errors.Is(err, syncerr.ErrValidation):
		return http.StatusUnprocessableEntity, syncerr.Code(err)
	case errors.Is(err, syncerr.ErrNetwork), errors.Is(err, syncerr.ErrServer):
		return http.StatusBadGateway, syncerr.Code(err)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, pagination.ErrUnknownCollection):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, interactions.ErrInvalidInput),
		errors.Is(err, pagination.ErrInvalidCollectionKey),
		errors.Is(err, entity.ErrInvalidKind),
		errors.Is(err, entity.ErrInvalidID),
		errors.Is(err, entity.ErrInvalidPayload):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "canceled"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (h *httpHandler) collectionKey(c *gin.Context) (pagination.CollectionKey, bool) {
	key, err := pagination.ParseCollectionKey(c.Param("key"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_collection_key"})
		return "", false
	}
	return key, true
}

func (h *httpHandler) entityTarget(c *gin.Context) (mutation.Target, bool) {
	kind, err := entity.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind"})
		return mutation.Target{}, false
	}
	id, err := entity.NewID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return mutation.Target{}, false
	}
	return mutation.Target{Kind: kind, ID: id}, true
}

// hydrate resolves window ids against the store. Ids removed since the page
// loaded are skipped.
func (h *httpHandler) hydrate(window pagination.Window) collectionPayload {
	kind := window.Key.EntityKind()
	items := make([]entity.Entity, 0, len(window.Items))
	for _, id := range window.Items {
		if row, ok := h.store.Get(kind, id); ok {
			items = append(items, row)
		}
	}
	return collectionPayload{
		Key:           window.Key.String(),
		Items:         items,
		NextCursor:    window.Cursor,
		IsLoadingMore: window.IsLoadingMore,
		Exhausted:     window.Exhausted(),
	}
}

func newMutationPayload(m mutation.Mutation) mutationPayload {
	payload := mutationPayload{
		MutationID: m.ID,
		Kind:       m.Kind,
		TargetKind: m.Target.Kind,
		TargetID:   m.Target.ID,
		Status:     m.Status,
	}
	if m.Err != nil {
		payload.Error = syncerr.Code(m.Err)
	}
	return payload
}

func flagValue(requested *bool, current bool) bool {
	if requested != nil {
		return *requested
	}
	return !current
}
