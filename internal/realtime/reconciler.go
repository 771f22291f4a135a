package realtime

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/tradewind/internal/entity"
	"github.com/MarcoPoloResearchLab/tradewind/internal/mutation"
	"github.com/MarcoPoloResearchLab/tradewind/internal/pagination"
	"github.com/MarcoPoloResearchLab/tradewind/internal/store"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const defaultDedupSize = 4096

var (
	errMissingStore = errors.New("realtime: store is required")
	noOpLogger      = zap.NewNop()
)

// Outcome reports what the reconciler did with an event.
type Outcome string

const (
	// OutcomeApplied means the event changed (or confirmed) the store.
	OutcomeApplied Outcome = "applied"
	// OutcomeEcho means the event confirmed the client's own pending mutation.
	OutcomeEcho Outcome = "echo"
	// OutcomeStale means the store already holds the same or a newer value.
	OutcomeStale Outcome = "stale"
	// OutcomeDuplicate means the same delivery was already processed.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeIgnored means the event referenced nothing the client can update.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeEphemeral means the event only touched typing or presence state.
	OutcomeEphemeral Outcome = "ephemeral"
	// OutcomeMalformed means the event was dropped as undecodable.
	OutcomeMalformed Outcome = "malformed"
)

// PendingTracker is the part of the mutation queue the reconciler consults.
type PendingTracker interface {
	HasPending(kind mutation.Kind, target mutation.Target) bool
	ConfirmEcho(ctx context.Context, kind mutation.Kind, target mutation.Target, response mutation.Response) bool
}

// WindowPlacer places pushed entities into open collection windows.
type WindowPlacer interface {
	InsertOrdered(key pagination.CollectionKey, id entity.ID) bool
}

// Observer receives event outcomes, e.g. for metrics.
type Observer interface {
	ObserveEvent(eventType string, outcome string)
}

// Config describes the dependencies of a Reconciler.
type Config struct {
	Store    *store.Store
	Pending  PendingTracker
	Windows  WindowPlacer
	Presence *Presence
	Decoder  *Decoder
	// Actor is the signed-in user; events caused by it may be echoes.
	Actor string
	// DedupSize bounds the duplicate-delivery cache.
	DedupSize int
	Observer  Observer
	Logger    *zap.Logger
}

// Reconciler is the RealtimeEventReconciler.
type Reconciler struct {
	store    *store.Store
	pending  PendingTracker
	windows  WindowPlacer
	presence *Presence
	decoder  *Decoder
	actor    string
	seen     *lru.Cache[string, struct{}]
	observer Observer
	logger   *zap.Logger
}

// NewReconciler constructs a Reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	decoder := cfg.Decoder
	if decoder == nil {
		var err error
		decoder, err = NewDecoder()
		if err != nil {
			return nil, err
		}
	}
	size := cfg.DedupSize
	if size <= 0 {
		size = defaultDedupSize
	}
	seen, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	presence := cfg.Presence
	if presence == nil {
		presence = NewPresence(0, nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Reconciler{
		store:    cfg.Store,
		pending:  cfg.Pending,
		windows:  cfg.Windows,
		presence: presence,
		decoder:  decoder,
		actor:    strings.TrimSpace(cfg.Actor),
		seen:     seen,
		observer: cfg.Observer,
		logger:   logger,
	}, nil
}

// Presence returns the typing and availability board.
func (r *Reconciler) Presence() *Presence {
	return r.presence
}

// HandleRaw decodes and reconciles one raw event. Malformed events are logged
// and dropped; HandleRaw never fails.
func (r *Reconciler) HandleRaw(ctx context.Context, raw []byte) Outcome {
	event, err := r.decoder.Decode(raw)
	if err != nil {
		r.logger.Warn("dropping malformed realtime event",
			zap.Error(err),
			zap.Int("size", len(raw)))
		r.observe("", OutcomeMalformed)
		return OutcomeMalformed
	}
	return r.Handle(ctx, event)
}

// Handle reconciles one decoded event: duplicate filter, own-echo check,
// stale check, then apply.
func (r *Reconciler) Handle(ctx context.Context, event Event) Outcome {
	meta := event.Metadata()
	if already, _ := r.seen.ContainsOrAdd(meta.Key(), struct{}{}); already {
		r.observe(string(meta.Type), OutcomeDuplicate)
		return OutcomeDuplicate
	}

	var outcome Outcome
	switch typed := event.(type) {
	case EntityEvent:
		outcome = r.handleEntity(ctx, typed)
	case DeletedEvent:
		outcome = r.handleDeleted(typed)
	case ReactionEvent:
		outcome = r.handleReaction(ctx, typed)
	case ReadEvent:
		outcome = r.handleRead(ctx, typed)
	case TypingEvent:
		r.presence.SetTyping(typed.ChatID, typed.UserID, typed.Typing)
		outcome = OutcomeEphemeral
	case PresenceEvent:
		r.presence.SetStatus(typed.UserID, typed.Status)
		outcome = OutcomeEphemeral
	default:
		r.logger.Warn("dropping realtime event of unknown variant", zap.String("event_type", string(meta.Type)))
		outcome = OutcomeMalformed
	}

	if outcome != OutcomeEphemeral {
		r.logger.Debug("realtime event reconciled",
			zap.String("event_type", string(meta.Type)),
			zap.String("kind", meta.Kind.String()),
			zap.String("entity_id", meta.ID.String()),
			zap.String("outcome", string(outcome)))
	}
	r.observe(string(meta.Type), outcome)
	return outcome
}

func (r *Reconciler) handleEntity(ctx context.Context, event EntityEvent) Outcome {
	target := event.target()
	if event.Type == EventCreated && r.isViewer(event.ActorID) {
		if kind, ok := creationKind(event.Kind); ok {
			confirmed := mutation.Response{Entity: &event.Entity}
			if r.confirmEcho(ctx, kind, target, confirmed) {
				r.place(event.Entity)
				return OutcomeEcho
			}
			// The server assigned its own id; match the pending creation by the client id.
			if local := event.LocalID; local != "" && local != event.ID {
				if r.confirmEcho(ctx, kind, mutation.Target{Kind: event.Kind, ID: local}, confirmed) {
					r.place(event.Entity)
					return OutcomeEcho
				}
			}
		}
	}

	if existing, found := r.store.Get(event.Kind, event.ID); found && entityIsStale(existing, event.Entity) {
		return OutcomeStale
	}
	result, err := r.store.Upsert(event.Kind, event.Entity)
	if err != nil {
		r.logger.Warn("realtime entity rejected by store",
			zap.String("entity_id", event.ID.String()),
			zap.Error(err))
		return OutcomeIgnored
	}
	if result == store.RejectedStale {
		return OutcomeStale
	}
	if event.Type == EventCreated {
		r.place(event.Entity)
	}
	return OutcomeApplied
}

func (r *Reconciler) handleDeleted(event DeletedEvent) Outcome {
	existing, found := r.store.Get(event.Kind, event.ID)
	if !found {
		return OutcomeIgnored
	}
	if event.Version != nil && existing.Version != nil && *event.Version < *existing.Version {
		return OutcomeStale
	}
	r.store.Remove(event.Kind, event.ID)
	return OutcomeApplied
}

func (r *Reconciler) handleReaction(ctx context.Context, event ReactionEvent) Outcome {
	target := event.target()
	byViewer := r.isViewer(event.ActorID)
	patch := event.Patch(byViewer)
	if byViewer && r.confirmEcho(ctx, event.Action.mutationKind(), target, mutation.Response{Interaction: &patch}) {
		return OutcomeEcho
	}
	return r.patchInteraction(event.Meta, patch)
}

func (r *Reconciler) handleRead(ctx context.Context, event ReadEvent) Outcome {
	target := event.target()
	readAt := entity.TimePtr(event.ServerTimestamp)
	if r.isViewer(event.ReaderID) {
		patch := entity.InteractionPatch{Unread: entity.Bool(false), UpdatedAt: readAt}
		if r.confirmEcho(ctx, mutation.KindMarkRead, target, mutation.Response{Interaction: &patch}) {
			return OutcomeEcho
		}
		return r.patchInteraction(event.Meta, patch)
	}

	// Someone else read the entity: only a message the viewer sent changes.
	existing, found := r.store.Get(event.Kind, event.ID)
	if !found {
		return OutcomeIgnored
	}
	if existing.Message == nil || existing.Message.SenderID != r.actor || r.actor == "" {
		return OutcomeIgnored
	}
	if existing.Message.DeliveryStatus == entity.DeliveryRead {
		return OutcomeStale
	}
	existing.Message.DeliveryStatus = entity.DeliveryRead
	existing.Interaction.UpdatedAt = readAt
	if _, err := r.store.Upsert(event.Kind, existing); err != nil {
		r.logger.Warn("read receipt rejected by store", zap.String("entity_id", event.ID.String()), zap.Error(err))
		return OutcomeIgnored
	}
	return OutcomeApplied
}

func (r *Reconciler) patchInteraction(meta Meta, patch entity.InteractionPatch) Outcome {
	existing, found := r.store.Get(meta.Kind, meta.ID)
	if !found {
		// Nothing to patch; the entity arrives with its first fetch.
		return OutcomeIgnored
	}
	if updated := existing.Interaction.UpdatedAt; updated != nil && !meta.ServerTimestamp.After(*updated) {
		return OutcomeStale
	}
	if err := r.store.PatchInteraction(meta.Kind, meta.ID, patch); err != nil {
		return OutcomeIgnored
	}
	return OutcomeApplied
}

func (r *Reconciler) confirmEcho(ctx context.Context, kind mutation.Kind, target mutation.Target, response mutation.Response) bool {
	if r.pending == nil || !r.pending.HasPending(kind, target) {
		return false
	}
	return r.pending.ConfirmEcho(ctx, kind, target, response)
}

// place inserts a pushed entity into its owning window, if that window is
// open. Windows are never created here.
func (r *Reconciler) place(e entity.Entity) {
	if r.windows == nil {
		return
	}
	key, ok := owningCollection(e)
	if !ok {
		return
	}
	r.windows.InsertOrdered(key, e.ID)
}

func (r *Reconciler) isViewer(actorID string) bool {
	return r.actor != "" && strings.TrimSpace(actorID) == r.actor
}

func (r *Reconciler) observe(eventType string, outcome Outcome) {
	if r.observer != nil {
		r.observer.ObserveEvent(eventType, string(outcome))
	}
}

func owningCollection(e entity.Entity) (pagination.CollectionKey, bool) {
	switch {
	case e.Message != nil && e.Message.ChatID != "":
		return pagination.ChatKey(e.Message.ChatID), true
	case e.Notification != nil && e.Notification.RecipientID != "":
		return pagination.NotificationsKey(e.Notification.RecipientID), true
	case e.Post != nil:
		return pagination.FeedKey("all"), true
	default:
		return "", false
	}
}

func creationKind(kind entity.Kind) (mutation.Kind, bool) {
	switch kind {
	case entity.KindMessage:
		return mutation.KindSendMessage, true
	case entity.KindPost:
		return mutation.KindPublishPost, true
	default:
		return "", false
	}
}

// entityIsStale reports whether incoming carries a version (or, lacking
// versions, a timestamp) at or below the stored one.
func entityIsStale(existing, incoming entity.Entity) bool {
	if existing.Version != nil && incoming.Version != nil {
		return *incoming.Version <= *existing.Version
	}
	if existing.Version == nil {
		return false
	}
	if existing.ServerUpdatedAt == nil || incoming.ServerUpdatedAt == nil {
		return false
	}
	return !incoming.ServerUpdatedAt.After(*existing.ServerUpdatedAt)
}
