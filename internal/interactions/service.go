// Package interactions implements the user-facing actions (likes, saves,
// reposts, reads, reactions, flags, sends) on top of the mutation queue, so
// every action shares the same conflict and rollback rules.
package interactions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tradewind/internal/entity"
	"github.com/MarcoPoloResearchLab/tradewind/internal/mutation"
	"github.com/MarcoPoloResearchLab/tradewind/internal/pagination"
	"github.com/MarcoPoloResearchLab/tradewind/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrNoChange indicates that the action would leave the entity as it is.
	ErrNoChange = errors.New("interactions: no change")
	// ErrInvalidInput indicates that the action arguments are unusable.
	ErrInvalidInput = errors.New("interactions: invalid input")

	errMissingDependency = errors.New("store, queue, windows and submitter are required")
	errMissingActor      = errors.New("actor is required to create entities")
	noOpLogger           = zap.NewNop()
)

// Submitter sends a mutation to the server. Any 2xx response is success.
type Submitter interface {
	SubmitMutation(ctx context.Context, kind mutation.Kind, target mutation.Target, body any) (mutation.Response, error)
}

// ToggleBody is the request body of boolean actions.
type ToggleBody struct {
	Value bool `json:"value"`
}

// ReactionBody is the request body of addReaction.
type ReactionBody struct {
	Reaction string `json:"reaction"`
}

// Config describes the dependencies of a Service.
type Config struct {
	Store     *store.Store
	Queue     *mutation.Queue
	Windows   *pagination.Manager
	Submitter Submitter
	// IDProvider issues client-side ids for new posts and messages.
	IDProvider mutation.IDProvider
	// Actor is the signed-in user, recorded as author or sender of created entities.
	Actor string
	Clock  func() time.Time
	Logger *zap.Logger
}

// Service exposes the interaction actions.
type Service struct {
	store     *store.Store
	queue     *mutation.Queue
	windows   *pagination.Manager
	submitter Submitter
	ids       mutation.IDProvider
	actor     string
	clock     func() time.Time
	logger    *zap.Logger
}

// NewService constructs a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil || cfg.Queue == nil || cfg.Windows == nil || cfg.Submitter == nil {
		return nil, errMissingDependency
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = mutation.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		store:     cfg.Store,
		queue:     cfg.Queue,
		windows:   cfg.Windows,
		submitter: cfg.Submitter,
		ids:       ids,
		actor:     strings.TrimSpace(cfg.Actor),
		clock:     clock,
		logger:    logger,
	}, nil
}

// ToggleLike flips the like state of a post and adjusts the counter.
func (s *Service) ToggleLike(ctx context.Context, postID entity.ID) (*mutation.Handle, error) {
	return s.toggle(ctx, mutation.KindLike, postTarget(postID), func(state entity.Interaction) (entity.InteractionPatch, bool) {
		liked := !state.Liked
		return entity.InteractionPatch{
			Liked:     entity.Bool(liked),
			LikeCount: entity.Int(adjust(state.LikeCount, liked)),
		}, liked
	})
}

// ToggleSave flips the save state of a post and adjusts the counter.
func (s *Service) ToggleSave(ctx context.Context, postID entity.ID) (*mutation.Handle, error) {
	return s.toggle(ctx, mutation.KindSave, postTarget(postID), func(state entity.Interaction) (entity.InteractionPatch, bool) {
		saved := !state.Saved
		return entity.InteractionPatch{
			Saved:     entity.Bool(saved),
			SaveCount: entity.Int(adjust(state.SaveCount, saved)),
		}, saved
	})
}

// Repost reposts a post once. Reposting an already reposted post is ErrNoChange.
func (s *Service) Repost(ctx context.Context, postID entity.ID) (*mutation.Handle, error) {
	target := postTarget(postID)
	current, err := s.current(target)
	if err != nil {
		return nil, err
	}
	if current.Interaction.Reposted {
		return nil, fmt.Errorf("%w: %s already reposted", ErrNoChange, postID)
	}
	patch := entity.InteractionPatch{
		Reposted:    entity.Bool(true),
		RepostCount: entity.Int(current.Interaction.RepostCount + 1),
	}
	return s.submitPatch(ctx, mutation.KindRepost, target, patch, ToggleBody{Value: true})
}

// MarkRead clears the unread flag of any entity.
func (s *Service) MarkRead(ctx context.Context, target mutation.Target) (*mutation.Handle, error) {
	current, err := s.current(target)
	if err != nil {
		return nil, err
	}
	if !current.Interaction.Unread {
		return nil, fmt.Errorf("%w: %s already read", ErrNoChange, target)
	}
	return s.submitPatch(ctx, mutation.KindMarkRead, target, entity.InteractionPatch{Unread: entity.Bool(false)}, ToggleBody{Value: true})
}

// AddReaction increments one reaction on any entity.
func (s *Service) AddReaction(ctx context.Context, target mutation.Target, reaction string) (*mutation.Handle, error) {
	reaction = strings.TrimSpace(reaction)
	if reaction == "" {
		return nil, fmt.Errorf("%w: reaction is required", ErrInvalidInput)
	}
	current, err := s.current(target)
	if err != nil {
		return nil, err
	}
	patch := entity.InteractionPatch{
		Reactions: map[string]int{reaction: current.Interaction.Reactions[reaction] + 1},
	}
	return s.submitPatch(ctx, mutation.KindAddReaction, target, patch, ReactionBody{Reaction: reaction})
}

// SetPinned pins or unpins any entity.
func (s *Service) SetPinned(ctx context.Context, target mutation.Target, pinned bool) (*mutation.Handle, error) {
	return s.setFlag(ctx, mutation.KindPin, target, pinned,
		func(state entity.Interaction) bool { return state.Pinned },
		entity.InteractionPatch{Pinned: entity.Bool(pinned)})
}

// SetMuted mutes or unmutes any entity.
func (s *Service) SetMuted(ctx context.Context, target mutation.Target, muted bool) (*mutation.Handle, error) {
	return s.setFlag(ctx, mutation.KindMute, target, muted,
		func(state entity.Interaction) bool { return state.Muted },
		entity.InteractionPatch{Muted: entity.Bool(muted)})
}

// SetArchived archives or restores any entity.
func (s *Service) SetArchived(ctx context.Context, target mutation.Target, archived bool) (*mutation.Handle, error) {
	return s.setFlag(ctx, mutation.KindArchive, target, archived,
		func(state entity.Interaction) bool { return state.Archived },
		entity.InteractionPatch{Archived: entity.Bool(archived)})
}

func (s *Service) toggle(ctx context.Context, kind mutation.Kind, target mutation.Target, next func(entity.Interaction) (entity.InteractionPatch, bool)) (*mutation.Handle, error) {
	current, err := s.current(target)
	if err != nil {
		return nil, err
	}
	patch, value := next(current.Interaction)
	return s.submitPatch(ctx, kind, target, patch, ToggleBody{Value: value})
}

func (s *Service) setFlag(ctx context.Context, kind mutation.Kind, target mutation.Target, value bool, read func(entity.Interaction) bool, patch entity.InteractionPatch) (*mutation.Handle, error) {
	current, err := s.current(target)
	if err != nil {
		return nil, err
	}
	if read(current.Interaction) == value {
		return nil, fmt.Errorf("%w: %s %s already %t", ErrNoChange, target, kind, value)
	}
	return s.submitPatch(ctx, kind, target, patch, ToggleBody{Value: value})
}

func (s *Service) submitPatch(ctx context.Context, kind mutation.Kind, target mutation.Target, patch entity.InteractionPatch, body any) (*mutation.Handle, error) {
	apply := func() error {
		return s.store.PatchInteraction(target.Kind, target.ID, patch)
	}
	request := func(requestCtx context.Context) (mutation.Response, error) {
		return s.submitter.SubmitMutation(requestCtx, kind, target, body)
	}
	return s.queue.Submit(ctx, kind, target, apply, request)
}

func (s *Service) current(target mutation.Target) (entity.Entity, error) {
	current, ok := s.store.Get(target.Kind, target.ID)
	if !ok {
		return entity.Entity{}, fmt.Errorf("%w: %s", store.ErrNotFound, target)
	}
	return current, nil
}

func postTarget(id entity.ID) mutation.Target {
	return mutation.Target{Kind: entity.KindPost, ID: id}
}

func adjust(count int, increment bool) int {
	if increment {
		return count + 1
	}
	if count > 0 {
		return count - 1
	}
	return 0
}
