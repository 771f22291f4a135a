package interactions

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/tradewind/internal/entity"
	"github.com/MarcoPoloResearchLab/tradewind/internal/mutation"
	"github.com/MarcoPoloResearchLab/tradewind/internal/pagination"
	"go.uber.org/zap"
)

// MessageDraft is the composer output for a new chat message.
type MessageDraft struct {
	ChatID      string
	ChatType    entity.ChatType
	Content     string
	Attachments []entity.Attachment
}

// PostDraft is the composer output for a new post.
type PostDraft struct {
	Content     string
	Audience    entity.Audience
	Attachments []entity.Attachment
	// Feeds lists the feed windows the post should appear in right away.
	Feeds []pagination.CollectionKey
}

// SendMessage inserts an optimistic message at the tail of its thread and
// sends it. The handle's target carries the client-generated message id.
func (s *Service) SendMessage(ctx context.Context, draft MessageDraft) (*mutation.Handle, error) {
	chatID := strings.TrimSpace(draft.ChatID)
	if chatID == "" {
		return nil, fmt.Errorf("%w: chat id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(draft.Content) == "" && len(draft.Attachments) == 0 {
		return nil, fmt.Errorf("%w: message is empty", ErrInvalidInput)
	}
	chatType := draft.ChatType
	if chatType == "" {
		chatType = entity.ChatTypeDirect
	}
	optimistic := entity.Entity{
		Kind:      entity.KindMessage,
		CreatedAt: s.clock().UTC(),
		Message: &entity.MessagePayload{
			ChatID:         chatID,
			ChatType:       chatType,
			Content:        draft.Content,
			Attachments:    draft.Attachments,
			DeliveryStatus: entity.DeliverySending,
		},
	}
	return s.create(ctx, mutation.KindSendMessage, optimistic, []pagination.CollectionKey{pagination.ChatKey(chatID)})
}

// PublishPost inserts an optimistic post at the head of the given feeds and
// publishes it.
func (s *Service) PublishPost(ctx context.Context, draft PostDraft) (*mutation.Handle, error) {
	if strings.TrimSpace(draft.Content) == "" && len(draft.Attachments) == 0 {
		return nil, fmt.Errorf("%w: post is empty", ErrInvalidInput)
	}
	created := s.clock().UTC()
	optimistic := entity.Entity{
		Kind:      entity.KindPost,
		CreatedAt: created,
		Post: &entity.PostPayload{
			Content:     draft.Content,
			Attachments: draft.Attachments,
			Audience:    draft.Audience,
		},
	}
	return s.create(ctx, mutation.KindPublishPost, optimistic, draft.Feeds)
}

func (s *Service) create(ctx context.Context, kind mutation.Kind, optimistic entity.Entity, windows []pagination.CollectionKey) (*mutation.Handle, error) {
	if s.actor == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, errMissingActor)
	}
	rawID, err := s.ids.NewID()
	if err != nil {
		return nil, err
	}
	id, err := entity.NewID(rawID)
	if err != nil {
		return nil, err
	}
	optimistic.ID = id
	switch {
	case optimistic.Message != nil:
		optimistic.Message.SenderID = s.actor
	case optimistic.Post != nil:
		optimistic.Post.AuthorID = s.actor
	}
	target := mutation.Target{Kind: optimistic.Kind, ID: id}

	apply := func() error {
		if _, err := s.store.Upsert(optimistic.Kind, optimistic); err != nil {
			return err
		}
		for _, key := range windows {
			s.windows.PrependLocal(key, id)
		}
		return nil
	}
	request := func(requestCtx context.Context) (mutation.Response, error) {
		response, err := s.submitter.SubmitMutation(requestCtx, kind, target, optimistic)
		if err != nil {
			return response, err
		}
		confirmedID := id
		if response.Entity != nil && response.Entity.ID != "" && response.Entity.ID != id {
			s.logger.Debug("server assigned a different id",
				zap.String("client_id", id.String()),
				zap.String("server_id", response.Entity.ID.String()))
			confirmedID = response.Entity.ID
		}
		// A no-op while the row is still listed.
		for _, key := range windows {
			s.windows.PrependLocal(key, confirmedID)
		}
		return response, nil
	}
	return s.queue.Submit(ctx, kind, target, apply, request)
}
