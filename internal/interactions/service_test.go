package interactions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tradewind/internal/entity"
	"github.com/MarcoPoloResearchLab/tradewind/internal/mutation"
	"github.com/MarcoPoloResearchLab/tradewind/internal/pagination"
	"github.com/MarcoPoloResearchLab/tradewind/internal/store"
	"github.com/MarcoPoloResearchLab/tradewind/internal/syncerr"
)

type submittedCall struct {
	kind   mutation.Kind
	target mutation.Target
	body   any
}

type stubSubmitter struct {
	mu       sync.Mutex
	calls    []submittedCall
	response mutation.Response
	err      error
}

func (s *stubSubmitter) SubmitMutation(_ context.Context, kind mutation.Kind, target mutation.Target, body any) (mutation.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, submittedCall{kind: kind, target: target, body: body})
	return s.response, s.err
}

func (s *stubSubmitter) lastCall(t *testing.T) submittedCall {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		t.Fatalf("expected a submitted mutation")
	}
	return s.calls[len(s.calls)-1]
}

type fixedIDs struct {
	id string
}

func (f fixedIDs) NewID() (string, error) {
	return f.id, nil
}

type fixture struct {
	store     *store.Store
	windows   *pagination.Manager
	submitter *stubSubmitter
	service   *Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	s := store.New(store.Config{})
	windows, err := pagination.NewManager(pagination.ManagerConfig{Store: s})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	queue, err := mutation.NewQueue(mutation.Config{Store: s, IDProvider: mutation.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	submitter := &stubSubmitter{}
	service, err := NewService(Config{
		Store:      s,
		Queue:      queue,
		Windows:    windows,
		Submitter:  submitter,
		IDProvider: fixedIDs{id: "local-1"},
		Actor:      "me",
		Clock:      func() time.Time { return time.Unix(1700000500, 0) },
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return fixture{store: s, windows: windows, submitter: submitter, service: service}
}

func (f fixture) seedPost(t *testing.T, interaction entity.Interaction) {
	t.Helper()
	updated := time.Unix(1700000000, 0).UTC()
	if _, err := f.store.Upsert(entity.KindPost, entity.Entity{
		Kind:            entity.KindPost,
		ID:              "p1",
		Version:         entity.VersionPtr(1),
		ServerUpdatedAt: &updated,
		CreatedAt:       updated,
		Interaction:     interaction,
		Post:            &entity.PostPayload{AuthorID: "author", Content: "hello"},
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
}

func wait(t *testing.T, handle *mutation.Handle) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return handle.Wait(ctx)
}

func TestToggleLikeRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.seedPost(t, entity.Interaction{LikeCount: 5})

	handle, err := f.service.ToggleLike(context.Background(), "p1")
	if err != nil {
		t.Fatalf("like failed: %v", err)
	}
	if err := wait(t, handle); err != nil {
		t.Fatalf("unexpected failure: %v", err)
	}
	liked, _ := f.store.Get(entity.KindPost, "p1")
	if !liked.Interaction.Liked || liked.Interaction.LikeCount != 6 {
		t.Fatalf("expected liked with 6, got %#v", liked.Interaction)
	}
	call := f.submitter.lastCall(t)
	if call.kind != mutation.KindLike || call.body != (ToggleBody{Value: true}) {
		t.Fatalf("unexpected call %#v", call)
	}

	handle, err = f.service.ToggleLike(context.Background(), "p1")
	if err != nil {
		t.Fatalf("unlike failed: %v", err)
	}
	if err := wait(t, handle); err != nil {
		t.Fatalf("unexpected failure: %v", err)
	}
	unliked, _ := f.store.Get(entity.KindPost, "p1")
	if unliked.Interaction.Liked || unliked.Interaction.LikeCount != 5 {
		t.Fatalf("expected unliked with 5, got %#v", unliked.Interaction)
	}
}

func TestRejectedSaveRollsBack(t *testing.T) {
	f := newFixture(t)
	f.seedPost(t, entity.Interaction{SaveCount: 2})
	f.submitter.err = &syncerr.ValidationError{StatusCode: 403, ErrorCode: "forbidden"}

	handle, err := f.service.ToggleSave(context.Background(), "p1")
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := wait(t, handle); !errors.Is(err, syncerr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	post, _ := f.store.Get(entity.KindPost, "p1")
	if post.Interaction.Saved || post.Interaction.SaveCount != 2 {
		t.Fatalf("expected rollback, got %#v", post.Interaction)
	}
}

func TestNoChangeActions(t *testing.T) {
	f := newFixture(t)
	f.seedPost(t, entity.Interaction{Reposted: true, Pinned: true})
	target := mutation.Target{Kind: entity.KindPost, ID: "p1"}

	tests := []struct {
		name string
		run  func() (*mutation.Handle, error)
	}{
		{name: "repost twice", run: func() (*mutation.Handle, error) { return f.service.Repost(context.Background(), "p1") }},
		{name: "mark read when read", run: func() (*mutation.Handle, error) { return f.service.MarkRead(context.Background(), target) }},
		{name: "pin pinned", run: func() (*mutation.Handle, error) { return f.service.SetPinned(context.Background(), target, true) }},
		{name: "unmute unmuted", run: func() (*mutation.Handle, error) { return f.service.SetMuted(context.Background(), target, false) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.run(); !errors.Is(err, ErrNoChange) {
				t.Fatalf("expected no change, got %v", err)
			}
		})
	}

	if _, err := f.service.ToggleLike(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFlagsAndReactions(t *testing.T) {
	f := newFixture(t)
	f.seedPost(t, entity.Interaction{Unread: true, Reactions: map[string]int{"👍": 2}})
	target := mutation.Target{Kind: entity.KindPost, ID: "p1"}

	steps := []func() (*mutation.Handle, error){
		func() (*mutation.Handle, error) { return f.service.MarkRead(context.Background(), target) },
		func() (*mutation.Handle, error) { return f.service.AddReaction(context.Background(), target, "👍") },
		func() (*mutation.Handle, error) { return f.service.SetArchived(context.Background(), target, true) },
		func() (*mutation.Handle, error) { return f.service.SetMuted(context.Background(), target, true) },
	}
	for index, step := range steps {
		handle, err := step()
		if err != nil {
			t.Fatalf("step %d failed: %v", index, err)
		}
		if err := wait(t, handle); err != nil {
			t.Fatalf("step %d resolved with error: %v", index, err)
		}
	}

	post, _ := f.store.Get(entity.KindPost, "p1")
	state := post.Interaction
	if state.Unread || !state.Archived || !state.Muted || state.Reactions["👍"] != 3 {
		t.Fatalf("unexpected interaction state %#v", state)
	}
	if _, err := f.service.AddReaction(context.Background(), target, "  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestSendMessageAppearsAtThreadTail(t *testing.T) {
	f := newFixture(t)
	chat := pagination.ChatKey("c1")
	existing := entity.Entity{
		Kind:      entity.KindMessage,
		ID:        "m1",
		Version:   entity.VersionPtr(1),
		CreatedAt: time.Unix(1700000000, 0),
		Message:   &entity.MessagePayload{ChatID: "c1", ChatType: entity.ChatTypeGroup, SenderID: "u2", Content: "hey"},
	}
	_, err := f.windows.FetchFirstPage(context.Background(), chat, func(context.Context, *string) (pagination.Page, error) {
		return pagination.Page{Items: []entity.Entity{existing}}, nil
	})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}

	release := make(chan struct{})
	blocking := &blockingSubmitter{release: release}
	f.service.submitter = blocking

	handle, err := f.service.SendMessage(context.Background(), MessageDraft{ChatID: "c1", ChatType: entity.ChatTypeGroup, Content: "hi"})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if handle.Mutation().Target.ID != "local-1" {
		t.Fatalf("expected client id, got %s", handle.Mutation().Target.ID)
	}

	window, _ := f.windows.Window(chat)
	if len(window.Items) != 2 || window.Items[1] != "local-1" {
		t.Fatalf("expected optimistic message at tail, got %v", window.Items)
	}
	optimistic, _ := f.store.Get(entity.KindMessage, "local-1")
	if !optimistic.IsOptimistic() || optimistic.Message.SenderID != "me" || optimistic.Message.DeliveryStatus != entity.DeliverySending {
		t.Fatalf("unexpected optimistic message %#v", optimistic)
	}

	close(release)
	if err := wait(t, handle); !errors.Is(err, syncerr.ErrServer) {
		t.Fatalf("expected server error, got %v", err)
	}
	if f.store.Has(entity.KindMessage, "local-1") {
		t.Fatalf("failed send must remove the optimistic message")
	}
	window, _ = f.windows.Window(chat)
	if len(window.Items) != 1 {
		t.Fatalf("expected removed message to leave the window, got %v", window.Items)
	}
}

func TestPublishPostConfirmed(t *testing.T) {
	f := newFixture(t)
	feed := pagination.FeedKey("all")
	if _, err := f.windows.FetchFirstPage(context.Background(), feed, func(context.Context, *string) (pagination.Page, error) {
		return pagination.Page{}, nil
	}); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}

	confirmedAt := time.Unix(1700000600, 0).UTC()
	f.submitter.response = mutation.Response{Entity: &entity.Entity{
		Kind:            entity.KindPost,
		ID:              "local-1",
		Version:         entity.VersionPtr(0),
		ServerUpdatedAt: &confirmedAt,
		CreatedAt:       confirmedAt,
		Post:            &entity.PostPayload{AuthorID: "me", Content: "launch", Audience: entity.AudienceCompany},
	}}

	handle, err := f.service.PublishPost(context.Background(), PostDraft{
		Content:  "launch",
		Audience: entity.AudienceCompany,
		Feeds:    []pagination.CollectionKey{feed},
	})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := wait(t, handle); err != nil {
		t.Fatalf("unexpected failure: %v", err)
	}
	stored, _ := f.store.Get(entity.KindPost, "local-1")
	if stored.IsOptimistic() {
		t.Fatalf("expected confirmed post")
	}
	window, _ := f.windows.Window(feed)
	if len(window.Items) != 1 || window.Items[0] != "local-1" {
		t.Fatalf("expected post at feed head, got %v", window.Items)
	}
	if _, err := f.service.PublishPost(context.Background(), PostDraft{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty post, got %v", err)
	}
}

type blockingSubmitter struct {
	release chan struct{}
}

func (b *blockingSubmitter) SubmitMutation(context.Context, mutation.Kind, mutation.Target, any) (mutation.Response, error) {
	<-b.release
	return mutation.Response{}, &syncerr.ServerError{StatusCode: 500}
}

type gatedAcceptSubmitter struct {
	release chan struct{}
}

func (g *gatedAcceptSubmitter) SubmitMutation(_ context.Context, _ mutation.Kind, target mutation.Target, body any) (mutation.Response, error) {
	<-g.release
	confirmed := body.(entity.Entity).Clone()
	confirmed.ID = target.ID
	confirmed.Version = entity.VersionPtr(1)
	confirmed.Message.DeliveryStatus = entity.DeliverySent
	return mutation.Response{Entity: &confirmed}, nil
}

func TestSentMessageSurvivesThreadRefresh(t *testing.T) {
	f := newFixture(t)
	chat := pagination.ChatKey("c1")
	empty := func(context.Context, *string) (pagination.Page, error) {
		return pagination.Page{}, nil
	}
	if _, err := f.windows.FetchFirstPage(context.Background(), chat, empty); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}

	release := make(chan struct{})
	f.service.submitter = &gatedAcceptSubmitter{release: release}
	handle, err := f.service.SendMessage(context.Background(), MessageDraft{ChatID: "c1", Content: "hi"})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	refreshed, err := f.windows.ReplaceFirstPage(context.Background(), chat, empty)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if len(refreshed.Items) != 1 || refreshed.Items[0] != "local-1" {
		t.Fatalf("expected pending message to stay listed, got %v", refreshed.Items)
	}

	close(release)
	if err := wait(t, handle); err != nil {
		t.Fatalf("send should confirm, got %v", err)
	}
	window, _ := f.windows.Window(chat)
	if len(window.Items) != 1 || window.Items[0] != "local-1" {
		t.Fatalf("expected confirmed message in thread, got %v", window.Items)
	}
	confirmed, _ := f.store.Get(entity.KindMessage, "local-1")
	if confirmed.IsOptimistic() || confirmed.Message.DeliveryStatus != entity.DeliverySent {
		t.Fatalf("expected confirmed message, got %#v", confirmed)
	}
}
