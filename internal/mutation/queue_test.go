package mutation

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tradewind/internal/entity"
	"github.com/MarcoPoloResearchLab/tradewind/internal/store"
	"github.com/MarcoPoloResearchLab/tradewind/internal/syncerr"
)

type sequenceIDs struct {
	mu   sync.Mutex
	next int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("mut-%d", s.next), nil
}

type recordingJournal struct {
	mu          sync.Mutex
	transitions []Transition
}

func (r *recordingJournal) Record(_ context.Context, transition Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, transition)
	return nil
}

func (r *recordingJournal) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	statuses := make([]Status, 0, len(r.transitions))
	for _, transition := range r.transitions {
		statuses = append(statuses, transition.Status)
	}
	return statuses
}

func mustQueue(t *testing.T, s *store.Store, recorder Recorder) *Queue {
	t.Helper()
	queue, err := NewQueue(Config{Store: s, IDProvider: &sequenceIDs{}, Recorder: recorder})
	if err != nil {
		t.Fatalf("unexpected queue error: %v", err)
	}
	return queue
}

func seedPost(t *testing.T, s *store.Store, liked bool, likes int) Target {
	t.Helper()
	updated := time.Unix(1700000000, 0).UTC()
	post := entity.Entity{
		Kind:            entity.KindPost,
		ID:              "p1",
		Version:         entity.VersionPtr(4),
		ServerUpdatedAt: &updated,
		CreatedAt:       updated,
		Interaction:     entity.Interaction{Liked: liked, LikeCount: likes},
		Post:            &entity.PostPayload{AuthorID: "author-1", Content: "hello"},
	}
	if _, err := s.Upsert(entity.KindPost, post); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	return Target{Kind: entity.KindPost, ID: "p1"}
}

func likeApply(s *store.Store, target Target) ApplyFunc {
	return func() error {
		current, _ := s.Get(target.Kind, target.ID)
		return s.PatchInteraction(target.Kind, target.ID, entity.InteractionPatch{
			Liked:     entity.Bool(true),
			LikeCount: entity.Int(current.Interaction.LikeCount + 1),
		})
	}
}

func waitResolved(t *testing.T, handle *Handle) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := handle.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("mutation %s did not resolve", handle.ID())
	}
	return err
}

func TestFailedLikeRollsBackToSnapshot(t *testing.T) {
	s := store.New(store.Config{})
	target := seedPost(t, s, false, 5)
	snapshot, _ := s.Get(target.Kind, target.ID)
	journal := &recordingJournal{}
	queue := mustQueue(t, s, journal)

	release := make(chan struct{})
	rejection := &syncerr.ValidationError{StatusCode: 422, ErrorCode: "like_forbidden", Message: "nope"}
	handle, err := queue.Submit(context.Background(), KindLike, target, likeApply(s, target), func(context.Context) (Response, error) {
		<-release
		return Response{}, rejection
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	optimistic, _ := s.Get(target.Kind, target.ID)
	if !optimistic.Interaction.Liked || optimistic.Interaction.LikeCount != 6 {
		t.Fatalf("expected optimistic like, got %#v", optimistic.Interaction)
	}
	if !queue.HasPending(KindLike, target) {
		t.Fatalf("expected pending mutation")
	}

	close(release)
	err = waitResolved(t, handle)
	if !errors.Is(err, syncerr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if handle.Status() != StatusFailed {
		t.Fatalf("expected failed status, got %s", handle.Status())
	}

	reverted, _ := s.Get(target.Kind, target.ID)
	if !reflect.DeepEqual(reverted, snapshot) {
		t.Fatalf("expected exact snapshot after rollback:\nwant %#v\ngot  %#v", snapshot, reverted)
	}
	if queue.HasPending(KindLike, target) {
		t.Fatalf("expected pending slot to be released")
	}
	if got := journal.statuses(); !reflect.DeepEqual(got, []Status{StatusPending, StatusFailed}) {
		t.Fatalf("unexpected journal statuses %v", got)
	}
}

func TestSecondPendingSubmissionIsRejected(t *testing.T) {
	s := store.New(store.Config{})
	target := seedPost(t, s, false, 5)
	queue := mustQueue(t, s, nil)

	release := make(chan struct{})
	handle, err := queue.Submit(context.Background(), KindLike, target, likeApply(s, target), func(context.Context) (Response, error) {
		<-release
		return Response{}, nil
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	applied := false
	_, err = queue.Submit(context.Background(), KindLike, target, func() error {
		applied = true
		return nil
	}, func(context.Context) (Response, error) { return Response{}, nil })
	if !errors.Is(err, syncerr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if applied {
		t.Fatalf("rejected mutation must not apply")
	}

	saveHandle, err := queue.Submit(context.Background(), KindSave, target, func() error {
		return s.PatchInteraction(target.Kind, target.ID, entity.InteractionPatch{Saved: entity.Bool(true)})
	}, func(context.Context) (Response, error) { return Response{}, nil })
	if err != nil {
		t.Fatalf("different kind should be admitted: %v", err)
	}
	if err := waitResolved(t, saveHandle); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	close(release)
	if err := waitResolved(t, handle); err != nil {
		t.Fatalf("like failed: %v", err)
	}
	current, _ := s.Get(target.Kind, target.ID)
	if current.Interaction.LikeCount != 6 || !current.Interaction.Saved {
		t.Fatalf("unexpected final state %#v", current.Interaction)
	}
}

func TestConfirmedResponseReplacesGuess(t *testing.T) {
	s := store.New(store.Config{})
	target := seedPost(t, s, false, 5)
	queue := mustQueue(t, s, nil)

	handle, err := queue.Submit(context.Background(), KindLike, target, likeApply(s, target), func(context.Context) (Response, error) {
		return Response{Interaction: &entity.InteractionPatch{Liked: entity.Bool(true), LikeCount: entity.Int(9)}}, nil
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := waitResolved(t, handle); err != nil {
		t.Fatalf("unexpected failure: %v", err)
	}
	current, _ := s.Get(target.Kind, target.ID)
	if current.Interaction.LikeCount != 9 {
		t.Fatalf("expected server count 9, got %d", current.Interaction.LikeCount)
	}
	if version, _ := current.VersionValue(); version != 4 {
		t.Fatalf("interaction patch must not touch version, got %d", version)
	}
}

func TestFailedCreationRemovesEntity(t *testing.T) {
	s := store.New(store.Config{})
	queue := mustQueue(t, s, nil)
	target := Target{Kind: entity.KindMessage, ID: "m-local"}

	handle, err := queue.Submit(context.Background(), KindSendMessage, target, func() error {
		_, err := s.Upsert(entity.KindMessage, entity.Entity{
			Kind:      entity.KindMessage,
			ID:        target.ID,
			CreatedAt: time.Now(),
			Message: &entity.MessagePayload{
				ChatID: "c1", ChatType: entity.ChatTypeGroup, SenderID: "me", Content: "hi",
				DeliveryStatus: entity.DeliverySending,
			},
		})
		return err
	}, func(context.Context) (Response, error) {
		return Response{}, &syncerr.NetworkError{Operation: "send_message", Err: errors.New("offline")}
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := waitResolved(t, handle); !errors.Is(err, syncerr.ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
	if s.Has(entity.KindMessage, target.ID) {
		t.Fatalf("expected optimistic message to be removed")
	}
}

func TestCreationConfirmedWithServerEntity(t *testing.T) {
	s := store.New(store.Config{})
	queue := mustQueue(t, s, nil)
	target := Target{Kind: entity.KindPost, ID: "local-1"}
	created := time.Unix(1700000100, 0).UTC()
	optimistic := entity.Entity{
		Kind:      entity.KindPost,
		ID:        target.ID,
		CreatedAt: created,
		Post:      &entity.PostPayload{AuthorID: "me", Content: "launch"},
	}

	confirmed := optimistic.Clone()
	confirmed.Version = entity.VersionPtr(0)
	confirmed.ServerUpdatedAt = entity.TimePtr(created)

	handle, err := queue.Submit(context.Background(), KindPublishPost, target, func() error {
		_, err := s.Upsert(entity.KindPost, optimistic)
		return err
	}, func(context.Context) (Response, error) {
		return Response{Entity: &confirmed}, nil
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := waitResolved(t, handle); err != nil {
		t.Fatalf("unexpected failure: %v", err)
	}
	stored, _ := s.Get(entity.KindPost, target.ID)
	if stored.IsOptimistic() {
		t.Fatalf("expected confirmed entity to replace optimistic one")
	}
}

func TestEchoConfirmsBeforeResponse(t *testing.T) {
	s := store.New(store.Config{})
	target := seedPost(t, s, false, 5)
	journal := &recordingJournal{}
	queue := mustQueue(t, s, journal)

	release := make(chan struct{})
	handle, err := queue.Submit(context.Background(), KindLike, target, likeApply(s, target), func(context.Context) (Response, error) {
		<-release
		return Response{}, &syncerr.ServerError{StatusCode: 503, Message: "late"}
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if !queue.ConfirmEcho(context.Background(), KindLike, target, Response{
		Interaction: &entity.InteractionPatch{Liked: entity.Bool(true), LikeCount: entity.Int(6)},
	}) {
		t.Fatalf("expected echo to match pending mutation")
	}
	if err := waitResolved(t, handle); err != nil {
		t.Fatalf("echo confirmation should resolve without error, got %v", err)
	}
	if queue.ConfirmEcho(context.Background(), KindLike, target, Response{}) {
		t.Fatalf("second echo must not match")
	}

	close(release)
	if err := queue.Drain(context.Background()); err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	current, _ := s.Get(target.Kind, target.ID)
	if !current.Interaction.Liked || current.Interaction.LikeCount != 6 {
		t.Fatalf("late failure after echo must not roll back, got %#v", current.Interaction)
	}
	if handle.Status() != StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", handle.Status())
	}
	if got := journal.statuses(); !reflect.DeepEqual(got, []Status{StatusPending, StatusConfirmed}) {
		t.Fatalf("unexpected journal statuses %v", got)
	}
}

func TestApplyFailureRestoresAndRejects(t *testing.T) {
	s := store.New(store.Config{})
	target := seedPost(t, s, false, 5)
	snapshot, _ := s.Get(target.Kind, target.ID)
	queue := mustQueue(t, s, nil)
	applyErr := errors.New("cannot apply")

	_, err := queue.Submit(context.Background(), KindLike, target, func() error {
		_ = s.PatchInteraction(target.Kind, target.ID, entity.InteractionPatch{LikeCount: entity.Int(100)})
		return applyErr
	}, func(context.Context) (Response, error) { return Response{}, nil })
	if !errors.Is(err, applyErr) {
		t.Fatalf("expected apply error, got %v", err)
	}
	current, _ := s.Get(target.Kind, target.ID)
	if !reflect.DeepEqual(current, snapshot) {
		t.Fatalf("expected snapshot after failed apply")
	}
	if queue.HasPending(KindLike, target) {
		t.Fatalf("failed apply must not register a mutation")
	}
}

func TestRequestTimeoutSurfacesNetworkError(t *testing.T) {
	s := store.New(store.Config{})
	target := seedPost(t, s, false, 5)
	queue, err := NewQueue(Config{Store: s, IDProvider: &sequenceIDs{}, RequestTimeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("unexpected queue error: %v", err)
	}

	handle, err := queue.Submit(context.Background(), KindLike, target, likeApply(s, target), func(ctx context.Context) (Response, error) {
		<-ctx.Done()
		return Response{}, ctx.Err()
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := waitResolved(t, handle); !errors.Is(err, syncerr.ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
	current, _ := s.Get(target.Kind, target.ID)
	if current.Interaction.LikeCount != 5 {
		t.Fatalf("expected rollback after timeout, got %d", current.Interaction.LikeCount)
	}
}

func TestNewQueueRequiresDependencies(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		code string
	}{
		{name: "store", cfg: Config{IDProvider: NewUUIDProvider()}, code: "mutation.queue.new.missing_store"},
		{name: "ids", cfg: Config{Store: store.New(store.Config{})}, code: "mutation.queue.new.missing_id_provider"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewQueue(tt.cfg)
			var queueErr *QueueError
			if !errors.As(err, &queueErr) || queueErr.Code() != tt.code {
				t.Fatalf("expected %s, got %v", tt.code, err)
			}
		})
	}
}

func TestPendingKindsAndListing(t *testing.T) {
	s := store.New(store.Config{})
	target := seedPost(t, s, false, 5)
	queue := mustQueue(t, s, nil)
	release := make(chan struct{})
	defer close(release)
	blocked := func(context.Context) (Response, error) {
		<-release
		return Response{}, nil
	}

	if _, err := queue.Submit(context.Background(), KindLike, target, likeApply(s, target), blocked); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if _, err := queue.Submit(context.Background(), KindAddReaction, target, func() error { return nil }, blocked); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	kinds := queue.PendingKinds(target)
	if !reflect.DeepEqual(kinds, []Kind{KindAddReaction, KindLike}) {
		t.Fatalf("unexpected pending kinds %v", kinds)
	}
	pending := queue.Pending()
	if len(pending) != 2 || pending[0].Status != StatusPending {
		t.Fatalf("unexpected pending list %#v", pending)
	}
}

func TestLateResponseAfterEchoKeepsNewerMutation(t *testing.T) {
	s := store.New(store.Config{})
	target := seedPost(t, s, false, 5)
	queue := mustQueue(t, s, nil)

	releaseLike := make(chan struct{})
	like, err := queue.Submit(context.Background(), KindLike, target, likeApply(s, target), func(context.Context) (Response, error) {
		<-releaseLike
		return Response{}, nil
	})
	if err != nil {
		t.Fatalf("submit like failed: %v", err)
	}
	if !queue.ConfirmEcho(context.Background(), KindLike, target, Response{
		Interaction: &entity.InteractionPatch{Liked: entity.Bool(true), LikeCount: entity.Int(6)},
	}) {
		t.Fatalf("expected echo to confirm the like")
	}
	if err := waitResolved(t, like); err != nil {
		t.Fatalf("like should be confirmed, got %v", err)
	}

	releaseUnlike := make(chan struct{})
	unlike, err := queue.Submit(context.Background(), KindLike, target, func() error {
		return s.PatchInteraction(target.Kind, target.ID, entity.InteractionPatch{Liked: entity.Bool(false), LikeCount: entity.Int(5)})
	}, func(context.Context) (Response, error) {
		<-releaseUnlike
		return Response{}, nil
	})
	if err != nil {
		t.Fatalf("submit unlike failed: %v", err)
	}

	// The like's authoritative response arrives after the echo.
	queue.confirm(context.Background(), like.rec, Response{
		Interaction: &entity.InteractionPatch{Liked: entity.Bool(true), LikeCount: entity.Int(6)},
	}, SourceResponse)
	close(releaseLike)
	current, _ := s.Get(target.Kind, target.ID)
	if current.Interaction.Liked || current.Interaction.LikeCount != 5 {
		t.Fatalf("late like response overwrote the pending unlike: %#v", current.Interaction)
	}

	close(releaseUnlike)
	if err := waitResolved(t, unlike); err != nil {
		t.Fatalf("unlike failed: %v", err)
	}
	current, _ = s.Get(target.Kind, target.ID)
	if current.Interaction.Liked || current.Interaction.LikeCount != 5 {
		t.Fatalf("expected unliked state to stick, got %#v", current.Interaction)
	}
}

func TestRequestContextCarriesMutationID(t *testing.T) {
	s := store.New(store.Config{})
	target := seedPost(t, s, false, 5)
	queue := mustQueue(t, s, nil)

	seen := make(chan string, 1)
	handle, err := queue.Submit(context.Background(), KindLike, target, likeApply(s, target), func(ctx context.Context) (Response, error) {
		mutationID, _ := IDFromContext(ctx)
		seen <- mutationID
		return Response{}, nil
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := waitResolved(t, handle); err != nil {
		t.Fatalf("unexpected failure: %v", err)
	}
	if got := <-seen; got != handle.ID() {
		t.Fatalf("expected request context to carry %q, got %q", handle.ID(), got)
	}
	if _, ok := IDFromContext(context.Background()); ok {
		t.Fatalf("expected no mutation id on a bare context")
	}
}
