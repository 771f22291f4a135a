// Package mutation tracks optimistic mutations per entity: it applies the
// provisional state, issues the request and confirms or rolls back when the
// request resolves.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tradewind/internal/entity"
	"github.com/MarcoPoloResearchLab/tradewind/internal/store"
	"github.com/MarcoPoloResearchLab/tradewind/internal/syncerr"
	"go.uber.org/zap"
)

var (
	// ErrRejected indicates that a submission failed admission for a reason other than a pending conflict.
	ErrRejected = errors.New("mutation: rejected")

	errMissingStore      = errors.New("store is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingCallbacks  = errors.New("apply and request functions are required")
	errRequestPanicked   = errors.New("request panicked")
	noOpLogger           = zap.NewNop()
)

const (
	opQueueNew     = "mutation.queue.new"
	opSubmit       = "mutation.submit"
	opResolve      = "mutation.resolve"
	opRecord       = "mutation.record"
	opConfirmEcho  = "mutation.confirm_echo"
	fieldMutation  = "mutation_id"
	fieldKind      = "mutation_kind"
	fieldTarget    = "target"
	reasonRejected = "rejected"
)

// QueueError carries an operation.reason code for failures of the queue itself.
type QueueError struct {
	code string
	err  error
}

func (e *QueueError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *QueueError) Unwrap() error {
	return e.err
}

func (e *QueueError) Code() string {
	return e.code
}

func newQueueError(operation, reason string, cause error) error {
	return &QueueError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ApplyFunc writes the provisional state into the store. It runs synchronously
// inside Submit and must not call back into the Queue.
type ApplyFunc func() error

// RequestFunc issues the network call. A nil error means the server accepted
// the mutation.
type RequestFunc func(ctx context.Context) (Response, error)

// Response is the optional authoritative payload returned by the server.
type Response struct {
	Entity      *entity.Entity
	Interaction *entity.InteractionPatch
}

// Source names what moved a mutation to its current status.
type Source string

const (
	SourceSubmit   Source = "submit"
	SourceResponse Source = "response"
	SourceEcho     Source = "echo"
)

// Transition is one lifecycle step of a mutation.
type Transition struct {
	MutationID  string
	Kind        Kind
	Target      Target
	Status      Status
	Source      Source
	ErrorCode   string
	Error       string
	SubmittedAt time.Time
	At          time.Time
}

// Recorder persists transitions, e.g. into the diagnostic journal.
type Recorder interface {
	Record(ctx context.Context, transition Transition) error
}

// Observer receives resolved mutations, e.g. for metrics.
type Observer interface {
	ObserveMutation(kind Kind, status Status, latency time.Duration)
}

// Mutation is a read-only view of a tracked mutation.
type Mutation struct {
	ID               string
	Kind             Kind
	Target           Target
	PreviousSnapshot *entity.Entity
	Status           Status
	SubmittedAt      time.Time
	ResolvedAt       time.Time
	Err              error
}

func (m Mutation) clone() Mutation {
	copied := m
	if m.PreviousSnapshot != nil {
		snapshot := m.PreviousSnapshot.Clone()
		copied.PreviousSnapshot = &snapshot
	}
	return copied
}

// Config describes the dependencies of a Queue.
type Config struct {
	Store      *store.Store
	IDProvider IDProvider
	Recorder   Recorder
	Observer   Observer
	Clock      func() time.Time
	// RequestTimeout bounds each request; zero leaves it to the request's own transport.
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

type slot struct {
	kind   Kind
	target Target
}

type record struct {
	mutation Mutation
	done     chan struct{}
}

// Queue is the OptimisticMutationQueue.
type Queue struct {
	mu      sync.Mutex
	pending map[slot]*record

	store    *store.Store
	ids      IDProvider
	recorder Recorder
	observer Observer
	clock    func() time.Time
	timeout  time.Duration
	logger   *zap.Logger

	inflight sync.WaitGroup
}

// NewQueue constructs a Queue bound to the store.
func NewQueue(cfg Config) (*Queue, error) {
	if cfg.Store == nil {
		return nil, newQueueError(opQueueNew, "missing_store", errMissingStore)
	}
	if cfg.IDProvider == nil {
		return nil, newQueueError(opQueueNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Queue{
		pending:  make(map[slot]*record),
		store:    cfg.Store,
		ids:      cfg.IDProvider,
		recorder: cfg.Recorder,
		observer: cfg.Observer,
		clock:    clock,
		timeout:  cfg.RequestTimeout,
		logger:   logger,
	}, nil
}

// Submit admits the mutation, applies the provisional state and issues the
// request in the background. A second submission of the same kind for the
// same target while the first is pending fails with a *syncerr.ConflictError.
//
// The request runs detached from ctx cancellation; RequestTimeout bounds it.
func (q *Queue) Submit(ctx context.Context, kind Kind, target Target, apply ApplyFunc, request RequestFunc) (*Handle, error) {
	if apply == nil || request == nil {
		return nil, newQueueError(opSubmit, "invalid_submission", errMissingCallbacks)
	}
	mutationID, err := q.ids.NewID()
	if err != nil {
		q.logError(opSubmit, "id_generation_failed", err)
		return nil, newQueueError(opSubmit, "id_generation_failed", err)
	}

	var (
		rec       *record
		view      Mutation
		submitErr error
	)
	q.store.Batch(func() {
		q.mu.Lock()
		defer q.mu.Unlock()

		key := slot{kind: kind, target: target}
		pendingID := ""
		if existing := q.pending[key]; existing != nil {
			pendingID = existing.mutation.ID
		}
		guard := CanSubmit(SubmitContext{
			Kind:         kind,
			Target:       target,
			PendingID:    pendingID,
			TargetCached: q.store.Has(target.Kind, target.ID),
		})
		if !guard.Allowed {
			if guard.Conflict {
				submitErr = &syncerr.ConflictError{Kind: target.Kind.String(), EntityID: target.ID.String(), Reason: guard.Reason}
				return
			}
			submitErr = newQueueError(opSubmit, reasonRejected, fmt.Errorf("%w: %s", ErrRejected, guard.Reason))
			return
		}

		var snapshot *entity.Entity
		if !kind.Creates() {
			if current, ok := q.store.Get(target.Kind, target.ID); ok {
				snapshot = &current
			}
		}
		if applyErr := apply(); applyErr != nil {
			q.rollbackLocked(kind, target, snapshot)
			submitErr = newQueueError(opSubmit, "apply_failed", applyErr)
			return
		}

		rec = &record{
			mutation: Mutation{
				ID:               mutationID,
				Kind:             kind,
				Target:           target,
				PreviousSnapshot: snapshot,
				Status:           StatusPending,
				SubmittedAt:      q.clock(),
			},
			done: make(chan struct{}),
		}
		q.pending[key] = rec
		view = rec.mutation.clone()
	})
	if submitErr != nil {
		q.logger.Debug("mutation not admitted",
			zap.String(fieldKind, kind.String()),
			zap.String(fieldTarget, target.String()),
			zap.Error(submitErr))
		return nil, submitErr
	}

	detached := context.WithoutCancel(ctx)
	q.record(detached, view, SourceSubmit)
	q.inflight.Add(1)
	go q.resolve(detached, rec, request)
	return &Handle{queue: q, rec: rec}, nil
}

// HasPending reports whether a mutation of kind is pending for target.
func (q *Queue) HasPending(kind Kind, target Target) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.pending[slot{kind: kind, target: target}]
	return ok
}

// PendingKinds lists the kinds with a pending mutation for target.
func (q *Queue) PendingKinds(target Target) []Kind {
	q.mu.Lock()
	kinds := make([]Kind, 0)
	for key := range q.pending {
		if key.target == target {
			kinds = append(kinds, key.kind)
		}
	}
	q.mu.Unlock()
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Pending lists every pending mutation ordered by submission time.
func (q *Queue) Pending() []Mutation {
	q.mu.Lock()
	mutations := make([]Mutation, 0, len(q.pending))
	for _, rec := range q.pending {
		mutations = append(mutations, rec.mutation.clone())
	}
	q.mu.Unlock()
	sort.Slice(mutations, func(i, j int) bool {
		if !mutations[i].SubmittedAt.Equal(mutations[j].SubmittedAt) {
			return mutations[i].SubmittedAt.Before(mutations[j].SubmittedAt)
		}
		return mutations[i].ID < mutations[j].ID
	})
	return mutations
}

// ConfirmEcho routes a realtime echo of a pending mutation through the
// success path. It reports false when nothing of kind is pending for target.
func (q *Queue) ConfirmEcho(ctx context.Context, kind Kind, target Target, response Response) bool {
	q.mu.Lock()
	rec := q.pending[slot{kind: kind, target: target}]
	q.mu.Unlock()
	if rec == nil {
		return false
	}
	q.logger.Debug("mutation confirmed by echo",
		zap.String(fieldMutation, rec.mutation.ID),
		zap.String("operation", opConfirmEcho))
	q.confirm(ctx, rec, response, SourceEcho)
	return true
}

// Drain waits until every in-flight request has resolved or ctx ends.
func (q *Queue) Drain(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		q.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) resolve(ctx context.Context, rec *record, request RequestFunc) {
	defer q.inflight.Done()

	requestCtx := ContextWithID(ctx, rec.mutation.ID)
	cancel := context.CancelFunc(func() {})
	if q.timeout > 0 {
		requestCtx, cancel = context.WithTimeout(requestCtx, q.timeout)
	}
	response, err := q.invoke(requestCtx, request)
	cancel()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, syncerr.ErrNetwork) {
			err = &syncerr.NetworkError{Operation: rec.mutation.Kind.String(), Err: err}
		}
		q.fail(ctx, rec, err)
		return
	}
	q.confirm(ctx, rec, response, SourceResponse)
}

func (q *Queue) invoke(ctx context.Context, request RequestFunc) (response Response, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%w: %v", errRequestPanicked, recovered)
		}
	}()
	return request(ctx)
}

func (q *Queue) confirm(ctx context.Context, rec *record, response Response, source Source) {
	var (
		view         Mutation
		transitioned bool
	)
	q.store.Batch(func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		key := slot{kind: rec.mutation.Kind, target: rec.mutation.Target}
		if rec.mutation.Status != StatusPending {
			// Already confirmed by an echo. The late response may only settle
			// the slot while no newer mutation holds it.
			if q.pending[key] == nil {
				q.applyResponseLocked(rec.mutation, response)
			}
			return
		}
		q.applyResponseLocked(rec.mutation, response)
		rec.mutation.Status = StatusConfirmed
		rec.mutation.ResolvedAt = q.clock()
		delete(q.pending, key)
		view = rec.mutation.clone()
		transitioned = true
	})
	if !transitioned {
		return
	}
	q.record(ctx, view, source)
	close(rec.done)
}

func (q *Queue) fail(ctx context.Context, rec *record, cause error) {
	var (
		view         Mutation
		transitioned bool
	)
	q.store.Batch(func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if rec.mutation.Status != StatusPending {
			return
		}
		q.rollbackLocked(rec.mutation.Kind, rec.mutation.Target, rec.mutation.PreviousSnapshot)
		rec.mutation.Status = StatusFailed
		rec.mutation.Err = cause
		rec.mutation.ResolvedAt = q.clock()
		delete(q.pending, slot{kind: rec.mutation.Kind, target: rec.mutation.Target})
		view = rec.mutation.clone()
		transitioned = true
	})
	if !transitioned {
		q.logger.Warn("request failed after echo confirmation; keeping confirmed state",
			zap.String(fieldMutation, rec.mutation.ID),
			zap.String(fieldKind, rec.mutation.Kind.String()),
			zap.Error(cause))
		return
	}
	q.logError(opResolve, "request_failed", cause,
		zap.String(fieldMutation, view.ID),
		zap.String(fieldKind, view.Kind.String()),
		zap.String(fieldTarget, view.Target.String()),
		zap.String("error_code", syncerr.Code(cause)))
	q.record(ctx, view, SourceResponse)
	close(rec.done)
}

// rollbackLocked restores the snapshot verbatim, or removes the target when
// there is none. A target deleted since submission stays deleted.
func (q *Queue) rollbackLocked(kind Kind, target Target, snapshot *entity.Entity) {
	if snapshot == nil {
		q.store.Remove(target.Kind, target.ID)
		return
	}
	if !q.store.Has(target.Kind, target.ID) {
		q.logger.Info("rollback skipped for deleted entity",
			zap.String(fieldKind, kind.String()),
			zap.String(fieldTarget, target.String()))
		return
	}
	q.store.Restore(*snapshot)
}

func (q *Queue) applyResponseLocked(m Mutation, response Response) {
	if response.Entity != nil {
		confirmed := *response.Entity
		kind := confirmed.Kind
		if kind == "" {
			kind = m.Target.Kind
		}
		if m.Kind.Creates() && confirmed.ID != "" && confirmed.ID != m.Target.ID {
			q.store.Remove(m.Target.Kind, m.Target.ID)
		}
		if _, err := q.store.Upsert(kind, confirmed); err != nil {
			q.logError(opResolve, "response_rejected", err,
				zap.String(fieldMutation, m.ID),
				zap.String(fieldTarget, m.Target.String()))
		}
	}
	if response.Interaction != nil && !response.Interaction.IsEmpty() {
		err := q.store.PatchInteraction(m.Target.Kind, m.Target.ID, *response.Interaction)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			q.logError(opResolve, "interaction_rejected", err,
				zap.String(fieldMutation, m.ID),
				zap.String(fieldTarget, m.Target.String()))
		}
	}
}

func (q *Queue) record(ctx context.Context, m Mutation, source Source) {
	transition := Transition{
		MutationID:  m.ID,
		Kind:        m.Kind,
		Target:      m.Target,
		Status:      m.Status,
		Source:      source,
		SubmittedAt: m.SubmittedAt,
		At:          q.clock(),
	}
	if m.Err != nil {
		transition.ErrorCode = syncerr.Code(m.Err)
		transition.Error = m.Err.Error()
	}
	if q.observer != nil && m.Status != StatusPending {
		q.observer.ObserveMutation(m.Kind, m.Status, m.ResolvedAt.Sub(m.SubmittedAt))
	}
	if q.recorder == nil {
		return
	}
	if err := q.recorder.Record(ctx, transition); err != nil {
		q.logError(opRecord, "record_failed", err, zap.String(fieldMutation, m.ID))
	}
}

func (q *Queue) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	q.logger.Error("mutation queue error", attrs...)
}

// Handle follows one submitted mutation.
type Handle struct {
	queue *Queue
	rec   *record
}

// ID returns the client-generated mutation id.
func (h *Handle) ID() string {
	return h.rec.mutation.ID
}

// Done is closed once the mutation is confirmed or failed.
func (h *Handle) Done() <-chan struct{} {
	return h.rec.done
}

// Wait blocks until the mutation resolves and returns its error. On failure
// the optimistic state has already been rolled back.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.rec.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the current lifecycle status.
func (h *Handle) Status() Status {
	h.queue.mu.Lock()
	defer h.queue.mu.Unlock()
	return h.rec.mutation.Status
}

// Err returns the failure cause, or nil while pending or once confirmed.
func (h *Handle) Err() error {
	h.queue.mu.Lock()
	defer h.queue.mu.Unlock()
	return h.rec.mutation.Err
}

// Mutation returns a view of the tracked mutation.
func (h *Handle) Mutation() Mutation {
	h.queue.mu.Lock()
	defer h.queue.mu.Unlock()
	return h.rec.mutation.clone()
}
