// Package app wires the reconciliation core to the backend transport, the
// mutation journal and the metrics registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tradewind/internal/config"
	"github.com/MarcoPoloResearchLab/tradewind/internal/interactions"
	"github.com/MarcoPoloResearchLab/tradewind/internal/journal"
	"github.com/MarcoPoloResearchLab/tradewind/internal/metrics"
	"github.com/MarcoPoloResearchLab/tradewind/internal/mutation"
	"github.com/MarcoPoloResearchLab/tradewind/internal/notifications"
	"github.com/MarcoPoloResearchLab/tradewind/internal/pagination"
	"github.com/MarcoPoloResearchLab/tradewind/internal/realtime"
	"github.com/MarcoPoloResearchLab/tradewind/internal/server"
	"github.com/MarcoPoloResearchLab/tradewind/internal/session"
	"github.com/MarcoPoloResearchLab/tradewind/internal/store"
	"github.com/MarcoPoloResearchLab/tradewind/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	presencePruneInterval = time.Second
	resyncConcurrency     = 4
)

// Options describes a Client.
type Options struct {
	Config config.AppConfig
	Logger *zap.Logger
	// HTTPClient overrides the client used for backend and realtime requests.
	HTTPClient *http.Client
	Clock      func() time.Time
}

// Client is the composition root of the sync core.
type Client struct {
	cfg    config.AppConfig
	actor  session.Actor
	logger *zap.Logger

	store        *store.Store
	windows      *pagination.Manager
	queue        *mutation.Queue
	interactions *interactions.Service
	presence     *realtime.Presence
	reconciler   *realtime.Reconciler
	grouper      *notifications.Grouper
	journal      *journal.Journal
	backend      *transport.HTTPClient
	push         *transport.RealtimeClient
	registry     *prometheus.Registry

	stopTracking func()
	closeOnce    sync.Once
}

// NewClient builds every component and binds them to one store.
func NewClient(opts Options) (*Client, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	actor, err := session.ResolveActor(cfg.BackendToken, []byte(cfg.SessionSigningSecret), session.Options{
		Issuer: cfg.SessionIssuer,
		Clock:  opts.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("resolve actor: %w", err)
	}

	registry := prometheus.NewRegistry()
	if err := metrics.Register(registry); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	mutationJournal, err := journal.Open(cfg.JournalDSN, logger.Named("journal"))
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	c := &Client{
		cfg:      cfg,
		actor:    actor,
		logger:   logger,
		journal:  mutationJournal,
		registry: registry,
	}
	if err := c.build(opts); err != nil {
		_ = mutationJournal.Close()
		return nil, err
	}
	c.stopTracking = metrics.TrackStore(c.store)
	return c, nil
}

func (c *Client) build(opts Options) error {
	observer := metrics.Observer{}
	c.store = store.New(store.Config{Logger: c.logger.Named("store")})
	c.backend = transport.NewHTTPClient(transport.HTTPConfig{
		BaseURL:    c.cfg.BackendBaseURL,
		Token:      c.cfg.BackendToken,
		HTTPClient: opts.HTTPClient,
		MaxRetries: c.cfg.MaxRetries,
		Logger:     c.logger.Named("transport"),
	})

	var err error
	c.windows, err = pagination.NewManager(pagination.ManagerConfig{
		Store:    c.store,
		Logger:   c.logger.Named("pagination"),
		Observer: observer,
	})
	if err != nil {
		return err
	}
	c.queue, err = mutation.NewQueue(mutation.Config{
		Store:          c.store,
		IDProvider:     mutation.NewUUIDProvider(),
		Recorder:       c.journal,
		Observer:       observer,
		Clock:          opts.Clock,
		RequestTimeout: c.cfg.RequestTimeout,
		Logger:         c.logger.Named("mutation"),
	})
	if err != nil {
		return err
	}
	c.interactions, err = interactions.NewService(interactions.Config{
		Store:     c.store,
		Queue:     c.queue,
		Windows:   c.windows,
		Submitter: c.backend,
		Actor:     c.actor.ID,
		Clock:     opts.Clock,
		Logger:    c.logger.Named("interactions"),
	})
	if err != nil {
		return err
	}
	c.presence = realtime.NewPresence(c.cfg.TypingTTL, opts.Clock)
	c.reconciler, err = realtime.NewReconciler(realtime.Config{
		Store:     c.store,
		Pending:   c.queue,
		Windows:   c.windows,
		Presence:  c.presence,
		Actor:     c.actor.ID,
		DedupSize: c.cfg.DedupSize,
		Observer:  observer,
		Logger:    c.logger.Named("realtime"),
	})
	if err != nil {
		return err
	}
	c.grouper, err = notifications.NewGrouper(notifications.Config{
		Store:       c.store,
		RecipientID: c.actor.ID,
		Logger:      c.logger.Named("notifications"),
	})
	if err != nil {
		return err
	}

	if strings.TrimSpace(c.cfg.RealtimeURL) != "" {
		c.push, err = transport.NewRealtimeClient(transport.RealtimeConfig{
			URL:        c.cfg.RealtimeURL,
			Token:      c.cfg.BackendToken,
			HTTPClient: opts.HTTPClient,
			Logger:     c.logger.Named("push"),
		})
		if err != nil {
			c.grouper.Close()
			return err
		}
		c.push.OnConnect(c.handleConnect)
	}
	return nil
}

// Run consumes the realtime channel until ctx ends. Without a realtime
// endpoint it only keeps presence pruned.
func (c *Client) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		c.prunePresence(groupCtx)
		return nil
	})
	if c.push != nil {
		channel := c.channel()
		group.Go(func() error {
			err := c.push.Run(groupCtx, channel, func(raw []byte) {
				c.reconciler.HandleRaw(groupCtx, raw)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	} else {
		c.logger.Info("realtime url not configured; running without push events")
	}
	return group.Wait()
}

func (c *Client) channel() string {
	if channel := strings.TrimSpace(c.cfg.RealtimeChannel); channel != "" {
		return channel
	}
	return "user:" + c.actor.ID
}

func (c *Client) prunePresence(ctx context.Context) {
	ticker := time.NewTicker(presencePruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.presence.Prune()
		}
	}
}

// handleConnect backfills events missed while disconnected by reloading the
// first page of every open collection.
func (c *Client) handleConnect(ctx context.Context, reconnected bool) {
	if !reconnected {
		return
	}
	c.presence.Reset()
	if err := c.Resync(ctx); err != nil {
		c.logger.Warn("resync after reconnect incomplete", zap.Error(err))
	}
}

// Resync re-fetches the first page of every open collection. Failures are
// joined; collections that reload keep their new window.
func (c *Client) Resync(ctx context.Context) error {
	keys := c.windows.OpenKeys()
	var (
		mu     sync.Mutex
		errs   []error
		group  errgroup.Group
		loaded int
	)
	group.SetLimit(resyncConcurrency)
	for _, key := range keys {
		group.Go(func() error {
			_, err := c.windows.ReplaceFirstPage(ctx, key, c.backend.Fetcher(key))
			mu.Lock()
			defer mu.Unlock()
			if err != nil && !errors.Is(err, pagination.ErrSuperseded) {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return nil
			}
			loaded++
			return nil
		})
	}
	_ = group.Wait()
	c.logger.Info("collections resynced", zap.Int("collections", len(keys)), zap.Int("reloaded", loaded))
	return errors.Join(errs...)
}

// LoadNotificationGroups fetches the first notification page of the actor
// and returns the derived groups.
func (c *Client) LoadNotificationGroups(ctx context.Context) ([]notifications.Group, error) {
	key := pagination.NotificationsKey(c.actor.ID)
	if _, err := c.windows.FetchFirstPage(ctx, key, c.backend.Fetcher(key)); err != nil {
		return nil, err
	}
	return c.grouper.Groups(), nil
}

// Handler builds the local API over this client.
func (c *Client) Handler() (http.Handler, error) {
	return server.NewHTTPHandler(server.Dependencies{
		Store:          c.store,
		Windows:        c.windows,
		Fetch:          c.backend.Fetcher,
		Interactions:   c.interactions,
		Queue:          c.queue,
		Grouper:        c.grouper,
		Presence:       c.presence,
		Journal:        c.journal,
		Metrics:        promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}),
		AllowedOrigins: c.cfg.AllowedOrigins,
		Logger:         c.logger.Named("server"),
	})
}

// Close waits for in-flight mutations until ctx ends and releases the journal.
func (c *Client) Close(ctx context.Context) error {
	var closeErr error
	c.closeOnce.Do(func() {
		drainErr := c.queue.Drain(ctx)
		c.stopTracking()
		c.grouper.Close()
		closeErr = errors.Join(drainErr, c.journal.Close())
	})
	return closeErr
}

// Actor returns the signed-in user.
func (c *Client) Actor() session.Actor {
	return c.actor
}

func (c *Client) Store() *store.Store {
	return c.store
}

func (c *Client) Windows() *pagination.Manager {
	return c.windows
}

func (c *Client) Queue() *mutation.Queue {
	return c.queue
}

func (c *Client) Interactions() *interactions.Service {
	return c.interactions
}

func (c *Client) Presence() *realtime.Presence {
	return c.presence
}

func (c *Client) Grouper() *notifications.Grouper {
	return c.grouper
}

// Fetcher returns the backend page loader of key.
func (c *Client) Fetcher(key pagination.CollectionKey) pagination.Fetcher {
	return c.backend.Fetcher(key)
}
