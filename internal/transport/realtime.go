package transport

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	defaultReconnectDelay    = 500 * time.Millisecond
	defaultMaxReconnectDelay = 30 * time.Second
	defaultReadLimit         = 1 << 20
)

// ErrMissingRealtimeURL indicates that a RealtimeClient has no endpoint.
var ErrMissingRealtimeURL = errors.New("transport: realtime url is required")

// RealtimeConfig describes a RealtimeClient.
type RealtimeConfig struct {
	URL        string
	Token      string
	HTTPClient *http.Client
	// BaseDelay and MaxDelay bound the reconnect backoff.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	ReadLimit int64
	Logger    *zap.Logger
}

// ConnectFunc runs after every successful dial. reconnected is false for the
// first connection of a subscription.
type ConnectFunc func(ctx context.Context, reconnected bool)

// RealtimeClient implements subscribeRealtime over a websocket. It redials
// with exponential backoff until the subscription ends.
type RealtimeClient struct {
	url        string
	token      string
	httpClient *http.Client
	baseDelay  time.Duration
	maxDelay   time.Duration
	readLimit  int64
	logger     *zap.Logger

	mu        sync.Mutex
	onConnect []ConnectFunc
}

// NewRealtimeClient constructs a RealtimeClient.
func NewRealtimeClient(cfg RealtimeConfig) (*RealtimeClient, error) {
	endpoint := strings.TrimSpace(cfg.URL)
	if endpoint == "" {
		return nil, ErrMissingRealtimeURL
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, err
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultReconnectDelay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxReconnectDelay
	}
	readLimit := cfg.ReadLimit
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RealtimeClient{
		url:        endpoint,
		token:      strings.TrimSpace(cfg.Token),
		httpClient: cfg.HTTPClient,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		readLimit:  readLimit,
		logger:     logger,
	}, nil
}

// OnConnect registers fn to run after every successful dial.
func (c *RealtimeClient) OnConnect(fn ConnectFunc) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.onConnect = append(c.onConnect, fn)
	c.mu.Unlock()
}

// Subscribe starts delivering raw events of channel to onEvent in a
// background goroutine. The returned function stops the subscription and
// waits for the read loop to exit.
func (c *RealtimeClient) Subscribe(ctx context.Context, channel string, onEvent func([]byte)) (unsubscribe func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := c.Run(ctx, channel, onEvent); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("realtime subscription ended", zap.String("channel", channel), zap.Error(err))
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// Run reads events until ctx ends, redialing after every disconnect. onEvent
// is called sequentially in arrival order.
func (c *RealtimeClient) Run(ctx context.Context, channel string, onEvent func([]byte)) error {
	endpoint, err := c.channelURL(channel)
	if err != nil {
		return err
	}
	connected := false
	failures := 0
	for {
		conn, err := c.dial(ctx, endpoint)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			delay := c.backoff(failures)
			c.logger.Warn("realtime dial failed",
				zap.String("operation", "realtime.dial"),
				zap.Int("attempt", failures),
				zap.Duration("retry_in", delay),
				zap.Error(err))
			if waitErr := waitWithContext(ctx, delay); waitErr != nil {
				return waitErr
			}
			continue
		}
		failures = 0
		c.logger.Info("realtime channel connected", zap.String("channel", channel), zap.Bool("reconnected", connected))
		c.notifyConnect(ctx, connected)
		connected = true

		readErr := c.readLoop(ctx, conn, onEvent)
		if ctx.Err() != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "subscription closed")
			return ctx.Err()
		}
		_ = conn.Close(websocket.StatusGoingAway, "reconnecting")
		c.logger.Warn("realtime channel disconnected",
			zap.String("channel", channel),
			zap.Int("close_status", int(websocket.CloseStatus(readErr))),
			zap.Error(readErr))
		if waitErr := waitWithContext(ctx, c.baseDelay); waitErr != nil {
			return waitErr
		}
	}
}

func (c *RealtimeClient) dial(ctx context.Context, endpoint string) (*websocket.Conn, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(c.readLimit)
	return conn, nil
}

func (c *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn, onEvent func([]byte)) error {
	for {
		messageType, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if messageType != websocket.MessageText && messageType != websocket.MessageBinary {
			continue
		}
		onEvent(data)
	}
}

func (c *RealtimeClient) notifyConnect(ctx context.Context, reconnected bool) {
	c.mu.Lock()
	hooks := make([]ConnectFunc, len(c.onConnect))
	copy(hooks, c.onConnect)
	c.mu.Unlock()
	for _, hook := range hooks {
		hook(ctx, reconnected)
	}
}

func (c *RealtimeClient) backoff(failures int) time.Duration {
	delay := c.baseDelay
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func (c *RealtimeClient) channelURL(channel string) (string, error) {
	parsed, err := url.Parse(c.url)
	if err != nil {
		return "", err
	}
	if channel = strings.TrimSpace(channel); channel != "" {
		query := parsed.Query()
		query.Set("channel", channel)
		parsed.RawQuery = query.Encode()
	}
	return parsed.String(), nil
}
