package relay

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/aixgo/internal/domain"
	"github.com/aixgo-dev/aixgo/pkg/observability"
)

const (
	backoffBase       = 5 * time.Second
	backoffCap        = 60 * time.Second
	defaultMaxFailures = 5
	defaultPublishTimeout = 8 * time.Second
)

// Handler receives every event the Supervisor delivers, tagged with its
// originating relay URL (already stamped onto domain.Event.RelayURL).
type Handler func(evt *domain.Event)

// Supervisor runs one long-running subscription loop per relay URL with
// exponential-backoff reconnection, and fans publishes out to every live
// relay in parallel. It owns no wire protocol of its own — each relay is
// a Client built by the caller's dial function, so tests can supply an
// in-memory fake.
type Supervisor struct {
	dial           func(ctx context.Context, url string) (Client, error)
	filters        []domain.Filter
	handler        Handler
	publishTimeout time.Duration
	maxFailures    int
	log            *slog.Logger
	sleep          func(ctx context.Context, attempt int) // backoff sleep seam, overridable in tests

	mu      sync.RWMutex
	health  map[string]*Health
	clients map[string]Client
}

// Config configures a Supervisor.
type Config struct {
	Dial           func(ctx context.Context, url string) (Client, error)
	Filters        []domain.Filter
	Handler        Handler
	PublishTimeout time.Duration
	MaxFailures    int
	Logger         *slog.Logger
}

// New constructs a Supervisor. Call Run once per relay URL (typically in
// its own goroutine) to start that relay's subscription loop.
func New(cfg Config) *Supervisor {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Supervisor{
		dial:           cfg.Dial,
		filters:        cfg.Filters,
		handler:        cfg.Handler,
		publishTimeout: cfg.PublishTimeout,
		maxFailures:    cfg.MaxFailures,
		log:            cfg.Logger,
		health:         make(map[string]*Health),
		clients:        make(map[string]Client),
	}
	s.sleep = s.sleepBackoff
	return s
}

// Run drives one relay's connect/subscribe/reconnect loop until ctx is
// canceled or the relay is marked permanently failed. It is meant to be
// called once per URL, each in its own goroutine.
func (s *Supervisor) Run(ctx context.Context, url string) {
	s.ensureHealth(url)

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			s.forgetClient(url)
			return
		default:
		}

		client, err := s.dial(ctx, url)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			s.recordDialFailure(url, err)
			if attempt >= s.maxFailures {
				s.markPermanent(url)
				s.log.Warn("relay permanently failed", "url", url, "attempts", attempt)
				return
			}
			s.sleep(ctx, attempt)
			continue
		}

		s.setClient(url, client)
		s.setConnected(url, true)

		received := func() int64 {
			s.mu.RLock()
			defer s.mu.RUnlock()
			if h, ok := s.health[url]; ok {
				return h.Received
			}
			return 0
		}
		before := received()
		err = s.streamOnce(ctx, client)
		s.setConnected(url, false)
		_ = client.Close()
		s.forgetClient(url)

		if ctx.Err() != nil {
			return
		}
		if received() > before {
			attempt = 0
		}
		if err == nil {
			attempt = 0
			continue
		}

		attempt++
		s.recordStreamFailure(url, err)
		if attempt >= s.maxFailures {
			s.markPermanent(url)
			s.log.Warn("relay permanently failed", "url", url, "attempts", attempt)
			return
		}
		s.sleep(ctx, attempt)
	}
}

// streamOnce subscribes and pumps frames to the handler until the
// subscription ends (EOSE is transparent; CLOSED or a read error ends
// the loop so Run can reconnect). A successful event delivery resets the
// relay's recorded failure count, and Run resets its attempt counter to
// zero once a stream that delivered an event ends.
func (s *Supervisor) streamOnce(ctx context.Context, client Client) error {
	sub, err := client.Subscribe(ctx, s.filters)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		frame, ok, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		switch frame.Kind {
		case FrameEvent:
			s.resetFailures(client.URL())
			s.recordReceived(client.URL())
			if frame.Event != nil {
				frame.Event.RelayURL = client.URL()
				go s.handler(frame.Event)
			}
		case FrameEOSE:
			// continue streaming live events
		case FrameClosed:
			if isPolicyRejection(frame.Reason) {
				s.log.Warn("relay closed subscription", "url", client.URL(), "reason", frame.Reason)
			}
			s.recordError(client.URL(), frame.Reason)
			return nil
		}
	}
}

// Publish fans out event to every live relay in parallel, each bounded
// by its own deadline so one slow relay cannot stall the batch. It is
// considered delivered if at least one relay succeeded.
func (s *Supervisor) Publish(ctx context.Context, event *domain.Event) []PublishResult {
	s.mu.RLock()
	clients := make([]Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	results := make([]PublishResult, len(clients))
	g, gctx := errgroup.WithContext(context.Background())
	for i, c := range clients {
		i, c := i, c
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, s.publishTimeout)
			defer cancel()
			err := c.Publish(callCtx, event)
			if err != nil {
				if isPolicyRejection(err.Error()) {
					s.log.Warn("relay rejected publish", "url", c.URL(), "error", err)
				}
				s.recordError(c.URL(), err.Error())
				results[i] = PublishResult{URL: c.URL(), Success: false, Error: err}
				return nil
			}
			s.recordSent(c.URL())
			results[i] = PublishResult{URL: c.URL(), Success: true}
			return nil
		})
	}
	_ = g.Wait()
	_ = ctx
	return results
}

// Delivered reports whether at least one relay accepted a publish.
func Delivered(results []PublishResult) bool {
	for _, r := range results {
		if r.Success {
			return true
		}
	}
	return false
}

// QueryProfile asks every live relay in parallel for a principal's
// metadata and returns the first successful non-nil result. It is used
// by internal/profile for the cold-path fetch.
func (s *Supervisor) QueryProfile(ctx context.Context, p domain.Principal, timeout time.Duration) (*domain.Profile, error) {
	s.mu.RLock()
	clients := make([]Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	if len(clients) == 0 {
		return nil, nil
	}

	type result struct {
		prof *domain.Profile
		err  error
	}
	resCh := make(chan result, len(clients))
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for _, c := range clients {
		c := c
		go func() {
			prof, err := c.QueryProfile(qctx, p, timeout)
			resCh <- result{prof, err}
		}()
	}

	for range clients {
		select {
		case r := <-resCh:
			if r.err == nil && r.prof != nil {
				return r.prof, nil
			}
		case <-qctx.Done():
			return nil, qctx.Err()
		}
	}
	return nil, nil
}

// HealthSnapshot returns a copy of every tracked relay's health record,
// for the observability status endpoint.
func (s *Supervisor) HealthSnapshot() []Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Health, 0, len(s.health))
	for _, h := range s.health {
		out = append(out, *h)
	}
	return out
}

func (s *Supervisor) ensureHealth(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.health[url]; !ok {
		s.health[url] = &Health{URL: url}
	}
}

func (s *Supervisor) setClient(url string, c Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[url] = c
}

func (s *Supervisor) forgetClient(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, url)
}

func (s *Supervisor) setConnected(url string, connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.health[url]
	if h == nil {
		h = &Health{URL: url}
		s.health[url] = h
	}
	h.Connected = connected
	if connected {
		h.LastSeen = time.Now()
	}
	observability.SetRelayConnected(url, connected)
}

func (s *Supervisor) resetFailures(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h := s.health[url]; h != nil {
		h.Failures = 0
	}
}

func (s *Supervisor) recordReceived(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h := s.health[url]; h != nil {
		h.Received++
		h.LastSeen = time.Now()
	}
}

func (s *Supervisor) recordSent(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h := s.health[url]; h != nil {
		h.Sent++
	}
}

func (s *Supervisor) recordError(url, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.health[url]
	if h == nil {
		h = &Health{URL: url}
		s.health[url] = h
	}
	h.LastError = reason
}

func (s *Supervisor) recordDialFailure(url string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.health[url]
	if h == nil {
		h = &Health{URL: url}
		s.health[url] = h
	}
	h.Failures++
	h.LastError = err.Error()
}

func (s *Supervisor) recordStreamFailure(url string, err error) {
	s.recordDialFailure(url, err)
}

func (s *Supervisor) markPermanent(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h := s.health[url]; h != nil {
		h.Permanently = true
		h.Connected = false
	}
}

func (s *Supervisor) sleepBackoff(ctx context.Context, attempt int) {
	d := backoffBase << (attempt - 1)
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// isPolicyRejection reports whether a relay error string is the kind of
// policy rejection (proof-of-work required, restricted, blocked,
// auth-required) that spec.md §4.1 asks to suppress at warn level while
// still recording it in the relay's error counter.
func isPolicyRejection(msg string) bool {
	lower := strings.ToLower(msg)
	for _, prefix := range []string{"pow:", "restricted:", "blocked:", "auth-required:", "rate-limited:"} {
		if strings.Contains(lower, prefix) {
			return true
		}
	}
	return false
}
