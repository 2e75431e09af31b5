// Package aiclient wraps the remote AI completion provider behind the
// breaker, owns the bounded per-conversation chat-context LRU, and
// supplies the small fixed set of fallback strings the core design asks
// for when every retry is exhausted.
package aiclient

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"google.golang.org/genai"

	"github.com/aixgo-dev/aixgo/internal/breaker"
	"github.com/aixgo-dev/aixgo/internal/domain"
)

const (
	defaultModel            = "gemini-2.0-flash"
	maxSeedHistoryMessages  = 40
	defaultMaxChatSessions  = 5000
	defaultChatTTL          = 30 * time.Minute
	defaultCallTimeout      = 60 * time.Second
	extraRetryAttempts      = 2
	retryBaseDelayMS        = 1000
	retryMaxDelayMS         = 5000
)

var fallbackReplies = []string{
	"Sorry, I'm having trouble thinking right now. Please try again in a moment.",
	"Something went wrong on my end processing that. Mind trying again shortly?",
	"I couldn't get a response together just now. Give it another try soon.",
}

// Config configures a Client.
type Config struct {
	APIKey   string
	Model    string
	BotName  string

	EnableSessionReuse       bool
	MaxChatSessions          int
	ChatTTL                  time.Duration
	EnableMemorySummary      bool
	MemorySummaryMinMessages int

	FailureThreshold int
	ResetTimeout     time.Duration
	CallTimeout      time.Duration
}

// Request describes one completion call.
type Request struct {
	Principal       domain.Principal
	Text            string
	History         []*domain.Message // ordered, oldest first
	Profile         *domain.Profile   // may be nil
	ConversationKey string            // "principal:session-id"; empty disables reuse for this call
}

// Client wraps the AI backend behind a breaker and a bounded chat-context
// cache.
type Client struct {
	cfg     Config
	genai   *genai.Client
	breaker *breaker.Breaker
	lru     *chatLRU

	fallbacks int64
	calls     int64
	errors    int64
}

// New constructs a Client. It dials the provider lazily on first call;
// construction only validates configuration.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxChatSessions <= 0 {
		cfg.MaxChatSessions = defaultMaxChatSessions
	}
	if cfg.ChatTTL <= 0 {
		cfg.ChatTTL = defaultChatTTL
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.BotName == "" {
		cfg.BotName = "ZapAI"
	}

	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return &Client{
		cfg:   cfg,
		genai: gc,
		breaker: breaker.New(breaker.Config{
			FailureThreshold: cfg.FailureThreshold,
			ResetTimeout:     cfg.ResetTimeout,
			SuccessThreshold: 1,
			CallTimeout:      cfg.CallTimeout,
		}),
		lru: newChatLRU(cfg.MaxChatSessions, cfg.ChatTTL),
	}, nil
}

// BreakerState reports the breaker's current state for the status endpoint.
func (c *Client) BreakerState() breaker.State { return c.breaker.State() }

// Stats reports counters for the status endpoint.
func (c *Client) Stats() (calls, errors, fallbacks int64) {
	return atomic.LoadInt64(&c.calls), atomic.LoadInt64(&c.errors), atomic.LoadInt64(&c.fallbacks)
}

// Complete runs the AI call body under the breaker, retrying up to
// extraRetryAttempts additional times with exponential backoff, falling
// back to a fixed apology string when every attempt is exhausted. An
// open breaker short-circuits immediately on the first rejection rather
// than burning the retry delays; the breaker's own resetTimeout gates
// the next real attempt, not this loop's backoff.
func (c *Client) Complete(ctx context.Context, req Request) string {
	atomic.AddInt64(&c.calls, 1)

	var lastErr error
	for attempt := 0; attempt <= extraRetryAttempts; attempt++ {
		if attempt > 0 {
			delayMS := retryBaseDelayMS << (attempt - 1)
			if delayMS > retryMaxDelayMS {
				delayMS = retryMaxDelayMS
			}
			select {
			case <-ctx.Done():
				atomic.AddInt64(&c.errors, 1)
				return c.fallback()
			case <-time.After(time.Duration(delayMS) * time.Millisecond):
			}
		}

		var reply string
		err := c.breaker.Execute(ctx, func(callCtx context.Context) error {
			var callErr error
			reply, callErr = c.completeOnce(callCtx, req)
			return callErr
		})
		if err == nil {
			return reply
		}
		if errors.Is(err, breaker.ErrOpen) {
			atomic.AddInt64(&c.errors, 1)
			return c.fallback()
		}
		lastErr = err
	}

	atomic.AddInt64(&c.errors, 1)
	_ = lastErr
	return c.fallback()
}

func (c *Client) fallback() string {
	n := atomic.AddInt64(&c.fallbacks, 1)
	return fallbackReplies[int(n-1)%len(fallbackReplies)]
}

func (c *Client) completeOnce(ctx context.Context, req Request) (string, error) {
	now := time.Now()

	if !c.cfg.EnableSessionReuse || req.ConversationKey == "" {
		return c.oneShot(ctx, req)
	}

	if cc, ok := c.lru.get(req.ConversationKey); ok {
		text, err := cc.session.Send(req.Text)
		if err != nil {
			return "", fmt.Errorf("ai send: %w", err)
		}
		c.lru.touch(req.ConversationKey, now)
		return text, nil
	}

	session, err := c.newSession(ctx, req)
	if err != nil {
		return "", err
	}
	text, err := session.Send(req.Text)
	if err != nil {
		return "", fmt.Errorf("ai send: %w", err)
	}
	c.lru.put(&chatContext{
		key:        req.ConversationKey,
		session:    session,
		createdAt:  now,
		lastUsedAt: now,
	})
	return text, nil
}

func (c *Client) oneShot(ctx context.Context, req Request) (string, error) {
	session, err := c.newSession(ctx, req)
	if err != nil {
		return "", err
	}
	text, err := session.Send(req.Text)
	if err != nil {
		return "", fmt.Errorf("ai send: %w", err)
	}
	return text, nil
}

func (c *Client) newSession(ctx context.Context, req Request) (*genaiSession, error) {
	history := req.History
	if len(history) > maxSeedHistoryMessages {
		history = history[len(history)-maxSeedHistoryMessages:]
	}

	primer := buildPrimer(c.cfg.BotName, req.Profile)
	if c.cfg.EnableMemorySummary && len(req.History) >= c.cfg.MemorySummaryMinMessages {
		if summary := c.memorySummary(ctx, req.History); summary != "" {
			primer += " Here is a memory summary of this user's earlier conversation, as JSON: " + summary
		}
	}
	return newGenaiSession(ctx, c.genai, c.cfg.Model, primer, history)
}

// memorySummary runs summarizeTranscript through the same breaker used
// for regular completions; a summary failure never blocks the reply, it
// just means the primer carries no extra context for this turn.
func (c *Client) memorySummary(ctx context.Context, history []*domain.Message) string {
	var summary string
	err := c.breaker.Execute(ctx, func(callCtx context.Context) error {
		var callErr error
		summary, callErr = summarizeTranscript(callCtx, c.genai, c.cfg.Model, history)
		return callErr
	})
	if err != nil {
		return ""
	}
	return summary
}

func buildPrimer(botName string, profile *domain.Profile) string {
	primer := fmt.Sprintf("You are %s, an assistant reachable over a decentralized relay network. Today's date is %s.",
		botName, time.Now().UTC().Format("2006-01-02"))
	if profile != nil {
		if profile.DisplayName != "" {
			primer += fmt.Sprintf(" You are speaking with %s.", profile.DisplayName)
		}
		if profile.About != "" {
			primer += fmt.Sprintf(" Their profile says: %q.", profile.About)
		}
	}
	return primer
}

// ChatSessionCount reports the LRU's current size for the status endpoint.
func (c *Client) ChatSessionCount() int { return c.lru.len() }
