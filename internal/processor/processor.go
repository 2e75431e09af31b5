// Package processor implements the core per-event pipeline: decrypt,
// session-bind, profile lookup, content-fingerprint dedup, message-log
// append, balance-intent short-circuit, accounting debit, history fetch,
// AI completion, reply publish, balance broadcast, and bot-reply append.
// It is grounded on this codebase's ancestor's agent.Execute body in
// internal/runtime/local.go (the step-by-step Call path wrapped in a
// context-bounded, error-returning function the work queue retries),
// generalized from a single agent invocation into the twelve-step
// sequence spec.md §4.7 describes.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aixgo-dev/aixgo/internal/accounting"
	"github.com/aixgo-dev/aixgo/internal/aiclient"
	"github.com/aixgo-dev/aixgo/internal/breaker"
	"github.com/aixgo-dev/aixgo/internal/clock"
	"github.com/aixgo-dev/aixgo/internal/dedup"
	"github.com/aixgo-dev/aixgo/internal/domain"
	"github.com/aixgo-dev/aixgo/internal/idgen"
	"github.com/aixgo-dev/aixgo/internal/observability"
	"github.com/aixgo-dev/aixgo/internal/profile"
	"github.com/aixgo-dev/aixgo/internal/relay"
	"github.com/aixgo-dev/aixgo/internal/signer"
	"github.com/aixgo-dev/aixgo/internal/store"
	pkgobs "github.com/aixgo-dev/aixgo/pkg/observability"
)

const (
	defaultSessionID  = "default"
	publicSessionID   = "public"
	historyLimit      = 100
	sessionTagMaxLen  = 120
)

// Publisher is the relay fan-out the Processor publishes replies and
// balance announcements through.
type Publisher interface {
	Publish(ctx context.Context, event *domain.Event) []relay.PublishResult
}

// AI is the breaker-protected completion call the Processor drives;
// *aiclient.Client satisfies it. Kept as an interface, like Publisher
// above, so tests can substitute a fake that never dials the real
// backend.
type AI interface {
	Complete(ctx context.Context, req aiclient.Request) string
	Stats() (calls, errors, fallbacks int64)
	BreakerState() breaker.State
}

// Config configures a Processor.
type Config struct {
	Self          domain.Principal
	Store         store.Store
	Signer        signer.Signer
	Profiles      *profile.Cache
	Fingerprints  *dedup.Fingerprint
	Accounting    *accounting.Engine
	AI            AI
	Publisher     Publisher
	ResponseDelay time.Duration
	Clock         clock.Clock
	IDs           idgen.Generator
	Logger        *slog.Logger
}

// Processor implements dispatcher.Processor.
type Processor struct {
	cfg  Config
	log  *slog.Logger
	cron *cron.Cron

	errors int64
}

// New constructs a Processor and starts the periodic sweep of its
// content-fingerprint set (dedup.Fingerprint documents sweeping as the
// caller's responsibility rather than doing it inline on every lookup).
func New(cfg Config) *Processor {
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.IDs == nil {
		cfg.IDs = idgen.UUID{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	p := &Processor{cfg: cfg, log: cfg.Logger}
	if cfg.Fingerprints != nil {
		p.cron = cron.New()
		_, _ = p.cron.AddFunc("@every 1m", cfg.Fingerprints.Sweep)
		p.cron.Start()
	}
	return p
}

// Stop halts the fingerprint sweeper.
func (p *Processor) Stop() {
	if p.cron != nil {
		p.cron.Stop()
	}
}

// Errors reports the lifetime error count, for the status endpoint.
func (p *Processor) Errors() int64 { return atomic.LoadInt64(&p.errors) }

// Process runs the full pipeline for one inbound event. A non-nil error
// triggers the work queue's retry-with-backoff policy.
func (p *Processor) Process(ctx context.Context, evt *domain.Event) error {
	if err := p.process(ctx, evt); err != nil {
		atomic.AddInt64(&p.errors, 1)
		pkgobs.RecordProcessorError()
		_, errSpan := observability.StartSpanWithContext(ctx, "processor.error", map[string]any{"event.id": evt.ID})
		errSpan.SetError(err)
		errSpan.End()
		p.notifyError(evt)
		return err
	}
	return nil
}

func (p *Processor) process(ctx context.Context, evt *domain.Event) error {
	ctx, span := observability.StartSpanWithContext(ctx, "processor.process", map[string]any{
		"event.id":   evt.ID,
		"event.kind": evt.Kind.String(),
	})
	defer span.End()

	now := p.cfg.Clock.Now()

	// 1. Extract content.
	text, _, err := p.extractContent(ctx, evt)
	if err != nil {
		p.log.Warn("undecryptable event dropped", "event", evt.ID, "error", err)
		return nil
	}
	if strings.TrimSpace(text) == "" {
		p.log.Debug("empty content dropped", "event", evt.ID)
		return nil
	}

	// 2. Session id.
	sessionID, hasSessionTag := p.sessionID(evt)

	// 3. Profile lookup (fast path, may be nil).
	prof := p.cfg.Profiles.Lookup(ctx, evt.Author)

	// 4. Content-fingerprint dedup.
	fpKey := string(evt.Author) + ":" + text
	if p.cfg.Fingerprints.SeenOrMark(fpKey) {
		return nil
	}

	// 5. Append user message.
	if err := p.ensureSession(ctx, evt.Author, sessionID, now, originFor(evt.Kind)); err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	userMsg := &domain.Message{
		ID:             p.cfg.IDs.New(),
		Direction:      domain.DirectionUser,
		Text:           text,
		Timestamp:      now,
		Classification: domain.ClassQuestion,
		SourceEventID:  evt.ID,
		SourceKind:     evt.Kind,
		ProfileSnap:    snapshot(prof),
	}
	if err := p.cfg.Store.AppendMessage(ctx, evt.Author, sessionID, userMsg, evt.ID); err != nil {
		if err == store.ErrDuplicateEvent {
			return nil
		}
		return fmt.Errorf("append user message: %w", err)
	}

	// 6. Balance-intent short-circuit.
	if isBalanceIntent(text) {
		bal, err := p.cfg.Accounting.Balance(ctx, evt.Author)
		if err != nil {
			return fmt.Errorf("balance lookup: %w", err)
		}
		reply := fmt.Sprintf("Your balance is %d sats.", bal.Sats)
		p.reply(ctx, evt, sessionID, hasSessionTag, reply, domain.ClassBalanceInfo, userMsg.ID, now)
		p.cfg.Accounting.Announce(ctx, evt.Author, bal, now)
		return nil
	}

	// 7. Accounting: debit before reply.
	cost := accounting.CostFor(evt.Kind)
	bal, ok, err := p.cfg.Accounting.Debit(ctx, evt.Author, cost, now)
	if err != nil {
		return fmt.Errorf("debit: %w", err)
	}
	if !ok {
		reply := fmt.Sprintf("Insufficient balance to process this request. Required: %d sats, you have: %d sats.", cost, bal.Sats)
		p.reply(ctx, evt, sessionID, hasSessionTag, reply, domain.ClassSystem, userMsg.ID, now)
		p.cfg.Accounting.Announce(ctx, evt.Author, bal, now)
		return nil
	}

	// 8. Fetch conversation history.
	var history []*domain.Message
	if hasSessionTag {
		history, err = p.cfg.Store.Messages(ctx, evt.Author, sessionID, historyLimit)
	} else {
		history, err = p.cfg.Store.RecentMessagesForPrincipal(ctx, evt.Author, historyLimit)
	}
	if err != nil {
		return fmt.Errorf("fetch history: %w", err)
	}

	// 9. AI call.
	conversationKey := ""
	if hasSessionTag {
		conversationKey = string(evt.Author) + ":" + sessionID
	}
	aiCtx, aiSpan := observability.StartSpanWithContext(ctx, "processor.ai_complete", map[string]any{
		"history.len": len(history),
	})
	_, _, fallbacksBefore := p.cfg.AI.Stats()
	replyText := p.cfg.AI.Complete(aiCtx, aiclient.Request{
		Principal:       evt.Author,
		Text:            text,
		History:         history,
		Profile:         prof,
		ConversationKey: conversationKey,
	})
	aiSpan.End()
	pkgobs.RecordAICall()
	_, _, fallbacksAfter := p.cfg.AI.Stats()
	if fallbacksAfter > fallbacksBefore {
		pkgobs.RecordAIFallback()
	}
	pkgobs.SetBreakerState(int(p.cfg.AI.BreakerState()))
	if p.cfg.ResponseDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.ResponseDelay):
		}
	}

	// 10-12. Publish reply, broadcast balance, append bot message.
	p.reply(ctx, evt, sessionID, hasSessionTag, replyText, domain.ClassResponse, userMsg.ID, now)
	bal, balErr := p.cfg.Accounting.Balance(ctx, evt.Author)
	if balErr == nil {
		p.cfg.Accounting.Announce(ctx, evt.Author, bal, now)
	}
	return nil
}

// extractContent decrypts PrivateMessage content via the signer's
// envelope decryption, or returns PublicPost content unchanged.
func (p *Processor) extractContent(ctx context.Context, evt *domain.Event) (text string, ok bool, err error) {
	if evt.Kind != domain.KindPrivateMessage {
		return evt.Content, true, nil
	}
	plain, err := p.cfg.Signer.Decrypt(ctx, evt.Author, evt.Content)
	if err != nil {
		return "", false, err
	}
	return plain, true, nil
}

// sessionID extracts the session tag, truncated to its documented max
// length, or synthesizes one when absent.
func (p *Processor) sessionID(evt *domain.Event) (id string, explicit bool) {
	if s, ok := evt.Tags.First("session"); ok && s != "" {
		if len(s) > sessionTagMaxLen {
			s = s[:sessionTagMaxLen]
		}
		return s, true
	}
	if evt.Kind == domain.KindPublicPost {
		return publicSessionID, false
	}
	return defaultSessionID, false
}

func originFor(k domain.EventKind) domain.SessionOrigin {
	if k == domain.KindPublicPost {
		return domain.OriginPublic
	}
	return domain.OriginDM
}

func (p *Processor) ensureSession(ctx context.Context, principal domain.Principal, sessionID string, now time.Time, origin domain.SessionOrigin) error {
	_, err := p.cfg.Store.SessionMeta(ctx, principal, sessionID)
	if err == nil {
		return nil
	}
	if err != store.ErrNotFound {
		return err
	}
	return p.cfg.Store.SaveSessionMeta(ctx, &domain.SessionMeta{
		Principal: principal,
		SessionID: sessionID,
		CreatedAt: now,
		Origin:    origin,
	})
}

func snapshot(prof *domain.Profile) *domain.ProfileSnapshot {
	if prof == nil {
		return nil
	}
	return &domain.ProfileSnapshot{Name: prof.Name, DisplayName: prof.DisplayName, About: prof.About}
}

// reply publishes a reply event and appends it to the session log.
func (p *Processor) reply(ctx context.Context, evt *domain.Event, sessionID string, hasSessionTag bool, text string, class domain.MessageClass, replyTo string, now time.Time) {
	out := &domain.Event{
		Kind:      evt.Kind,
		CreatedAt: now,
	}

	switch evt.Kind {
	case domain.KindPrivateMessage:
		ciphertext, err := p.cfg.Signer.Encrypt(ctx, evt.Author, text)
		if err != nil {
			p.log.Error("encrypt reply failed", "peer", evt.Author, "error", err)
			return
		}
		out.Content = ciphertext
		out.Tags = domain.Tags{domain.Tag{"p", string(evt.Author)}}
		if hasSessionTag {
			out.Tags = append(out.Tags, domain.Tag{"session", sessionID})
		}
	default:
		out.Content = text
		out.Tags = domain.Tags{
			domain.Tag{"e", evt.ID, "", "reply"},
			domain.Tag{"p", string(evt.Author)},
		}
	}

	results := p.cfg.Publisher.Publish(ctx, out)
	if !relay.Delivered(results) {
		p.log.Warn("reply not delivered to any relay", "event", evt.ID)
	}

	botMsg := &domain.Message{
		ID:             p.cfg.IDs.New(),
		Direction:      domain.DirectionBot,
		Text:           text,
		Timestamp:      now,
		Classification: class,
		ReplyTo:        replyTo,
		SourceEventID:  evt.ID,
		SourceKind:     evt.Kind,
	}
	if err := p.cfg.Store.AppendMessage(ctx, evt.Author, sessionID, botMsg, ""); err != nil {
		p.log.Error("append bot reply failed", "event", evt.ID, "error", err)
	}
}

// notifyError attempts a best-effort error-notice DM; failures here are
// swallowed, per spec.md §4.7's "best-effort" language.
func (p *Processor) notifyError(evt *domain.Event) {
	if evt.Kind != domain.KindPrivateMessage {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ciphertext, err := p.cfg.Signer.Encrypt(ctx, evt.Author, "Sorry, something went wrong processing your message. It will be retried.")
	if err != nil {
		return
	}
	notice := &domain.Event{
		Kind:      domain.KindPrivateMessage,
		CreatedAt: time.Now(),
		Content:   ciphertext,
		Tags:      domain.Tags{domain.Tag{"p", string(evt.Author)}},
	}
	_ = p.cfg.Publisher.Publish(ctx, notice)
}

var balanceWords = []string{"balance", "credit", "wallet", "sats"}

var contextWords = []string{"my", "check", "show", "what", "how much", "how many", "?"}

var exclusionTerms = []string{
	"identity", "nip05", "profile", "name", "who am i", "about me", "information about me",
}

var wordPattern = regexp.MustCompile(`[a-z]+`)

// oneWordQuery matches a message that is a single bare word (optionally
// trailed by a question mark), e.g. "balance", "sats?", "wallet": the
// one-word regex fallback spec.md §4.7 step 6 calls for alongside the
// context-gated fuzzy match.
var oneWordQuery = regexp.MustCompile(`^[a-z]+\??$`)

// isBalanceIntent implements spec.md §4.7 step 6's fuzzy classifier:
// a case-insensitive Levenshtein match (distance <= 30% of target
// length) against a small balance-vocabulary, gated by a context word,
// with a regex fallback for bare one-word queries and an exclusion list
// that forces fall-through to the AI path.
func isBalanceIntent(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))

	for _, excl := range exclusionTerms {
		if strings.Contains(lower, excl) {
			return false
		}
	}

	if oneWordQuery.MatchString(lower) {
		word := strings.TrimSuffix(lower, "?")
		for _, target := range balanceWords {
			threshold := 0.3 * float64(len(target))
			if float64(levenshtein(word, target)) <= threshold {
				return true
			}
		}
	}

	hasContext := false
	for _, c := range contextWords {
		if strings.Contains(lower, c) {
			hasContext = true
			break
		}
	}
	if !hasContext {
		return false
	}

	for _, word := range wordPattern.FindAllString(lower, -1) {
		for _, target := range balanceWords {
			threshold := 0.3 * float64(len(target))
			if float64(levenshtein(word, target)) <= threshold {
				return true
			}
		}
	}
	return false
}

// levenshtein computes the classic edit distance between two strings.
// No suitable library ships in the retrieval pack for this narrow a
// need; the standard textbook DP is the idiomatic
// fallback.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}

	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}

	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[lb]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
