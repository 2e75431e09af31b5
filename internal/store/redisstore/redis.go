// Package redisstore implements store.Store on top of Redis, the same
// backend the teacher codebase uses for distributed session storage.
// Balance mutation uses WATCH/MULTI optimistic transactions so that two
// concurrent credits (or a credit racing a debit) for the same principal
// never lose an update — the Open Question the core design left
// unresolved.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aixgo-dev/aixgo/internal/domain"
	"github.com/aixgo-dev/aixgo/internal/store"
)

// Backend implements store.Store using a Redis client.
type Backend struct {
	client *redis.Client
	prefix string
	closed bool
}

// Config configures a Backend.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // default "aixgo:"
	PoolSize int    // default 10
}

// New dials Redis and verifies connectivity.
func New(cfg Config) (*Backend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "aixgo:"
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Backend{client: client, prefix: prefix}, nil
}

// NewFromClient builds a Backend around an already-constructed client,
// primarily so tests can point it at a miniredis instance.
func NewFromClient(client *redis.Client, prefix string) *Backend {
	if prefix == "" {
		prefix = "aixgo:"
	}
	return &Backend{client: client, prefix: prefix}
}

// Key helpers follow the layout documented for the embedded store:
// session:meta:<principal>:<session-id>, session:messages:<principal>:<session-id>,
// user:sessions:<principal>, event:processed:<event-id>, balance:<principal>,
// zap:<principal>:<timestamp-ms>, ledger:<principal> (a capped list of
// audit entries, newest pushed to the tail).

func (b *Backend) metaKey(p domain.Principal, sessionID string) string {
	return b.prefix + "session:meta:" + string(p) + ":" + sessionID
}

func (b *Backend) messagesKey(p domain.Principal, sessionID string) string {
	return b.prefix + "session:messages:" + string(p) + ":" + sessionID
}

func (b *Backend) userSessionsKey(p domain.Principal) string {
	return b.prefix + "user:sessions:" + string(p)
}

func (b *Backend) processedKey(eventID string) string {
	return b.prefix + "event:processed:" + eventID
}

func (b *Backend) balanceKey(p domain.Principal) string {
	return b.prefix + "balance:" + string(p)
}

func (b *Backend) receiptKey(p domain.Principal, ts time.Time) string {
	return fmt.Sprintf("%szap:%s:%d", b.prefix, p, ts.UnixMilli())
}

func (b *Backend) profileKey(p domain.Principal) string {
	return b.prefix + "profile:" + string(p)
}

func (b *Backend) ledgerKey(p domain.Principal) string {
	return b.prefix + "ledger:" + string(p)
}

func (b *Backend) checkClosed() error {
	if b.closed {
		return store.ErrClosed
	}
	return nil
}

// SessionMeta loads session metadata.
func (b *Backend) SessionMeta(ctx context.Context, p domain.Principal, sessionID string) (*domain.SessionMeta, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}
	data, err := b.client.Get(ctx, b.metaKey(p, sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get session meta: %w", err)
	}
	var meta domain.SessionMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal session meta: %w", err)
	}
	return &meta, nil
}

// SaveSessionMeta creates or updates session metadata and the user's
// session index.
func (b *Backend) SaveSessionMeta(ctx context.Context, meta *domain.SessionMeta) error {
	if err := b.checkClosed(); err != nil {
		return err
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal session meta: %w", err)
	}

	pipe := b.client.Pipeline()
	pipe.Set(ctx, b.metaKey(meta.Principal, meta.SessionID), data, 0)
	pipe.SAdd(ctx, b.userSessionsKey(meta.Principal), meta.SessionID)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("save session meta: %w", err)
	}
	return nil
}

// UserSessions returns every session id known for a principal.
func (b *Backend) UserSessions(ctx context.Context, p domain.Principal) ([]string, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}
	ids, err := b.client.SMembers(ctx, b.userSessionsKey(p)).Result()
	if err != nil {
		return nil, fmt.Errorf("list user sessions: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// AppendMessage appends a message and marks the event processed,
// rejecting a duplicate event-id so only one worker ever wins the race.
func (b *Backend) AppendMessage(ctx context.Context, p domain.Principal, sessionID string, msg *domain.Message, eventID string) error {
	if err := b.checkClosed(); err != nil {
		return err
	}

	if eventID != "" {
		marker := domain.ProcessedMarker{EventID: eventID, SessionID: sessionID, Timestamp: msg.Timestamp}
		data, err := json.Marshal(marker)
		if err != nil {
			return fmt.Errorf("marshal processed marker: %w", err)
		}
		ok, err := b.client.SetNX(ctx, b.processedKey(eventID), data, 0).Result()
		if err != nil {
			return fmt.Errorf("claim event id: %w", err)
		}
		if !ok {
			return store.ErrDuplicateEvent
		}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	key := b.messagesKey(p, sessionID)
	pipe := b.client.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -store.MessageLogCap, -1)
	llen := pipe.LLen(ctx, key)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	meta, err := b.SessionMeta(ctx, p, sessionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if meta == nil {
		origin := domain.OriginOther
		if msg.SourceKind == domain.KindPrivateMessage {
			origin = domain.OriginDM
		} else if msg.SourceKind == domain.KindPublicPost {
			origin = domain.OriginPublic
		}
		meta = &domain.SessionMeta{
			Principal: p,
			SessionID: sessionID,
			CreatedAt: msg.Timestamp,
			Origin:    origin,
		}
	}
	meta.LastMessageAt = msg.Timestamp
	meta.MessageCount = int(llen.Val())
	return b.SaveSessionMeta(ctx, meta)
}

// Messages returns up to limit most-recent messages, oldest first.
func (b *Backend) Messages(ctx context.Context, p domain.Principal, sessionID string, limit int) ([]*domain.Message, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}
	var start int64 = 0
	if limit > 0 {
		start = -int64(limit)
	}
	data, err := b.client.LRange(ctx, b.messagesKey(p, sessionID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	return decodeMessages(data)
}

// RecentMessagesForPrincipal unions messages across every session
// belonging to p, sorted by timestamp, truncated to limit.
func (b *Backend) RecentMessagesForPrincipal(ctx context.Context, p domain.Principal, limit int) ([]*domain.Message, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}
	sessionIDs, err := b.UserSessions(ctx, p)
	if err != nil {
		return nil, err
	}

	var all []*domain.Message
	for _, sid := range sessionIDs {
		msgs, err := b.Messages(ctx, p, sid, 0)
		if err != nil {
			return nil, err
		}
		all = append(all, msgs...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func decodeMessages(data []string) ([]*domain.Message, error) {
	out := make([]*domain.Message, 0, len(data))
	for _, d := range data {
		var m domain.Message
		if err := json.Unmarshal([]byte(d), &m); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		out = append(out, &m)
	}
	return out, nil
}

// IsProcessed reports whether eventID already has a processed marker.
func (b *Backend) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	if err := b.checkClosed(); err != nil {
		return false, err
	}
	n, err := b.client.Exists(ctx, b.processedKey(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("check processed: %w", err)
	}
	return n > 0, nil
}

// Balance returns a principal's current balance.
func (b *Backend) Balance(ctx context.Context, p domain.Principal) (*domain.Balance, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}
	return b.loadBalance(ctx, p)
}

func (b *Backend) loadBalance(ctx context.Context, p domain.Principal) (*domain.Balance, error) {
	data, err := b.client.Get(ctx, b.balanceKey(p)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return &domain.Balance{Principal: p, Sats: 0}, nil
		}
		return nil, fmt.Errorf("get balance: %w", err)
	}
	var bal domain.Balance
	if err := json.Unmarshal(data, &bal); err != nil {
		return nil, fmt.Errorf("unmarshal balance: %w", err)
	}
	return &bal, nil
}

// Credit atomically adds sats via an optimistic WATCH/MULTI transaction,
// retrying on a concurrent writer until it wins the race or ctx is done.
func (b *Backend) Credit(ctx context.Context, p domain.Principal, sats int64, now time.Time) (*domain.Balance, error) {
	return b.mutateBalance(ctx, p, now, func(cur int64) (int64, bool) {
		return cur + sats, true
	})
}

// Debit atomically subtracts sats only if the result stays non-negative.
func (b *Backend) Debit(ctx context.Context, p domain.Principal, sats int64, now time.Time) (*domain.Balance, bool, error) {
	var applied bool
	bal, err := b.mutateBalance(ctx, p, now, func(cur int64) (int64, bool) {
		if cur < sats {
			applied = false
			return cur, false
		}
		applied = true
		return cur - sats, true
	})
	return bal, applied, err
}

func (b *Backend) mutateBalance(ctx context.Context, p domain.Principal, now time.Time, mutate func(cur int64) (next int64, changed bool)) (*domain.Balance, error) {
	key := b.balanceKey(p)

	var result *domain.Balance
	txf := func(tx *redis.Tx) error {
		cur := int64(0)
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			cur = 0
		case err != nil:
			return fmt.Errorf("watch get balance: %w", err)
		default:
			var bal domain.Balance
			if err := json.Unmarshal(data, &bal); err != nil {
				return fmt.Errorf("unmarshal balance: %w", err)
			}
			cur = bal.Sats
		}

		next, changed := mutate(cur)
		bal := domain.Balance{Principal: p, Sats: next, LastUpdated: now}
		result = &bal
		if !changed {
			// Still execute an empty transaction so the WATCH is released
			// and the caller sees a consistent read.
			_, err := tx.TxPipelined(ctx, func(redis.Pipeliner) error { return nil })
			return err
		}

		payload, err := json.Marshal(bal)
		if err != nil {
			return fmt.Errorf("marshal balance: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}

	for {
		err := b.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, fmt.Errorf("balance transaction: %w", err)
		}
		// optimistic retry: a concurrent writer won this round
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("balance transaction: %w", ctxErr)
		}
	}
}

// SaveReceipt persists a parsed receipt record.
func (b *Backend) SaveReceipt(ctx context.Context, r *domain.Receipt) error {
	if err := b.checkClosed(); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}
	if err := b.client.Set(ctx, b.receiptKey(r.Sender, r.CreatedAt), data, 0).Err(); err != nil {
		return fmt.Errorf("save receipt: %w", err)
	}
	return nil
}

// ledgerCap bounds the per-principal audit trail kept in Redis.
const ledgerCap = 500

// AppendLedgerEntry records one balance mutation for audit purposes.
func (b *Backend) AppendLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) error {
	if err := b.checkClosed(); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}
	key := b.ledgerKey(entry.Principal)
	pipe := b.client.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -ledgerCap, -1)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

// LedgerEntries returns up to limit most-recent ledger entries, oldest first.
func (b *Backend) LedgerEntries(ctx context.Context, p domain.Principal, limit int) ([]*domain.LedgerEntry, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}
	var start int64 = 0
	if limit > 0 {
		start = -int64(limit)
	}
	data, err := b.client.LRange(ctx, b.ledgerKey(p), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load ledger entries: %w", err)
	}
	out := make([]*domain.LedgerEntry, 0, len(data))
	for _, d := range data {
		var e domain.LedgerEntry
		if err := json.Unmarshal([]byte(d), &e); err != nil {
			return nil, fmt.Errorf("unmarshal ledger entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, nil
}

// Profile returns a cached profile if present and not older than maxAge.
func (b *Backend) Profile(ctx context.Context, p domain.Principal, maxAge time.Duration) (*domain.Profile, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}
	data, err := b.client.Get(ctx, b.profileKey(p)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get profile: %w", err)
	}
	var prof domain.Profile
	if err := json.Unmarshal(data, &prof); err != nil {
		return nil, fmt.Errorf("unmarshal profile: %w", err)
	}
	if maxAge > 0 && time.Since(prof.FetchedAt) > maxAge {
		return nil, store.ErrNotFound
	}
	return &prof, nil
}

// SaveProfile caches a fetched profile.
func (b *Backend) SaveProfile(ctx context.Context, prof *domain.Profile) error {
	if err := b.checkClosed(); err != nil {
		return err
	}
	data, err := json.Marshal(prof)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	if err := b.client.Set(ctx, b.profileKey(prof.Principal), data, 0).Err(); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

// Close releases resources held by the backend.
func (b *Backend) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}
