// Package firestorestore implements store.Store on top of Google Cloud
// Firestore, the alternate STORE_BACKEND this codebase supports alongside
// Redis. It is grounded on the teacher's
// pkg/vectorstore/firestore.FirestoreVectorStore (cloud.google.com/go/firestore
// client construction, collection-per-concern layout) but balance mutation
// uses Firestore's native RunTransaction instead of hand-rolled
// optimistic retry, since Firestore (unlike the Redis WATCH path in
// redisstore) exposes read-your-write transactions directly.
package firestorestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/aixgo-dev/aixgo/internal/domain"
	"github.com/aixgo-dev/aixgo/internal/store"
)

// Backend implements store.Store using a Firestore client. Each concern
// gets its own top-level collection, matching the key-prefix layout the
// core design documents for the embedded store, translated into
// collection/document terms.
type Backend struct {
	client *firestore.Client
	closed bool
}

// Config configures a Backend.
type Config struct {
	ProjectID       string
	CredentialsFile string
}

// New dials Firestore for the given project, using Application Default
// Credentials unless CredentialsFile is set.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("firestore project id is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}
	return &Backend{client: client}, nil
}

func (b *Backend) checkClosed() error {
	if b.closed {
		return store.ErrClosed
	}
	return nil
}

// Collection names mirror the embedded store's key prefixes:
// session:meta -> "session_meta", session:messages -> "session_messages",
// user:sessions -> "user_sessions", event:processed -> "event_processed",
// balance -> "balance", zap -> "receipt", profile -> "profile",
// ledger entries live as a subcollection of the balance document.

func (b *Backend) sessKey(p domain.Principal, sessionID string) string {
	return string(p) + ":" + sessionID
}

func (b *Backend) metaDoc(p domain.Principal, sessionID string) *firestore.DocumentRef {
	return b.client.Collection("session_meta").Doc(b.sessKey(p, sessionID))
}

func (b *Backend) messagesDoc(p domain.Principal, sessionID string) *firestore.DocumentRef {
	return b.client.Collection("session_messages").Doc(b.sessKey(p, sessionID))
}

func (b *Backend) userSessionsDoc(p domain.Principal) *firestore.DocumentRef {
	return b.client.Collection("user_sessions").Doc(string(p))
}

func (b *Backend) processedDoc(eventID string) *firestore.DocumentRef {
	return b.client.Collection("event_processed").Doc(eventID)
}

func (b *Backend) balanceDoc(p domain.Principal) *firestore.DocumentRef {
	return b.client.Collection("balance").Doc(string(p))
}

func (b *Backend) profileDoc(p domain.Principal) *firestore.DocumentRef {
	return b.client.Collection("profile").Doc(string(p))
}

// messagesPayload is the document shape backing session_messages: a
// capped, JSON-encoded array field rather than native Firestore map
// values, so ordering and the 1000-entry tail cap are exactly the
// encoding the rest of the codebase already round-trips through JSON.
type messagesPayload struct {
	Data []byte `firestore:"data"`
}

type userSessionsPayload struct {
	SessionIDs []string `firestore:"sessionIds"`
}

// SessionMeta loads session metadata.
func (b *Backend) SessionMeta(ctx context.Context, p domain.Principal, sessionID string) (*domain.SessionMeta, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}
	snap, err := b.metaDoc(p, sessionID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session meta: %w", err)
	}
	var meta domain.SessionMeta
	if err := snap.DataTo(&meta); err != nil {
		return nil, fmt.Errorf("decode session meta: %w", err)
	}
	return &meta, nil
}

// SaveSessionMeta creates or updates session metadata and the user's
// session index.
func (b *Backend) SaveSessionMeta(ctx context.Context, meta *domain.SessionMeta) error {
	if err := b.checkClosed(); err != nil {
		return err
	}
	if _, err := b.metaDoc(meta.Principal, meta.SessionID).Set(ctx, meta); err != nil {
		return fmt.Errorf("save session meta: %w", err)
	}
	return b.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref := b.userSessionsDoc(meta.Principal)
		snap, err := tx.Get(ref)
		var cur userSessionsPayload
		if err == nil {
			_ = snap.DataTo(&cur)
		} else if status.Code(err) != codes.NotFound {
			return fmt.Errorf("read user sessions: %w", err)
		}
		for _, id := range cur.SessionIDs {
			if id == meta.SessionID {
				return nil
			}
		}
		cur.SessionIDs = append(cur.SessionIDs, meta.SessionID)
		return tx.Set(ref, cur)
	})
}

// UserSessions returns every session id known for a principal.
func (b *Backend) UserSessions(ctx context.Context, p domain.Principal) ([]string, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}
	snap, err := b.userSessionsDoc(p).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list user sessions: %w", err)
	}
	var cur userSessionsPayload
	if err := snap.DataTo(&cur); err != nil {
		return nil, fmt.Errorf("decode user sessions: %w", err)
	}
	out := append([]string(nil), cur.SessionIDs...)
	sort.Strings(out)
	return out, nil
}

func (b *Backend) loadMessages(ctx context.Context, p domain.Principal, sessionID string) ([]*domain.Message, error) {
	snap, err := b.messagesDoc(p, sessionID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	var payload messagesPayload
	if err := snap.DataTo(&payload); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	if len(payload.Data) == 0 {
		return nil, nil
	}
	var msgs []*domain.Message
	if err := json.Unmarshal(payload.Data, &msgs); err != nil {
		return nil, fmt.Errorf("unmarshal messages: %w", err)
	}
	return msgs, nil
}

// AppendMessage appends a message and marks the event processed,
// rejecting a duplicate event-id so only one worker ever wins the race.
// The event-id claim and the message append happen in one Firestore
// transaction so a concurrent append for the same event-id cannot both
// "win".
func (b *Backend) AppendMessage(ctx context.Context, p domain.Principal, sessionID string, msg *domain.Message, eventID string) error {
	if err := b.checkClosed(); err != nil {
		return err
	}

	err := b.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if eventID != "" {
			pref := b.processedDoc(eventID)
			if _, err := tx.Get(pref); err == nil {
				return store.ErrDuplicateEvent
			} else if status.Code(err) != codes.NotFound {
				return fmt.Errorf("check processed: %w", err)
			}
			marker := domain.ProcessedMarker{EventID: eventID, SessionID: sessionID, Timestamp: msg.Timestamp}
			if err := tx.Set(pref, marker); err != nil {
				return err
			}
		}

		mref := b.messagesDoc(p, sessionID)
		snap, err := tx.Get(mref)
		var payload messagesPayload
		if err == nil {
			_ = snap.DataTo(&payload)
		} else if status.Code(err) != codes.NotFound {
			return fmt.Errorf("read messages: %w", err)
		}
		var msgs []*domain.Message
		if len(payload.Data) > 0 {
			if err := json.Unmarshal(payload.Data, &msgs); err != nil {
				return fmt.Errorf("unmarshal messages: %w", err)
			}
		}
		msgs = append(msgs, msg)
		if len(msgs) > store.MessageLogCap {
			msgs = msgs[len(msgs)-store.MessageLogCap:]
		}
		data, err := json.Marshal(msgs)
		if err != nil {
			return fmt.Errorf("marshal messages: %w", err)
		}
		if err := tx.Set(mref, messagesPayload{Data: data}); err != nil {
			return err
		}

		meta := &domain.SessionMeta{Principal: p, SessionID: sessionID, LastMessageAt: msg.Timestamp, MessageCount: len(msgs)}
		metaRef := b.metaDoc(p, sessionID)
		existing, err := tx.Get(metaRef)
		if err == nil {
			var prior domain.SessionMeta
			if derr := existing.DataTo(&prior); derr == nil {
				meta.CreatedAt = prior.CreatedAt
				meta.Origin = prior.Origin
				meta.Label = prior.Label
			}
		} else if status.Code(err) != codes.NotFound {
			return fmt.Errorf("read session meta: %w", err)
		} else {
			meta.CreatedAt = msg.Timestamp
			switch msg.SourceKind {
			case domain.KindPrivateMessage:
				meta.Origin = domain.OriginDM
			case domain.KindPublicPost:
				meta.Origin = domain.OriginPublic
			default:
				meta.Origin = domain.OriginOther
			}
		}
		return tx.Set(metaRef, meta)
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateEvent) {
			return store.ErrDuplicateEvent
		}
		return fmt.Errorf("append message: %w", err)
	}

	return b.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref := b.userSessionsDoc(p)
		snap, err := tx.Get(ref)
		var cur userSessionsPayload
		if err == nil {
			_ = snap.DataTo(&cur)
		} else if status.Code(err) != codes.NotFound {
			return fmt.Errorf("read user sessions: %w", err)
		}
		for _, id := range cur.SessionIDs {
			if id == sessionID {
				return nil
			}
		}
		cur.SessionIDs = append(cur.SessionIDs, sessionID)
		return tx.Set(ref, cur)
	})
}

// Messages returns up to limit most-recent messages, oldest first.
func (b *Backend) Messages(ctx context.Context, p domain.Principal, sessionID string, limit int) ([]*domain.Message, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}
	msgs, err := b.loadMessages(ctx, p, sessionID)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
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
		msgs, err := b.loadMessages(ctx, p, sid)
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

// IsProcessed reports whether eventID already has a processed marker.
func (b *Backend) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	if err := b.checkClosed(); err != nil {
		return false, err
	}
	_, err := b.processedDoc(eventID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check processed: %w", err)
	}
	return true, nil
}

// Balance returns a principal's current balance.
func (b *Backend) Balance(ctx context.Context, p domain.Principal) (*domain.Balance, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}
	snap, err := b.balanceDoc(p).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return &domain.Balance{Principal: p, Sats: 0}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	var bal domain.Balance
	if err := snap.DataTo(&bal); err != nil {
		return nil, fmt.Errorf("decode balance: %w", err)
	}
	return &bal, nil
}

// Credit atomically adds sats inside a Firestore transaction, which
// retries internally on contention (the race the core design's Open
// Question calls out for a double-receipt from multiple relays).
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
	ref := b.balanceDoc(p)
	var result *domain.Balance
	err := b.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		cur := int64(0)
		snap, err := tx.Get(ref)
		if err == nil {
			var bal domain.Balance
			if derr := snap.DataTo(&bal); derr == nil {
				cur = bal.Sats
			}
		} else if status.Code(err) != codes.NotFound {
			return fmt.Errorf("read balance: %w", err)
		}

		next, changed := mutate(cur)
		bal := domain.Balance{Principal: p, Sats: next, LastUpdated: now}
		result = &bal
		if !changed {
			return nil
		}
		return tx.Set(ref, bal)
	})
	if err != nil {
		return nil, fmt.Errorf("balance transaction: %w", err)
	}
	return result, nil
}

// SaveReceipt persists a parsed receipt record.
func (b *Backend) SaveReceipt(ctx context.Context, r *domain.Receipt) error {
	if err := b.checkClosed(); err != nil {
		return err
	}
	docID := fmt.Sprintf("%s_%d", r.Sender, r.CreatedAt.UnixMilli())
	if _, err := b.client.Collection("receipt").Doc(docID).Set(ctx, r); err != nil {
		return fmt.Errorf("save receipt: %w", err)
	}
	return nil
}

const ledgerCap = 500

// AppendLedgerEntry records one balance mutation for audit purposes, as
// a document in the balance principal's ledger subcollection.
func (b *Backend) AppendLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) error {
	if err := b.checkClosed(); err != nil {
		return err
	}
	docID := fmt.Sprintf("%d", entry.Timestamp.UnixNano())
	coll := b.balanceDoc(entry.Principal).Collection("ledger")
	if _, err := coll.Doc(docID).Set(ctx, entry); err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return b.trimLedger(ctx, entry.Principal)
}

// trimLedger deletes the oldest entries once the subcollection exceeds
// ledgerCap. Firestore has no native capped collection, so this mirrors
// redisstore's LTRIM with an explicit query-then-delete.
func (b *Backend) trimLedger(ctx context.Context, p domain.Principal) error {
	coll := b.balanceDoc(p).Collection("ledger")
	iter := coll.OrderBy("Timestamp", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var docs []*firestore.DocumentSnapshot
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return fmt.Errorf("list ledger entries: %w", err)
		}
		docs = append(docs, doc)
	}
	if len(docs) <= ledgerCap {
		return nil
	}
	excess := docs[:len(docs)-ledgerCap]
	for _, doc := range excess {
		if _, err := doc.Ref.Delete(ctx); err != nil {
			return fmt.Errorf("trim ledger entry: %w", err)
		}
	}
	return nil
}

// LedgerEntries returns up to limit most-recent ledger entries, oldest first.
func (b *Backend) LedgerEntries(ctx context.Context, p domain.Principal, limit int) ([]*domain.LedgerEntry, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}
	coll := b.balanceDoc(p).Collection("ledger")
	iter := coll.OrderBy("Timestamp", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var out []*domain.LedgerEntry
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list ledger entries: %w", err)
		}
		var e domain.LedgerEntry
		if err := doc.DataTo(&e); err != nil {
			return nil, fmt.Errorf("decode ledger entry: %w", err)
		}
		out = append(out, &e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Profile returns a cached profile if present and not older than maxAge.
func (b *Backend) Profile(ctx context.Context, p domain.Principal, maxAge time.Duration) (*domain.Profile, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}
	snap, err := b.profileDoc(p).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	var prof domain.Profile
	if err := snap.DataTo(&prof); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
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
	if _, err := b.profileDoc(prof.Principal).Set(ctx, prof); err != nil {
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
