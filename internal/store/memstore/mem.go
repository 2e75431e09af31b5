// Package memstore is an in-memory store.Store used by unit tests that
// don't need a real Redis (or miniredis) instance.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aixgo-dev/aixgo/internal/domain"
	"github.com/aixgo-dev/aixgo/internal/store"
)

// Store is a mutex-guarded in-memory implementation of store.Store.
type Store struct {
	mu        sync.Mutex
	meta      map[string]*domain.SessionMeta // principal:sessionID
	messages  map[string][]*domain.Message   // principal:sessionID
	userIndex map[domain.Principal][]string
	processed map[string]domain.ProcessedMarker
	balances  map[domain.Principal]*domain.Balance
	receipts  []*domain.Receipt
	profiles  map[domain.Principal]*domain.Profile
	ledger    map[domain.Principal][]*domain.LedgerEntry
	closed    bool
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		meta:      make(map[string]*domain.SessionMeta),
		messages:  make(map[string][]*domain.Message),
		userIndex: make(map[domain.Principal][]string),
		processed: make(map[string]domain.ProcessedMarker),
		balances:  make(map[domain.Principal]*domain.Balance),
		profiles:  make(map[domain.Principal]*domain.Profile),
		ledger:    make(map[domain.Principal][]*domain.LedgerEntry),
	}
}

func sessKey(p domain.Principal, sessionID string) string {
	return string(p) + ":" + sessionID
}

func (s *Store) SessionMeta(_ context.Context, p domain.Principal, sessionID string) (*domain.SessionMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meta[sessKey(p, sessionID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Store) SaveSessionMeta(_ context.Context, meta *domain.SessionMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *meta
	s.meta[sessKey(meta.Principal, meta.SessionID)] = &cp

	ids := s.userIndex[meta.Principal]
	for _, id := range ids {
		if id == meta.SessionID {
			return nil
		}
	}
	s.userIndex[meta.Principal] = append(ids, meta.SessionID)
	return nil
}

func (s *Store) UserSessions(_ context.Context, p domain.Principal) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]string(nil), s.userIndex[p]...)
	sort.Strings(out)
	return out, nil
}

func (s *Store) AppendMessage(_ context.Context, p domain.Principal, sessionID string, msg *domain.Message, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if eventID != "" {
		if _, exists := s.processed[eventID]; exists {
			return store.ErrDuplicateEvent
		}
		s.processed[eventID] = domain.ProcessedMarker{EventID: eventID, SessionID: sessionID, Timestamp: msg.Timestamp}
	}

	key := sessKey(p, sessionID)
	cp := *msg
	msgs := append(s.messages[key], &cp)
	if len(msgs) > store.MessageLogCap {
		msgs = msgs[len(msgs)-store.MessageLogCap:]
	}
	s.messages[key] = msgs

	meta, ok := s.meta[key]
	if !ok {
		origin := domain.OriginOther
		switch msg.SourceKind {
		case domain.KindPrivateMessage:
			origin = domain.OriginDM
		case domain.KindPublicPost:
			origin = domain.OriginPublic
		}
		meta = &domain.SessionMeta{Principal: p, SessionID: sessionID, CreatedAt: msg.Timestamp, Origin: origin}
	}
	meta.LastMessageAt = msg.Timestamp
	meta.MessageCount = len(msgs)
	s.meta[key] = meta

	ids := s.userIndex[p]
	found := false
	for _, id := range ids {
		if id == sessionID {
			found = true
			break
		}
	}
	if !found {
		s.userIndex[p] = append(ids, sessionID)
	}
	return nil
}

func (s *Store) Messages(_ context.Context, p domain.Principal, sessionID string, limit int) ([]*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[sessKey(p, sessionID)]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*domain.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *Store) RecentMessagesForPrincipal(_ context.Context, p domain.Principal, limit int) ([]*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*domain.Message
	for _, sid := range s.userIndex[p] {
		all = append(all, s.messages[sessKey(p, sid)]...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]*domain.Message, len(all))
	copy(out, all)
	return out, nil
}

func (s *Store) IsProcessed(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processed[eventID]
	return ok, nil
}

func (s *Store) Balance(_ context.Context, p domain.Principal) (*domain.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balanceLocked(p), nil
}

func (s *Store) balanceLocked(p domain.Principal) *domain.Balance {
	bal, ok := s.balances[p]
	if !ok {
		return &domain.Balance{Principal: p, Sats: 0}
	}
	cp := *bal
	return &cp
}

func (s *Store) Credit(_ context.Context, p domain.Principal, sats int64, now time.Time) (*domain.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal := s.balanceLocked(p)
	bal.Sats += sats
	bal.LastUpdated = now
	s.balances[p] = bal
	cp := *bal
	return &cp, nil
}

func (s *Store) Debit(_ context.Context, p domain.Principal, sats int64, now time.Time) (*domain.Balance, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal := s.balanceLocked(p)
	if bal.Sats < sats {
		return bal, false, nil
	}
	bal.Sats -= sats
	bal.LastUpdated = now
	s.balances[p] = bal
	cp := *bal
	return &cp, true, nil
}

func (s *Store) SaveReceipt(_ context.Context, r *domain.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.receipts = append(s.receipts, &cp)
	return nil
}

func (s *Store) AppendLedgerEntry(_ context.Context, entry *domain.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.ledger[entry.Principal] = append(s.ledger[entry.Principal], &cp)
	return nil
}

func (s *Store) LedgerEntries(_ context.Context, p domain.Principal, limit int) ([]*domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.ledger[p]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]*domain.LedgerEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *Store) Profile(_ context.Context, p domain.Principal, maxAge time.Duration) (*domain.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prof, ok := s.profiles[p]
	if !ok {
		return nil, store.ErrNotFound
	}
	if maxAge > 0 && time.Since(prof.FetchedAt) > maxAge {
		return nil, store.ErrNotFound
	}
	cp := *prof
	return &cp, nil
}

func (s *Store) SaveProfile(_ context.Context, prof *domain.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *prof
	s.profiles[prof.Principal] = &cp
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
