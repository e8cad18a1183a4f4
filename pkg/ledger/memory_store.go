package ledger

import (
	"context"
	"sync"
	"time"
)

type memoryAccount struct {
	balance    int64
	subscribed bool
	until      *time.Time
	entries    []Entry
}

// MemoryStore implements Store in memory.
// A single mutex makes each debit and credit one critical section.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[int64]*memoryAccount
	ops      map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[int64]*memoryAccount),
		ops:      make(map[string]struct{}),
	}
}

func (s *MemoryStore) Open(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[userID]; !ok {
		s.accounts[userID] = &memoryAccount{}
	}
	return nil
}

func (s *MemoryStore) Profile(ctx context.Context, userID int64) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[userID]
	if !ok {
		return Profile{}, ErrUserNotFound
	}
	p := Profile{UserID: userID, Balance: acct.balance, Subscribed: acct.subscribed}
	if acct.until != nil {
		until := *acct.until
		p.SubscriptionUntil = &until
	}
	return p, nil
}

func (s *MemoryStore) SetSubscription(ctx context.Context, userID int64, active bool, until *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[userID]
	if !ok {
		return ErrUserNotFound
	}
	acct.subscribed = active
	acct.until = nil
	if until != nil {
		u := *until
		acct.until = &u
	}
	return nil
}

func (s *MemoryStore) Debit(ctx context.Context, entry Entry, amount int64) (int64, int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[entry.UserID]
	if !ok {
		return 0, 0, false, ErrUserNotFound
	}
	if acct.balance < amount {
		return 0, acct.balance, false, nil
	}
	if _, seen := s.ops[entry.OperationID]; seen {
		return 0, acct.balance, false, ErrDuplicateOperation
	}
	acct.balance -= amount
	entry.AmountDelta = -amount
	entry.BalanceAfter = acct.balance
	acct.entries = append(acct.entries, entry)
	s.ops[entry.OperationID] = struct{}{}
	return acct.balance, acct.balance, true, nil
}

func (s *MemoryStore) Credit(ctx context.Context, entry Entry, amount int64) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[entry.UserID]
	if !ok {
		return 0, false, ErrUserNotFound
	}
	if _, seen := s.ops[entry.OperationID]; seen {
		return acct.balance, false, nil
	}
	acct.balance += amount
	entry.AmountDelta = amount
	entry.BalanceAfter = acct.balance
	acct.entries = append(acct.entries, entry)
	s.ops[entry.OperationID] = struct{}{}
	return acct.balance, true, nil
}

func (s *MemoryStore) Entries(ctx context.Context, userID int64, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	n := len(acct.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Entry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, acct.entries[i])
	}
	return out, nil
}
