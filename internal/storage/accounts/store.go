// Package accounts persists exchange account rows in a WAL-backed store.
//
// Rows are keyed by the exchange-assigned account id. A snapshot refresh
// overwrites rows in place; rows for currencies absent from a later fetch are
// left stale rather than deleted. Allocation math therefore always reads the
// full stored set for an owner.
package accounts

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"

	"github.com/ebalder/folio/internal/domain"
)

const (
	accountKeyPrefix = "account_"
	segmentThreshold = 1000
	maxSegments      = 100
)

// Store keeps the latest Account row per (owner, id), materialized from the
// WAL on open.
type Store struct {
	wal      *gowal.Wal
	mu       sync.RWMutex
	accounts map[string]domain.Account
}

// NewStore opens (or creates) the account WAL under dir and replays it into
// memory. The latest record per key wins.
func NewStore(dir string) (*Store, error) {
	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "accounts_",
		SegmentThreshold: segmentThreshold,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init account WAL")
	}

	s := &Store{wal: wal, accounts: make(map[string]domain.Account)}

	for msg := range wal.Iterator() {
		if !strings.HasPrefix(msg.Key, accountKeyPrefix) {
			continue
		}
		var account domain.Account
		if err := json.Unmarshal(msg.Value, &account); err != nil {
			return nil, errors.Wrapf(err, "decode account record %s", msg.Key)
		}
		s.accounts[recordKey(account.Owner, account.ID)] = account
	}

	return s, nil
}

// Upsert writes the account row, replacing any existing row with the same
// exchange-assigned id for the owner.
func (s *Store) Upsert(account domain.Account) error {
	if account.ID == "" || account.Owner == "" {
		return errors.New("account id and owner are required")
	}

	payload, err := json.Marshal(account)
	if err != nil {
		return errors.Wrap(err, "marshal account")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := accountKeyPrefix + recordKey(account.Owner, account.ID)
	if err := s.wal.Write(s.wal.CurrentIndex()+1, key, payload); err != nil {
		return errors.Wrap(err, "write account record")
	}

	s.accounts[recordKey(account.Owner, account.ID)] = account

	return nil
}

// ByOwner returns all stored account rows for the owner, sorted by currency
// so downstream iteration order is deterministic.
func (s *Store) ByOwner(owner string) []domain.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Account
	for _, account := range s.accounts {
		if account.Owner == owner {
			out = append(out, account)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })

	return out
}

// ByCurrency returns the owner's account row for one currency, if present.
func (s *Store) ByCurrency(owner, currency string) (domain.Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, account := range s.accounts {
		if account.Owner == owner && account.Currency == currency {
			return account, true
		}
	}

	return domain.Account{}, false
}

// Close closes the underlying WAL.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}

func recordKey(owner, id string) string {
	return fmt.Sprintf("%s_%s", owner, id)
}
