// Package allocations persists target and current allocation sets.
//
// Both stores hold one record per owner containing the owner's full set, so
// every update is a delete-then-insert replacement. Partial merges are
// deliberately impossible.
package allocations

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"

	"github.com/ebalder/folio/internal/domain"
)

const (
	targetKeyPrefix  = "targets_"
	segmentThreshold = 1000
	maxSegments      = 100
)

// TargetStore keeps the desired allocation set per owner.
type TargetStore struct {
	wal     *gowal.Wal
	mu      sync.RWMutex
	targets map[string][]domain.TargetAllocation
}

// NewTargetStore opens the target allocation WAL under dir and replays it.
func NewTargetStore(dir string) (*TargetStore, error) {
	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "targets_",
		SegmentThreshold: segmentThreshold,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init target allocation WAL")
	}

	s := &TargetStore{wal: wal, targets: make(map[string][]domain.TargetAllocation)}

	for msg := range wal.Iterator() {
		owner, ok := strings.CutPrefix(msg.Key, targetKeyPrefix)
		if !ok {
			continue
		}
		var set []domain.TargetAllocation
		if err := json.Unmarshal(msg.Value, &set); err != nil {
			return nil, errors.Wrapf(err, "decode target allocation record for %s", owner)
		}
		s.targets[owner] = set
	}

	return s, nil
}

// Replace validates the set and swaps it in as the owner's full target set.
// A set that does not sum to 1.0 is rejected and the stored set is untouched.
func (s *TargetStore) Replace(owner string, set []domain.TargetAllocation) error {
	if err := domain.ValidateTargets(set); err != nil {
		return err
	}

	for i := range set {
		set[i].Owner = owner
	}

	payload, err := json.Marshal(set)
	if err != nil {
		return errors.Wrap(err, "marshal target allocations")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.wal.Write(s.wal.CurrentIndex()+1, targetKeyPrefix+owner, payload); err != nil {
		return errors.Wrap(err, "write target allocation record")
	}

	s.targets[owner] = set

	return nil
}

// ByOwner returns the owner's full target set, or nil when none was stored.
func (s *TargetStore) ByOwner(owner string) []domain.TargetAllocation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.targets[owner]
	out := make([]domain.TargetAllocation, len(set))
	copy(out, set)

	return out
}

// Close closes the underlying WAL.
func (s *TargetStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}
