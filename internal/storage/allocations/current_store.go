package allocations

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"

	"github.com/ebalder/folio/internal/domain"
)

const currentKeyPrefix = "current_"

// CurrentStore caches the derived current allocation set per owner. The cache
// is fully replaced on every recomputation so currencies that left the
// portfolio disappear from the view even when stale Account rows linger.
type CurrentStore struct {
	wal     *gowal.Wal
	mu      sync.RWMutex
	current map[string][]domain.CurrentAllocation
}

// NewCurrentStore opens the current allocation WAL under dir and replays it.
func NewCurrentStore(dir string) (*CurrentStore, error) {
	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "current_",
		SegmentThreshold: segmentThreshold,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init current allocation WAL")
	}

	s := &CurrentStore{wal: wal, current: make(map[string][]domain.CurrentAllocation)}

	for msg := range wal.Iterator() {
		owner, ok := strings.CutPrefix(msg.Key, currentKeyPrefix)
		if !ok {
			continue
		}
		var set []domain.CurrentAllocation
		if err := json.Unmarshal(msg.Value, &set); err != nil {
			return nil, errors.Wrapf(err, "decode current allocation record for %s", owner)
		}
		s.current[owner] = set
	}

	return s, nil
}

// Replace swaps in the owner's full derived allocation set.
func (s *CurrentStore) Replace(owner string, set []domain.CurrentAllocation) error {
	for i := range set {
		set[i].Owner = owner
	}

	payload, err := json.Marshal(set)
	if err != nil {
		return errors.Wrap(err, "marshal current allocations")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.wal.Write(s.wal.CurrentIndex()+1, currentKeyPrefix+owner, payload); err != nil {
		return errors.Wrap(err, "write current allocation record")
	}

	s.current[owner] = set

	return nil
}

// ByOwner returns the cached allocation set for the owner.
func (s *CurrentStore) ByOwner(owner string) []domain.CurrentAllocation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.current[owner]
	out := make([]domain.CurrentAllocation, len(set))
	copy(out, set)

	return out
}

// Close closes the underlying WAL.
func (s *CurrentStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}
