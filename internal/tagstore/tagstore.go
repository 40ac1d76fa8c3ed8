// Package tagstore implements the concurrent core: a two-level map from
// user to tag to a signed-atomic presence cell. Mutations are lock-free
// compare-and-swap loops; only the first touch of a user or a tag pays for
// a map insert.
package tagstore

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
)

// Store is a concurrent user -> tag -> presence mapping.
//
// Each cell is a single atomic.Int64 whose sign encodes presence: positive
// means present (magnitude is the timestamp of the latest add), negative
// means absent (magnitude is the timestamp of the latest remove). Zero is
// never stored. A cell, once created, lives for the process lifetime.
type Store struct {
	users *xsync.Map[string, *xsync.Map[string, *atomic.Int64]]
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		users: xsync.NewMap[string, *xsync.Map[string, *atomic.Int64]](),
	}
}

// Add records a presence observation at ts for (user, tag). ts must be > 0.
//
// If the cell's current magnitude already dominates ts (|v| >= ts), the add
// is silently discarded — a strictly newer or tied observation already won.
func (s *Store) Add(user, tag string, ts int64) {
	checkTimestamp(ts)
	cell := s.cell(user, tag, ts)

	for {
		old := cell.Load()
		mag := old
		if mag < 0 {
			mag = -mag
		}
		if mag >= ts {
			return
		}
		if cell.CompareAndSwap(old, ts) {
			return
		}
	}
}

// Remove records an absence observation at ts for (user, tag). ts must be > 0.
//
// At equal timestamps, Remove beats Add: if the cell already reads |v| == ts
// with v < 0 (already recorded absent at this instant), it is a no-op;
// otherwise Remove installs -ts even when the current value is +ts.
func (s *Store) Remove(user, tag string, ts int64) {
	checkTimestamp(ts)
	cell := s.cell(user, tag, -ts)

	for {
		old := cell.Load()
		mag := old
		if mag < 0 {
			mag = -mag
		}
		if ts < mag {
			return
		}
		if ts == mag && old < 0 {
			return
		}
		if cell.CompareAndSwap(old, -ts) {
			return
		}
	}
}

// ListPresent returns the tags currently present for user, in unspecified
// order. Reads are relaxed: the result is not linearised against concurrent
// mutations and may mix timestamps from different points in time across
// distinct cells.
func (s *Store) ListPresent(user string) []string {
	tags, ok := s.users.Load(user)
	if !ok {
		return nil
	}

	present := make([]string, 0, tags.Size())
	tags.Range(func(tag string, cell *atomic.Int64) bool {
		if cell.Load() > 0 {
			present = append(present, tag)
		}
		return true
	})
	return present
}

// UserCount returns the number of users that have ever been mentioned in a
// mutation; listing an unknown user does not create an entry. Used only by
// the stats reporter.
func (s *Store) UserCount() int {
	return s.users.Size()
}

// CellCount returns the total number of (user, tag) cells ever created.
// Used only by the stats reporter.
func (s *Store) CellCount() int {
	total := 0
	s.users.Range(func(_ string, tags *xsync.Map[string, *atomic.Int64]) bool {
		total += tags.Size()
		return true
	})
	return total
}

// cell returns the (user, tag) cell, creating the user map and/or the tag
// cell on first touch. initTS seeds a freshly created cell; if the cell
// already exists, initTS is ignored and the caller reconciles against
// whatever value is already there.
func (s *Store) cell(user, tag string, initTS int64) *atomic.Int64 {
	tags, _ := s.users.LoadOrStore(user, xsync.NewMap[string, *atomic.Int64]())

	seed := &atomic.Int64{}
	seed.Store(initTS)
	cell, _ := tags.LoadOrStore(tag, seed)
	return cell
}

func checkTimestamp(ts int64) {
	if ts <= 0 {
		panic("tagstore: timestamp must be positive")
	}
}
