// Package geo holds the engine's spatial index of available technicians.
package geo

import (
	"sort"
	"sync"
	"time"

	"github.com/depannage/dispatch/internal/domain"
)

const DefaultPrecision = 5

// Entry is a technician position plus the profile snapshot used for
// filtering. Entries are copied out on read.
type Entry struct {
	Technician domain.Technician
	Position   domain.Point
	UpdatedAt  time.Time
}

// Result is an entry found by a radius query with its distance from the
// query point.
type Result struct {
	Entry
	DistanceKm float64
}

// Predicate filters entries during a query; false skips the entry.
type Predicate func(Entry) bool

type bucket struct {
	ref     cellRef
	entries map[string]Entry
}

// Index buckets technicians by geohash cell. A single RWMutex guards it:
// queries share the read lock, and a move is applied under the write lock so
// no query sees an entry in two cells or none.
type Index struct {
	grid grid

	mu     sync.RWMutex
	cells  map[string]*bucket
	byID   map[string]string
	radii  map[float64]int
	maxRad float64
	stale  bool
}

func NewIndex(precision int) *Index {
	return &Index{
		grid:  newGrid(precision),
		cells: map[string]*bucket{},
		byID:  map[string]string{},
		radii: map[float64]int{},
	}
}

// Upsert inserts or moves a technician. Technicians that are not available,
// verified and subscribed at now are removed instead; the return value
// reports whether the technician is indexed afterwards.
func (ix *Index) Upsert(t domain.Technician, pos domain.Point, now time.Time) bool {
	if !t.Indexable(now) || pos.Validate() != nil {
		ix.Remove(t.ID)
		return false
	}
	row, col := ix.grid.locate(pos)
	cell := ix.grid.hash(row, col)

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if prev, ok := ix.byID[t.ID]; ok {
		ix.removeLocked(t.ID, prev)
	}
	b, ok := ix.cells[cell]
	if !ok {
		b = &bucket{ref: cellRef{row: row, col: col}, entries: map[string]Entry{}}
		ix.cells[cell] = b
	}
	b.entries[t.ID] = Entry{Technician: t, Position: pos, UpdatedAt: now}
	ix.byID[t.ID] = cell
	ix.radii[t.ServiceRadiusKm]++
	if t.ServiceRadiusKm > ix.maxRad {
		ix.maxRad = t.ServiceRadiusKm
	}
	return true
}

// UpdateProfile refreshes the profile snapshot of an indexed technician
// without moving it.
func (ix *Index) UpdateProfile(t domain.Technician, now time.Time) {
	ix.mu.RLock()
	cell, ok := ix.byID[t.ID]
	var pos domain.Point
	if ok {
		pos = ix.cells[cell].entries[t.ID].Position
	}
	ix.mu.RUnlock()
	if ok {
		ix.Upsert(t, pos, now)
	}
}

// Remove is a no-op for unknown technicians.
func (ix *Index) Remove(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if cell, ok := ix.byID[id]; ok {
		ix.removeLocked(id, cell)
	}
}

func (ix *Index) removeLocked(id, cell string) {
	b := ix.cells[cell]
	if e, ok := b.entries[id]; ok {
		r := e.Technician.ServiceRadiusKm
		ix.radii[r]--
		if ix.radii[r] <= 0 {
			delete(ix.radii, r)
			if r >= ix.maxRad {
				ix.stale = true
			}
		}
		delete(b.entries, id)
	}
	if len(b.entries) == 0 {
		delete(ix.cells, cell)
	}
	delete(ix.byID, id)
}

func (ix *Index) Get(id string) (Entry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	cell, ok := ix.byID[id]
	if !ok {
		return Entry{}, false
	}
	return ix.cells[cell].entries[id], true
}

func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byID)
}

// MaxServiceRadius is the largest service radius among indexed technicians.
func (ix *Index) MaxServiceRadius() float64 {
	ix.mu.RLock()
	if !ix.stale {
		defer ix.mu.RUnlock()
		return ix.maxRad
	}
	ix.mu.RUnlock()

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.stale {
		ix.maxRad = 0
		for r := range ix.radii {
			if r > ix.maxRad {
				ix.maxRad = r
			}
		}
		ix.stale = false
	}
	return ix.maxRad
}

// Query returns technicians within radiusKm of center that satisfy pred,
// nearest first with ties broken by id, truncated to limit (0 = no limit).
// pred runs without the index lock held.
func (ix *Index) Query(center domain.Point, radiusKm float64, pred Predicate, limit int) []Result {
	if radiusKm < 0 || center.Validate() != nil {
		return nil
	}
	var found []Result

	ix.mu.RLock()
	scan := func(b *bucket) {
		for _, e := range b.entries {
			d := Haversine(center, e.Position)
			if d <= radiusKm {
				found = append(found, Result{Entry: e, DistanceKm: d})
			}
		}
	}
	if refs, ok := ix.grid.cover(center, radiusKm, len(ix.cells)); ok {
		for _, ref := range refs {
			if b, exists := ix.cells[ix.grid.hash(ref.row, ref.col)]; exists {
				scan(b)
			}
		}
	} else {
		for _, b := range ix.cells {
			if ix.grid.intersects(center, radiusKm, b.ref.row, b.ref.col) {
				scan(b)
			}
		}
	}
	ix.mu.RUnlock()

	if pred != nil {
		kept := found[:0]
		for _, r := range found {
			if pred(r.Entry) {
				kept = append(kept, r)
			}
		}
		found = kept
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].DistanceKm != found[j].DistanceKm {
			return found[i].DistanceKm < found[j].DistanceKm
		}
		return found[i].Technician.ID < found[j].Technician.ID
	})
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	return found
}

// Prune drops entries whose subscription lapsed by now and returns their ids.
func (ix *Index) Prune(now time.Time) []string {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	var removed []string
	for id, cell := range ix.byID {
		e := ix.cells[cell].entries[id]
		if !e.Technician.Indexable(now) {
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		ix.removeLocked(id, ix.byID[id])
	}
	sort.Strings(removed)
	return removed
}

// Cell returns the geohash cell name of p at the index precision.
func (ix *Index) Cell(p domain.Point) string {
	row, col := ix.grid.locate(p)
	return ix.grid.hash(row, col)
}
