package reserve

import (
	"sort"
	"sync"
)

// DateRange is an inclusive ISO date interval identifying a cache partition
// (one visible calendar window).
type DateRange struct {
	Start string
	End   string
}

func (r DateRange) Contains(date string) bool {
	return date >= r.Start && date <= r.End
}

func (r DateRange) key() string {
	return r.Start + ".." + r.End
}

// Snapshot is an opaque deep copy of the whole cache, used for exact rollback.
type Snapshot struct {
	ranges     map[string]DateRange
	partitions map[string][]Reservation
}

// CacheOptions configures a Cache.
//
// FreeRoam keeps cancelled reservations as soft-deleted entries instead of
// removing them. OnChange, when set, runs synchronously after every
// observable cache change; hosts use it to trigger a layout recompute.
type CacheOptions struct {
	FreeRoam bool
	OnChange func()
}

// Cache holds the client-visible reservation set, partitioned by date range.
//
// A single mutex serializes all writers (the mutation coordinator and the
// inbound event path). Partition slices are never mutated in place: every
// update builds replacement slices, so a reader holding a slice from Range
// keeps a consistent view while a concurrent update lands. Multi-partition
// updates happen in one synchronous pass under the lock, so either every
// partition reflects a change or none does.
type Cache struct {
	mu         sync.Mutex
	freeRoam   bool
	onChange   func()
	ranges     map[string]DateRange
	partitions map[string][]Reservation
}

func NewCache(opts CacheOptions) *Cache {
	return &Cache{
		freeRoam:   opts.FreeRoam,
		onChange:   opts.OnChange,
		ranges:     map[string]DateRange{},
		partitions: map[string][]Reservation{},
	}
}

// FreeRoam reports whether cancelled reservations are retained.
func (c *Cache) FreeRoam() bool {
	return c.freeRoam
}

// SeedRange replaces the partition for rng wholesale with entries. Used when
// a range is first loaded and by background refreshes.
func (c *Cache) SeedRange(rng DateRange, entries []Reservation) {
	c.mu.Lock()
	key := rng.key()
	c.ranges[key] = rng
	c.partitions[key] = append([]Reservation(nil), entries...)
	c.mu.Unlock()
	c.notify()
}

// DropRange forgets a partition (its window is no longer visible).
func (c *Cache) DropRange(rng DateRange) {
	c.mu.Lock()
	key := rng.key()
	_, existed := c.ranges[key]
	delete(c.ranges, key)
	delete(c.partitions, key)
	c.mu.Unlock()
	if existed {
		c.notify()
	}
}

// Range returns a copy of the partition for rng.
func (c *Cache) Range(rng DateRange) ([]Reservation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries, ok := c.partitions[rng.key()]
	if !ok {
		return nil, false
	}
	return append([]Reservation(nil), entries...), true
}

// Ranges lists the currently cached partitions in deterministic order.
func (c *Cache) Ranges() []DateRange {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.ranges))
	for key := range c.ranges {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]DateRange, 0, len(keys))
	for _, key := range keys {
		out = append(out, c.ranges[key])
	}
	return out
}

// Snapshot deep-copies the entire cache state.
func (c *Cache) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{
		ranges:     make(map[string]DateRange, len(c.ranges)),
		partitions: make(map[string][]Reservation, len(c.partitions)),
	}
	for key, rng := range c.ranges {
		snap.ranges[key] = rng
	}
	for key, entries := range c.partitions {
		snap.partitions[key] = append([]Reservation(nil), entries...)
	}
	return snap
}

// Restore replaces the entire cache state with a snapshot. Full replace, not
// a field merge; a rollback is a true inverse of whatever happened since the
// snapshot was taken.
func (c *Cache) Restore(snap Snapshot) {
	c.mu.Lock()
	c.ranges = make(map[string]DateRange, len(snap.ranges))
	c.partitions = make(map[string][]Reservation, len(snap.partitions))
	for key, rng := range snap.ranges {
		c.ranges[key] = rng
	}
	for key, entries := range snap.partitions {
		c.partitions[key] = append([]Reservation(nil), entries...)
	}
	c.mu.Unlock()
	c.notify()
}

// Upsert writes r into every partition whose range contains its date,
// replacing an existing entry for the same entity.
func (c *Cache) Upsert(r Reservation) int {
	c.mu.Lock()
	touched := 0
	for key, rng := range c.ranges {
		if !rng.Contains(r.Date) {
			continue
		}
		entries := c.partitions[key]
		next := make([]Reservation, 0, len(entries)+1)
		replaced := false
		for _, existing := range entries {
			if existing.SameEntity(r) {
				if !replaced {
					next = append(next, r)
					replaced = true
				}
				continue
			}
			next = append(next, existing)
		}
		if !replaced {
			next = append(next, r)
		}
		c.partitions[key] = next
		touched++
	}
	c.mu.Unlock()
	if touched > 0 {
		c.notify()
	}
	return touched
}

// ApplyToAllMatching rewrites every matching reservation across every
// partition in one atomic pass. update receives a copy and returns the
// replacement. Returns the number of entries updated.
func (c *Cache) ApplyToAllMatching(match func(Reservation) bool, update func(Reservation) Reservation) int {
	c.mu.Lock()
	updated := 0
	for key, entries := range c.partitions {
		var next []Reservation
		for i, existing := range entries {
			if !match(existing) {
				if next != nil {
					next = append(next, existing)
				}
				continue
			}
			if next == nil {
				next = append(make([]Reservation, 0, len(entries)), entries[:i]...)
			}
			next = append(next, update(existing))
			updated++
		}
		if next != nil {
			c.partitions[key] = next
		}
	}
	c.mu.Unlock()
	if updated > 0 {
		c.notify()
	}
	return updated
}

// RemoveMatching deletes every matching reservation from every partition.
func (c *Cache) RemoveMatching(match func(Reservation) bool) int {
	c.mu.Lock()
	removed := 0
	for key, entries := range c.partitions {
		var next []Reservation
		for i, existing := range entries {
			if match(existing) {
				if next == nil {
					next = append(make([]Reservation, 0, len(entries)), entries[:i]...)
				}
				removed++
				continue
			}
			if next != nil {
				next = append(next, existing)
			}
		}
		if next != nil {
			c.partitions[key] = next
		}
	}
	c.mu.Unlock()
	if removed > 0 {
		c.notify()
	}
	return removed
}

// CancelMatching cancels every matching reservation. In free-roam mode the
// entries are retained soft-deleted; otherwise they are removed outright.
func (c *Cache) CancelMatching(match func(Reservation) bool) int {
	if c.freeRoam {
		return c.ApplyToAllMatching(match, func(r Reservation) Reservation {
			r.Cancelled = true
			return r
		})
	}
	return c.RemoveMatching(match)
}

// FindFirst returns the first reservation satisfying match, scanning
// partitions in deterministic order.
func (c *Cache) FindFirst(match func(Reservation) bool) (Reservation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.partitions))
	for key := range c.partitions {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		for _, existing := range c.partitions[key] {
			if match(existing) {
				return existing, true
			}
		}
	}
	return Reservation{}, false
}

func (c *Cache) notify() {
	if c.onChange != nil {
		c.onChange()
	}
}
