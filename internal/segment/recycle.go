package segment

import "slices"

// RecycleList is a bounded, sorted list of freed segment ids.
// Low ids are preferred so the metadata table stays compact.
type RecycleList struct {
	limit int
	ids   []int
}

// NewRecycleList returns an empty list holding at most limit ids.
func NewRecycleList(limit int) *RecycleList {
	if limit < 1 {
		limit = 1
	}
	return &RecycleList{limit: limit, ids: make([]int, 0, limit)}
}

// Add inserts id in sorted position. When the list is full, the largest id
// is evicted if id is smaller. It returns false for a duplicate or when id
// does not fit.
func (r *RecycleList) Add(id int) bool {
	_, ok := r.add(id)
	return ok
}

// add is Add that also reports the evicted id, or -1.
func (r *RecycleList) add(id int) (int, bool) {
	i, found := slices.BinarySearch(r.ids, id)
	if found {
		return -1, false
	}
	evicted := -1
	if len(r.ids) >= r.limit {
		last := r.ids[len(r.ids)-1]
		if id >= last {
			return -1, false
		}
		evicted = last
		r.ids = r.ids[:len(r.ids)-1]
	}
	r.ids = slices.Insert(r.ids, i, id)
	return evicted, true
}

// Pop removes and returns the smallest id.
func (r *RecycleList) Pop() (int, bool) {
	if len(r.ids) == 0 {
		return 0, false
	}
	id := r.ids[0]
	r.ids = slices.Delete(r.ids, 0, 1)
	return id, true
}

// Remove drops id if present.
func (r *RecycleList) Remove(id int) bool {
	i, found := slices.BinarySearch(r.ids, id)
	if !found {
		return false
	}
	r.ids = slices.Delete(r.ids, i, i+1)
	return true
}

// Contains reports whether id is queued.
func (r *RecycleList) Contains(id int) bool {
	_, found := slices.BinarySearch(r.ids, id)
	return found
}

// Len returns the number of queued ids.
func (r *RecycleList) Len() int { return len(r.ids) }

// Limit returns the capacity.
func (r *RecycleList) Limit() int { return r.limit }

// IDs returns a copy of the queued ids in ascending order.
func (r *RecycleList) IDs() []int { return slices.Clone(r.ids) }
