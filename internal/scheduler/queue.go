package scheduler

import (
	"sort"
	"time"
)

// execQueue keeps pending rules ordered by next-due time, earliest first.
// Equal due times keep insertion order.
type execQueue struct {
	items []*rule
	seq   uint64
}

func (q *execQueue) less(a, b *rule) bool {
	if a.nextDue.Equal(b.nextDue) {
		return a.seq < b.seq
	}
	return a.nextDue.Before(b.nextDue)
}

func (q *execQueue) insert(r *rule) {
	q.seq++
	r.seq = q.seq
	i := sort.Search(len(q.items), func(i int) bool { return q.less(r, q.items[i]) })
	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = r
}

// remove drops r by identity. Its position is looked up rather than derived
// from nextDue, which may have changed since insertion.
func (q *execQueue) remove(r *rule) bool {
	for i, it := range q.items {
		if it == r {
			copy(q.items[i:], q.items[i+1:])
			q.items[len(q.items)-1] = nil
			q.items = q.items[:len(q.items)-1]
			return true
		}
	}
	return false
}

func (q *execQueue) peekEarliest() *rule {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// popDue removes and returns every rule due at or before now, in queue order.
func (q *execQueue) popDue(now time.Time) []*rule {
	n := 0
	for n < len(q.items) && !q.items[n].nextDue.After(now) {
		n++
	}
	if n == 0 {
		return nil
	}
	due := make([]*rule, n)
	copy(due, q.items[:n])
	rest := copy(q.items, q.items[n:])
	for i := rest; i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = q.items[:rest]
	return due
}

func (q *execQueue) size() int { return len(q.items) }
