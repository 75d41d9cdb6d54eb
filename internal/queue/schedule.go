/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package queue

import (
	"container/heap"
	"time"

	"github.com/yonasBSD/stalwart-smtp-server/internal/limiter"
)

// Schedule pairs a due timestamp with an arbitrary payload, ordered by
// Due ascending with ties broken by insertion order.
type Schedule[T any] struct {
	Due   time.Time
	Inner T

	seq int
}

// mainHeap is the Queue Manager's "main" min-heap of Schedule[*Message],
// ordered by Due. It implements container/heap.Interface directly
// rather than wrapping a third-party priority queue, trading a linear
// list scan for an O(log n) heap, since a scheduler needs its
// next-due entry in O(log n).
type mainHeap struct {
	items   []*Schedule[*Message]
	nextSeq int
}

func newMainHeap() *mainHeap {
	return &mainHeap{}
}

func (h *mainHeap) Len() int { return len(h.items) }

func (h *mainHeap) Less(i, j int) bool {
	if h.items[i].Due.Equal(h.items[j].Due) {
		return h.items[i].seq < h.items[j].seq
	}
	return h.items[i].Due.Before(h.items[j].Due)
}

func (h *mainHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *mainHeap) Push(x interface{}) {
	item := x.(*Schedule[*Message])
	item.seq = h.nextSeq
	h.nextSeq++
	h.items = append(h.items, item)
}

func (h *mainHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return item
}

// push schedules msg for due.
func (h *mainHeap) push(due time.Time, msg *Message) {
	heap.Push(h, &Schedule[*Message]{Due: due, Inner: msg})
}

// peekDue returns the earliest Due in the heap, or the zero Time if
// empty.
func (h *mainHeap) peekDue() time.Time {
	if h.Len() == 0 {
		return time.Time{}
	}
	return h.items[0].Due
}

// popReady removes and returns every entry whose Due has elapsed as of
// now.
func (h *mainHeap) popReady(now time.Time) []*Message {
	var ready []*Message
	for h.Len() > 0 && !h.items[0].Due.After(now) {
		entry := heap.Pop(h).(*Schedule[*Message])
		ready = append(ready, entry.Inner)
	}
	return ready
}

// OnHold parks a message whose delivery attempt collected one or more
// exhausted concurrency limiters. It wakes when any
// of Limiters releases a token or when NextDue elapses, whichever comes
// first.
type OnHold struct {
	Message  *Message
	Limiters map[limiter.Key]struct{}
	NextDue  time.Time
}

// onHoldSet is the Queue Manager's "on_hold" set. A plain slice is
// sufficient: entries are removed by linear scan on
// LimiterReleased/timer-tick, and this set stays small and is scanned
// infrequently enough that a heap or map would be overkill.
type onHoldSet struct {
	entries []*OnHold
}

func (s *onHoldSet) push(entry *OnHold) {
	s.entries = append(s.entries, entry)
}

// earliestNextDue returns the minimum non-zero NextDue among entries (an
// entry with a zero NextDue wakes only on a limiter release, as in
// popReleasable), or the zero Time if no entry has one.
func (s *onHoldSet) earliestNextDue() time.Time {
	var due time.Time
	for _, e := range s.entries {
		if e.NextDue.IsZero() {
			continue
		}
		if due.IsZero() || e.NextDue.Before(due) {
			due = e.NextDue
		}
	}
	return due
}

// popReleasable removes and returns every entry whose limiter set
// intersects released, or whose NextDue has elapsed as of now.
func (s *onHoldSet) popReleasable(released limiter.Key, now time.Time) []*OnHold {
	var out []*OnHold
	kept := s.entries[:0]
	for _, e := range s.entries {
		match := !e.NextDue.IsZero() && !e.NextDue.After(now)
		if !match {
			if _, ok := e.Limiters[released]; ok {
				match = true
			}
		}
		if match {
			out = append(out, e)
		} else {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	return out
}
