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
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yonasBSD/stalwart-smtp-server/internal/limiter"
	"github.com/yonasBSD/stalwart-smtp-server/internal/log"
)

func newTestMessage(due time.Time) *Message {
	return &Message{
		ID:         uuid.New(),
		ReturnPath: "sender@example.org",
		CreatedAt:  time.Now(),
		Domains: []Domain{
			{Domain: "dest.example.org", Status: DomainScheduled, Retry: Retry{Due: due}},
		},
		Recipients: []Recipient{
			{Address: "user@dest.example.org", DomainIdx: 0, Status: RecipientScheduled},
		},
	}
}

func TestMainHeap_OrdersByDue(t *testing.T) {
	h := newMainHeap()
	now := time.Now()
	m1 := newTestMessage(now.Add(3 * time.Second))
	m2 := newTestMessage(now.Add(1 * time.Second))
	m3 := newTestMessage(now.Add(2 * time.Second))

	h.push(m1.Domains[0].Retry.Due, m1)
	h.push(m2.Domains[0].Retry.Due, m2)
	h.push(m3.Domains[0].Retry.Due, m3)

	ready := h.popReady(now.Add(10 * time.Second))
	if len(ready) != 3 {
		t.Fatalf("got %d ready, want 3", len(ready))
	}
	if ready[0] != m2 || ready[1] != m3 || ready[2] != m1 {
		t.Fatalf("heap did not pop in due order")
	}
}

func TestOnHoldSet_ReleasesOnMatchingKey(t *testing.T) {
	var s onHoldSet
	key := limiter.Key("host\x00mx1.dest.example.org.")

	held := &OnHold{
		Message:  newTestMessage(time.Time{}),
		Limiters: map[limiter.Key]struct{}{key: {}},
	}
	s.push(held)

	releasable := s.popReleasable("host\x00other", time.Now())
	if len(releasable) != 0 {
		t.Fatalf("unrelated key released an unrelated entry")
	}

	releasable = s.popReleasable(key, time.Now())
	if len(releasable) != 1 {
		t.Fatalf("got %d releasable, want 1", len(releasable))
	}
	if len(s.entries) != 0 {
		t.Fatalf("released entry was not removed from the set")
	}
}

type fakeAttempter struct {
	result func(msg *Message) WorkerResult
}

func (f *fakeAttempter) Attempt(ctx context.Context, msg *Message) WorkerResult {
	return f.result(msg)
}

type fakeSpool struct {
	mu        sync.Mutex
	finalized []*Message
}

func (s *fakeSpool) Finalize(msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = append(s.finalized, msg)
	return nil
}

type fakeBounce struct{}

func (fakeBounce) NotifyDelay(msg *Message, offset time.Duration) {}
func (fakeBounce) NotifyExpired(msg *Message)                     {}

func TestManager_DoneFinalizesViaSpool(t *testing.T) {
	spool := &fakeSpool{}
	msg := newTestMessage(time.Now())

	attempter := &fakeAttempter{result: func(m *Message) WorkerResult {
		m.Domains[0].Status = DomainCompleted
		return WorkerResult{Kind: WorkerDone, Message: m}
	}}

	mgr := NewManager(attempter, spool, fakeBounce{}, nil, log.DefaultLogger, 24*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		mgr.Run(ctx)
		close(done)
	}()

	mgr.Enqueue(msg)

	deadline := time.After(2 * time.Second)
	for {
		spool.mu.Lock()
		n := len(spool.finalized)
		spool.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("message was never finalized")
		case <-time.After(5 * time.Millisecond):
		}
	}

	mgr.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestManager_ExpiredMessageBypassesAttempt(t *testing.T) {
	spool := &fakeSpool{}
	msg := newTestMessage(time.Now())
	msg.CreatedAt = time.Now().Add(-48 * time.Hour)

	attempter := &fakeAttempter{result: func(m *Message) WorkerResult {
		t.Fatal("attempt should not run for an already-expired message")
		return WorkerResult{}
	}}

	mgr := NewManager(attempter, spool, fakeBounce{}, nil, log.DefaultLogger, 24*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		mgr.Run(ctx)
		close(done)
	}()

	mgr.Enqueue(msg)

	deadline := time.After(2 * time.Second)
	for {
		spool.mu.Lock()
		n := len(spool.finalized)
		spool.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expired message was never finalized")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if msg.Domains[0].Status != DomainPermanentFailure {
		t.Errorf("expired domain status = %v, want PermanentFailure", msg.Domains[0].Status)
	}
	if msg.Recipients[0].Status != RecipientPermanentFailure {
		t.Errorf("expired recipient status = %v, want PermanentFailure", msg.Recipients[0].Status)
	}

	mgr.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
