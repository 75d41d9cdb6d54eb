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
	"time"

	"github.com/yonasBSD/stalwart-smtp-server/internal/limiter"
	"github.com/yonasBSD/stalwart-smtp-server/internal/log"
	"github.com/yonasBSD/stalwart-smtp-server/internal/metrics"
)

// Spool is the durable on-disk message store the Manager writes status
// updates into and reads from on restart. Its implementation is an
// external collaborator; the Manager only needs to persist
// a terminal message and forget it.
type Spool interface {
	Finalize(msg *Message) error
}

// BounceNotifier generates delay/failure DSNs. Content generation is out
// of scope; the Manager only calls this at the transition points.
type BounceNotifier interface {
	NotifyDelay(msg *Message, offset time.Duration)
	NotifyExpired(msg *Message)
}

// Attempter drives one Delivery Attempt to completion. internal/attempt
// implements this; internal/queue does not import internal/attempt to
// avoid a cycle (attempt imports queue's data model).
type Attempter interface {
	Attempt(ctx context.Context, msg *Message) WorkerResult
}

// WorkerResultKind is the three-way Delivery Attempt outcome.
type WorkerResultKind int

const (
	WorkerDone WorkerResultKind = iota
	WorkerRetry
	WorkerOnHold
)

// WorkerResult is what a Delivery Attempt hands back to the Manager.
type WorkerResult struct {
	Kind     WorkerResultKind
	Message  *Message
	Due      time.Time            // meaningful for WorkerRetry
	Limiters map[limiter.Key]struct{} // meaningful for WorkerOnHold
}

// EventKind tags the Manager's event channel payload.
type EventKind int

const (
	EventQueue EventKind = iota
	EventDone
	EventLimiterReleased
	EventReload
	EventStop
)

// Event is one message posted to the Manager's event channel.
type Event struct {
	Kind EventKind

	QueueMsg *Message // EventQueue

	Done WorkerResult // EventDone

	ReleasedKey limiter.Key // EventLimiterReleased
}

// Manager owns the scheduled set, the on-hold set, and the event
// channel; it is the sole mutator of scheduler state, keeping the
// scheduled/on-hold sets free of concurrent-access bugs.
type Manager struct {
	main   *mainHeap
	onHold onHoldSet

	events chan Event

	attempter Attempter
	spool     Spool
	bounce    BounceNotifier
	metrics   *metrics.Metrics
	log       log.Logger

	expire time.Duration

	stopping bool
	inFlight int
}

// NewManager builds a Manager. attempter drives each spawned Delivery
// Attempt; spool persists terminal messages; bounce emits delay/expiry
// notifications; expire is queue.expire.
func NewManager(attempter Attempter, spool Spool, bounce BounceNotifier, m *metrics.Metrics, logger log.Logger, expire time.Duration) *Manager {
	return &Manager{
		main:      newMainHeap(),
		events:    make(chan Event, 64),
		attempter: attempter,
		spool:     spool,
		bounce:    bounce,
		metrics:   m,
		log:       logger,
		expire:    expire,
	}
}

// Enqueue posts a newly-accepted message into the Manager, scheduled
// immediately.
func (mgr *Manager) Enqueue(msg *Message) {
	mgr.events <- Event{Kind: EventQueue, QueueMsg: msg}
}

// NotifyLimiterReleased posts an Event::LimiterReleased for key.
func (mgr *Manager) NotifyLimiterReleased(key limiter.Key) {
	mgr.events <- Event{Kind: EventLimiterReleased, ReleasedKey: key}
}

// Stop posts an Event::Stop; Run returns once every in-flight attempt it
// spawned has reported back.
func (mgr *Manager) Stop() {
	mgr.events <- Event{Kind: EventStop}
}

// Run is the Manager's single-threaded main loop. It blocks until a
// Stop event has been processed and every
// spawned attempt has completed.
func (mgr *Manager) Run(ctx context.Context) {
	for {
		wake := mgr.nextWake()

		var timer *time.Timer
		var timerC <-chan time.Time
		if !wake.IsZero() {
			d := time.Until(wake)
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
			timerC = timer.C
		}

		select {
		case ev := <-mgr.events:
			if timer != nil {
				timer.Stop()
			}
			if mgr.handle(ctx, ev) {
				return
			}
		case <-timerC:
			mgr.tick(ctx)
		}
	}
}

// nextWake computes min(main.peek().due, earliest on_hold.next_due) -
// channel-readiness is handled by select itself, so it is not part of
// this computation.
func (mgr *Manager) nextWake() time.Time {
	due := mgr.main.peekDue()
	onHoldDue := mgr.onHold.earliestNextDue()
	if due.IsZero() {
		return onHoldDue
	}
	if onHoldDue.IsZero() {
		return due
	}
	if onHoldDue.Before(due) {
		return onHoldDue
	}
	return due
}

// handle processes one event; it returns true once the Manager should
// shut down (a Stop event with no attempts left in flight).
func (mgr *Manager) handle(ctx context.Context, ev Event) bool {
	switch ev.Kind {
	case EventQueue:
		mgr.main.push(ev.QueueMsg.NextEvent(), ev.QueueMsg)
		mgr.reportQueueLength()
		mgr.tick(ctx)

	case EventDone:
		mgr.inFlight--
		mgr.fileResult(ev.Done)
		mgr.reportQueueLength()

	case EventLimiterReleased:
		for _, held := range mgr.onHold.popReleasable(ev.ReleasedKey, time.Now()) {
			mgr.main.push(held.Message.NextEvent(), held.Message)
		}
		mgr.reportQueueLength()
		mgr.tick(ctx)

	case EventReload:
		// Configuration reload is an external-loader concern; the
		// Manager only needs to accept the event without disrupting
		// in-flight state.

	case EventStop:
		mgr.stopping = true
	}

	return mgr.stopping && mgr.inFlight == 0
}

// tick pops every ready main-heap entry and the newly-releasable on_hold
// entries, spawning a Delivery Attempt for each.
func (mgr *Manager) tick(ctx context.Context) {
	if mgr.stopping {
		return
	}

	now := time.Now()
	for _, msg := range mgr.main.popReady(now) {
		mgr.spawn(ctx, msg)
	}

	// An on_hold entry also wakes when its own next_due elapses, not just
	// on a limiter release (nextWake already accounts for this when
	// computing the timer deadline). popReleasable's NextDue check does the
	// rest when passed a key no entry's limiter set will ever contain.
	for _, held := range mgr.onHold.popReleasable("", now) {
		mgr.main.push(held.Message.NextEvent(), held.Message)
	}
}

func (mgr *Manager) spawn(ctx context.Context, msg *Message) {
	now := time.Now()

	if msg.Expired(mgr.expire, now) {
		mgr.expireMessage(msg)
		return
	}

	for _, offset := range msg.DueNotifications(now) {
		mgr.bounce.NotifyDelay(msg, offset)
	}

	mgr.inFlight++
	go func() {
		result := mgr.attempter.Attempt(ctx, msg)
		mgr.events <- Event{Kind: EventDone, Done: result}
	}()
}

// expireMessage forces every non-terminal domain to
// PermanentFailure(Expired), resolves any recipient still Scheduled the
// same way finishDomain does, emits the expiry bounce, and finalizes the
// message without spawning a Delivery Attempt.
func (mgr *Manager) expireMessage(msg *Message) {
	for i := range msg.Domains {
		d := &msg.Domains[i]
		if d.Status.Terminal() {
			continue
		}
		d.Status = DomainPermanentFailure
		d.Err = ErrExpired
	}
	for i := range msg.Recipients {
		r := &msg.Recipients[i]
		if r.Status == RecipientScheduled {
			r.Status = RecipientPermanentFailure
			r.Reply = ErrExpired
		}
	}
	mgr.bounce.NotifyExpired(msg)
	if err := mgr.spool.Finalize(msg); err != nil {
		mgr.log.Error("failed to finalize expired message", err)
	}
}

func (mgr *Manager) fileResult(result WorkerResult) {
	switch result.Kind {
	case WorkerDone:
		if err := mgr.spool.Finalize(result.Message); err != nil {
			mgr.log.Error("failed to finalize delivered message", err)
		}
	case WorkerRetry:
		mgr.main.push(result.Due, result.Message)
	case WorkerOnHold:
		mgr.onHold.push(&OnHold{
			Message:  result.Message,
			Limiters: result.Limiters,
			NextDue:  result.Message.NextEvent(),
		})
	}
}

func (mgr *Manager) reportQueueLength() {
	if mgr.metrics == nil {
		return
	}
	mgr.metrics.QueueLength.WithLabelValues("main").Set(float64(mgr.main.Len()))
	mgr.metrics.QueueLength.WithLabelValues("on_hold").Set(float64(len(mgr.onHold.entries)))
}
