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

// Package attempt implements the Delivery Attempt state machine: the
// per-message worker that partitions work across recipient domains,
// drives DNS resolution, throttle acquisition and the SMTP client
// protocol, and folds the result into a queue.WorkerResult.
//
// It generalizes a recipient-flat delivery loop to a
// Message/Domain/Recipient partitioning: rather than retrying a whole
// message against one set of recipients, each Domain carries its own
// retry state and only the domains still due are reattempted.
package attempt

import (
	"context"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/yonasBSD/stalwart-smtp-server/internal/config"
	"github.com/yonasBSD/stalwart-smtp-server/internal/limiter"
	"github.com/yonasBSD/stalwart-smtp-server/internal/log"
	"github.com/yonasBSD/stalwart-smtp-server/internal/metrics"
	"github.com/yonasBSD/stalwart-smtp-server/internal/queue"
	"github.com/yonasBSD/stalwart-smtp-server/internal/resolver"
	"github.com/yonasBSD/stalwart-smtp-server/internal/retry"
	"github.com/yonasBSD/stalwart-smtp-server/internal/smtpclient"
	"github.com/yonasBSD/stalwart-smtp-server/internal/tlsprofile"
)

// Services bundles every collaborator a Delivery Attempt drives: the
// resolver, the TLS profile registry, the dialer a Client uses to reach
// a remote host, and the configuration values one domain's delivery
// attempt reads (max_mx, max_multihomed, next_hop, retry schedule, timeouts).
//
// A Services value is immutable once built and shared read-only across
// every concurrently running Attempt: the TLS connector registry,
// dialer override and config-derived values are immutable once built,
// so the whole Services bundle is safe to share read-only across
// Attempts - only the Limiter rules and the Resolver's own network IO
// carry any mutable state, and both already guard themselves.
type Services struct {
	Resolver resolver.Resolver
	TLS      *tlsprofile.Registry
	Dial     smtpclient.Dialer
	Hostname string // EHLO/LHLO hostname this engine presents as
	LMTP     bool
	Timeouts smtpclient.Timeouts

	SenderRules []*limiter.Rule
	RcptRules   []*limiter.Rule
	HostRules   []*limiter.Rule

	RetrySchedule retry.Schedule
	MaxMX         int
	MaxMultihomed int
	NextHop       []config.NextHopRule
	SourceIPv4    []net.IP
	SourceIPv6    []net.IP
	Encryption    config.Encryption

	// DomainConcurrency bounds how many of a message's domains a single
	// Attempt processes in parallel via errgroup.Group.SetLimit. Domains
	// are independent work (distinct recipients, distinct throttle/MX
	// state) so running them concurrently is safe. Within one domain,
	// the sub-steps (throttle, resolve, connect, deliver) still run
	// strictly sequentially inside attemptDomain.
	DomainConcurrency int

	Metrics *metrics.Metrics
	Log     log.Logger
}

func (s *Services) domainConcurrency() int {
	if s.DomainConcurrency > 0 {
		return s.DomainConcurrency
	}
	return 8
}

// Attempt drives one queue.Message through the Delivery Attempt state
// machine and implements queue.Attempter.
type Attempt struct {
	svc *Services
}

// New builds an Attempt bound to svc.
func New(svc *Services) *Attempt {
	return &Attempt{svc: svc}
}

// Attempt owns msg exclusively for the duration of one pass: it
// mutates msg.Domains/msg.Recipients in place and returns the
// queue.WorkerResult the Queue Manager re-files the message by.
func (a *Attempt) Attempt(ctx context.Context, msg *queue.Message) queue.WorkerResult {
	tokens := &limiter.TokenSet{}
	defer tokens.ReleaseAll() // every token acquired here is released on every exit path

	senderEnv := limiter.Envelope{Sender: msg.ReturnPath}
	for _, rule := range a.svc.SenderRules {
		if err := limiter.IsAllowed(rule, senderEnv, tokens); err != nil {
			a.countThrottleReject("sender", err)
			switch e := err.(type) {
			case *limiter.RateError:
				return queue.WorkerResult{Kind: queue.WorkerRetry, Message: msg, Due: e.RetryAt}
			case *limiter.ConcurrencyError:
				return queue.WorkerResult{
					Kind:     queue.WorkerOnHold,
					Message:  msg,
					Limiters: map[limiter.Key]struct{}{e.Key: {}},
				}
			}
		}
	}

	held := &onHoldKeys{}

	var wg errgroup.Group
	wg.SetLimit(a.svc.domainConcurrency())
	for i := range msg.Domains {
		idx := i
		wg.Go(func() error {
			a.attemptDomain(ctx, msg, idx, tokens, held)
			return nil
		})
	}
	_ = wg.Wait() // attemptDomain never returns an error; it folds outcomes into msg itself

	if keys := held.snapshot(); len(keys) > 0 {
		return queue.WorkerResult{Kind: queue.WorkerOnHold, Message: msg, Limiters: keys, Due: msg.NextEvent()}
	}
	if !msg.AllTerminal() {
		return queue.WorkerResult{Kind: queue.WorkerRetry, Message: msg, Due: msg.NextEvent()}
	}
	return queue.WorkerResult{Kind: queue.WorkerDone, Message: msg}
}

func (a *Attempt) countThrottleReject(scope string, err error) {
	if a.svc.Metrics == nil {
		return
	}
	kind := "rate"
	if _, ok := err.(*limiter.ConcurrencyError); ok {
		kind = "concurrency"
	}
	a.svc.Metrics.ThrottleRejects.WithLabelValues(scope, kind).Inc()
}

// onHoldKeys accumulates limiter keys across concurrently-running
// per-domain goroutines; like the limiter.TokenSet those goroutines also
// share, it guards itself with a mutex.
type onHoldKeys struct {
	mu   sync.Mutex
	keys map[limiter.Key]struct{}
}

func (o *onHoldKeys) add(k limiter.Key) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.keys == nil {
		o.keys = make(map[limiter.Key]struct{})
	}
	o.keys[k] = struct{}{}
}

func (o *onHoldKeys) snapshot() map[limiter.Key]struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.keys) == 0 {
		return nil
	}
	out := make(map[limiter.Key]struct{}, len(o.keys))
	for k := range o.keys {
		out[k] = struct{}{}
	}
	return out
}
