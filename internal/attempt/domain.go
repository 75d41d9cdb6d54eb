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

package attempt

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/yonasBSD/stalwart-smtp-server/internal/address"
	"github.com/yonasBSD/stalwart-smtp-server/internal/exterrors"
	"github.com/yonasBSD/stalwart-smtp-server/internal/limiter"
	"github.com/yonasBSD/stalwart-smtp-server/internal/queue"
	"github.com/yonasBSD/stalwart-smtp-server/internal/resolver"
	"github.com/yonasBSD/stalwart-smtp-server/internal/retry"
	"github.com/yonasBSD/stalwart-smtp-server/internal/smtperror"
	"github.com/yonasBSD/stalwart-smtp-server/internal/smtpclient"
)

// attemptDomain runs one Domain through the rcpt-domain throttle, host
// selection, and host/IP iteration of one domain's delivery attempt. It never
// returns an error: every outcome is folded directly into msg's Domain
// and Recipient state, and on_hold limiter keys are recorded into held.
func (a *Attempt) attemptDomain(ctx context.Context, msg *queue.Message, idx int, tokens *limiter.TokenSet, held *onHoldKeys) {
	d := &msg.Domains[idx]

	if d.Status != queue.DomainScheduled && d.Status != queue.DomainTemporaryFailure {
		return
	}
	now := time.Now()
	if d.Retry.Due.After(now) {
		return
	}
	d.Status = queue.DomainInFlight

	env := limiter.Envelope{Sender: msg.ReturnPath, RecipientDomain: d.Domain}
	for _, rule := range a.svc.RcptRules {
		if err := limiter.IsAllowed(rule, env, tokens); err != nil {
			a.countThrottleReject("rcpt", err)
			switch e := err.(type) {
			case *limiter.RateError:
				d.Status = queue.DomainTemporaryFailure
				d.Retry.Due = e.RetryAt
				return
			case *limiter.ConcurrencyError:
				d.Status = queue.DomainTemporaryFailure
				held.add(e.Key)
				return
			}
		}
	}

	recipients := scheduledRecipients(msg, idx)

	remoteHosts, err := a.remoteHostsFor(ctx, d)
	if err != nil {
		a.finishDomain(d, recipients, err)
		return
	}
	if a.svc.MaxMX > 0 && len(remoteHosts) > a.svc.MaxMX {
		remoteHosts = remoteHosts[:a.svc.MaxMX]
	}

	var lastErr error = &smtperror.ConnectionError{Reason: "no remote hosts available for " + d.Domain}

	for _, host := range remoteHosts {
		sourceIP, remoteIPs, err := a.resolveHost(ctx, host)
		if err != nil {
			lastErr = err
			continue
		}
		if a.svc.MaxMultihomed > 0 && len(remoteIPs) > a.svc.MaxMultihomed {
			remoteIPs = remoteIPs[:a.svc.MaxMultihomed]
		}

		abandoned := false
		for _, remoteIP := range remoteIPs {
			hostEnv := env
			hostEnv.RemoteHost = host.FQDNHostname()
			hostEnv.RemoteIP = remoteIP

			if err := a.acquireHostRules(hostEnv, tokens); err != nil {
				a.countThrottleReject("host", err)
				switch e := err.(type) {
				case *limiter.RateError:
					d.Status = queue.DomainTemporaryFailure
					d.Retry.Due = e.RetryAt
				case *limiter.ConcurrencyError:
					d.Status = queue.DomainTemporaryFailure
					held.add(e.Key)
				}
				abandoned = true
				break
			}

			cl, err := a.connect(ctx, sourceIP, remoteIP, host)
			if err != nil {
				lastErr = err
				continue
			}

			err = a.deliverOver(ctx, host, cl, msg, recipients)
			a.finishDomain(d, recipients, err)
			return
		}
		if abandoned {
			return
		}
	}

	a.finishDomain(d, recipients, lastErr)
}

// acquireHostRules evaluates every host-scoped rule against env in order;
// each rule that passes appends its token to the shared TokenSet at once.
// On the first failure it stops and returns that failure: the failing rule
// holds nothing (IsAllowed guarantees no partial acquisition per call), and
// tokens from rules that passed earlier stay in tokens until the attempt
// releases the whole set.
func (a *Attempt) acquireHostRules(env limiter.Envelope, tokens *limiter.TokenSet) error {
	for _, rule := range a.svc.HostRules {
		if err := limiter.IsAllowed(rule, env, tokens); err != nil {
			return err
		}
	}
	return nil
}

// remoteHostsFor resolves d's remote hosts: an explicit queue.next_hop
// match short-circuits MX lookup entirely; otherwise it is the domain's
// MX list (equal-preference exchanges shuffled per exchange), falling
// back to the implicit MX of the domain
// itself when the zone carries no MX records (RFC 5321 §5.1).
func (a *Attempt) remoteHostsFor(ctx context.Context, d *queue.Domain) ([]queue.RemoteHost, error) {
	for _, rule := range a.svc.NextHop {
		if rule.MatchDomain == "" || strings.EqualFold(rule.MatchDomain, d.Domain) {
			return []queue.RemoteHost{{
				Kind:              queue.RemoteHostRelay,
				Hostname:          address.FQDN(rule.Relay.Hostname),
				Port:              rule.Relay.Port,
				TLSImplicit:       rule.Relay.TLSImplicit,
				AllowInvalidCerts: rule.Relay.AllowInvalidCerts,
			}}, nil
		}
	}

	mxs, err := a.svc.Resolver.LookupMX(ctx, d.Domain)
	if err != nil {
		return nil, smtperror.NewDNSError(err)
	}
	if len(mxs) == 0 {
		return []queue.RemoteHost{{Kind: queue.RemoteHostMX, Hostname: address.FQDN(d.Domain)}}, nil
	}

	hosts := make([]queue.RemoteHost, 0, len(mxs))
	for _, mx := range mxs {
		for _, exchange := range resolver.ShuffleExchanges(mx.Exchanges) {
			hosts = append(hosts, queue.RemoteHost{Kind: queue.RemoteHostMX, Hostname: address.FQDN(exchange)})
		}
	}
	return hosts, nil
}

// resolveHost looks up host's A/AAAA records and picks one source IP to
// dial from, chosen once from the first resolved IP's address family and
// reused for every IP of that host.
func (a *Attempt) resolveHost(ctx context.Context, host queue.RemoteHost) (net.IP, []net.IP, error) {
	ips, err := a.svc.Resolver.LookupIP(ctx, host.Hostname)
	if err != nil {
		return nil, nil, smtperror.NewDNSError(err)
	}
	if len(ips) == 0 {
		return nil, nil, &smtperror.DNSError{Reason: "no address records for " + host.Hostname}
	}
	return a.sourceIPFor(ips[0]), ips, nil
}

func (a *Attempt) sourceIPFor(remote net.IP) net.IP {
	if remote.To4() != nil {
		if len(a.svc.SourceIPv4) > 0 {
			return a.svc.SourceIPv4[0]
		}
		return nil
	}
	if len(a.svc.SourceIPv6) > 0 {
		return a.svc.SourceIPv6[0]
	}
	return nil
}

// connect dials remoteIP at host's port from source (nil picks the
// system default route) and runs the greeting/EHLO handshake.
func (a *Attempt) connect(ctx context.Context, source, remoteIP net.IP, host queue.RemoteHost) (*smtpclient.Client, error) {
	addr := net.JoinHostPort(remoteIP.String(), strconv.Itoa(host.EffectivePort()))

	cl := smtpclient.New(a.svc.Hostname, a.svc.Log)
	if a.svc.Dial != nil {
		cl.Dialer = a.svc.Dial
	} else if source != nil {
		cl.Dialer = (&net.Dialer{LocalAddr: &net.TCPAddr{IP: source}}).DialContext
	}

	tlsConfig := a.svc.TLS.For(host.AllowsInvalidCerts())
	connectCtx, cancel := context.WithTimeout(ctx, orDefault(a.svc.Timeouts.Connect, 5*time.Minute))
	defer cancel()

	if err := cl.Dial(connectCtx, "tcp", addr, host.ImplicitTLS(), tlsConfig, host.FQDNHostname(), a.svc.LMTP, a.svc.Timeouts); err != nil {
		return nil, err
	}
	a.countMXLevel(host)
	return cl, nil
}

func (a *Attempt) countMXLevel(host queue.RemoteHost) {
	if a.svc.Metrics == nil {
		return
	}
	level := "mx"
	if host.Kind == queue.RemoteHostRelay {
		level = "relay"
	}
	a.svc.Metrics.MXLevelConns.WithLabelValues(level).Inc()
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// scheduledRecipients returns the pointers into msg.Recipients for
// domain idx that are still Scheduled. A recipient leaves Scheduled at
// most once: at the attempt that reaches the RCPT/DATA stage for its
// domain, or when its domain fails permanently (see DESIGN.md's "recipient
// retry" decision); recipients skipped here were already decided by an
// earlier attempt and are not resent.
func scheduledRecipients(msg *queue.Message, idx int) []*queue.Recipient {
	var out []*queue.Recipient
	for i := range msg.Recipients {
		r := &msg.Recipients[i]
		if r.DomainIdx != idx {
			continue
		}
		if r.Status != queue.RecipientScheduled {
			continue
		}
		out = append(out, r)
	}
	return out
}

// finishDomain classifies err (nil meaning deliverOver completed) into a
// terminal-or-retry DomainStatus, advances the retry
// counter only on a TemporaryFailure transition, and resolves
// any recipient still Scheduled once the domain itself reaches a
// terminal status.
func (a *Attempt) finishDomain(d *queue.Domain, recipients []*queue.Recipient, err error) {
	status := classify(err)
	d.Status = status
	d.Err = err

	switch status {
	case queue.DomainCompleted:
		for _, r := range recipients {
			if r.Status == queue.RecipientScheduled {
				r.Status = queue.RecipientCompleted
			}
		}
	case queue.DomainPermanentFailure:
		for _, r := range recipients {
			if r.Status == queue.RecipientScheduled {
				r.Status = queue.RecipientPermanentFailure
				r.Reply = err
			}
		}
	case queue.DomainTemporaryFailure:
		st := retry.State{Attempt: d.Retry.Attempt, Due: d.Retry.Due}
		st.Advance(a.svc.RetrySchedule, time.Now())
		d.Retry.Attempt = st.Attempt
		d.Retry.Due = st.Due
		if a.svc.Metrics != nil {
			a.svc.Metrics.RetryAttempts.Observe(float64(d.Retry.Attempt))
		}
	}

	if a.svc.Metrics != nil {
		a.svc.Metrics.DeliveryResult.WithLabelValues(status.String()).Inc()
	}
}

// classify maps a Delivery Attempt outcome to a DomainStatus: nil means
// the domain's transaction completed (DATA accepted);
// any other error defers to its own Temporary() classification, which
// every smtperror kind already encodes (ConnectionError/
// TlsRequiredUnavailable always temporary, UnexpectedResponse by reply
// severity, DNSError by RCODE).
func classify(err error) queue.DomainStatus {
	if err == nil {
		return queue.DomainCompleted
	}
	if exterrors.IsTemporaryOrUnspec(err) {
		return queue.DomainTemporaryFailure
	}
	return queue.DomainPermanentFailure
}
