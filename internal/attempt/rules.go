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
	"github.com/yonasBSD/stalwart-smtp-server/internal/config"
	"github.com/yonasBSD/stalwart-smtp-server/internal/limiter"
	"github.com/yonasBSD/stalwart-smtp-server/internal/smtpclient"
)

// smtpclientTimeouts projects config.Queue's timeout_* values onto
// smtpclient.Timeouts; a zero duration in either struct means "use the
// package default" (smtpclient.orDefault), so no defaulting happens
// here.
func smtpclientTimeouts(q config.Queue) smtpclient.Timeouts {
	return smtpclient.Timeouts{
		Connect:  q.Timeouts.Connect,
		Greeting: q.Timeouts.Greeting,
		TLS:      q.Timeouts.TLS,
		EHLO:     q.Timeouts.EHLO,
		Mail:     q.Timeouts.Mail,
		Rcpt:     q.Timeouts.Rcpt,
		Data:     q.Timeouts.Data,
	}
}

// BuildRules turns a loader-filled ThrottleSet
// (queue.throttle.{sender,rcpt,host}) into the live limiter.Rule values a
// Services bundle drives throttle acquisition with. One config rule can
// carry both a concurrency and a rate bound; that produces two
// independent limiter.Rule entries sharing the same key Fields, since
// internal/limiter models each kind as its own token pool.
func BuildRules(rules []config.ThrottleRule) []*limiter.Rule {
	out := make([]*limiter.Rule, 0, len(rules))
	for _, r := range rules {
		if r.HasConcurrency {
			out = append(out, &limiter.Rule{
				Kind:     limiter.Concurrency,
				Fields:   r.Fields,
				Capacity: r.Concurrency,
			})
		}
		if r.HasRate {
			out = append(out, &limiter.Rule{
				Kind:     limiter.Rate,
				Fields:   r.Fields,
				Burst:    r.RateBurst,
				Interval: r.RateWindow,
			})
		}
	}
	return out
}

// BuildServices assembles a Services bundle from the engine's external
// configuration surface: throttle rules, retry/timeout
// tables, and next-hop routing. Collaborators with no config-driven
// shape (Resolver, TLS registry, dialer override, logger, metrics) are
// left unset on the returned Services; the embedding server binary
// constructs them once and assigns them to those fields itself.
func BuildServices(q config.Queue, hostname string, lmtp bool) *Services {
	return &Services{
		Hostname: hostname,
		LMTP:     lmtp,
		Timeouts: smtpclientTimeouts(q),

		SenderRules: BuildRules(q.Throttle.Sender),
		RcptRules:   BuildRules(q.Throttle.Rcpt),
		HostRules:   BuildRules(q.Throttle.Host),

		RetrySchedule: q.Retry,
		MaxMX:         q.MaxMX,
		MaxMultihomed: q.MaxMultihomed,
		NextHop:       q.NextHop,
		SourceIPv4:    q.SourceIPv4,
		SourceIPv6:    q.SourceIPv6,
		Encryption:    q.Encryption,
	}
}
