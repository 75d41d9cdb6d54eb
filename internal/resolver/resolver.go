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

// Package resolver looks up MX and A/AAAA records for outbound delivery.
//
// This package uses github.com/miekg/dns as its only resolver
// implementation, rather than the standard library's net.Resolver,
// because the engine needs RCODE-level detail (NXDOMAIN vs SERVFAIL) to
// classify a lookup failure as permanent or temporary, and
// net.DNSError does not expose that.
package resolver

import (
	"context"
	"math/rand"
	"net"
	"sort"
	"time"

	"github.com/miekg/dns"

	"github.com/yonasBSD/stalwart-smtp-server/internal/address"
	"github.com/yonasBSD/stalwart-smtp-server/internal/exterrors"
)

// MX is one mail-exchange preference level with its set of equal-preference
// hostnames.
type MX struct {
	Preference uint16
	Exchanges  []string
}

// Resolver looks up MX and A/AAAA records over the network.
type Resolver interface {
	LookupMX(ctx context.Context, domain string) ([]MX, error)
	LookupIP(ctx context.Context, hostname string) ([]net.IP, error)
}

// DNSResolver is the production Resolver, backed directly by
// github.com/miekg/dns so RCODE-level errors are available for permanent-
// vs-temporary classification (see exterrors.RCodeError).
type DNSResolver struct {
	Client  *dns.Client
	Servers []string // "host:port" resolver addresses, e.g. from /etc/resolv.conf
	Timeout time.Duration
}

// NewFromResolvConf builds a DNSResolver from the system resolver
// configuration at path (typically "/etc/resolv.conf").
func NewFromResolvConf(path string) (*DNSResolver, error) {
	cfg, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	servers := make([]string, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		servers = append(servers, net.JoinHostPort(s, cfg.Port))
	}
	return &DNSResolver{
		Client:  new(dns.Client),
		Servers: servers,
		Timeout: 5 * time.Second,
	}, nil
}

func (r *DNSResolver) exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	var lastErr error
	for _, srv := range r.Servers {
		cl := r.Client
		if cl.Timeout == 0 {
			cl.Timeout = r.Timeout
		}
		resp, _, err := cl.ExchangeContext(ctx, msg, srv)
		if err != nil {
			lastErr = err
			continue
		}
		return resp, nil
	}
	if lastErr == nil {
		lastErr = &net.DNSError{Err: "no resolvers configured", IsTemporary: true}
	}
	return nil, lastErr
}

// LookupMX returns a domain's MX records ordered by ascending preference,
// with equal-preference exchanges grouped and later shuffled by the caller
// per host selection (RFC 5321 §5.1's implicit-MX fallback is NOT applied
// here - that is a decision the delivery attempt makes, since an empty
// result is itself meaningful to record).
func (r *DNSResolver) LookupMX(ctx context.Context, domain string) ([]MX, error) {
	fqdn := address.FQDN(domain)

	msg := new(dns.Msg)
	msg.SetQuestion(fqdn, dns.TypeMX)
	msg.RecursionDesired = true

	resp, err := r.exchange(ctx, msg)
	if err != nil {
		return nil, exterrors.RCodeError{Name: domain, Code: dns.RcodeServerFailure}
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, exterrors.RCodeError{Name: domain, Code: resp.Rcode}
	}

	byPref := map[uint16][]string{}
	prefs := []uint16{}
	for _, rr := range resp.Answer {
		mx, ok := rr.(*dns.MX)
		if !ok {
			continue
		}
		if _, seen := byPref[mx.Preference]; !seen {
			prefs = append(prefs, mx.Preference)
		}
		byPref[mx.Preference] = append(byPref[mx.Preference], mx.Mx)
	}
	sort.Slice(prefs, func(i, j int) bool { return prefs[i] < prefs[j] })

	records := make([]MX, 0, len(prefs))
	for _, p := range prefs {
		records = append(records, MX{Preference: p, Exchanges: byPref[p]})
	}
	return records, nil
}

// LookupIP resolves hostname's A records followed by its AAAA records,
// preserving upstream order within each family.
func (r *DNSResolver) LookupIP(ctx context.Context, hostname string) ([]net.IP, error) {
	fqdn := address.FQDN(hostname)

	var ips []net.IP
	var lastErr error

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(fqdn, qtype)
		msg.RecursionDesired = true

		resp, err := r.exchange(ctx, msg)
		if err != nil {
			lastErr = exterrors.RCodeError{Name: hostname, Code: dns.RcodeServerFailure}
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = exterrors.RCodeError{Name: hostname, Code: resp.Rcode}
			continue
		}
		for _, rr := range resp.Answer {
			switch rec := rr.(type) {
			case *dns.A:
				ips = append(ips, rec.A)
			case *dns.AAAA:
				ips = append(ips, rec.AAAA)
			}
		}
	}

	if len(ips) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return ips, nil
}

// ShuffleExchanges returns a copy of exchanges in uniformly random order,
// satisfying the equal-preference fairness property: each exchange must be
// selected first with probability 1/n.
func ShuffleExchanges(exchanges []string) []string {
	out := make([]string, len(exchanges))
	copy(out, exchanges)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
