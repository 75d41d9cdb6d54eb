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

// Package config holds the typed destination values an external loader
// fills in from whatever DSL/file format it parses - no parser lives
// here. The destination values are kept separate from any parser, which
// separates the directive lexer/tree walker from the typed Go value a
// directive ultimately populates; this engine only needs the latter
// half, since configuration parsing is an explicit external concern.
package config

import (
	"net"
	"time"

	"github.com/yonasBSD/stalwart-smtp-server/internal/limiter"
)

// Encryption is the queue.encryption policy for a relay or the default
// route.
type Encryption int

const (
	EncryptionDisable Encryption = iota
	EncryptionOpportunistic
	EncryptionRequired
	EncryptionDANE
)

func (e Encryption) String() string {
	switch e {
	case EncryptionDisable:
		return "disable"
	case EncryptionOpportunistic:
		return "opportunistic"
	case EncryptionRequired:
		return "required"
	case EncryptionDANE:
		return "dane"
	default:
		return "unknown"
	}
}

// TimeoutSet is queue.timeout_{connect,greeting,tls,ehlo,mail,rcpt,data}.
type TimeoutSet struct {
	Connect  time.Duration
	Greeting time.Duration
	TLS      time.Duration
	EHLO     time.Duration
	Mail     time.Duration
	Rcpt     time.Duration
	Data     time.Duration
}

// ThrottleRule is one entry of queue.throttle.{sender,rcpt,host}: an
// ordered rule combining a key projection with a rate and/or concurrency
// bound. Evaluation/enforcement live in internal/limiter; this struct is
// just the loader-filled description of one rule.
type ThrottleRule struct {
	Name   string
	Fields []limiter.Field

	HasConcurrency bool
	Concurrency    int

	HasRate  bool
	RateBurst int
	RateWindow time.Duration
}

// ThrottleSet groups the three throttle scopes.
type ThrottleSet struct {
	Sender []ThrottleRule
	Rcpt   []ThrottleRule
	Host   []ThrottleRule
}

// NextHopRule matches an envelope projection and forces delivery to a
// fixed relay instead of MX lookup, per queue.next_hop.
type NextHopRule struct {
	// MatchDomain, when non-empty, restricts this rule to envelopes whose
	// recipient domain equals it exactly. Empty matches every domain (a
	// default route).
	MatchDomain string

	Relay RelayTarget
}

// RelayTarget is the explicit-relay half of the RemoteHost tagged
// variant's data (see internal/queue.RemoteHost).
type RelayTarget struct {
	Hostname          string
	Port              int
	TLSImplicit       bool
	AllowInvalidCerts bool
}

// Queue is the queue.* configuration surface.
type Queue struct {
	Throttle ThrottleSet

	Retry  RetrySchedule
	Notify []time.Duration
	Expire time.Duration

	MaxMX         int
	MaxMultihomed int
	NextHop       []NextHopRule

	SourceIPv4 []net.IP
	SourceIPv6 []net.IP

	Encryption Encryption

	Timeouts TimeoutSet

	// AllowInvalidCerts maps relay hostname -> queue.tls.allow_invalid_certs.
	AllowInvalidCerts map[string]bool
}

// RetrySchedule is queue.retry: an ordered duration list. It is an alias
// of []time.Duration, the underlying type of internal/retry.Schedule, so a
// RetrySchedule value assigns to a retry.Schedule directly.
type RetrySchedule = []time.Duration

// ListenerTLS is server.listener.<id>.tls.*. The engine never listens
// itself (inbound sessions are out of scope); this struct exists only
// so the CertificateResolver contract has a concrete configuration shape
// to be constructed from by the embedding server binary.
type ListenerTLS struct {
	Enable            bool
	Protocols         []string
	Cipher            []string
	Certificate       string
	SNI               map[string]string
	IgnoreClientOrder bool
	Implicit          bool
}

// ListenerSocket is server.listener.<id>.socket.*.
type ListenerSocket struct {
	ReuseAddr      bool
	ReusePort      bool
	SendBufferSize int
	RecvBufferSize int
	Linger         *time.Duration
	TOS            int
	Backlog        int
	TTL            int
}

// Protocol is server.listener.<id>.protocol.
type Protocol int

const (
	ProtocolSMTP Protocol = iota
	ProtocolLMTP
)

// Listener is one server.listener.<id> block.
type Listener struct {
	ID       string
	Bind     string
	Hostname string
	Greeting string
	Protocol Protocol
	TLS      ListenerTLS
	Socket   ListenerSocket
}
