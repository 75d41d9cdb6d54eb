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

// Package queue holds the Message/Domain/Recipient data model the Queue
// Manager schedules and a Delivery Attempt mutates, plus the Manager
// itself. A recipient-flat queue implementation would couple this data
// model directly to an on-disk store and a single dispatch loop; here the
// data model is its own file because the engine's durable spool is an
// external collaborator (see Spool) rather than something this package
// implements.
package queue

import (
	"errors"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"

	"github.com/yonasBSD/stalwart-smtp-server/internal/limiter"
)

// ErrExpired backs a domain forced to PermanentFailure because its
// message's created_at+expire elapsed before delivery completed.
var ErrExpired = errors.New("message expired before delivery completed")

// Flags is a bitset of per-message delivery flags.
type Flags uint32

const (
	// FlagRequireTLS marks a message as carrying RFC 8689 REQUIRETLS:
	// every hop must use TLS, cleartext fallback is forbidden.
	FlagRequireTLS Flags = 1 << iota
)

func (f Flags) RequireTLS() bool { return f&FlagRequireTLS != 0 }

// RecipientStatus is one final-recipient delivery outcome.
type RecipientStatus int

const (
	RecipientScheduled RecipientStatus = iota
	RecipientCompleted
	RecipientPermanentFailure
	RecipientTemporaryFailure
)

func (s RecipientStatus) String() string {
	switch s {
	case RecipientScheduled:
		return "scheduled"
	case RecipientCompleted:
		return "completed"
	case RecipientPermanentFailure:
		return "permanent_failure"
	case RecipientTemporaryFailure:
		return "temporary_failure"
	default:
		return "unknown"
	}
}

// Recipient is one RCPT TO target within a message, indexing into the
// owning Message's Domains slice.
type Recipient struct {
	Address   string
	DomainIdx int
	Status    RecipientStatus
	// Reply is the captured SMTP reply backing Status, nil while
	// Status == RecipientScheduled.
	Reply error
}

// DomainStatus is one routing target's delivery state.
type DomainStatus int

const (
	DomainScheduled DomainStatus = iota
	DomainInFlight
	DomainCompleted
	DomainPermanentFailure
	DomainTemporaryFailure
)

func (s DomainStatus) String() string {
	switch s {
	case DomainScheduled:
		return "scheduled"
	case DomainInFlight:
		return "in_flight"
	case DomainCompleted:
		return "completed"
	case DomainPermanentFailure:
		return "permanent_failure"
	case DomainTemporaryFailure:
		return "temporary_failure"
	default:
		return "unknown"
	}
}

// Terminal reports whether a domain in this status will never be
// attempted again.
func (s DomainStatus) Terminal() bool {
	return s == DomainCompleted || s == DomainPermanentFailure
}

// Retry is a domain's attempt counter and next-due timestamp.
type Retry struct {
	Attempt uint32
	Due     time.Time
}

// Domain is one routing target within a message.
type Domain struct {
	Domain string // ASCII/IDNA form

	Status DomainStatus
	// Err backs Status when it is DomainPermanentFailure/DomainTemporaryFailure.
	Err error

	Retry Retry

	ExpiresAt time.Time
}

// Message is an accepted envelope plus content, owned exclusively by at
// most one Delivery Attempt at a time.
type Message struct {
	ID uuid.UUID

	Size  int64
	Flags Flags

	// ReturnPath is a lowercased copy of the envelope sender, retained
	// for routing/throttle-key projection independent of case variation
	// in the original MAIL FROM.
	ReturnPath string

	Recipients []Recipient
	Domains    []Domain

	Header textproto.Header
	Body   []byte

	CreatedAt time.Time
	// NotifyTimes are offsets from CreatedAt at which a delay DSN should
	// fire if the message is still not fully terminal.
	NotifyTimes []time.Duration

	notified map[time.Duration]bool
}

// AllTerminal reports whether every domain has reached Completed or
// PermanentFailure.
func (m *Message) AllTerminal() bool {
	for _, d := range m.Domains {
		if !d.Status.Terminal() {
			return false
		}
	}
	return true
}

// NextEvent returns the minimum Retry.Due across non-terminal domains, or
// the zero Time if none remain.
func (m *Message) NextEvent() time.Time {
	var due time.Time
	found := false
	for _, d := range m.Domains {
		if d.Status.Terminal() {
			continue
		}
		if !found || d.Retry.Due.Before(due) {
			due = d.Retry.Due
			found = true
		}
	}
	return due
}

// Expired reports whether CreatedAt+expire has elapsed as of now.
func (m *Message) Expired(expire time.Duration, now time.Time) bool {
	return now.Sub(m.CreatedAt) >= expire
}

// DueNotifications returns the NotifyTimes offsets that have elapsed
// since CreatedAt but have not yet been delivered, marking them as sent.
func (m *Message) DueNotifications(now time.Time) []time.Duration {
	if m.notified == nil {
		m.notified = make(map[time.Duration]bool, len(m.NotifyTimes))
	}
	var due []time.Duration
	for _, offset := range m.NotifyTimes {
		if m.notified[offset] {
			continue
		}
		if now.Sub(m.CreatedAt) >= offset {
			m.notified[offset] = true
			due = append(due, offset)
		}
	}
	return due
}

// RemoteHostKind distinguishes the two RemoteHost variants.
type RemoteHostKind int

const (
	RemoteHostMX RemoteHostKind = iota
	RemoteHostRelay
)

// RemoteHost is the tagged MX-vs-explicit-relay variant: its capability queries
// collapse to a switch on Kind rather than dynamic dispatch, since there
// are exactly two cases and no third is expected.
type RemoteHost struct {
	Kind RemoteHostKind

	Hostname string // normalized, trailing-dot FQDN form

	// Port, TLSImplicit, AllowInvalidCerts are meaningful for
	// RemoteHostRelay; RemoteHostMX always implies port 25, opportunistic
	// or required STARTTLS (never implicit), and strict certificate
	// verification.
	Port              int
	TLSImplicit       bool
	AllowInvalidCerts bool
}

// FQDNHostname returns Hostname in trailing-dot form.
func (h RemoteHost) FQDNHostname() string {
	if len(h.Hostname) == 0 || h.Hostname[len(h.Hostname)-1] == '.' {
		return h.Hostname
	}
	return h.Hostname + "."
}

// EffectivePort returns the port a connection to this host should use.
func (h RemoteHost) EffectivePort() int {
	if h.Kind == RemoteHostMX {
		return 25
	}
	if h.Port == 0 {
		return 25
	}
	return h.Port
}

// ImplicitTLS reports whether the connection must perform the TLS
// handshake before any protocol bytes are exchanged.
func (h RemoteHost) ImplicitTLS() bool {
	return h.Kind == RemoteHostRelay && h.TLSImplicit
}

// AllowsInvalidCerts reports whether host policy permits skipping
// certificate verification (MX hosts never do).
func (h RemoteHost) AllowsInvalidCerts() bool {
	return h.Kind == RemoteHostRelay && h.AllowInvalidCerts
}

// Envelope is the non-content addressing of a message used as input to
// throttle/policy evaluation - an alias of limiter.Envelope kept under
// this package's name since every caller here constructs it from a
// Message/Domain/RemoteHost projection.
type Envelope = limiter.Envelope
