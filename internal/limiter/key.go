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

// Package limiter implements concurrency and rate token pools keyed by a
// composite LimiterKey, matching the sender/rcpt-domain/remote-host throttle
// points a delivery attempt runs through.
package limiter

import (
	"net"
	"strings"
)

// Field names one component of an envelope a rule can key its limiter on.
type Field int

const (
	Sender Field = iota
	RecipientDomain
	RemoteHost
	RemoteIP
)

func (f Field) String() string {
	switch f {
	case Sender:
		return "sender"
	case RecipientDomain:
		return "rcpt-domain"
	case RemoteHost:
		return "remote-host"
	case RemoteIP:
		return "remote-ip"
	default:
		return "unknown"
	}
}

// Envelope is the projection of an in-progress delivery that rules key
// their limiters on. Not every field is populated at every throttle point:
// sender-rules run before a domain/host is even chosen.
type Envelope struct {
	Sender          string
	RecipientDomain string
	RemoteHost      string
	RemoteIP        net.IP
}

// Key is the composite key a Rule derives from an Envelope. Two envelopes
// that agree on every field the rule's Fields name produce equal Keys,
// and so share the same token pool.
type Key string

func deriveKey(fields []Field, env Envelope) Key {
	parts := make([]string, len(fields))
	for i, f := range fields {
		switch f {
		case Sender:
			parts[i] = env.Sender
		case RecipientDomain:
			parts[i] = env.RecipientDomain
		case RemoteHost:
			parts[i] = env.RemoteHost
		case RemoteIP:
			if env.RemoteIP != nil {
				parts[i] = env.RemoteIP.String()
			}
		}
	}
	return Key(strings.Join(parts, "\x00"))
}
