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

// Package smtperror defines the error kinds a delivery attempt can surface
// against a domain or recipient, per the classification table that maps
// protocol/transport failures onto permanent-vs-temporary status.
package smtperror

import (
	"fmt"

	"github.com/yonasBSD/stalwart-smtp-server/internal/exterrors"
)

// Reply is a captured SMTP server reply: numeric code, optional RFC 3463
// enhanced status code, and free-text.
type Reply struct {
	Code           int
	EnhancedStatus string
	Text           string
}

func (r Reply) String() string {
	if r.EnhancedStatus != "" {
		return fmt.Sprintf("%d %s %s", r.Code, r.EnhancedStatus, r.Text)
	}
	return fmt.Sprintf("%d %s", r.Code, r.Text)
}

// PermanentSeverity reports whether the reply is a 5yz (permanent
// negative completion) reply, as opposed to 4yz (transient).
func (r Reply) PermanentSeverity() bool {
	return r.Code >= 500 && r.Code < 600
}

// DNSError reports a failed MX/A/AAAA lookup. Temporary unless the lookup
// resolved to NXDOMAIN/NODATA.
type DNSError struct {
	Reason    string
	temporary bool
}

// NewDNSError builds a DNSError, classifying it against err (expected to be
// an exterrors.RCodeError or equivalent) via exterrors.IsTemporaryOrUnspec.
func NewDNSError(err error) *DNSError {
	return &DNSError{Reason: err.Error(), temporary: exterrors.IsTemporaryOrUnspec(err)}
}

func (e *DNSError) Error() string    { return "dns lookup failed: " + e.Reason }
func (e *DNSError) Temporary() bool  { return e.temporary }
func (e *DNSError) Fields() map[string]interface{} {
	return map[string]interface{}{"dns_error": e.Reason}
}

// ConnectionError covers TCP connect failures, TLS handshake failures,
// socket IO errors, timeouts, and replies the client could not parse at
// all. Always classified as temporary: a network hiccup talking to one
// host is never grounds to permanently fail a recipient.
type ConnectionError struct {
	Reason string
}

func (e *ConnectionError) Error() string   { return "connection error: " + e.Reason }
func (e *ConnectionError) Temporary() bool { return true }
func (e *ConnectionError) Fields() map[string]interface{} {
	return map[string]interface{}{"connection_error": e.Reason}
}

// UnexpectedResponse wraps a definite SMTP reply the server sent in
// response to EHLO/MAIL/RCPT/DATA. Permanent iff reply.PermanentSeverity().
type UnexpectedResponse struct {
	Message string
	Reply   Reply
}

func (e *UnexpectedResponse) Error() string {
	return e.Message + ": " + e.Reply.String()
}

func (e *UnexpectedResponse) Temporary() bool {
	return !e.Reply.PermanentSeverity()
}

func (e *UnexpectedResponse) Fields() map[string]interface{} {
	return map[string]interface{}{
		"smtp_code":   e.Reply.Code,
		"smtp_status": e.Reply.EnhancedStatus,
		"smtp_text":   e.Reply.Text,
	}
}

// TlsRequiredUnavailable is synthesized by the delivery attempt when TLS
// policy mandates STARTTLS but the remote host did not advertise it (or
// the MAIL_REQUIRETLS flag was set on the message). Classified temporary:
// the host may start advertising STARTTLS by the next retry, and cleartext
// fallback is never permitted once required.
type TlsRequiredUnavailable struct {
	Reply Reply
}

func (e *TlsRequiredUnavailable) Error() string {
	return "STARTTLS required but unavailable: " + e.Reply.String()
}

func (e *TlsRequiredUnavailable) Temporary() bool { return true }

// ConfigError marks a domain's delivery as permanently failed because of
// its own routing configuration rather than anything the remote host did
// - e.g. an encryption strategy this engine does not implement. Always
// permanent: no retry schedule fixes a configuration problem.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string   { return "configuration error: " + e.Reason }
func (e *ConfigError) Temporary() bool { return false }
func (e *ConfigError) Fields() map[string]interface{} {
	return map[string]interface{}{"config_error": e.Reason}
}

var (
	_ error = (*DNSError)(nil)
	_ error = (*ConnectionError)(nil)
	_ error = (*UnexpectedResponse)(nil)
	_ error = (*TlsRequiredUnavailable)(nil)
	_ error = (*ConfigError)(nil)
)
