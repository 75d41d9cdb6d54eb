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

// Package address normalizes envelope addresses and hostnames: splitting
// mailbox/domain, converting domains to their ASCII (A-label) form for
// wire use, and detecting non-ASCII local parts that require SMTPUTF8.
package address

import (
	"errors"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

// Split splits an RFC 5321 forward-path into local part (mailbox) and
// domain. The special <postmaster> address (no domain) returns domain == "".
func Split(addr string) (mailbox, domain string, err error) {
	if strings.EqualFold(addr, "postmaster") {
		return addr, "", nil
	}

	idx := strings.LastIndexByte(addr, '@')
	if idx == -1 {
		return "", "", errors.New("address: missing at-sign")
	}
	mailbox = addr[:idx]
	domain = addr[idx+1:]
	if mailbox == "" {
		return "", "", errors.New("address: empty local-part")
	}
	if domain == "" {
		return "", "", errors.New("address: empty domain")
	}
	return
}

// ForLookup converts domain to its canonical ASCII (A-label) lowercase
// form, suitable for MX lookups, throttle keys, and routing decisions.
func ForLookup(domain string) (string, error) {
	ascii, err := idna.ToASCII(domain)
	if err != nil {
		return strings.ToLower(domain), err
	}
	return strings.ToLower(ascii), nil
}

// FQDN appends a trailing dot if domain does not already have one, the
// form MX lookups and RemoteHost.FQDNHostname use on the wire.
func FQDN(domain string) string {
	if strings.HasSuffix(domain, ".") {
		return domain
	}
	return domain + "."
}

// IsASCII reports whether s contains only ASCII code points.
func IsASCII(s string) bool {
	for _, ch := range s {
		if ch >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
