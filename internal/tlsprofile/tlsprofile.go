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

// Package tlsprofile provides the two preconfigured client TLS profiles a
// delivery attempt picks between per remote host policy - pki-verify, which
// performs normal certificate validation, and no-verify, for hosts that
// have opted out of certificate checking (e.g. a relay configured with
// allow_invalid_certs) - plus the certificate-resolver contract the
// (out-of-scope) listener side calls into for SNI.
//
// The version/cipher-suite list mirrors framework/config/tls's
// TLSVersionsDirective/TLSCiphersDirective tables, trimmed to the subset
// this engine's external interface requires: TLS 1.2 and 1.3, with only
// the AEAD suites recommended for 1.2 connections (1.3 suites are fixed by
// the standard library and not configurable).
package tlsprofile

import "crypto/tls"

// SupportedVersions are the only TLS versions this engine will negotiate.
var SupportedVersions = [2]uint16{tls.VersionTLS12, tls.VersionTLS13}

// CipherSuites is the TLS 1.2 AEAD cipher list: ECDHE-ECDSA and ECDHE-RSA,
// each with AES-GCM and ChaCha20-Poly1305. TLS 1.3's own suite list
// (AES-128-GCM, AES-256-GCM, ChaCha20-Poly1305) is fixed by crypto/tls and
// not listed here.
var CipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
}

func baseConfig() *tls.Config {
	return &tls.Config{
		MinVersion:   SupportedVersions[0],
		MaxVersion:   SupportedVersions[1],
		CipherSuites: CipherSuites,
	}
}

// Registry holds the two named client TLS profiles a delivery attempt
// selects between via RemoteHost.AllowInvalidCerts().
type Registry struct {
	PKIVerify *tls.Config
	NoVerify  *tls.Config
}

// NewRegistry builds the standard pki-verify/no-verify pair. serverName is
// left unset on both configs; the caller (internal/smtpclient) sets
// ServerName per connection from the remote host's hostname, since the
// same *tls.Config is shared across every host using that profile.
func NewRegistry() *Registry {
	noVerify := baseConfig()
	noVerify.InsecureSkipVerify = true

	return &Registry{
		PKIVerify: baseConfig(),
		NoVerify:  noVerify,
	}
}

// For returns the profile a RemoteHost's allowInvalidCerts flag selects.
func (r *Registry) For(allowInvalidCerts bool) *tls.Config {
	if allowInvalidCerts {
		return r.NoVerify
	}
	return r.PKIVerify
}
