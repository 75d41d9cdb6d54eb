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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/yonasBSD/stalwart-smtp-server/internal/config"
	"github.com/yonasBSD/stalwart-smtp-server/internal/limiter"
	"github.com/yonasBSD/stalwart-smtp-server/internal/log"
	"github.com/yonasBSD/stalwart-smtp-server/internal/queue"
	"github.com/yonasBSD/stalwart-smtp-server/internal/resolver"
	"github.com/yonasBSD/stalwart-smtp-server/internal/retry"
	"github.com/yonasBSD/stalwart-smtp-server/internal/tlsprofile"
)

// fakeResolver is a direct resolver.Resolver test double: internal/attempt
// only needs canned MX/A answers, not a wire-protocol fake like
// internal/resolver's mockdns-backed tests use.
type fakeResolver struct {
	mx    map[string][]resolver.MX
	mxErr map[string]error
	ip    map[string][]net.IP
	ipErr map[string]error
}

func (f *fakeResolver) LookupMX(ctx context.Context, domain string) ([]resolver.MX, error) {
	if err, ok := f.mxErr[domain]; ok {
		return nil, err
	}
	return f.mx[domain], nil
}

func (f *fakeResolver) LookupIP(ctx context.Context, hostname string) ([]net.IP, error) {
	if err, ok := f.ipErr[hostname]; ok {
		return nil, err
	}
	return f.ip[hostname], nil
}

// fakeBackend is a minimal smtp.Backend recording MAIL/RCPT/DATA,
// trimmed to what these scenarios need plus configurable per-recipient
// RCPT outcomes.
type fakeBackend struct {
	mu       sync.Mutex
	messages []fakeMessage

	rcptErr map[string]*smtp.SMTPError
}

type fakeMessage struct {
	From string
	To   []string
	Data []byte
}

func (b *fakeBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &fakeSession{backend: b}, nil
}

type fakeSession struct {
	backend *fakeBackend
	msg     fakeMessage
}

func (s *fakeSession) Mail(from string, opts *smtp.MailOptions) error {
	s.msg = fakeMessage{From: from}
	return nil
}

func (s *fakeSession) Rcpt(to string) error {
	if s.backend.rcptErr != nil {
		if err, ok := s.backend.rcptErr[to]; ok {
			return err
		}
	}
	s.msg.To = append(s.msg.To, to)
	return nil
}

func (s *fakeSession) Data(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.msg.Data = b
	s.backend.mu.Lock()
	s.backend.messages = append(s.backend.messages, s.msg)
	s.backend.mu.Unlock()
	return nil
}

func (s *fakeSession) Reset()       {}
func (s *fakeSession) Logout() error { return nil }

func startSMTPServer(t *testing.T, be *fakeBackend, tlsConfig *tls.Config) (addr string, srv *smtp.Server) {
	t.Helper()

	var l net.Listener
	var err error
	if tlsConfig != nil {
		l, err = tls.Listen("tcp", "127.0.0.1:0", tlsConfig)
	} else {
		l, err = net.Listen("tcp", "127.0.0.1:0")
	}
	if err != nil {
		t.Fatal(err)
	}

	s := smtp.NewServer(be)
	s.Domain = "localhost"
	s.AllowInsecureAuth = true
	s.TLSConfig = tlsConfig

	go s.Serve(l)
	t.Cleanup(func() { s.Close() })

	return l.Addr().String(), s
}

// selfSignedCert builds an ephemeral ECDSA certificate valid for
// 127.0.0.1, for tests that exercise the implicit-TLS/STARTTLS paths
// without embedding a long-lived PEM fixture.
func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func testMessage(domain, rcpt string) *queue.Message {
	return &queue.Message{
		ID:         uuid.New(),
		ReturnPath: "sender@example.org",
		CreatedAt:  time.Now(),
		Header:     textproto.Header{},
		Body:       []byte("Subject: test\r\n\r\nbody\r\n"),
		Domains: []queue.Domain{
			{Domain: domain, Status: queue.DomainScheduled},
		},
		Recipients: []queue.Recipient{
			{Address: rcpt, DomainIdx: 0, Status: queue.RecipientScheduled},
		},
	}
}

func testServices(r resolver.Resolver) *Services {
	return &Services{
		Resolver:      r,
		TLS:           tlsprofile.NewRegistry(),
		Hostname:      "mx.outbound.invalid",
		RetrySchedule: retry.Schedule{time.Minute, 5 * time.Minute, 30 * time.Minute},
		MaxMX:         5,
		MaxMultihomed: 2,
		Log:           log.DefaultLogger,
	}
}

func hostPort(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		panic(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		panic(err)
	}
	return host, port
}

func TestAttempt_HappyPath_ImplicitTLSRelay(t *testing.T) {
	cert := selfSignedCert(t)
	be := &fakeBackend{}
	addr, _ := startSMTPServer(t, be, &tls.Config{Certificates: []tls.Certificate{cert}})
	_, port := hostPort(addr)

	svc := testServices(&fakeResolver{
		ip: map[string][]net.IP{"relay.example.": {net.ParseIP("127.0.0.1")}},
	})
	svc.NextHop = []config.NextHopRule{{
		Relay: config.RelayTarget{
			Hostname:          "relay.example",
			Port:              port,
			TLSImplicit:       true,
			AllowInvalidCerts: true,
		},
	}}

	msg := testMessage("dest.example.org", "user@dest.example.org")
	result := New(svc).Attempt(context.Background(), msg)

	if result.Kind != queue.WorkerDone {
		t.Fatalf("result.Kind = %v, want WorkerDone", result.Kind)
	}
	if msg.Domains[0].Status != queue.DomainCompleted {
		t.Errorf("domain status = %v, want Completed", msg.Domains[0].Status)
	}
	if msg.Recipients[0].Status != queue.RecipientCompleted {
		t.Errorf("recipient status = %v, want Completed", msg.Recipients[0].Status)
	}

	be.mu.Lock()
	defer be.mu.Unlock()
	if len(be.messages) != 1 {
		t.Fatalf("server received %d messages, want 1", len(be.messages))
	}
	if be.messages[0].From != "sender@example.org" {
		t.Errorf("MAIL FROM = %q", be.messages[0].From)
	}
}

func TestAttempt_MXFallbackOnConnectionRefused(t *testing.T) {
	be := &fakeBackend{}
	addr, _ := startSMTPServer(t, be, nil)
	goodHost, goodPort := hostPort(addr)

	// A loopback port nothing listens on: dialing it refuses immediately.
	refused, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	badAddr := refused.Addr().String()
	refused.Close()

	svc := testServices(&fakeResolver{
		mx: map[string][]resolver.MX{
			"dest.example.org": {
				{Preference: 10, Exchanges: []string{"mx1.dest.example.org."}},
				{Preference: 20, Exchanges: []string{"mx2.dest.example.org."}},
			},
		},
		ip: map[string][]net.IP{
			"mx1.dest.example.org.": {net.ParseIP("127.0.0.1")},
			"mx2.dest.example.org.": {net.ParseIP("127.0.0.1")},
		},
	})
	// RemoteHost.MX always dials port 25, so a custom Dialer replaces the
	// target address: on this first attempt every dial, whether for mx1 or
	// mx2, goes to the closed loopback port and is refused.
	svc.Dial = func(ctx context.Context, network, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, badAddr)
	}

	a := New(svc)
	msg := testMessage("dest.example.org", "user@dest.example.org")

	// First delivery attempt: mx1 (preference 10) is tried first and
	// refuses, then mx2 refuses as well, so the domain is deferred for retry.
	result := a.Attempt(context.Background(), msg)
	if result.Kind != queue.WorkerRetry {
		t.Fatalf("result.Kind = %v, want WorkerRetry (mx1 and mx2 refused)", result.Kind)
	}
	if msg.Domains[0].Retry.Attempt != 1 {
		t.Fatalf("retry.attempt = %d, want 1 after every host refused", msg.Domains[0].Retry.Attempt)
	}

	// Drop mx1 out of the picture and point the dialer at the real
	// server, simulating the retry landing once mx1 is gone/unreachable
	// forever and mx2 answers.
	svc.Resolver = &fakeResolver{
		mx: map[string][]resolver.MX{
			"dest.example.org": {
				{Preference: 20, Exchanges: []string{"mx2.dest.example.org."}},
			},
		},
		ip: map[string][]net.IP{
			"mx2.dest.example.org.": {net.ParseIP("127.0.0.1")},
		},
	}
	svc.Dial = func(ctx context.Context, network, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, net.JoinHostPort(goodHost, strconv.Itoa(goodPort)))
	}
	msg.Domains[0].Retry.Due = time.Time{}

	result = a.Attempt(context.Background(), msg)
	if result.Kind != queue.WorkerDone {
		t.Fatalf("result.Kind = %v, want WorkerDone via mx2", result.Kind)
	}
	if msg.Domains[0].Status != queue.DomainCompleted {
		t.Errorf("domain status = %v, want Completed via mx2 fallback", msg.Domains[0].Status)
	}

	be.mu.Lock()
	defer be.mu.Unlock()
	if len(be.messages) != 1 {
		t.Fatalf("server received %d messages, want 1", len(be.messages))
	}
}


func TestAttempt_STARTTLSUnavailable_RequireTLSDefers(t *testing.T) {
	be := &fakeBackend{}
	addr, _ := startSMTPServer(t, be, nil) // no TLSConfig: STARTTLS never advertised
	_, port := hostPort(addr)

	svc := testServices(&fakeResolver{
		ip: map[string][]net.IP{"relay.example.": {net.ParseIP("127.0.0.1")}},
	})
	svc.NextHop = []config.NextHopRule{{
		Relay: config.RelayTarget{Hostname: "relay.example", Port: port},
	}}

	msg := testMessage("dest.example.org", "user@dest.example.org")
	msg.Flags |= queue.FlagRequireTLS

	before := time.Now()
	result := New(svc).Attempt(context.Background(), msg)

	if result.Kind != queue.WorkerRetry {
		t.Fatalf("result.Kind = %v, want WorkerRetry", result.Kind)
	}
	if msg.Domains[0].Status != queue.DomainTemporaryFailure {
		t.Fatalf("domain status = %v, want TemporaryFailure", msg.Domains[0].Status)
	}
	if msg.Domains[0].Retry.Attempt != 1 {
		t.Errorf("retry.attempt = %d, want 1", msg.Domains[0].Retry.Attempt)
	}
	wantDue := before.Add(svc.RetrySchedule[0])
	if msg.Domains[0].Retry.Due.Before(wantDue.Add(-time.Second)) {
		t.Errorf("retry due = %v, want roughly %v", msg.Domains[0].Retry.Due, wantDue)
	}
}

func TestAttempt_RateLimitedRecipientDomain(t *testing.T) {
	be := &fakeBackend{}
	addr, _ := startSMTPServer(t, be, nil)
	_, port := hostPort(addr)

	svc := testServices(&fakeResolver{
		ip: map[string][]net.IP{"relay.example.": {net.ParseIP("127.0.0.1")}},
	})
	svc.NextHop = []config.NextHopRule{{
		Relay: config.RelayTarget{Hostname: "relay.example", Port: port},
	}}
	svc.RcptRules = []*limiter.Rule{{
		Kind:     limiter.Rate,
		Fields:   []limiter.Field{limiter.RecipientDomain},
		Burst:    1,
		Interval: time.Minute,
	}}

	a := New(svc)

	msg1 := testMessage("dest.example.org", "user1@dest.example.org")
	r1 := a.Attempt(context.Background(), msg1)
	if r1.Kind != queue.WorkerDone {
		t.Fatalf("first attempt result = %v, want WorkerDone", r1.Kind)
	}

	msg2 := testMessage("dest.example.org", "user2@dest.example.org")
	r2 := a.Attempt(context.Background(), msg2)
	if r2.Kind != queue.WorkerRetry {
		t.Fatalf("second attempt result = %v, want WorkerRetry (rate-limited)", r2.Kind)
	}
	if r2.Due.Before(time.Now()) {
		t.Errorf("retry due %v should be in the future", r2.Due)
	}
	if msg2.Domains[0].Status != queue.DomainTemporaryFailure {
		t.Errorf("domain status = %v, want TemporaryFailure", msg2.Domains[0].Status)
	}

	be.mu.Lock()
	defer be.mu.Unlock()
	if len(be.messages) != 1 {
		t.Fatalf("server received %d messages, want exactly 1 (second must not have been delivered)", len(be.messages))
	}
}

func TestAttempt_ConcurrencyLimitedHost_OnHold(t *testing.T) {
	svc := testServices(&fakeResolver{
		ip: map[string][]net.IP{"relay.example.": {net.ParseIP("127.0.0.1")}},
	})
	svc.NextHop = []config.NextHopRule{{
		Relay: config.RelayTarget{Hostname: "relay.example", Port: 1}, // never actually dialed
	}}
	hostRule := &limiter.Rule{
		Kind:     limiter.Concurrency,
		Fields:   []limiter.Field{limiter.RemoteHost},
		Capacity: 1,
	}
	svc.HostRules = []*limiter.Rule{hostRule}

	tokens := &limiter.TokenSet{}
	env := limiter.Envelope{RemoteHost: "relay.example."}
	if err := limiter.IsAllowed(hostRule, env, tokens); err != nil {
		t.Fatalf("priming token acquisition failed: %v", err)
	}
	defer tokens.ReleaseAll()

	msg := testMessage("dest.example.org", "user@dest.example.org")
	result := New(svc).Attempt(context.Background(), msg)

	if result.Kind != queue.WorkerOnHold {
		t.Fatalf("result.Kind = %v, want WorkerOnHold", result.Kind)
	}
	if len(result.Limiters) != 1 {
		t.Fatalf("got %d on-hold limiters, want 1", len(result.Limiters))
	}
	if msg.Domains[0].Status != queue.DomainTemporaryFailure {
		t.Errorf("domain status = %v, want TemporaryFailure while on hold", msg.Domains[0].Status)
	}
}

func TestAttempt_PartialRecipientSuccess(t *testing.T) {
	be := &fakeBackend{
		rcptErr: map[string]*smtp.SMTPError{
			"r2@dest.example.org": {Code: 550, Message: "no such user"},
		},
	}
	addr, _ := startSMTPServer(t, be, nil)
	_, port := hostPort(addr)

	svc := testServices(&fakeResolver{
		ip: map[string][]net.IP{"relay.example.": {net.ParseIP("127.0.0.1")}},
	})
	svc.NextHop = []config.NextHopRule{{
		Relay: config.RelayTarget{Hostname: "relay.example", Port: port},
	}}

	msg := &queue.Message{
		ID:         uuid.New(),
		ReturnPath: "sender@example.org",
		CreatedAt:  time.Now(),
		Header:     textproto.Header{},
		Body:       []byte("Subject: test\r\n\r\nbody\r\n"),
		Domains: []queue.Domain{
			{Domain: "dest.example.org", Status: queue.DomainScheduled},
		},
		Recipients: []queue.Recipient{
			{Address: "r1@dest.example.org", DomainIdx: 0, Status: queue.RecipientScheduled},
			{Address: "r2@dest.example.org", DomainIdx: 0, Status: queue.RecipientScheduled},
		},
	}

	result := New(svc).Attempt(context.Background(), msg)

	if result.Kind != queue.WorkerDone {
		t.Fatalf("result.Kind = %v, want WorkerDone", result.Kind)
	}
	if msg.Domains[0].Status != queue.DomainCompleted {
		t.Fatalf("domain status = %v, want Completed", msg.Domains[0].Status)
	}
	if msg.Recipients[0].Status != queue.RecipientCompleted {
		t.Errorf("r1 status = %v, want Completed", msg.Recipients[0].Status)
	}
	if msg.Recipients[1].Status != queue.RecipientPermanentFailure {
		t.Errorf("r2 status = %v, want PermanentFailure", msg.Recipients[1].Status)
	}
}
