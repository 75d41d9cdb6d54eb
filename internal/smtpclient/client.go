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

// Package smtpclient wraps github.com/emersion/go-smtp's Client with the
// connect/STARTTLS/EHLO/MAIL/RCPT/DATA sequence a delivery attempt drives,
// translating whatever go-smtp/net returns into the smtperror kinds the
// rest of the engine classifies domain/recipient status from: dialer
// injection, per-stage timeouts, SMTPUTF8 fallback, LMTP per-recipient
// replies, and the 552->452 RFC 5321 §4.5.3.1.10 rewrite. STARTTLS is
// its own explicit step rather than folded into connection
// establishment, since deliverOver needs to observe "STARTTLS
// unavailable" as a distinct outcome from "STARTTLS failed" and from
// "connected successfully".
package smtpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"

	"github.com/yonasBSD/stalwart-smtp-server/internal/address"
	"github.com/yonasBSD/stalwart-smtp-server/internal/log"
	"github.com/yonasBSD/stalwart-smtp-server/internal/smtperror"
)

// Timeouts holds the per-stage deadlines the engine configures as
// queue.timeout_{connect,greeting,tls,ehlo,mail,rcpt,data}.
type Timeouts struct {
	Connect  time.Duration
	Greeting time.Duration
	TLS      time.Duration
	EHLO     time.Duration
	Mail     time.Duration
	Rcpt     time.Duration
	Data     time.Duration
}

// DefaultTimeouts mirrors conservative production defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect:  5 * time.Minute,
		Greeting: 5 * time.Minute,
		TLS:      5 * time.Minute,
		EHLO:     5 * time.Minute,
		Mail:     5 * time.Minute,
		Rcpt:     5 * time.Minute,
		Data:     12 * time.Minute,
	}
}

// Dialer abstracts net.Dialer.DialContext so tests can substitute an
// in-memory pipe.
type Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

// Client drives one outbound SMTP/LMTP session. It is single-use: once
// Close/DirectClose is called, the Client must be discarded.
type Client struct {
	Dialer   Dialer
	Hostname string
	Log      log.Logger

	serverName string
	cl         *smtp.Client
	rcpts      []string
	lmtp       bool
	timeouts   Timeouts
}

// New builds a Client with the package's default dialer and timeouts
// unset (callers pass Timeouts explicitly to Dial).
func New(hostname string, logger log.Logger) *Client {
	return &Client{
		Dialer:   (&net.Dialer{}).DialContext,
		Hostname: hostname,
		Log:      logger,
	}
}

// Dial establishes the TCP connection to addr, optionally wraps it in TLS
// immediately (implicitTLS, for port-465-style hosts), and sends
// EHLO/LHLO. It does not attempt STARTTLS; call StartTLS afterward for
// hosts that are not using implicit TLS.
func (c *Client) Dial(ctx context.Context, network, addr string, implicitTLS bool, tlsConfig *tls.Config, serverName string, lmtp bool, t Timeouts) error {
	dialCtx, cancel := context.WithTimeout(ctx, orDefault(t.Connect, 5*time.Minute))
	conn, err := c.Dialer(dialCtx, network, addr)
	cancel()
	if err != nil {
		return c.wrapErr(err, serverName)
	}

	if implicitTLS {
		cfg := tlsConfig.Clone()
		cfg.ServerName = serverName
		conn = tls.Client(conn, cfg)
	}

	c.lmtp = lmtp
	c.serverName = serverName
	c.timeouts = t

	// smtp.NewClient/NewClientLMTP reads the server's initial greeting
	// before a *smtp.Client even exists to carry CommandTimeout, so the
	// deadline for that read has to go directly on conn.
	conn.SetDeadline(time.Now().Add(orDefault(t.Greeting, 5*time.Minute)))

	var cl *smtp.Client
	if lmtp {
		cl, err = smtp.NewClientLMTP(conn, serverName)
	} else {
		cl, err = smtp.NewClient(conn, serverName)
	}
	if err != nil {
		conn.Close()
		return c.wrapErr(err, serverName)
	}
	cl.CommandTimeout = orDefault(t.EHLO, 5*time.Minute)
	cl.SubmissionTimeout = orDefault(t.Data, 12*time.Minute)

	if err := cl.Hello(c.Hostname); err != nil {
		cl.Close()
		return c.wrapErr(err, serverName)
	}

	c.cl = cl
	return nil
}

// StartTLSResult is the three-way outcome of a STARTTLS attempt that the
// delivery attempt's deliver_over branches on.
type StartTLSResult int

const (
	// StartTLSSuccess: the handshake completed; deliver over the upgraded
	// connection.
	StartTLSSuccess StartTLSResult = iota
	// StartTLSUnavailable: the server never advertised STARTTLS. Not an
	// error by itself - the caller decides whether to fall back to
	// cleartext or fail based on TLS policy/MAIL_REQUIRETLS.
	StartTLSUnavailable
)

// StartTLS attempts to upgrade a plaintext connection established via
// Dial(implicitTLS=false, ...). It reports StartTLSUnavailable (with a nil
// error) when the server never advertised the extension, and a non-nil
// error only for a genuine handshake failure.
func (c *Client) StartTLS(tlsConfig *tls.Config) (StartTLSResult, error) {
	if ok, _ := c.cl.Extension("STARTTLS"); !ok {
		return StartTLSUnavailable, nil
	}

	cfg := tlsConfig.Clone()
	cfg.ServerName = c.serverName
	c.cl.CommandTimeout = orDefault(c.timeouts.TLS, 5*time.Minute)
	if err := c.cl.StartTLS(cfg); err != nil {
		if qerr := c.cl.Quit(); qerr != nil {
			c.cl.Close()
		}
		return StartTLSUnavailable, c.wrapErr(err, c.serverName)
	}
	return StartTLSSuccess, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func (c *Client) wrapErr(err error, serverName string) error {
	if err == nil {
		return nil
	}

	switch e := err.(type) {
	case *smtp.SMTPError:
		if e.Code == 552 {
			e.Code = 452
			if c.Log.Out != nil {
				c.Log.Msg("SMTP code 552 rewritten to 452 per RFC 5321 Section 4.5.3.1.10")
			}
		}
		return &smtperror.UnexpectedResponse{
			Message: "unexpected reply from " + serverName,
			Reply: smtperror.Reply{
				Code:           e.Code,
				EnhancedStatus: fmt.Sprintf("%d.%d.%d", e.EnhancedCode[0], e.EnhancedCode[1], e.EnhancedCode[2]),
				Text:           e.Message,
			},
		}
	case *net.OpError:
		if _, ok := e.Err.(*net.DNSError); ok {
			return smtperror.NewDNSError(e.Err)
		}
		return &smtperror.ConnectionError{Reason: e.Error()}
	default:
		return &smtperror.ConnectionError{Reason: err.Error()}
	}
}

// Mail sends MAIL FROM, falling back to ASCII when the server lacks
// SMTPUTF8 support and from is non-ASCII.
func (c *Client) Mail(ctx context.Context, from string, requireTLS bool) error {
	opts := smtp.MailOptions{RequireTLS: requireTLS}

	if !address.IsASCII(from) {
		if ok, _ := c.cl.Extension("SMTPUTF8"); ok {
			opts.UTF8 = true
		} else {
			ascii, err := asciiFallback(from)
			if err != nil {
				return &smtperror.ConnectionError{Reason: "SMTPUTF8 unsupported and sender is non-ASCII: " + err.Error()}
			}
			from = ascii
		}
	}

	c.cl.CommandTimeout = orDefault(c.timeouts.Mail, 5*time.Minute)
	if err := c.cl.Mail(from, &opts); err != nil {
		return c.wrapErr(err, c.serverName)
	}
	return nil
}

// Rcpt sends one RCPT TO command.
func (c *Client) Rcpt(ctx context.Context, to string) error {
	if !address.IsASCII(to) {
		if ok, _ := c.cl.Extension("SMTPUTF8"); !ok {
			ascii, err := asciiFallback(to)
			if err != nil {
				return &smtperror.ConnectionError{Reason: "SMTPUTF8 unsupported and recipient is non-ASCII: " + err.Error()}
			}
			to = ascii
		}
	}

	c.cl.CommandTimeout = orDefault(c.timeouts.Rcpt, 5*time.Minute)
	if err := c.cl.Rcpt(to); err != nil {
		return c.wrapErr(err, c.serverName)
	}
	c.rcpts = append(c.rcpts, to)
	return nil
}

func asciiFallback(addr string) (string, error) {
	mbox, domain, err := address.Split(addr)
	if err != nil {
		return "", err
	}
	if !address.IsASCII(mbox) {
		return "", errors.New("non-ASCII local-part cannot be converted")
	}
	asciiDomain, err := address.ForLookup(domain)
	if err != nil {
		return "", err
	}
	return mbox + "@" + asciiDomain, nil
}

// LMTPResult carries one recipient's LMTP reply.
type LMTPResult struct {
	Rcpt  string
	Reply *smtperror.Reply // nil on 2yz acceptance
}

// Data sends the message header and body via DATA (SMTP) or LMTP DATA,
// returning one result per recipient. For plain SMTP, a single shared
// reply is fanned out to every recipient in rcpts, matching the protocol's
// one-reply-for-the-whole-transaction semantics; for LMTP, go-smtp's
// LMTPData callback yields the genuine per-recipient replies.
func (c *Client) Data(ctx context.Context, hdr textproto.Header, body io.Reader, rcpts []string) ([]LMTPResult, error) {
	if c.lmtp {
		return c.lmtpData(ctx, hdr, body, rcpts)
	}

	c.cl.CommandTimeout = orDefault(c.timeouts.Data, 12*time.Minute)
	wc, err := c.cl.Data()
	if err != nil {
		return nil, c.wrapErr(err, c.serverName)
	}
	if err := textproto.WriteHeader(wc, hdr); err != nil {
		return nil, c.wrapErr(err, c.serverName)
	}
	if _, err := io.Copy(wc, body); err != nil {
		return nil, c.wrapErr(err, c.serverName)
	}
	if err := wc.Close(); err != nil {
		return nil, c.wrapErr(err, c.serverName)
	}

	results := make([]LMTPResult, len(rcpts))
	for i, r := range rcpts {
		results[i] = LMTPResult{Rcpt: r}
	}
	return results, nil
}

func (c *Client) lmtpData(ctx context.Context, hdr textproto.Header, body io.Reader, rcpts []string) ([]LMTPResult, error) {
	c.cl.CommandTimeout = orDefault(c.timeouts.Data, 12*time.Minute)
	replies := make(map[string]*smtp.SMTPError, len(rcpts))
	wc, err := c.cl.LMTPData(func(rcpt string, serr *smtp.SMTPError) {
		replies[rcpt] = serr
	})
	if err != nil {
		return nil, c.wrapErr(err, c.serverName)
	}
	if err := textproto.WriteHeader(wc, hdr); err != nil {
		return nil, c.wrapErr(err, c.serverName)
	}
	if _, err := io.Copy(wc, body); err != nil {
		return nil, c.wrapErr(err, c.serverName)
	}
	if err := wc.Close(); err != nil {
		return nil, c.wrapErr(err, c.serverName)
	}

	results := make([]LMTPResult, len(rcpts))
	for i, r := range rcpts {
		serr := replies[r]
		if serr == nil {
			results[i] = LMTPResult{Rcpt: r}
			continue
		}
		results[i] = LMTPResult{Rcpt: r, Reply: &smtperror.Reply{
			Code: serr.Code,
			EnhancedStatus: fmt.Sprintf("%d.%d.%d",
				serr.EnhancedCode[0], serr.EnhancedCode[1], serr.EnhancedCode[2]),
			Text: serr.Message,
		}}
	}
	return results, nil
}

// Close sends QUIT; on failure it directly closes the underlying
// connection and logs the QUIT error without propagating it (the
// delivery has already completed or failed by the time Close runs).
func (c *Client) Close() error {
	if c.cl == nil {
		return nil
	}
	if err := c.cl.Quit(); err != nil {
		c.Log.Error("QUIT error", c.wrapErr(err, c.serverName))
		err := c.cl.Close()
		c.cl = nil
		return err
	}
	c.cl = nil
	return nil
}

// DirectClose closes the underlying connection without sending QUIT, for
// use after a protocol error has already left the session unusable.
func (c *Client) DirectClose() error {
	if c.cl == nil {
		return nil
	}
	err := c.cl.Close()
	c.cl = nil
	return err
}
