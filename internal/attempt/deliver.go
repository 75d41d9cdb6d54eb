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
	"bytes"
	"context"

	"github.com/yonasBSD/stalwart-smtp-server/internal/config"
	"github.com/yonasBSD/stalwart-smtp-server/internal/queue"
	"github.com/yonasBSD/stalwart-smtp-server/internal/smtperror"
	"github.com/yonasBSD/stalwart-smtp-server/internal/smtpclient"
)

// deliverOver runs the post-connect delivery stage, branching on whether
// host already carries TLS from the connect() call (implicit TLS) or
// still needs STARTTLS negotiated over the plaintext connection cl
// already greeted/EHLO'd.
func (a *Attempt) deliverOver(ctx context.Context, host queue.RemoteHost, cl *smtpclient.Client, msg *queue.Message, recipients []*queue.Recipient) error {
	if a.svc.Encryption == config.EncryptionDANE {
		cl.DirectClose()
		return &smtperror.ConfigError{Reason: "queue.encryption = dane is not implemented"}
	}

	if host.ImplicitTLS() {
		a.countTLSLevel("implicit")
		return a.deliver(ctx, cl, msg, recipients)
	}

	tlsConfig := a.svc.TLS.For(host.AllowsInvalidCerts())
	result, err := cl.StartTLS(tlsConfig)
	if err != nil {
		cl.DirectClose()
		return err
	}

	switch result {
	case smtpclient.StartTLSSuccess:
		a.countTLSLevel("starttls")
		return a.deliver(ctx, cl, msg, recipients)

	case smtpclient.StartTLSUnavailable:
		if a.tlsRequired(msg) {
			cl.Close()
			return &smtperror.TlsRequiredUnavailable{
				Reply: smtperror.Reply{Text: "server did not advertise STARTTLS"},
			}
		}
		a.countTLSLevel("plaintext")
		return a.deliver(ctx, cl, msg, recipients)

	default:
		cl.DirectClose()
		return &smtperror.ConnectionError{Reason: "unrecognized STARTTLS outcome"}
	}
}

// tlsRequired reports whether cleartext fallback after a STARTTLS-
// unavailable outcome is forbidden: either the message itself carries
// RFC 8689 REQUIRETLS, or queue.encryption is configured as `required`.
func (a *Attempt) tlsRequired(msg *queue.Message) bool {
	return msg.Flags.RequireTLS() || a.svc.Encryption == config.EncryptionRequired
}

func (a *Attempt) countTLSLevel(level string) {
	if a.svc.Metrics == nil {
		return
	}
	a.svc.Metrics.TLSLevelConns.WithLabelValues(level).Inc()
}

// deliver runs EHLO (already sent by connect)->MAIL FROM->one RCPT TO
// per recipient->DATA->reply, mapping per-recipient outcomes into
// Recipient.Status by reply severity. It returns
// a non-nil error only for a failure that aborts the whole transaction
// (MAIL FROM rejected, a RCPT stage IO failure, or a DATA-stage
// failure); individual RCPT refusals never produce a non-nil return,
// since individual RCPT refusals are scoped to that recipient only.
func (a *Attempt) deliver(ctx context.Context, cl *smtpclient.Client, msg *queue.Message, recipients []*queue.Recipient) error {
	requireTLS := a.tlsRequired(msg)

	if err := cl.Mail(ctx, msg.ReturnPath, requireTLS); err != nil {
		cl.DirectClose()
		return err
	}

	toSend := make([]string, 0, len(recipients))
	byAddr := make(map[string]*queue.Recipient, len(recipients))
	for _, r := range recipients {
		if err := cl.Rcpt(ctx, r.Address); err != nil {
			if ur, ok := err.(*smtperror.UnexpectedResponse); ok {
				applyRcptReply(r, ur)
				continue
			}
			// A non-reply error (IO/timeout) mid-RCPT leaves the
			// session unusable; bail out and return it, and attemptDomain
			// records it against the domain via finishDomain without
			// trying another host.
			cl.DirectClose()
			return err
		}
		toSend = append(toSend, r.Address)
		byAddr[r.Address] = r
	}

	if len(toSend) == 0 {
		// Every recipient was refused at RCPT; nothing left to send but
		// the domain's transaction with this host still succeeded.
		cl.Close()
		return nil
	}

	results, err := cl.Data(ctx, msg.Header, bytes.NewReader(msg.Body), toSend)
	if err != nil {
		cl.DirectClose()
		return err
	}
	cl.Close()

	for _, res := range results {
		r := byAddr[res.Rcpt]
		if r == nil {
			continue
		}
		if res.Reply == nil {
			r.Status = queue.RecipientCompleted
			continue
		}
		applyRcptReply(r, &smtperror.UnexpectedResponse{Message: "RCPT " + res.Rcpt, Reply: *res.Reply})
	}
	return nil
}

func applyRcptReply(r *queue.Recipient, ur *smtperror.UnexpectedResponse) {
	if ur.Reply.PermanentSeverity() {
		r.Status = queue.RecipientPermanentFailure
	} else {
		r.Status = queue.RecipientTemporaryFailure
	}
	r.Reply = ur
}
