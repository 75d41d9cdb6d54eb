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

// Package metrics holds the prometheus collectors the queue manager and
// delivery attempts report against: MX/TLS-level connection counters by
// label, throttle rejection counters, a delivery-result counter, and a
// queue-length gauge. Rather than registering package-level vars
// against the default registry in an init func, this package exposes a
// Metrics struct a caller constructs and registers explicitly, since
// this engine is a library component rather than a standalone
// process.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every collector the queue manager and delivery
// attempts touch.
type Metrics struct {
	QueueLength    *prometheus.GaugeVec
	OnHoldLength   *prometheus.GaugeVec
	MXLevelConns   *prometheus.CounterVec
	TLSLevelConns  *prometheus.CounterVec
	ThrottleRejects *prometheus.CounterVec
	DeliveryResult *prometheus.CounterVec
	RetryAttempts  prometheus.Histogram
}

// New builds a Metrics bundle but does not register it; call Register to
// attach it to a prometheus.Registerer.
func New() *Metrics {
	return &Metrics{
		QueueLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "outboundd",
			Subsystem: "queue",
			Name:      "length",
			Help:      "Messages currently scheduled or on hold.",
		}, []string{"set"}), // "main" or "on_hold"

		OnHoldLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "outboundd",
			Subsystem: "queue",
			Name:      "on_hold_length",
			Help:      "Messages currently parked awaiting a released limiter.",
		}, []string{}),

		MXLevelConns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outboundd",
			Subsystem: "delivery",
			Name:      "conns_mx_level",
			Help:      "Outbound connections established, by MX security level (mx/relay).",
		}, []string{"level"}),

		TLSLevelConns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outboundd",
			Subsystem: "delivery",
			Name:      "conns_tls_level",
			Help:      "Outbound connections established, by TLS security level (plaintext/starttls/implicit).",
		}, []string{"level"}),

		ThrottleRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outboundd",
			Subsystem: "delivery",
			Name:      "throttle_rejects_total",
			Help:      "Throttle acquisitions that failed, by scope (sender/rcpt/host) and kind (concurrency/rate).",
		}, []string{"scope", "kind"}),

		DeliveryResult: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outboundd",
			Subsystem: "delivery",
			Name:      "domain_result_total",
			Help:      "Terminal and non-terminal domain status transitions.",
		}, []string{"status"}),

		RetryAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "outboundd",
			Subsystem: "delivery",
			Name:      "retry_attempt_number",
			Help:      "Attempt counter at the time a domain transitions into TemporaryFailure.",
			Buckets:   prometheus.LinearBuckets(0, 1, 10),
		}),
	}
}

// Register attaches every collector in m to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.QueueLength, m.OnHoldLength, m.MXLevelConns,
		m.TLSLevelConns, m.ThrottleRejects, m.DeliveryResult, m.RetryAttempts,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
