// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bacnet

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector exposes a *Metrics snapshot as a prometheus.Collector
// without touching the underlying atomic counters — it reads
// Metrics.Snapshot() on every Collect call, so the hand-rolled counters in
// metrics.go remain the single source of truth.
type PrometheusCollector struct {
	metrics   *Metrics
	namespace string

	connectAttempts  *prometheus.Desc
	connectSuccesses *prometheus.Desc
	connectFailures  *prometheus.Desc
	disconnects      *prometheus.Desc

	requestsSent      *prometheus.Desc
	requestsSucceeded *prometheus.Desc
	requestsFailed    *prometheus.Desc
	requestsTimedOut  *prometheus.Desc

	responsesReceived *prometheus.Desc
	errorsReceived    *prometheus.Desc
	rejectsReceived   *prometheus.Desc
	abortsReceived    *prometheus.Desc

	whoIsSent         *prometheus.Desc
	iAmReceived       *prometheus.Desc
	devicesDiscovered *prometheus.Desc

	bytesSent     *prometheus.Desc
	bytesReceived *prometheus.Desc

	activeRequests *prometheus.Desc
	uptimeSeconds  *prometheus.Desc

	requestLatencySeconds *prometheus.Desc
}

// NewPrometheusCollector wraps metrics for registration with a
// prometheus.Registry under the given metric namespace (e.g. "bacnet").
func NewPrometheusCollector(metrics *Metrics, namespace string) *PrometheusCollector {
	labels := []string{}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}

	return &PrometheusCollector{
		metrics:   metrics,
		namespace: namespace,

		connectAttempts:  desc("connect_attempts_total", "Total connection attempts"),
		connectSuccesses: desc("connect_successes_total", "Total successful connections"),
		connectFailures:  desc("connect_failures_total", "Total failed connections"),
		disconnects:      desc("disconnects_total", "Total disconnections"),

		requestsSent:      desc("requests_sent_total", "Total confirmed/unconfirmed requests sent"),
		requestsSucceeded: desc("requests_succeeded_total", "Total requests that completed successfully"),
		requestsFailed:    desc("requests_failed_total", "Total requests that failed"),
		requestsTimedOut:  desc("requests_timed_out_total", "Total requests that timed out"),

		responsesReceived: desc("responses_received_total", "Total ack responses received"),
		errorsReceived:    desc("errors_received_total", "Total Error PDUs received"),
		rejectsReceived:   desc("rejects_received_total", "Total Reject PDUs received"),
		abortsReceived:    desc("aborts_received_total", "Total Abort PDUs received"),

		whoIsSent:         desc("who_is_sent_total", "Total Who-Is requests sent"),
		iAmReceived:       desc("i_am_received_total", "Total I-Am responses received"),
		devicesDiscovered: desc("devices_discovered_total", "Total distinct devices discovered"),

		bytesSent:     desc("bytes_sent_total", "Total bytes sent"),
		bytesReceived: desc("bytes_received_total", "Total bytes received"),

		activeRequests: desc("active_requests", "Requests currently awaiting a response"),
		uptimeSeconds:  desc("uptime_seconds", "Seconds since the client/server started"),

		requestLatencySeconds: desc("request_latency_seconds", "Average confirmed-request round-trip latency"),
	}
}

// Describe implements prometheus.Collector.
func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connectAttempts
	ch <- c.connectSuccesses
	ch <- c.connectFailures
	ch <- c.disconnects
	ch <- c.requestsSent
	ch <- c.requestsSucceeded
	ch <- c.requestsFailed
	ch <- c.requestsTimedOut
	ch <- c.responsesReceived
	ch <- c.errorsReceived
	ch <- c.rejectsReceived
	ch <- c.abortsReceived
	ch <- c.whoIsSent
	ch <- c.iAmReceived
	ch <- c.devicesDiscovered
	ch <- c.bytesSent
	ch <- c.bytesReceived
	ch <- c.activeRequests
	ch <- c.uptimeSeconds
	ch <- c.requestLatencySeconds
}

// Collect implements prometheus.Collector.
func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.metrics.Snapshot()

	ch <- prometheus.MustNewConstMetric(c.connectAttempts, prometheus.CounterValue, float64(snap.ConnectAttempts))
	ch <- prometheus.MustNewConstMetric(c.connectSuccesses, prometheus.CounterValue, float64(snap.ConnectSuccesses))
	ch <- prometheus.MustNewConstMetric(c.connectFailures, prometheus.CounterValue, float64(snap.ConnectFailures))
	ch <- prometheus.MustNewConstMetric(c.disconnects, prometheus.CounterValue, float64(snap.Disconnects))

	ch <- prometheus.MustNewConstMetric(c.requestsSent, prometheus.CounterValue, float64(snap.RequestsSent))
	ch <- prometheus.MustNewConstMetric(c.requestsSucceeded, prometheus.CounterValue, float64(snap.RequestsSucceeded))
	ch <- prometheus.MustNewConstMetric(c.requestsFailed, prometheus.CounterValue, float64(snap.RequestsFailed))
	ch <- prometheus.MustNewConstMetric(c.requestsTimedOut, prometheus.CounterValue, float64(snap.RequestsTimedOut))

	ch <- prometheus.MustNewConstMetric(c.responsesReceived, prometheus.CounterValue, float64(snap.ResponsesReceived))
	ch <- prometheus.MustNewConstMetric(c.errorsReceived, prometheus.CounterValue, float64(snap.ErrorsReceived))
	ch <- prometheus.MustNewConstMetric(c.rejectsReceived, prometheus.CounterValue, float64(snap.RejectsReceived))
	ch <- prometheus.MustNewConstMetric(c.abortsReceived, prometheus.CounterValue, float64(snap.AbortsReceived))

	ch <- prometheus.MustNewConstMetric(c.whoIsSent, prometheus.CounterValue, float64(snap.WhoIsSent))
	ch <- prometheus.MustNewConstMetric(c.iAmReceived, prometheus.CounterValue, float64(snap.IAmReceived))
	ch <- prometheus.MustNewConstMetric(c.devicesDiscovered, prometheus.CounterValue, float64(snap.DevicesDiscovered))

	ch <- prometheus.MustNewConstMetric(c.bytesSent, prometheus.CounterValue, float64(snap.BytesSent))
	ch <- prometheus.MustNewConstMetric(c.bytesReceived, prometheus.CounterValue, float64(snap.BytesReceived))

	ch <- prometheus.MustNewConstMetric(c.activeRequests, prometheus.GaugeValue, float64(snap.ActiveRequests))
	ch <- prometheus.MustNewConstMetric(c.uptimeSeconds, prometheus.GaugeValue, snap.Uptime.Seconds())

	ch <- prometheus.MustNewConstMetric(c.requestLatencySeconds, prometheus.GaugeValue, snap.LatencyStats.Avg.Seconds())
}
