package socket

import (
	"io"

	"github.com/VictoriaMetrics/metrics"

	"github.com/hivemesh/hive/pkg/metricsx"
	"github.com/hivemesh/hive/pkg/wire"
)

// Metrics counts socket activity node-wide. A nil *Metrics is valid and
// counts nothing, which keeps tests and embedded uses quiet.
type Metrics struct {
	set *metrics.Set

	rx_frames_total *metrics.Counter
	tx_frames_total *metrics.Counter
	rx_bytes_total  *metrics.Counter
	tx_bytes_total  *metrics.Counter

	connects_total           *metrics.Counter
	heartbeat_timeouts_total *metrics.Counter
	packs_dropped_total      *metrics.Counter

	conn_errors_total struct {
		net   *metrics.Counter
		frame *metrics.Counter
	}

	spawns_total struct {
		ok             *metrics.Counter
		func_not_found *metrics.Counter
		no_socket      *metrics.Counter
	}
}

// NewMetrics registers the socket metrics on set.
func NewMetrics(set *metrics.Set) *Metrics {
	m := &Metrics{set: set}
	m.rx_frames_total = set.NewCounter(metricsx.With(`hive_socket_frames_total`, "dir", "rx"))
	m.tx_frames_total = set.NewCounter(metricsx.With(`hive_socket_frames_total`, "dir", "tx"))
	m.rx_bytes_total = set.NewCounter(metricsx.With(`hive_socket_bytes_total`, "dir", "rx"))
	m.tx_bytes_total = set.NewCounter(metricsx.With(`hive_socket_bytes_total`, "dir", "tx"))
	m.connects_total = set.NewCounter(`hive_socket_connects_total`)
	m.heartbeat_timeouts_total = set.NewCounter(`hive_socket_heartbeat_timeouts_total`)
	m.packs_dropped_total = set.NewCounter(`hive_socket_packs_dropped_total`)
	m.conn_errors_total.net = set.NewCounter(metricsx.With(`hive_socket_conn_errors_total`, "cause", "net"))
	m.conn_errors_total.frame = set.NewCounter(metricsx.With(`hive_socket_conn_errors_total`, "cause", "frame"))
	m.spawns_total.ok = set.NewCounter(metricsx.With(`hive_socket_spawns_total`, "result", "ok"))
	m.spawns_total.func_not_found = set.NewCounter(metricsx.With(`hive_socket_spawns_total`, "result", "func_not_found"))
	m.spawns_total.no_socket = set.NewCounter(metricsx.With(`hive_socket_spawns_total`, "result", "no_socket"))
	return m
}

// WritePrometheus writes the socket metrics in prometheus text format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	if m != nil {
		m.set.WritePrometheus(w)
	}
}

func (m *Metrics) incRx(n int) {
	if m != nil {
		m.rx_frames_total.Inc()
		m.rx_bytes_total.Add(n)
	}
}

func (m *Metrics) incTx(n int) {
	if m != nil {
		m.tx_frames_total.Inc()
		m.tx_bytes_total.Add(n)
	}
}

func (m *Metrics) incConnect() {
	if m != nil {
		m.connects_total.Inc()
	}
}

func (m *Metrics) incHBTimeout() {
	if m != nil {
		m.heartbeat_timeouts_total.Inc()
	}
}

func (m *Metrics) incDropped() {
	if m != nil {
		m.packs_dropped_total.Inc()
	}
}

func (m *Metrics) incNetErr() {
	if m != nil {
		m.conn_errors_total.net.Inc()
	}
}

func (m *Metrics) incFrameErr() {
	if m != nil {
		m.conn_errors_total.frame.Inc()
	}
}

func (m *Metrics) incSpawn(err wire.SpawnError) {
	if m == nil {
		return
	}
	switch err {
	case wire.SpawnOK:
		m.spawns_total.ok.Inc()
	case wire.SpawnErrFuncNotFound:
		m.spawns_total.func_not_found.Inc()
	default:
		m.spawns_total.no_socket.Inc()
	}
}
