package network

import (
	"io"
	"sort"
	"time"

	"github.com/blukai/conwayparty/internal/netqueue"
	"github.com/blukai/conwayparty/internal/protocol"
	"github.com/blukai/conwayparty/internal/ptr"
	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	TxQueueCapacity = 1 << 10
	RxQueueCapacity = 1 << 10
	// ChatHistoryLimit is how many chat messages are retained, older ones are
	// evicted first.
	ChatHistoryLimit = 128
)

// Sender transmits a packet to the peer. The destination is bound by the
// underlying (connected) socket.
type Sender interface {
	Send(packet protocol.Packet)
}

type SenderFunc func(packet protocol.Packet)

func (f SenderFunc) Send(packet protocol.Packet) { f(packet) }

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithRetransmitThreshold(d time.Duration) Option {
	return func(m *Manager) { m.retransmitThreshold = d }
}

type metrics struct {
	retransmissions  prometheus.Counter
	droppedResponses prometheus.Counter
	droppedChats     prometheus.Counter

	// queue lengths are mirrored into gauges by the owning goroutine, the
	// collector never looks at the queues themselves
	txPackets      prometheus.Gauge
	rxPackets      prometheus.Gauge
	rxChatMessages prometheus.Gauge
}

// Manager holds the reliability queues of a single client session.
type Manager struct {
	// TxPackets are requests that were sent but not acknowledged yet.
	TxPackets *netqueue.Queue[protocol.Request]
	// RxPackets are responses waiting for their predecessors.
	RxPackets *netqueue.Queue[protocol.Response]
	// RxChatMessages is the ordered chat history of the current room.
	RxChatMessages *netqueue.Queue[protocol.BroadcastChatMessage]

	logger *log.Logger

	now                 func() time.Time
	retransmitThreshold time.Duration

	registry *prometheus.Registry
	metrics  metrics
}

func NewManager(logger *log.Logger, opts ...Option) *Manager {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	m := &Manager{
		logger: logger,

		now:                 time.Now,
		retransmitThreshold: netqueue.DefaultRetransmitThreshold,

		registry: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.registerMetrics()

	queueOpts := func(gauge prometheus.Gauge) []netqueue.Option {
		return []netqueue.Option{
			netqueue.WithClock(m.now),
			netqueue.WithRetransmitThreshold(m.retransmitThreshold),
			netqueue.WithLenObserver(func(n int) { gauge.Set(float64(n)) }),
		}
	}
	m.TxPackets = netqueue.New(TxQueueCapacity, func(r protocol.Request) uint64 {
		return r.Sequence
	}, queueOpts(m.metrics.txPackets)...)
	m.RxPackets = netqueue.New(RxQueueCapacity, func(r protocol.Response) uint64 {
		return r.Sequence
	}, queueOpts(m.metrics.rxPackets)...)
	// NOTE(blukai): messages without chat_seq never make it into the queue,
	// see session's chat merge.
	m.RxChatMessages = netqueue.New(ChatHistoryLimit, func(c protocol.BroadcastChatMessage) uint64 {
		return ptr.Deref(c.ChatSeq, 0)
	}, queueOpts(m.metrics.rxChatMessages)...)

	return m
}

func (m *Manager) registerMetrics() {
	m.metrics = metrics{
		retransmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conwayparty",
			Subsystem: "client",
			Name:      "retransmissions_total",
			Help:      "Requests sent again because they were not acknowledged in time.",
		}),
		droppedResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conwayparty",
			Subsystem: "client",
			Name:      "dropped_responses_total",
			Help:      "Responses dropped as stale, duplicate or unmatched.",
		}),
		droppedChats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conwayparty",
			Subsystem: "client",
			Name:      "dropped_chat_messages_total",
			Help:      "Chat messages dropped as already delivered.",
		}),
		txPackets:      queueGauge("tx_packets", "Requests awaiting acknowledgment."),
		rxPackets:      queueGauge("rx_packets", "Responses buffered for in-order processing."),
		rxChatMessages: queueGauge("rx_chat_messages", "Chat messages retained in history."),
	}

	m.registry.MustRegister(
		m.metrics.retransmissions,
		m.metrics.droppedResponses,
		m.metrics.droppedChats,
		m.metrics.txPackets,
		m.metrics.rxPackets,
		m.metrics.rxChatMessages,
	)
}

func queueGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "conwayparty",
		Subsystem: "client",
		Name:      name,
		Help:      help,
	})
}

// Registry exposes statistics, for example to be served with promhttp. It is
// safe to gather from any goroutine.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Manager) CountDroppedResponse() { m.metrics.droppedResponses.Inc() }

func (m *Manager) CountDroppedChat() { m.metrics.droppedChats.Inc() }

// RetransmitExpiredTxPackets sends the requests at indices again with
// responseAck piggybacked. Request sequences stay unchanged.
func (m *Manager) RetransmitExpiredTxPackets(sender Sender, responseAck uint64, indices []int) {
	for _, i := range indices {
		request := m.TxPackets.At(i)
		request.ResponseAck = ptr.To(responseAck)
		m.TxPackets.Replace(i, request)

		m.logger.Debug().
			Uint64("sequence", request.Sequence).
			Uint64("response_ack", responseAck).
			Str("action", string(request.Action.Kind())).
			Msg("retransmit")

		sender.Send(request)
		m.metrics.retransmissions.Inc()
	}
}

// Reset clears all queues. Counters are kept, they describe the process, not
// the session.
func (m *Manager) Reset() {
	m.TxPackets.Clear()
	m.RxPackets.Clear()
	m.RxChatMessages.Clear()
}

// Statistics returns current values of all metrics keyed by metric name.
func (m *Manager) Statistics() map[string]float64 {
	stats := make(map[string]float64)

	families, err := m.registry.Gather()
	if err != nil {
		m.logger.Error().
			Msgf("could not gather statistics: %v", err)
		return stats
	}

	for _, family := range families {
		for _, metric := range family.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				stats[family.GetName()] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				stats[family.GetName()] = metric.GetGauge().GetValue()
			}
		}
	}
	return stats
}

func (m *Manager) PrintStatistics() {
	stats := m.Statistics()

	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		m.logger.Info().
			Float64("value", stats[name]).
			Msg(name)
	}
}
