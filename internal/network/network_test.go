package network_test

import (
	"sync"
	"testing"
	"time"

	"github.com/blukai/conwayparty/internal/network"
	"github.com/blukai/conwayparty/internal/protocol"
	"github.com/blukai/conwayparty/internal/ptr"
	"github.com/matryer/is"
)

type recorder struct {
	packets []protocol.Packet
}

func (r *recorder) Send(packet protocol.Packet) {
	r.packets = append(r.packets, packet)
}

func TestRetransmitExpiredTxPackets(t *testing.T) {
	is := is.New(t)

	now := time.Unix(1000, 0)
	m := network.NewManager(nil, network.WithClock(func() time.Time { return now }))

	for seq := uint64(1); seq <= 3; seq++ {
		m.TxPackets.BufferItem(protocol.Request{
			Sequence:    seq,
			ResponseAck: ptr.To(uint64(0)),
			Cookie:      ptr.To("abc123"),
			Action:      protocol.ActionChatMessage{Text: "hi"},
		})
	}

	now = now.Add(2 * time.Second)
	indices := m.TxPackets.RetransmitIndices()
	is.Equal(indices, []int{0, 1, 2})

	rec := &recorder{}
	m.RetransmitExpiredTxPackets(rec, 5, indices)
	is.Equal(len(rec.packets), 3)

	for i, packet := range rec.packets {
		request, ok := packet.(protocol.Request)
		is.True(ok)
		is.Equal(request.Sequence, uint64(i+1)) // sequence is unchanged
		is.Equal(*request.ResponseAck, uint64(5))
	}

	// stored copies carry the new ack too and are not due anymore
	is.Equal(*m.TxPackets.At(0).ResponseAck, uint64(5))
	is.Equal(len(m.TxPackets.RetransmitIndices()), 0)

	is.Equal(m.Statistics()["conwayparty_client_retransmissions_total"], float64(3))
}

func TestReset(t *testing.T) {
	is := is.New(t)

	m := network.NewManager(nil)
	m.TxPackets.BufferItem(protocol.Request{Sequence: 0, Action: protocol.ActionListRooms{}})
	m.RxPackets.BufferItem(protocol.Response{Sequence: 0, Code: protocol.CodeOK{}})
	m.RxChatMessages.BufferItem(protocol.BroadcastChatMessage{ChatSeq: ptr.To(uint64(1))})
	m.CountDroppedResponse()

	stats := m.Statistics()
	is.Equal(stats["conwayparty_client_tx_packets"], float64(1))
	is.Equal(stats["conwayparty_client_rx_packets"], float64(1))
	is.Equal(stats["conwayparty_client_rx_chat_messages"], float64(1))

	m.Reset()

	stats = m.Statistics()
	is.Equal(stats["conwayparty_client_tx_packets"], float64(0))
	is.Equal(stats["conwayparty_client_rx_packets"], float64(0))
	is.Equal(stats["conwayparty_client_rx_chat_messages"], float64(0))
	is.Equal(stats["conwayparty_client_dropped_responses_total"], float64(1))
}

func TestChatHistoryIsBounded(t *testing.T) {
	is := is.New(t)

	m := network.NewManager(nil)
	for seq := uint64(1); seq <= network.ChatHistoryLimit+10; seq++ {
		m.RxChatMessages.BufferItem(protocol.BroadcastChatMessage{ChatSeq: ptr.To(seq)})
	}

	is.Equal(m.RxChatMessages.Len(), network.ChatHistoryLimit)
	is.Equal(*m.RxChatMessages.At(0).ChatSeq, uint64(11))
}

// Gathering happens on an http goroutine while the session loop keeps
// mutating queues; go test -race must stay quiet.
func TestStatisticsWhileBuffering(t *testing.T) {
	is := is.New(t)

	m := network.NewManager(nil)

	done := make(chan struct{})
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				if _, err := m.Registry().Gather(); err != nil {
					t.Errorf("could not gather: %v", err)
					return
				}
			}
		}
	}()

	for seq := uint64(0); seq < 500; seq++ {
		m.TxPackets.BufferItem(protocol.Request{Sequence: seq, Action: protocol.ActionListRooms{}})
		if seq%2 == 1 {
			m.TxPackets.Remove(seq)
		}
	}
	close(done)
	wg.Wait()

	is.Equal(m.Statistics()["conwayparty_client_tx_packets"], float64(250))
}
