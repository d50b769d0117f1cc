package lobbyclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blukai/conwayparty/internal/debug"
	"github.com/blukai/conwayparty/internal/network"
	"github.com/blukai/conwayparty/internal/protocol"
	"github.com/blukai/conwayparty/internal/session"
	"github.com/blukai/conwayparty/internal/unbounded"
	"github.com/phuslu/log"
)

var ErrAlreadyRun = errors.New("lobby client already ran")

// LobbyClient is single use: Run closes the socket and the session's exit
// request outlives it, construct a new client to connect again.
type LobbyClient struct {
	conn    *net.UDPConn
	readBuf []byte

	logger *log.Logger

	// sendCh is drained by the only goroutine that writes to conn.
	sendCh *unbounded.Chan[protocol.Packet]
	recvCh chan protocol.Packet
	// commandCh carries actions from the game layer.
	commandCh *unbounded.Chan[protocol.RequestAction]

	sendTimeout time.Duration
	recvTimeout time.Duration

	state *session.State
	ran   atomic.Bool
}

func NewLobbyClient(address string, notifier session.Notifier, logger *log.Logger) (*LobbyClient, error) {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	addr, err := ResolveServerAddr(address, logger)
	if err != nil {
		return nil, fmt.Errorf("could not resolve server addr: %w", err)
	}

	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("could not dial udp: %w", err)
	}

	lc := &LobbyClient{
		conn:    conn,
		readBuf: make([]byte, protocol.MaxPacketSize),

		logger: logger,

		sendCh:    unbounded.New[protocol.Packet](),
		recvCh:    make(chan protocol.Packet),
		commandCh: unbounded.New[protocol.RequestAction](),

		sendTimeout: time.Second,
		recvTimeout: time.Second,
	}

	lc.state = session.New(session.Config{
		Sender:   network.SenderFunc(lc.sendCh.Send),
		Notifier: notifier,
		Logger:   logger,
	})

	logger.Info().
		Str("remote", addr.String()).
		Str("local", conn.LocalAddr().String()).
		Msg("socket ready")

	return lc, nil
}

// Manager exposes the reliability queues and their statistics. Reading it
// while Run is active is only good enough for diagnostics.
func (lc *LobbyClient) Manager() *network.Manager {
	return lc.state.Manager()
}

// Command hands an action from the game layer to the session loop. It never
// blocks; it must not be called after Run returned.
func (lc *LobbyClient) Command(action protocol.RequestAction) {
	lc.commandCh.Send(action)
}

func (lc *LobbyClient) runSend() {
	for packet := range lc.sendCh.Out() {
		lc.logger.Debug().
			Str("kind", string(packet.PacketKind())).
			Msg("send")

		data, err := protocol.MarshalPacket(packet)
		if err != nil {
			lc.logger.Error().
				Msgf("could not marshal packet: %v", err)
			continue
		}

		err = lc.conn.SetWriteDeadline(time.Now().Add(lc.sendTimeout))
		debug.Assert(err == nil)

		if _, err := lc.conn.Write(data); err != nil {
			// NOTE(blukai): lost writes are no different from lost
			// datagrams, retransmission takes care of them.
			lc.logger.Error().
				Msgf("could not write: %v", err)
		}
	}
}

func (lc *LobbyClient) runRecv(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			err := lc.conn.SetReadDeadline(time.Now().Add(lc.recvTimeout))
			debug.Assert(err == nil)

			n, _, err := lc.conn.ReadFromUDP(lc.readBuf)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}

				lc.logger.Error().
					Msgf("could not read: %v", err)
				continue
			}

			packet, err := protocol.UnmarshalPacket(lc.readBuf[0:n])
			if err != nil {
				// undecodable datagrams count as lost
				lc.logger.Warn().
					Str("bytes", string(lc.readBuf[0:n])).
					Msgf("could not unmarshal packet: %v", err)
				continue
			}

			lc.logger.Debug().
				Str("kind", string(packet.PacketKind())).
				Msg("recv")

			select {
			case lc.recvCh <- packet:
			case <-ctx.Done():
				return
			}
		}
	}
}

// runEvents is the only place where session state is touched. All event
// sources are merged by a single select.
func (lc *LobbyClient) runEvents(ctx context.Context, input <-chan string) {
	tick := time.NewTicker(session.TickInterval)
	defer tick.Stop()
	networkCheck := time.NewTicker(session.NetworkCheckInterval)
	defer networkCheck.Stop()

	for {
		var event session.Event
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			event = session.TickEvent{}
		case <-networkCheck.C:
			event = session.NetworkCheckEvent{}
		case packet := <-lc.recvCh:
			event = session.PacketEvent{Packet: packet}
		case line, ok := <-input:
			if !ok {
				// console is gone, keep serving the other sources
				input = nil
				continue
			}
			event = session.UserInputEvent{Line: line}
		case action := <-lc.commandCh.Out():
			event = session.CommandEvent{Action: action}
		}

		if exit := lc.state.HandleEvent(event); exit {
			lc.logger.Info().
				Msg("exit requested")
			return
		}
	}
}

// Run blocks until ctx is done or the session asks to exit. Packets queued
// before that are still written.
func (lc *LobbyClient) Run(ctx context.Context, input <-chan string) error {
	if !lc.ran.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg := &sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		lc.runRecv(ctx)
	}()

	sendDone := make(chan struct{})
	go func() {
		defer close(sendDone)
		lc.runSend()
	}()

	lc.runEvents(ctx, input)

	if lc.state.Phase() != session.PhaseDisconnected {
		lc.state.Manager().PrintStatistics()
	}
	lc.state.Reset()

	cancel()
	wg.Wait()

	// flush whatever the session sent last (a disconnect, most likely)
	lc.sendCh.Close()
	<-sendDone
	lc.commandCh.Close()

	return lc.conn.Close()
}
