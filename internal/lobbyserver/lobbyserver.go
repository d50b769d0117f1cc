package lobbyserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/blukai/conwayparty/internal/debug"
	"github.com/blukai/conwayparty/internal/protocol"
	"github.com/cespare/xxhash/v2"
	"github.com/phuslu/log"
)

const (
	DefaultVersion        = "0.0.1"
	DefaultUpdateInterval = time.Second
	DefaultEvictAfter     = 10 * time.Second
	// ChatHistoryLimit is how many messages a room keeps for (re)delivery.
	ChatHistoryLimit = 128
)

type addrKey uint64

func makeAddrKey(addr *net.UDPAddr) addrKey {
	return addrKey(xxhash.Sum64String(addr.String()))
}

type Option func(*LobbyServer)

// WithVersion sets the version reported to clients on login.
func WithVersion(version string) Option {
	return func(ls *LobbyServer) { ls.version = version }
}

func WithUpdateInterval(d time.Duration) Option {
	return func(ls *LobbyServer) { ls.updateInterval = d }
}

func WithEvictAfter(d time.Duration) Option {
	return func(ls *LobbyServer) { ls.evictAfter = d }
}

type LobbyServer struct {
	conn *net.UDPConn
	buf  []byte

	logger *log.Logger

	version        string
	updateInterval time.Duration
	evictAfter     time.Duration

	// mu guards everything below
	mu      sync.Mutex
	players map[addrKey]*player
	rooms   map[string]*room
}

func NewLobbyServer(network, address string, logger *log.Logger, opts ...Option) (*LobbyServer, error) {
	addr, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("could not resolve udp addr: %w", err)
	}

	conn, err := net.ListenUDP(network, addr)
	if err != nil {
		return nil, fmt.Errorf("could not listen udp: %w", err)
	}

	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	ls := &LobbyServer{
		conn: conn,
		buf:  make([]byte, protocol.MaxPacketSize),

		logger: logger,

		version:        DefaultVersion,
		updateInterval: DefaultUpdateInterval,
		evictAfter:     DefaultEvictAfter,

		players: make(map[addrKey]*player),
		rooms:   make(map[string]*room),
	}
	for _, opt := range opts {
		opt(ls)
	}

	return ls, nil
}

// Addr can be useful to retreive server's address when LobbyServer was
// constructed with ":0".
func (ls *LobbyServer) Addr() *net.UDPAddr {
	return ls.conn.LocalAddr().(*net.UDPAddr)
}

func (ls *LobbyServer) runRecv(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			err := ls.conn.SetReadDeadline(time.Now().Add(time.Second))
			debug.Assert(err == nil)

			n, addr, err := ls.conn.ReadFromUDP(ls.buf)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}

				ls.logger.Error().
					Msgf("could not read from udp: %v", err)
				continue
			}

			packet, err := protocol.UnmarshalPacket(ls.buf[0:n])
			if err != nil {
				ls.logger.Error().
					Str("bytes", string(ls.buf[0:n])).
					Msgf("could not unmarshal packet: %v", err)
				continue
			}

			ls.logger.Debug().
				Str("kind", string(packet.PacketKind())).
				Any("addr", addr).
				Msgf("recv")

			ls.handlePacket(packet, addr)
		}
	}
}

func (ls *LobbyServer) runClientEvictor(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
			ls.mu.Lock()
			now := time.Now()
			for key, p := range ls.players {
				if now.Sub(p.lastSeen) > ls.evictAfter {
					ls.removePlayer(key)
					ls.logger.Debug().
						Str("player", p.name).
						Any("addr", p.addr).
						Msg("evicted player")
				}
			}
			ls.mu.Unlock()
		}
	}
}

func (ls *LobbyServer) runUpdates(ctx context.Context) {
	ticker := time.NewTicker(ls.updateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ls.broadcastUpdates(); err != nil {
				ls.logger.Error().
					Msgf("could not broadcast updates: %v", err)
			}
		}
	}
}

func (ls *LobbyServer) Run(ctx context.Context) error {
	wg := &sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ls.runRecv(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ls.runClientEvictor(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ls.runUpdates(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
	return ls.conn.Close()
}

func (ls *LobbyServer) handlePacket(packet protocol.Packet, addr *net.UDPAddr) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	key := makeAddrKey(addr)
	// any packet proves that the client is alive
	if p, ok := ls.players[key]; ok {
		p.lastSeen = time.Now()
	}

	var err error
	switch p := packet.(type) {
	case protocol.Request:
		err = ls.handleRequest(p, addr)
	case protocol.UpdateReply:
		ls.handleUpdateReply(p, key)
	case protocol.Response, protocol.Update:
		ls.logger.Warn().
			Str("kind", string(p.PacketKind())).
			Any("addr", addr).
			Msg("ignoring packet from client normally sent by servers")
	default:
		debug.Assert(false, fmt.Sprintf("unhandled packet: %T", packet))
	}

	if err != nil {
		ls.logger.Error().
			Msgf("error handling packet (addr: %s; kind: %s): %v", addr.String(), packet.PacketKind(), err)
	}
}

func (ls *LobbyServer) sendPacket(packet protocol.Packet, addr *net.UDPAddr) error {
	ls.logger.Debug().
		Str("kind", string(packet.PacketKind())).
		Any("addr", addr).
		Msg("sendPacket")

	data, err := protocol.MarshalPacket(packet)
	if err != nil {
		return fmt.Errorf("could not marshal packet: %w", err)
	}

	_, err = ls.conn.WriteToUDP(data, addr)
	return err
}
