package session

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/blukai/conwayparty/internal/network"
	"github.com/blukai/conwayparty/internal/protocol"
	"github.com/blukai/conwayparty/internal/ptr"
	"github.com/phuslu/log"
)

const ClientVersion = "0.0.1"

const (
	TickInterval         = time.Second
	NetworkCheckInterval = time.Second
	// HeartbeatTimeout is how long the server may stay silent before the
	// session is considered lost. It is checked on every tick.
	HeartbeatTimeout = 10 * time.Second
)

var (
	ErrNoAction     = errors.New("refusing to send no action")
	ErrNotConnected = errors.New("not connected")
)

type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseLobby
	PhaseInRoom
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseLobby:
		return "lobby"
	case PhaseInRoom:
		return "in room"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

type Config struct {
	// ClientVersion defaults to ClientVersion.
	ClientVersion string
	Sender        network.Sender
	Notifier      Notifier
	Logger        *log.Logger
	// Now defaults to time.Now.
	Now func() time.Time
	// Manager is created with Now and Logger if nil.
	Manager *network.Manager
}

// environment is everything that outlives a session.
type environment struct {
	clientVersion string
	sender        network.Sender
	notifier      Notifier
	logger        *log.Logger
	now           func() time.Time
	net           *network.Manager

	exitRequested bool
}

// State is the client side of a session. It must be owned by a single
// goroutine, see lobbyclient.
type State struct {
	env *environment

	// sequence of the next request; it only moves once authenticated.
	sequence uint64
	// responseSequence is the sequence of the next response to process.
	responseSequence uint64
	cookie           *string
	room             *string
	name             *string
	// chatMsgSeqNum is the highest chat sequence delivered in this room.
	chatMsgSeqNum       uint64
	heartbeat           *time.Time
	disconnectInitiated bool
}

func New(config Config) *State {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	logger := config.Logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	env := &environment{
		clientVersion: config.ClientVersion,
		sender:        config.Sender,
		notifier:      config.Notifier,
		logger:        logger,
		now:           config.Now,
		net:           config.Manager,
	}
	if env.clientVersion == "" {
		env.clientVersion = ClientVersion
	}
	if env.sender == nil {
		env.sender = network.SenderFunc(func(protocol.Packet) {})
	}
	if env.notifier == nil {
		env.notifier = NotifierFunc(func(Notice) {})
	}
	if env.now == nil {
		env.now = time.Now
	}
	if env.net == nil {
		env.net = network.NewManager(logger, network.WithClock(env.now))
	}

	return &State{env: env}
}

// Reset drops the session and goes back to disconnected. Only the
// environment survives, every session field gets its zero value.
func (s *State) Reset() {
	s.env.net.Reset()
	*s = State{env: s.env}
}

func (s *State) Phase() Phase {
	switch {
	case s.cookie == nil:
		return PhaseDisconnected
	case s.room == nil:
		return PhaseLobby
	default:
		return PhaseInRoom
	}
}

func (s *State) Sequence() uint64          { return s.sequence }
func (s *State) ResponseSequence() uint64  { return s.responseSequence }
func (s *State) Cookie() *string           { return s.cookie }
func (s *State) Room() *string             { return s.room }
func (s *State) Name() *string             { return s.name }
func (s *State) ChatMsgSeqNum() uint64     { return s.chatMsgSeqNum }
func (s *State) Heartbeat() *time.Time     { return s.heartbeat }
func (s *State) DisconnectInitiated() bool { return s.disconnectInitiated }
func (s *State) Manager() *network.Manager { return s.env.net }
func (s *State) ExitRequested() bool       { return s.env.exitRequested }
func (s *State) ClientVersion() string     { return s.env.clientVersion }
func (s *State) Logger() *log.Logger       { return s.env.logger }

func (s *State) isAuthenticated() bool { return s.cookie != nil }

func (s *State) notify(notice Notice) {
	s.env.notifier.Notify(notice)
}

func (s *State) send(packet protocol.Packet) {
	s.env.sender.Send(packet)
}

// requestExit survives Reset, see environment.
func (s *State) requestExit() {
	s.env.exitRequested = true
}

func (s *State) infof(format string, a ...any) {
	s.notify(InfoNotice{Text: fmt.Sprintf(format, a...)})
}

func (s *State) errorf(format string, a ...any) {
	s.notify(ErrorNotice{Text: fmt.Sprintf(format, a...)})
}

// Enqueue sends action to the server and keeps it around until it is
// acknowledged.
func (s *State) Enqueue(action protocol.RequestAction) error {
	if protocol.IsNone(action) {
		return ErrNoAction
	}
	// everything before login shares sequence 0 and would replace the
	// pending connect in tx
	if _, ok := action.(protocol.ActionConnect); !ok && !s.isAuthenticated() {
		return fmt.Errorf("%w, refusing to send %s", ErrNotConnected, action.Kind())
	}

	// NOTE(blukai): requests sent before login (connect) are always 0.
	if s.isAuthenticated() {
		s.sequence += 1
	}

	request := protocol.Request{
		Sequence:    s.sequence,
		ResponseAck: ptr.To(s.responseSequence),
		Cookie:      s.cookie,
		Action:      action,
	}
	s.env.net.TxPackets.BufferItem(request)
	s.send(request)

	s.env.logger.Debug().
		Uint64("sequence", request.Sequence).
		Str("action", string(action.Kind())).
		Msg("enqueued")

	if _, ok := action.(protocol.ActionDisconnect); ok {
		s.disconnectInitiated = true
		s.requestExit()
	}

	return nil
}

// checkServerVersion warns about a mismatch but never blocks the connection.
func (s *State) checkServerVersion(serverVersion string) {
	if versionsMatch(s.env.clientVersion, serverVersion) {
		return
	}

	s.env.logger.Warn().
		Str("client_version", s.env.clientVersion).
		Str("server_version", serverVersion).
		Msg("client and server versions differ, there may be incompatibilities")
}

func versionsMatch(a, b string) bool {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return va.Equal(vb)
}
