package session

import (
	"fmt"

	"github.com/blukai/conwayparty/internal/debug"
	"github.com/blukai/conwayparty/internal/protocol"
	"github.com/blukai/conwayparty/internal/ptr"
)

// Event is one step of the session loop. Every source (timers, socket,
// console, game layer) is represented by exactly one event type.
type Event interface {
	isEvent()
}

type TickEvent struct{}

type NetworkCheckEvent struct{}

type PacketEvent struct {
	Packet protocol.Packet
}

type UserInputEvent struct {
	Line string
}

// CommandEvent is an action issued by the game layer (or ui) directly.
type CommandEvent struct {
	Action protocol.RequestAction
}

func (TickEvent) isEvent()         {}
func (NetworkCheckEvent) isEvent() {}
func (PacketEvent) isEvent()       {}
func (UserInputEvent) isEvent()    {}
func (CommandEvent) isEvent()      {}

// HandleEvent processes a single event and reports whether the loop should
// exit.
func (s *State) HandleEvent(event Event) bool {
	switch ev := event.(type) {
	case TickEvent:
		s.handleTick()
	case NetworkCheckEvent:
		s.handleNetworkCheck()
	case PacketEvent:
		s.HandleIncomingPacket(ev.Packet)
	case UserInputEvent:
		s.handleUserInput(ev.Line)
	case CommandEvent:
		if err := s.Enqueue(ev.Action); err != nil {
			s.env.logger.Warn().
				Msgf("could not enqueue game layer command: %v", err)
		}
	default:
		debug.Assert(false, fmt.Sprintf("unhandled event: %T", event))
	}

	return s.env.exitRequested
}

func (s *State) heartbeatExpired() bool {
	if s.heartbeat == nil {
		return false
	}
	return s.env.now().Sub(*s.heartbeat) > HeartbeatTimeout
}

func (s *State) handleTick() {
	if !s.isAuthenticated() {
		return
	}

	if s.disconnectInitiated {
		s.env.logger.Info().
			Msg("disconnected")
		s.Reset()
		s.infof("Disconnected from server.")
		return
	}

	if s.heartbeatExpired() {
		s.env.logger.Warn().
			Dur("timeout", HeartbeatTimeout).
			Msg("server timed out, resetting session")
		s.Reset()
		s.errorf("Server timed out, you need to /connect again.")
		return
	}

	// NOTE(blukai): keep alive is neither buffered nor does it advance the
	// sequence, server answers it with an unsequenced keep alive code.
	s.send(protocol.Request{
		Sequence:    s.sequence,
		ResponseAck: ptr.To(s.responseSequence),
		Cookie:      s.cookie,
		Action:      protocol.ActionKeepAlive{Ack: s.responseSequence},
	})
}

func (s *State) handleNetworkCheck() {
	if !s.isAuthenticated() {
		return
	}

	s.ProcessQueuedServerResponses()

	indices := s.env.net.TxPackets.RetransmitIndices()
	if len(indices) > 0 {
		s.env.net.RetransmitExpiredTxPackets(s.env.sender, s.responseSequence, indices)
	}
}
