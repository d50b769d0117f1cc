package session

import (
	"fmt"

	"github.com/blukai/conwayparty/internal/debug"
	"github.com/blukai/conwayparty/internal/protocol"
	"github.com/blukai/conwayparty/internal/ptr"
)

// HandleIncomingPacket reacts to a packet received from the server.
func (s *State) HandleIncomingPacket(packet protocol.Packet) {
	// any packet proves that the server is alive
	now := s.env.now()
	s.heartbeat = &now

	switch p := packet.(type) {
	case protocol.Response:
		s.handleResponse(p)
	case protocol.Update:
		s.handleUpdate(p)
	case protocol.Request, protocol.UpdateReply:
		s.env.logger.Warn().
			Str("kind", string(p.PacketKind())).
			Msg("ignoring packet from server normally sent by clients")
	default:
		debug.Assert(false, fmt.Sprintf("unhandled packet: %T", packet))
	}
}

func (s *State) handleResponse(response protocol.Response) {
	if _, ok := response.Code.(protocol.CodeKeepAlive); ok {
		return
	}

	// NOTE(blukai): the server forgot us (restart or eviction). Its answer
	// is not sequenced within our session, so it can not go through rx.
	if _, ok := response.Code.(protocol.CodeNotConnected); ok && s.sentRequest(response.RequestAck) {
		s.env.logger.Warn().
			Uint64("request_ack", *response.RequestAck).
			Msg("server does not know the session, resetting")
		s.Reset()
		s.errorf("Server lost the session, you need to /connect again.")
		return
	}

	if response.Sequence < s.responseSequence {
		s.env.logger.Debug().
			Uint64("sequence", response.Sequence).
			Uint64("response_sequence", s.responseSequence).
			Msg("dropping stale response")
		s.env.net.CountDroppedResponse()
		return
	}

	// NOTE(blukai): a response that matches nothing in tx was already
	// acknowledged (it is a duplicate), drop it.
	if response.RequestAck == nil {
		s.env.net.CountDroppedResponse()
		return
	}
	request, ok := s.env.net.TxPackets.Remove(*response.RequestAck)
	if !ok {
		s.env.logger.Debug().
			Uint64("sequence", response.Sequence).
			Uint64("request_ack", *response.RequestAck).
			Msg("dropping unmatched response")
		s.env.net.CountDroppedResponse()
		return
	}

	s.env.logger.Debug().
		Uint64("sequence", request.Sequence).
		Str("action", string(request.Action.Kind())).
		Str("code", string(response.Code.Kind())).
		Msg("request acknowledged")

	s.env.net.RxPackets.BufferItem(response)
	s.ProcessQueuedServerResponses()
}

// sentRequest reports whether requestAck names a request of this session.
// Keep alives are never buffered, so tx alone can not answer that.
func (s *State) sentRequest(requestAck *uint64) bool {
	return s.isAuthenticated() && requestAck != nil && *requestAck <= s.sequence
}

// ProcessQueuedServerResponses handles every buffered response that is next
// in line. It stops at the first gap.
func (s *State) ProcessQueuedServerResponses() {
	rx := s.env.net.RxPackets
	for _, response := range rx.PopFront(rx.ContiguousCount(s.responseSequence)) {
		debug.Assert(response.Sequence == s.responseSequence)
		s.responseSequence += 1
		s.handleResponseCode(response.Code)
	}
}

func (s *State) handleResponseCode(code protocol.ResponseCode) {
	switch c := code.(type) {
	case protocol.CodeOK:
		s.env.logger.Debug().
			Msg("ok")
	case protocol.CodeLoggedIn:
		s.cookie = ptr.To(c.Cookie)
		s.checkServerVersion(c.ServerVersion)
		s.env.logger.Info().
			Str("server_version", c.ServerVersion).
			Msg("logged in")
	case protocol.CodeJoinedRoom:
		if !s.isAuthenticated() {
			s.env.logger.Warn().
				Str("room", c.Name).
				Msg("joined a room without being logged in")
			break
		}
		s.room = ptr.To(c.Name)
		s.env.logger.Info().
			Str("room", c.Name).
			Msg("joined room")
	case protocol.CodeLeaveRoom:
		s.env.logger.Info().
			Str("room", ptr.Deref(s.room, "")).
			Msg("left room")
		s.room = nil
		// chat sequences are per room
		s.chatMsgSeqNum = 0
		s.env.net.RxChatMessages.Clear()
	case protocol.CodePlayerList, protocol.CodeRoomList:
	case protocol.CodeKeepAlive:
		debug.Assert(false, "keep alive must not be sequenced")
	default:
		if err, ok := code.(error); ok {
			s.env.logger.Error().
				Msgf("response from server: %v", err)
			break
		}
		debug.Assert(false, fmt.Sprintf("unhandled response code: %T", code))
	}

	switch code.(type) {
	case protocol.CodeOK, protocol.CodeKeepAlive:
	default:
		s.notify(ResponseNotice{Code: code})
	}
}

func (s *State) handleUpdate(update protocol.Update) {
	if !s.isAuthenticated() {
		s.env.logger.Warn().
			Msg("ignoring update while not logged in")
		return
	}

	s.mergeChats(update.Chats)

	// NOTE(blukai): updates are not tracked the way requests are, reply
	// right away every time.
	s.send(protocol.UpdateReply{
		Cookie:      *s.cookie,
		LastChatSeq: ptr.To(s.chatMsgSeqNum),
	})
}

// mergeChats filters out chats that were already delivered. Survivors are
// handled in arrival order, they are not sorted by chat_seq within a batch.
func (s *State) mergeChats(chats []protocol.BroadcastChatMessage) {
	delivered := s.chatMsgSeqNum

	for _, chat := range chats {
		if chat.ChatSeq == nil || *chat.ChatSeq <= delivered {
			s.env.net.CountDroppedChat()
			continue
		}

		s.chatMsgSeqNum = max(s.chatMsgSeqNum, *chat.ChatSeq)
		s.env.net.RxChatMessages.BufferItem(chat)

		if s.name != nil && chat.PlayerName == *s.name {
			continue
		}
		s.notify(ChatNotice{Message: chat})
	}
}
