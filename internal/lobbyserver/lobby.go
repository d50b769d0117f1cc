package lobbyserver

import (
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/blukai/conwayparty/internal/protocol"
	"github.com/blukai/conwayparty/internal/ptr"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

type player struct {
	addr     *net.UDPAddr
	cookie   string
	name     string
	room     *string
	lastSeen time.Time

	nextResponseSeq uint64
	// responses are kept by request sequence so that retransmitted requests
	// are answered with the very same response instead of being re-applied.
	responses   map[uint64]protocol.Response
	lastChatAck uint64
}

func newPlayer(addr *net.UDPAddr, name string) *player {
	return &player{
		addr:      addr,
		cookie:    uuid.NewString(),
		name:      name,
		lastSeen:  time.Now(),
		responses: make(map[uint64]protocol.Response),
	}
}

// respond allocates the next response sequence for code.
func (p *player) respond(requestSeq uint64, code protocol.ResponseCode) protocol.Response {
	response := protocol.Response{
		Sequence:   p.nextResponseSeq,
		RequestAck: ptr.To(requestSeq),
		Code:       code,
	}
	p.nextResponseSeq++
	p.responses[requestSeq] = response
	return response
}

// forgetResponses drops cached responses the client already processed.
func (p *player) forgetResponses(responseAck *uint64) {
	if responseAck == nil {
		return
	}
	for requestSeq, response := range p.responses {
		if response.Sequence < *responseAck {
			delete(p.responses, requestSeq)
		}
	}
}

type room struct {
	name        string
	players     map[addrKey]struct{}
	chats       []protocol.BroadcastChatMessage
	nextChatSeq uint64
}

func newRoom(name string) *room {
	return &room{
		name:        name,
		players:     make(map[addrKey]struct{}),
		nextChatSeq: 1,
	}
}

func (r *room) appendChat(playerName, message string) {
	r.chats = append(r.chats, protocol.BroadcastChatMessage{
		PlayerName: playerName,
		Message:    message,
		ChatSeq:    ptr.To(r.nextChatSeq),
	})
	r.nextChatSeq++
	if len(r.chats) > ChatHistoryLimit {
		r.chats = r.chats[len(r.chats)-ChatHistoryLimit:]
	}
}

func (r *room) chatsAfter(seq uint64) []protocol.BroadcastChatMessage {
	i := sort.Search(len(r.chats), func(i int) bool {
		return *r.chats[i].ChatSeq > seq
	})
	return r.chats[i:]
}

func badRequest(format string, a ...any) protocol.CodeBadRequest {
	return protocol.CodeBadRequest{Reason: ptr.To(fmt.Sprintf(format, a...))}
}

// must be called with mu held.
func (ls *LobbyServer) removePlayer(key addrKey) {
	p, ok := ls.players[key]
	if !ok {
		return
	}
	ls.leaveRoom(key, p)
	delete(ls.players, key)
}

// must be called with mu held.
func (ls *LobbyServer) leaveRoom(key addrKey, p *player) {
	if p.room == nil {
		return
	}
	if r, ok := ls.rooms[*p.room]; ok {
		delete(r.players, key)
	}
	p.room = nil
	p.lastChatAck = 0
}

// must be called with mu held.
func (ls *LobbyServer) handleRequest(request protocol.Request, addr *net.UDPAddr) error {
	key := makeAddrKey(addr)

	if connect, ok := request.Action.(protocol.ActionConnect); ok {
		return ls.handleConnect(request, connect, key, addr)
	}

	p, ok := ls.players[key]
	if !ok || request.Cookie == nil || *request.Cookie != p.cookie {
		// silence lets the client's heartbeat run out
		if _, ok := request.Action.(protocol.ActionKeepAlive); ok {
			ls.logger.Debug().
				Any("addr", addr).
				Msg("ignoring keep alive from unknown player")
			return nil
		}
		return ls.sendPacket(protocol.Response{
			RequestAck: ptr.To(request.Sequence),
			Code:       protocol.CodeNotConnected{Reason: ptr.To("unknown cookie, connect first")},
		}, addr)
	}

	p.forgetResponses(request.ResponseAck)

	// keep alives are not sequenced
	if _, ok := request.Action.(protocol.ActionKeepAlive); ok {
		return ls.sendPacket(protocol.Response{
			Sequence:   p.nextResponseSeq,
			RequestAck: ptr.To(request.Sequence),
			Code:       protocol.CodeKeepAlive{},
		}, addr)
	}

	if cached, ok := p.responses[request.Sequence]; ok {
		return ls.sendPacket(cached, addr)
	}

	code := ls.handleAction(key, p, request.Action)
	if err := ls.sendPacket(p.respond(request.Sequence, code), addr); err != nil {
		return err
	}

	if _, ok := request.Action.(protocol.ActionDisconnect); ok {
		ls.removePlayer(key)
		ls.logger.Info().
			Str("player", p.name).
			Msg("player disconnected")
	}
	return nil
}

func (ls *LobbyServer) handleConnect(request protocol.Request, connect protocol.ActionConnect, key addrKey, addr *net.UDPAddr) error {
	// a connect that was retransmitted (or repeated before anything else
	// happened) gets the same session back
	if p, ok := ls.players[key]; ok && p.name == connect.Name && p.nextResponseSeq == 1 {
		if cached, ok := p.responses[request.Sequence]; ok {
			return ls.sendPacket(cached, addr)
		}
	}

	if connect.Name == "" {
		return ls.sendPacket(protocol.Response{
			RequestAck: ptr.To(request.Sequence),
			Code:       badRequest("name must not be empty"),
		}, addr)
	}

	ls.removePlayer(key)
	p := newPlayer(addr, connect.Name)
	ls.players[key] = p

	ls.logger.Info().
		Str("player", p.name).
		Str("client_version", connect.ClientVersion).
		Any("addr", addr).
		Msg("player connected")

	return ls.sendPacket(p.respond(request.Sequence, protocol.CodeLoggedIn{
		Cookie:        p.cookie,
		ServerVersion: ls.version,
	}), addr)
}

func (ls *LobbyServer) handleAction(key addrKey, p *player, action protocol.RequestAction) protocol.ResponseCode {
	switch a := action.(type) {
	case protocol.ActionDisconnect:
		return protocol.CodeOK{}

	case protocol.ActionChatMessage:
		if p.room == nil {
			return badRequest("chat is only available in rooms")
		}
		ls.rooms[*p.room].appendChat(p.name, a.Text)
		return protocol.CodeOK{}

	case protocol.ActionListPlayers:
		names := make([]string, 0, len(ls.players))
		if p.room != nil {
			for other := range ls.rooms[*p.room].players {
				names = append(names, ls.players[other].name)
			}
		} else {
			for _, other := range ls.players {
				names = append(names, other.name)
			}
		}
		sort.Strings(names)
		return protocol.CodePlayerList{Names: names}

	case protocol.ActionListRooms:
		rooms := make([]protocol.RoomInfo, 0, len(ls.rooms))
		for _, r := range ls.rooms {
			rooms = append(rooms, protocol.RoomInfo{
				Name:        r.name,
				PlayerCount: uint64(len(r.players)),
			})
		}
		sort.Slice(rooms, func(i, j int) bool { return rooms[i].Name < rooms[j].Name })
		return protocol.CodeRoomList{Rooms: rooms}

	case protocol.ActionNewRoom:
		if a.Name == "" {
			return badRequest("room name must not be empty")
		}
		if _, ok := ls.rooms[a.Name]; ok {
			return badRequest("room %s already exists", a.Name)
		}
		ls.rooms[a.Name] = newRoom(a.Name)
		return protocol.CodeOK{}

	case protocol.ActionJoinRoom:
		if p.room != nil {
			return badRequest("already in room %s", *p.room)
		}
		r, ok := ls.rooms[a.Name]
		if !ok {
			return badRequest("no such room: %s", a.Name)
		}
		r.players[key] = struct{}{}
		p.room = ptr.To(r.name)
		p.lastChatAck = 0
		return protocol.CodeJoinedRoom{Name: r.name}

	case protocol.ActionLeaveRoom:
		if p.room == nil {
			return badRequest("not in a room")
		}
		ls.leaveRoom(key, p)
		return protocol.CodeLeaveRoom{}

	default:
		return badRequest("unsupported action: %s", action.Kind())
	}
}

// must be called with mu held.
func (ls *LobbyServer) handleUpdateReply(reply protocol.UpdateReply, key addrKey) {
	p, ok := ls.players[key]
	if !ok || reply.Cookie != p.cookie {
		ls.logger.Debug().
			Msg("ignoring update reply from unknown player")
		return
	}
	if reply.LastChatSeq != nil && *reply.LastChatSeq > p.lastChatAck {
		p.lastChatAck = *reply.LastChatSeq
	}
}

// broadcastUpdates sends every player the chats it has not acknowledged yet.
// Players outside of rooms get an empty update which still serves as a
// heartbeat.
func (ls *LobbyServer) broadcastUpdates() error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	var result error
	for _, p := range ls.players {
		update := protocol.Update{}
		if p.room != nil {
			update.Chats = ls.rooms[*p.room].chatsAfter(p.lastChatAck)
		}
		if err := ls.sendPacket(update, p.addr); err != nil {
			result = multierror.Append(result, fmt.Errorf("could not send update to %s: %w", p.addr.String(), err))
		}
	}
	return result
}
