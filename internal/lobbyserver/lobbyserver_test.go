package lobbyserver_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/blukai/conwayparty/internal/lobbyserver"
	"github.com/blukai/conwayparty/internal/protocol"
	"github.com/blukai/conwayparty/internal/ptr"
	"github.com/matryer/is"
)

type rawClient struct {
	is   *is.I
	conn *net.UDPConn
}

func newRawClient(t *testing.T, opts ...lobbyserver.Option) *rawClient {
	is := is.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	// updates would interleave with responses, keep them out of the way
	opts = append([]lobbyserver.Option{lobbyserver.WithUpdateInterval(time.Hour)}, opts...)
	lobbyServer, err := lobbyserver.NewLobbyServer("udp4", "127.0.0.1:0", nil, opts...)
	is.NoErr(err)
	go lobbyServer.Run(ctx)

	clientConn, err := net.DialUDP("udp4", nil, lobbyServer.Addr())
	is.NoErr(err)
	t.Cleanup(func() { clientConn.Close() })

	return &rawClient{is: is, conn: clientConn}
}

func (rc *rawClient) send(request protocol.Request) {
	data, err := protocol.MarshalPacket(request)
	rc.is.NoErr(err)

	err = rc.conn.SetWriteDeadline(time.Now().Add(time.Second))
	rc.is.NoErr(err)
	_, err = rc.conn.Write(data)
	rc.is.NoErr(err)
}

func (rc *rawClient) recv() protocol.Packet {
	err := rc.conn.SetReadDeadline(time.Now().Add(time.Second))
	rc.is.NoErr(err)

	buf := make([]byte, protocol.MaxPacketSize)
	n, _, err := rc.conn.ReadFromUDP(buf)
	rc.is.NoErr(err)

	packet, err := protocol.UnmarshalPacket(buf[:n])
	rc.is.NoErr(err)
	return packet
}

// expectSilence fails if anything arrives within d.
func (rc *rawClient) expectSilence(d time.Duration) {
	err := rc.conn.SetReadDeadline(time.Now().Add(d))
	rc.is.NoErr(err)

	buf := make([]byte, protocol.MaxPacketSize)
	_, _, err = rc.conn.ReadFromUDP(buf)
	netErr, ok := err.(net.Error)
	rc.is.True(ok && netErr.Timeout()) // expected no packet
}

func (rc *rawClient) roundTrip(request protocol.Request) protocol.Response {
	rc.send(request)
	response, ok := rc.recv().(protocol.Response)
	rc.is.True(ok) // expected a response
	return response
}

func (rc *rawClient) connect(name string) string {
	response := rc.roundTrip(protocol.Request{
		Action: protocol.ActionConnect{Name: name, ClientVersion: "0.0.1"},
	})
	loggedIn, ok := response.Code.(protocol.CodeLoggedIn)
	rc.is.True(ok) // expected logged in
	return loggedIn.Cookie
}

func TestConnect(t *testing.T) {
	is := is.New(t)
	rc := newRawClient(t, lobbyserver.WithVersion("1.2.3"))

	response := rc.roundTrip(protocol.Request{
		Sequence: 0,
		Action:   protocol.ActionConnect{Name: "alice", ClientVersion: "0.0.1"},
	})
	is.Equal(response.Sequence, uint64(0))
	is.Equal(*response.RequestAck, uint64(0))

	loggedIn, ok := response.Code.(protocol.CodeLoggedIn)
	is.True(ok)
	is.True(loggedIn.Cookie != "")
	is.Equal(loggedIn.ServerVersion, "1.2.3")
}

func TestRetransmittedConnectKeepsSession(t *testing.T) {
	is := is.New(t)
	rc := newRawClient(t)

	first := rc.connect("alice")
	second := rc.connect("alice")
	is.Equal(first, second)
}

func TestUnknownCookie(t *testing.T) {
	is := is.New(t)
	rc := newRawClient(t)

	response := rc.roundTrip(protocol.Request{
		Sequence: 1,
		Cookie:   ptr.To("bogus"),
		Action:   protocol.ActionListRooms{},
	})
	_, ok := response.Code.(protocol.CodeNotConnected)
	is.True(ok)
}

func TestUnknownCookieKeepAliveIsNotAnswered(t *testing.T) {
	rc := newRawClient(t)

	rc.send(protocol.Request{
		Sequence:    3,
		ResponseAck: ptr.To(uint64(2)),
		Cookie:      ptr.To("forgotten"),
		Action:      protocol.ActionKeepAlive{Ack: 2},
	})
	rc.expectSilence(500 * time.Millisecond)
}

func TestRetransmittedRequestIsAppliedOnce(t *testing.T) {
	is := is.New(t)
	rc := newRawClient(t)
	cookie := rc.connect("alice")

	newRoom := protocol.Request{
		Sequence:    1,
		ResponseAck: ptr.To(uint64(1)),
		Cookie:      ptr.To(cookie),
		Action:      protocol.ActionNewRoom{Name: "lounge"},
	}
	first := rc.roundTrip(newRoom)
	is.Equal(first.Code, protocol.CodeOK{})
	is.Equal(first.Sequence, uint64(1))

	// the second copy would fail with "already exists" if it was re-applied
	second := rc.roundTrip(newRoom)
	is.Equal(second, first)

	rooms := rc.roundTrip(protocol.Request{
		Sequence:    2,
		ResponseAck: ptr.To(uint64(2)),
		Cookie:      ptr.To(cookie),
		Action:      protocol.ActionListRooms{},
	})
	is.Equal(rooms.Sequence, uint64(2))
	is.Equal(rooms.Code, protocol.CodeRoomList{Rooms: []protocol.RoomInfo{{Name: "lounge"}}})
}

func TestKeepAliveIsNotSequenced(t *testing.T) {
	is := is.New(t)
	rc := newRawClient(t)
	cookie := rc.connect("alice")

	for i := 0; i < 2; i++ {
		response := rc.roundTrip(protocol.Request{
			Sequence:    1,
			ResponseAck: ptr.To(uint64(1)),
			Cookie:      ptr.To(cookie),
			Action:      protocol.ActionKeepAlive{},
		})
		is.Equal(response.Code, protocol.CodeKeepAlive{})
		is.Equal(response.Sequence, uint64(1))
	}
}

func TestRoomLifecycle(t *testing.T) {
	is := is.New(t)
	rc := newRawClient(t)
	cookie := rc.connect("alice")

	seq := uint64(0)
	request := func(action protocol.RequestAction) protocol.ResponseCode {
		seq++
		return rc.roundTrip(protocol.Request{
			Sequence:    seq,
			ResponseAck: ptr.To(seq),
			Cookie:      ptr.To(cookie),
			Action:      action,
		}).Code
	}

	_, ok := request(protocol.ActionChatMessage{Text: "hi"}).(protocol.CodeBadRequest)
	is.True(ok) // no chat in the lobby

	_, ok = request(protocol.ActionJoinRoom{Name: "lounge"}).(protocol.CodeBadRequest)
	is.True(ok) // no such room

	is.Equal(request(protocol.ActionNewRoom{Name: "lounge"}), protocol.CodeOK{})
	is.Equal(request(protocol.ActionJoinRoom{Name: "lounge"}), protocol.CodeJoinedRoom{Name: "lounge"})
	is.Equal(request(protocol.ActionListPlayers{}), protocol.CodePlayerList{Names: []string{"alice"}})
	is.Equal(request(protocol.ActionChatMessage{Text: "hi"}), protocol.CodeOK{})
	is.Equal(request(protocol.ActionLeaveRoom{}), protocol.CodeLeaveRoom{})

	_, ok = request(protocol.ActionLeaveRoom{}).(protocol.CodeBadRequest)
	is.True(ok) // already in the lobby

	is.Equal(request(protocol.ActionDisconnect{}), protocol.CodeOK{})

	_, ok = request(protocol.ActionListRooms{}).(protocol.CodeNotConnected)
	is.True(ok) // session is gone
}

func TestUpdatesCarryUnacknowledgedChats(t *testing.T) {
	is := is.New(t)
	rc := newRawClient(t, lobbyserver.WithUpdateInterval(100*time.Millisecond))

	send := func(seq uint64, cookie string, action protocol.RequestAction) {
		rc.send(protocol.Request{
			Sequence:    seq,
			ResponseAck: ptr.To(seq),
			Cookie:      ptr.To(cookie),
			Action:      action,
		})
	}

	rc.send(protocol.Request{Action: protocol.ActionConnect{Name: "alice", ClientVersion: "0.0.1"}})
	var cookie string
	for cookie == "" {
		if response, ok := rc.recv().(protocol.Response); ok {
			cookie = response.Code.(protocol.CodeLoggedIn).Cookie
		}
	}

	send(1, cookie, protocol.ActionNewRoom{Name: "lounge"})
	send(2, cookie, protocol.ActionJoinRoom{Name: "lounge"})
	send(3, cookie, protocol.ActionChatMessage{Text: "hello"})

	var update protocol.Update
	for len(update.Chats) == 0 {
		if u, ok := rc.recv().(protocol.Update); ok {
			update = u
		}
	}
	is.Equal(len(update.Chats), 1)
	is.Equal(update.Chats[0].PlayerName, "alice")
	is.Equal(update.Chats[0].Message, "hello")
	is.Equal(*update.Chats[0].ChatSeq, uint64(1))

	data, err := protocol.MarshalPacket(protocol.UpdateReply{Cookie: cookie, LastChatSeq: ptr.To(uint64(1))})
	is.NoErr(err)
	_, err = rc.conn.Write(data)
	is.NoErr(err)

	// once acknowledged the chat is not sent again
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if u, ok := rc.recv().(protocol.Update); ok && len(u.Chats) == 0 {
			return
		}
	}
	t.Fatal("acknowledged chat was resent")
}
