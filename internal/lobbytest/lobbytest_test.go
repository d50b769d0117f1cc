package lobbytest_test

import (
	"context"
	"testing"
	"time"

	"github.com/blukai/conwayparty/internal/lobbyclient"
	"github.com/blukai/conwayparty/internal/lobbyserver"
	"github.com/blukai/conwayparty/internal/protocol"
	"github.com/blukai/conwayparty/internal/session"
	"github.com/matryer/is"
	"github.com/phuslu/log"
)

type player struct {
	input   chan string
	notices chan session.Notice
	runErr  chan error
}

func startPlayer(t *testing.T, ctx context.Context, address string, logger *log.Logger) *player {
	is := is.New(t)

	p := &player{
		input:   make(chan string, 8),
		notices: make(chan session.Notice, 256),
		runErr:  make(chan error, 1),
	}

	lc, err := lobbyclient.NewLobbyClient(address, session.NotifierFunc(func(n session.Notice) {
		p.notices <- n
	}), logger)
	is.NoErr(err)

	go func() {
		p.runErr <- lc.Run(ctx, p.input)
	}()
	return p
}

// waitFor returns the first notice accepted by match.
func (p *player) waitFor(t *testing.T, what string, match func(session.Notice) bool) session.Notice {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case n := <-p.notices:
			if match(n) {
				return n
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", what)
			return nil
		}
	}
}

func (p *player) waitForCode(t *testing.T, code protocol.ResponseCode) {
	t.Helper()
	p.waitFor(t, string(code.Kind()), func(n session.Notice) bool {
		rn, ok := n.(session.ResponseNotice)
		return ok && rn.Code.Kind() == code.Kind()
	})
}

func TestTwoPlayers(t *testing.T) {
	is := is.New(t)

	logger := log.DefaultLogger
	// https://github.com/phuslu/log?tab=readme-ov-file#pretty-console-writer
	logger.Caller = 1
	logger.TimeFormat = "15:04:05"
	logger.Writer = &log.ConsoleWriter{
		ColorOutput:    true,
		QuoteString:    true,
		EndWithMessage: true,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ls, err := lobbyserver.NewLobbyServer("udp4", "127.0.0.1:0", &logger,
		lobbyserver.WithUpdateInterval(100*time.Millisecond))
	is.NoErr(err)
	go ls.Run(ctx)

	alice := startPlayer(t, ctx, ls.Addr().String(), &logger)
	bob := startPlayer(t, ctx, ls.Addr().String(), &logger)

	t.Log("connect")
	alice.input <- "/connect alice"
	alice.waitForCode(t, protocol.CodeLoggedIn{})
	bob.input <- "/connect bob"
	bob.waitForCode(t, protocol.CodeLoggedIn{})

	t.Log("join")
	alice.input <- "/new lounge"
	// ok is not surfaced, the room list tells that the room exists
	alice.input <- "/list"
	rooms := alice.waitFor(t, "room list", func(n session.Notice) bool {
		rn, ok := n.(session.ResponseNotice)
		if !ok {
			return false
		}
		_, ok = rn.Code.(protocol.CodeRoomList)
		return ok
	}).(session.ResponseNotice)
	is.Equal(rooms.Code, protocol.CodeRoomList{Rooms: []protocol.RoomInfo{{Name: "lounge"}}})
	alice.input <- "/join lounge"
	alice.waitForCode(t, protocol.CodeJoinedRoom{})
	bob.input <- "/join lounge"
	bob.waitForCode(t, protocol.CodeJoinedRoom{})

	t.Log("list")
	bob.input <- "/list"
	list := bob.waitFor(t, "player list", func(n session.Notice) bool {
		rn, ok := n.(session.ResponseNotice)
		if !ok {
			return false
		}
		_, ok = rn.Code.(protocol.CodePlayerList)
		return ok
	}).(session.ResponseNotice)
	is.Equal(list.Code, protocol.CodePlayerList{Names: []string{"alice", "bob"}})

	t.Log("chat")
	alice.input <- "hello bob"
	chat := bob.waitFor(t, "chat from alice", func(n session.Notice) bool {
		_, ok := n.(session.ChatNotice)
		return ok
	}).(session.ChatNotice)
	is.Equal(chat.Message.PlayerName, "alice")
	is.Equal(chat.Message.Message, "hello bob")

	t.Log("disconnect")
	for _, p := range []*player{alice, bob} {
		p.input <- "/disconnect"
		select {
		case err := <-p.runErr:
			is.NoErr(err)
		case <-time.After(5 * time.Second):
			t.Fatal("run did not return after disconnect")
		}
	}
}
