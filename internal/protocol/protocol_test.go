package protocol_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/blukai/conwayparty/internal/protocol"
	"github.com/blukai/conwayparty/internal/ptr"
	"github.com/matryer/is"
)

func TestRequestEncoding(t *testing.T) {
	is := is.New(t)

	original := protocol.Request{
		Sequence:    7,
		ResponseAck: ptr.To(uint64(3)),
		Cookie:      ptr.To("abc123"),
		Action:      protocol.ActionJoinRoom{Name: "myroom"},
	}

	encoded, err := protocol.MarshalPacket(original)
	is.NoErr(err)
	is.True(bytes.HasSuffix(encoded, []byte("\n"))) // records are line-delimited

	decoded, err := protocol.UnmarshalPacket(encoded)
	is.NoErr(err)
	is.Equal(decoded, original)
}

func TestResponseEncoding(t *testing.T) {
	is := is.New(t)

	testCases := []protocol.ResponseCode{
		protocol.CodeOK{},
		protocol.CodeLoggedIn{Cookie: "abc123", ServerVersion: "1.2"},
		protocol.CodeRoomList{Rooms: []protocol.RoomInfo{{Name: "a", PlayerCount: 2, Running: true}}},
		protocol.CodeUnauthorized{Reason: ptr.To("who are you")},
	}

	for _, code := range testCases {
		original := protocol.Response{Sequence: 1, RequestAck: ptr.To(uint64(1)), Code: code}

		encoded, err := protocol.MarshalPacket(original)
		is.NoErr(err)

		decoded, err := protocol.UnmarshalPacket(encoded)
		is.NoErr(err)
		is.Equal(decoded, original)
	}
}

func TestNoActionIsNeverEncoded(t *testing.T) {
	is := is.New(t)

	for _, action := range []protocol.RequestAction{nil, protocol.ActionNone{}} {
		_, err := protocol.MarshalPacket(protocol.Request{Action: action})
		is.True(errors.Is(err, protocol.ErrNoAction))
	}
}

func TestUpdateKeepsChatOrder(t *testing.T) {
	is := is.New(t)

	data := []byte(`{"kind":"update","data":{"chats":[` +
		`{"player_name":"a","message":"x","chat_seq":5},` +
		`{"player_name":"b","message":"y","chat_seq":3},` +
		`{"player_name":"c","message":"z","chat_seq":null}]}}` + "\n")

	packet, err := protocol.UnmarshalPacket(data)
	is.NoErr(err)

	update, ok := packet.(protocol.Update)
	is.True(ok)
	is.Equal(len(update.Chats), 3)
	is.Equal(*update.Chats[0].ChatSeq, uint64(5))
	is.Equal(*update.Chats[1].ChatSeq, uint64(3))
	is.Equal(update.Chats[2].ChatSeq, nil)
}

func TestUnmarshalOnlyReadsFirstLine(t *testing.T) {
	is := is.New(t)

	first, err := protocol.MarshalPacket(protocol.UpdateReply{Cookie: "abc123"})
	is.NoErr(err)

	packet, err := protocol.UnmarshalPacket(append(first, []byte("garbage\n")...))
	is.NoErr(err)
	is.Equal(packet.PacketKind(), protocol.PacketKindUpdateReply)
}

func TestUnmarshalGarbage(t *testing.T) {
	is := is.New(t)

	testCases := [][]byte{
		nil,
		[]byte("\n"),
		[]byte("not json\n"),
		[]byte(`{"kind":"nope","data":{}}`),
		[]byte(`{"kind":"request","data":{"sequence":0,"action":{"kind":"none"}}}`),
	}

	for _, data := range testCases {
		_, err := protocol.UnmarshalPacket(data)
		is.True(err != nil)
	}
}

func TestErrorCodes(t *testing.T) {
	is := is.New(t)

	is.True(!protocol.IsError(protocol.CodeOK{}))
	is.True(!protocol.IsError(protocol.CodeKeepAlive{}))
	is.True(protocol.IsError(protocol.CodeBadRequest{}))

	var err error = protocol.CodeNotConnected{Reason: ptr.To("unknown cookie")}
	is.Equal(err.Error(), "not connected: unknown cookie")
}
