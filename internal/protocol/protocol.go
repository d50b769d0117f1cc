package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// NOTE(blukai): records are json, one per datagram, terminated by a newline.
// json is trivially debuggable with tcpdump and the payloads are tiny.

const (
	// MaxPacketSize is far below the udp limit (65507) on purpose, nothing
	// that goes over the wire comes anywhere close to it.
	MaxPacketSize = 16 << 10 // 16 * 1024 = 16384 bytes
)

var (
	ErrNoAction       = errors.New("no action")
	ErrPacketTooLarge = errors.New("packet too large")
	ErrUnknownKind    = errors.New("unknown kind")
)

type PacketKind string

const (
	// NOTE(blukai): request and update reply are sent by clients, response
	// and update are sent by servers.
	PacketKindRequest     PacketKind = "request"
	PacketKindResponse    PacketKind = "response"
	PacketKindUpdate      PacketKind = "update"
	PacketKindUpdateReply PacketKind = "update_reply"
)

type Packet interface {
	PacketKind() PacketKind
}

// envelope is how every tagged union (packets, actions, codes) is
// represented on the wire.
type envelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

type Request struct {
	Sequence    uint64
	ResponseAck *uint64
	Cookie      *string
	Action      RequestAction
}

type Response struct {
	Sequence   uint64
	RequestAck *uint64
	Code       ResponseCode
}

// Update is pushed by the server periodically, it is not acknowledged the way
// requests are; the client echoes an UpdateReply instead.
type Update struct {
	Chats          []BroadcastChatMessage `json:"chats,omitempty"`
	GameUpdates    []json.RawMessage      `json:"game_updates,omitempty"`
	UniverseUpdate json.RawMessage        `json:"universe_update,omitempty"`
}

type UpdateReply struct {
	Cookie            string  `json:"cookie"`
	LastChatSeq       *uint64 `json:"last_chat_seq"`
	LastGameUpdateSeq *uint64 `json:"last_game_update_seq"`
	LastGen           *uint64 `json:"last_gen"`
}

type BroadcastChatMessage struct {
	PlayerName string  `json:"player_name"`
	Message    string  `json:"message"`
	ChatSeq    *uint64 `json:"chat_seq"`
}

func (Request) PacketKind() PacketKind     { return PacketKindRequest }
func (Response) PacketKind() PacketKind    { return PacketKindResponse }
func (Update) PacketKind() PacketKind      { return PacketKindUpdate }
func (UpdateReply) PacketKind() PacketKind { return PacketKindUpdateReply }

var (
	_ Packet = Request{}
	_ Packet = Response{}
	_ Packet = Update{}
	_ Packet = UpdateReply{}

	_ json.Marshaler   = Request{}
	_ json.Unmarshaler = (*Request)(nil)
	_ json.Marshaler   = Response{}
	_ json.Unmarshaler = (*Response)(nil)
)

type requestWire struct {
	Sequence    uint64          `json:"sequence"`
	ResponseAck *uint64         `json:"response_ack"`
	Cookie      *string         `json:"cookie"`
	Action      json.RawMessage `json:"action"`
}

func (r Request) MarshalJSON() ([]byte, error) {
	action, err := MarshalAction(r.Action)
	if err != nil {
		return nil, fmt.Errorf("could not marshal action: %w", err)
	}
	return json.Marshal(requestWire{
		Sequence:    r.Sequence,
		ResponseAck: r.ResponseAck,
		Cookie:      r.Cookie,
		Action:      action,
	})
}

func (r *Request) UnmarshalJSON(data []byte) error {
	wire := requestWire{}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	action, err := UnmarshalAction(wire.Action)
	if err != nil {
		return fmt.Errorf("could not unmarshal action: %w", err)
	}
	*r = Request{
		Sequence:    wire.Sequence,
		ResponseAck: wire.ResponseAck,
		Cookie:      wire.Cookie,
		Action:      action,
	}
	return nil
}

type responseWire struct {
	Sequence   uint64          `json:"sequence"`
	RequestAck *uint64         `json:"request_ack"`
	Code       json.RawMessage `json:"code"`
}

func (r Response) MarshalJSON() ([]byte, error) {
	code, err := MarshalCode(r.Code)
	if err != nil {
		return nil, fmt.Errorf("could not marshal code: %w", err)
	}
	return json.Marshal(responseWire{
		Sequence:   r.Sequence,
		RequestAck: r.RequestAck,
		Code:       code,
	})
}

func (r *Response) UnmarshalJSON(data []byte) error {
	wire := responseWire{}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	code, err := UnmarshalCode(wire.Code)
	if err != nil {
		return fmt.Errorf("could not unmarshal code: %w", err)
	}
	*r = Response{
		Sequence:   wire.Sequence,
		RequestAck: wire.RequestAck,
		Code:       code,
	}
	return nil
}

// MarshalPacket encodes p as a single newline-terminated record.
func MarshalPacket(p Packet) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("could not marshal nil packet")
	}

	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("could not marshal %s: %w", p.PacketKind(), err)
	}

	buf := bytes.Buffer{}
	err = json.NewEncoder(&buf).Encode(envelope{
		Kind: string(p.PacketKind()),
		Data: data,
	})
	if err != nil {
		return nil, fmt.Errorf("could not marshal envelope: %w", err)
	}

	if buf.Len() > MaxPacketSize {
		return nil, fmt.Errorf("%w (got %d; want <= %d)", ErrPacketTooLarge, buf.Len(), MaxPacketSize)
	}

	return buf.Bytes(), nil
}

// UnmarshalPacket decodes the first line of data; anything after it is
// ignored.
func UnmarshalPacket(data []byte) (Packet, error) {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		data = data[:i]
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty packet")
	}

	env := envelope{}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("could not unmarshal envelope: %w", err)
	}

	var (
		packet Packet
		err    error
	)
	switch PacketKind(env.Kind) {
	case PacketKindRequest:
		p := Request{}
		err = json.Unmarshal(env.Data, &p)
		packet = p
	case PacketKindResponse:
		p := Response{}
		err = json.Unmarshal(env.Data, &p)
		packet = p
	case PacketKindUpdate:
		p := Update{}
		err = json.Unmarshal(env.Data, &p)
		packet = p
	case PacketKindUpdateReply:
		p := UpdateReply{}
		err = json.Unmarshal(env.Data, &p)
		packet = p
	default:
		return nil, fmt.Errorf("%w: packet %q", ErrUnknownKind, env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("could not unmarshal %s: %w", env.Kind, err)
	}

	return packet, nil
}
