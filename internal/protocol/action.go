package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/blukai/conwayparty/internal/debug"
)

type ActionKind string

const (
	ActionKindNone        ActionKind = "none"
	ActionKindConnect     ActionKind = "connect"
	ActionKindDisconnect  ActionKind = "disconnect"
	ActionKindKeepAlive   ActionKind = "keep_alive"
	ActionKindChatMessage ActionKind = "chat_message"
	ActionKindListPlayers ActionKind = "list_players"
	ActionKindListRooms   ActionKind = "list_rooms"
	ActionKindNewRoom     ActionKind = "new_room"
	ActionKindJoinRoom    ActionKind = "join_room"
	ActionKindLeaveRoom   ActionKind = "leave_room"
)

// RequestAction is what a client asks the server to do.
type RequestAction interface {
	Kind() ActionKind
}

// ActionNone means that nothing produced an action. It is never transmitted.
type ActionNone struct{}

type ActionConnect struct {
	Name          string `json:"name"`
	ClientVersion string `json:"client_version"`
}

type ActionDisconnect struct{}

type ActionKeepAlive struct {
	// Ack is the response sequence the client expects next.
	Ack uint64 `json:"ack"`
}

type ActionChatMessage struct {
	Text string `json:"text"`
}

type ActionListPlayers struct{}

type ActionListRooms struct{}

type ActionNewRoom struct {
	Name string `json:"name"`
}

type ActionJoinRoom struct {
	Name string `json:"name"`
}

type ActionLeaveRoom struct{}

func (ActionNone) Kind() ActionKind        { return ActionKindNone }
func (ActionConnect) Kind() ActionKind     { return ActionKindConnect }
func (ActionDisconnect) Kind() ActionKind  { return ActionKindDisconnect }
func (ActionKeepAlive) Kind() ActionKind   { return ActionKindKeepAlive }
func (ActionChatMessage) Kind() ActionKind { return ActionKindChatMessage }
func (ActionListPlayers) Kind() ActionKind { return ActionKindListPlayers }
func (ActionListRooms) Kind() ActionKind   { return ActionKindListRooms }
func (ActionNewRoom) Kind() ActionKind     { return ActionKindNewRoom }
func (ActionJoinRoom) Kind() ActionKind    { return ActionKindJoinRoom }
func (ActionLeaveRoom) Kind() ActionKind   { return ActionKindLeaveRoom }

// IsNone reports whether action is absent or ActionNone.
func IsNone(action RequestAction) bool {
	if action == nil {
		return true
	}
	_, ok := action.(ActionNone)
	return ok
}

var actionDecoders = map[ActionKind]func(json.RawMessage) (RequestAction, error){
	ActionKindConnect:     decodeAs[RequestAction, ActionConnect],
	ActionKindDisconnect:  decodeAs[RequestAction, ActionDisconnect],
	ActionKindKeepAlive:   decodeAs[RequestAction, ActionKeepAlive],
	ActionKindChatMessage: decodeAs[RequestAction, ActionChatMessage],
	ActionKindListPlayers: decodeAs[RequestAction, ActionListPlayers],
	ActionKindListRooms:   decodeAs[RequestAction, ActionListRooms],
	ActionKindNewRoom:     decodeAs[RequestAction, ActionNewRoom],
	ActionKindJoinRoom:    decodeAs[RequestAction, ActionJoinRoom],
	ActionKindLeaveRoom:   decodeAs[RequestAction, ActionLeaveRoom],
}

func MarshalAction(action RequestAction) (json.RawMessage, error) {
	if IsNone(action) {
		return nil, ErrNoAction
	}

	data, err := json.Marshal(action)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Kind: string(action.Kind()), Data: data})
}

func UnmarshalAction(data json.RawMessage) (RequestAction, error) {
	env := envelope{}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	// NOTE(blukai): none is not in the decoders table, receiving it is as
	// wrong as sending it.
	decode, ok := actionDecoders[ActionKind(env.Kind)]
	if !ok {
		return nil, fmt.Errorf("%w: action %q", ErrUnknownKind, env.Kind)
	}
	return decode(env.Data)
}

// decodeAs decodes data into a T and hands it back as the union type I.
func decodeAs[I any, T any](data json.RawMessage) (I, error) {
	var (
		zero  I
		value T
	)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &value); err != nil {
			return zero, err
		}
	}

	union, ok := any(value).(I)
	debug.Assert(ok, fmt.Sprintf("%T is not a union member", value))
	return union, nil
}
