package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

type CodeKind string

const (
	// success
	CodeKindOK         CodeKind = "ok"
	CodeKindLoggedIn   CodeKind = "logged_in"
	CodeKindLeaveRoom  CodeKind = "leave_room"
	CodeKindJoinedRoom CodeKind = "joined_room"
	CodeKindPlayerList CodeKind = "player_list"
	CodeKindRoomList   CodeKind = "room_list"
	CodeKindKeepAlive  CodeKind = "keep_alive"
	// errors
	CodeKindBadRequest      CodeKind = "bad_request"
	CodeKindUnauthorized    CodeKind = "unauthorized"
	CodeKindTooManyRequests CodeKind = "too_many_requests"
	CodeKindServerError     CodeKind = "server_error"
	CodeKindNotConnected    CodeKind = "not_connected"
)

// ResponseCode is the outcome of a request. Error codes also implement the
// error interface.
type ResponseCode interface {
	Kind() CodeKind
}

type CodeOK struct{}

type CodeLoggedIn struct {
	Cookie        string `json:"cookie"`
	ServerVersion string `json:"server_version"`
}

type CodeLeaveRoom struct{}

type CodeJoinedRoom struct {
	Name string `json:"name"`
}

type CodePlayerList struct {
	Names []string `json:"names"`
}

type RoomInfo struct {
	Name        string `json:"name"`
	PlayerCount uint64 `json:"player_count"`
	Running     bool   `json:"running"`
}

type CodeRoomList struct {
	Rooms []RoomInfo `json:"rooms"`
}

type CodeKeepAlive struct{}

type (
	// CodeBadRequest is an unspecified error that is client's fault.
	CodeBadRequest struct {
		Reason *string `json:"reason"`
	}
	// CodeUnauthorized means that the client is not logged in.
	CodeUnauthorized struct {
		Reason *string `json:"reason"`
	}
	CodeTooManyRequests struct {
		Reason *string `json:"reason"`
	}
	CodeServerError struct {
		Reason *string `json:"reason"`
	}
	// CodeNotConnected means that the server does not know the cookie.
	CodeNotConnected struct {
		Reason *string `json:"reason"`
	}
)

func (CodeOK) Kind() CodeKind              { return CodeKindOK }
func (CodeLoggedIn) Kind() CodeKind        { return CodeKindLoggedIn }
func (CodeLeaveRoom) Kind() CodeKind       { return CodeKindLeaveRoom }
func (CodeJoinedRoom) Kind() CodeKind      { return CodeKindJoinedRoom }
func (CodePlayerList) Kind() CodeKind      { return CodeKindPlayerList }
func (CodeRoomList) Kind() CodeKind        { return CodeKindRoomList }
func (CodeKeepAlive) Kind() CodeKind       { return CodeKindKeepAlive }
func (CodeBadRequest) Kind() CodeKind      { return CodeKindBadRequest }
func (CodeUnauthorized) Kind() CodeKind    { return CodeKindUnauthorized }
func (CodeTooManyRequests) Kind() CodeKind { return CodeKindTooManyRequests }
func (CodeServerError) Kind() CodeKind     { return CodeKindServerError }
func (CodeNotConnected) Kind() CodeKind    { return CodeKindNotConnected }

func reasonError(what string, reason *string) string {
	if reason == nil {
		return what
	}
	return fmt.Sprintf("%s: %s", what, *reason)
}

func (c CodeBadRequest) Error() string      { return reasonError("bad request", c.Reason) }
func (c CodeUnauthorized) Error() string    { return reasonError("unauthorized", c.Reason) }
func (c CodeTooManyRequests) Error() string { return reasonError("too many requests", c.Reason) }
func (c CodeServerError) Error() string     { return reasonError("server error", c.Reason) }
func (c CodeNotConnected) Error() string    { return reasonError("not connected", c.Reason) }

var (
	_ error = CodeBadRequest{}
	_ error = CodeUnauthorized{}
	_ error = CodeTooManyRequests{}
	_ error = CodeServerError{}
	_ error = CodeNotConnected{}
)

// IsError reports whether code is one of the error codes.
func IsError(code ResponseCode) bool {
	_, ok := code.(error)
	return ok
}

var codeDecoders = map[CodeKind]func(json.RawMessage) (ResponseCode, error){
	CodeKindOK:              decodeAs[ResponseCode, CodeOK],
	CodeKindLoggedIn:        decodeAs[ResponseCode, CodeLoggedIn],
	CodeKindLeaveRoom:       decodeAs[ResponseCode, CodeLeaveRoom],
	CodeKindJoinedRoom:      decodeAs[ResponseCode, CodeJoinedRoom],
	CodeKindPlayerList:      decodeAs[ResponseCode, CodePlayerList],
	CodeKindRoomList:        decodeAs[ResponseCode, CodeRoomList],
	CodeKindKeepAlive:       decodeAs[ResponseCode, CodeKeepAlive],
	CodeKindBadRequest:      decodeAs[ResponseCode, CodeBadRequest],
	CodeKindUnauthorized:    decodeAs[ResponseCode, CodeUnauthorized],
	CodeKindTooManyRequests: decodeAs[ResponseCode, CodeTooManyRequests],
	CodeKindServerError:     decodeAs[ResponseCode, CodeServerError],
	CodeKindNotConnected:    decodeAs[ResponseCode, CodeNotConnected],
}

func MarshalCode(code ResponseCode) (json.RawMessage, error) {
	if code == nil {
		return nil, errors.New("no code")
	}

	data, err := json.Marshal(code)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Kind: string(code.Kind()), Data: data})
}

func UnmarshalCode(data json.RawMessage) (ResponseCode, error) {
	env := envelope{}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	decode, ok := codeDecoders[CodeKind(env.Kind)]
	if !ok {
		return nil, fmt.Errorf("%w: code %q", ErrUnknownKind, env.Kind)
	}
	return decode(env.Data)
}
