package session

import "github.com/blukai/conwayparty/internal/protocol"

// Notice is something the ui (or game layer) should learn about.
type Notice interface {
	isNotice()
}

// ResponseNotice mirrors every processed response code other than ok and
// keep alive.
type ResponseNotice struct {
	Code protocol.ResponseCode
}

// ChatNotice is a chat message from another player.
type ChatNotice struct {
	Message protocol.BroadcastChatMessage
}

type InfoNotice struct {
	Text string
}

// ErrorNotice is a local, non-fatal error such as a malformed command.
type ErrorNotice struct {
	Text string
}

func (ResponseNotice) isNotice() {}
func (ChatNotice) isNotice()     {}
func (InfoNotice) isNotice()     {}
func (ErrorNotice) isNotice()    {}

type Notifier interface {
	Notify(notice Notice)
}

type NotifierFunc func(notice Notice)

func (f NotifierFunc) Notify(notice Notice) { f(notice) }
