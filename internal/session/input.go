package session

import (
	"strconv"
	"strings"

	"github.com/blukai/conwayparty/internal/protocol"
	"github.com/blukai/conwayparty/internal/ptr"
)

// UserInput is a parsed console line: either a slash command or chat.
type UserInput struct {
	Command string // lower case, without the slash; empty for chat
	Args    []string
	Chat    string
}

func ParseInput(line string) UserInput {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return UserInput{Chat: line}
	}

	words := strings.Fields(line[1:])
	if len(words) == 0 {
		// a lone slash is an unknown (empty) command, not chat
		return UserInput{Command: "/"}
	}
	return UserInput{
		Command: strings.ToLower(words[0]),
		Args:    words[1:],
	}
}

type command struct {
	args  []string // names of arguments, used for help and arity
	usage string
	// run returns the action to send, or nil.
	run func(s *State, args []string) protocol.RequestAction
}

// NOTE(blukai): commands is populated in init because help refers back to it.
var commands map[string]command

// commandOrder is the order of help output.
var commandOrder = []string{"help", "connect", "disconnect", "list", "new", "join", "leave", "quit"}

func init() {
	commands = map[string]command{
		"help": {
			usage: "print this text",
			run: func(s *State, _ []string) protocol.RequestAction {
				s.printHelp()
				return nil
			},
		},
		"connect": {
			args:  []string{"player_name"},
			usage: "connect to server",
			run: func(s *State, args []string) protocol.RequestAction {
				if s.isAuthenticated() {
					s.errorf("you are already connected")
					return nil
				}
				s.name = ptr.To(args[0])
				s.infof("Set client name to %q", args[0])
				return protocol.ActionConnect{
					Name:          args[0],
					ClientVersion: s.env.clientVersion,
				}
			},
		},
		"disconnect": {
			usage: "disconnect from server",
			run: func(s *State, _ []string) protocol.RequestAction {
				if !s.requireConnection() {
					return nil
				}
				return protocol.ActionDisconnect{}
			},
		},
		"list": {
			usage: "list rooms when in lobby, or players when in a room",
			run: func(s *State, _ []string) protocol.RequestAction {
				if !s.requireConnection() {
					return nil
				}
				if s.room != nil {
					return protocol.ActionListPlayers{}
				}
				return protocol.ActionListRooms{}
			},
		},
		"new": {
			args:  []string{"room_name"},
			usage: "create a new room (when not in a room)",
			run: func(s *State, args []string) protocol.RequestAction {
				if !s.requireConnection() {
					return nil
				}
				if s.room != nil {
					s.errorf("you are already in a room")
					return nil
				}
				return protocol.ActionNewRoom{Name: args[0]}
			},
		},
		"join": {
			args:  []string{"room_name"},
			usage: "join a room (when not in a room)",
			run: func(s *State, args []string) protocol.RequestAction {
				if !s.requireConnection() {
					return nil
				}
				if s.room != nil {
					s.errorf("you are already in a room")
					return nil
				}
				return protocol.ActionJoinRoom{Name: args[0]}
			},
		},
		"leave": {
			usage: "leave a room (when in a room)",
			run: func(s *State, _ []string) protocol.RequestAction {
				if !s.requireConnection() {
					return nil
				}
				if s.room == nil {
					s.errorf("you are already in the lobby")
					return nil
				}
				return protocol.ActionLeaveRoom{}
			},
		},
		"quit": {
			usage: "exit the program",
			run: func(s *State, _ []string) protocol.RequestAction {
				s.infof("Peace out!")
				s.requestExit()
				return nil
			},
		},
	}
}

func (s *State) requireConnection() bool {
	if !s.isAuthenticated() {
		s.errorf("you are not connected, use /connect first")
		return false
	}
	return true
}

func (s *State) printHelp() {
	for _, name := range commandOrder {
		cmd := commands[name]
		synopsis := "/" + name
		for _, arg := range cmd.args {
			synopsis += " <" + arg + ">"
		}
		s.infof("%-24s - %s", synopsis, cmd.usage)
	}
	s.infof("...or just type text to chat!")
}

func pluralArgs(n int) string {
	switch n {
	case 0:
		return "no arguments"
	case 1:
		return "one argument"
	default:
		return strconv.Itoa(n) + " arguments"
	}
}

func (s *State) handleUserInput(line string) {
	input := ParseInput(line)

	var action protocol.RequestAction
	switch {
	case input.Command == "" && input.Chat == "":
		// empty line
		return
	case input.Command == "":
		if !s.requireConnection() {
			return
		}
		action = protocol.ActionChatMessage{Text: input.Chat}
	default:
		cmd, ok := commands[input.Command]
		if !ok {
			s.errorf("command not recognized: %s", input.Command)
			return
		}
		if len(input.Args) != len(cmd.args) {
			s.errorf("expected %s to %s", pluralArgs(len(cmd.args)), input.Command)
			return
		}
		action = cmd.run(s, input.Args)
	}

	if action == nil {
		return
	}
	if err := s.Enqueue(action); err != nil {
		s.env.logger.Error().
			Msgf("could not enqueue %s: %v", action.Kind(), err)
	}
}
