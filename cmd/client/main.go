package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/blukai/conwayparty/internal/lobbyclient"
	"github.com/blukai/conwayparty/internal/protocol"
	"github.com/blukai/conwayparty/internal/session"
	"github.com/blukai/conwayparty/internal/unbounded"
	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
)

const defaultServerAddr = "127.0.0.1:12345"

func configureLogger(level string) *log.Logger {
	logger := log.DefaultLogger

	// https://github.com/phuslu/log?tab=readme-ov-file#pretty-console-writer
	logger.Caller = 1
	logger.TimeFormat = "15:04:05"
	logger.Level = log.ParseLevel(level)
	logger.Writer = &log.ConsoleWriter{
		Writer:         os.Stderr,
		ColorOutput:    true,
		QuoteString:    true,
		EndWithMessage: true,
	}

	return &logger
}

func formatNotice(notice session.Notice) string {
	switch n := notice.(type) {
	case session.ChatNotice:
		return fmt.Sprintf("<%s> %s", n.Message.PlayerName, n.Message.Message)
	case session.InfoNotice:
		return n.Text
	case session.ErrorNotice:
		return "error: " + n.Text
	case session.ResponseNotice:
		return formatCode(n.Code)
	default:
		return fmt.Sprintf("%+v", notice)
	}
}

func formatCode(code protocol.ResponseCode) string {
	switch c := code.(type) {
	case protocol.CodeLoggedIn:
		return fmt.Sprintf("logged in (server version %s)", c.ServerVersion)
	case protocol.CodeJoinedRoom:
		return "joined room " + c.Name
	case protocol.CodeLeaveRoom:
		return "left room"
	case protocol.CodePlayerList:
		return "players: " + strings.Join(c.Names, ", ")
	case protocol.CodeRoomList:
		if len(c.Rooms) == 0 {
			return "no rooms, create one with /new"
		}
		rooms := make([]string, 0, len(c.Rooms))
		for _, room := range c.Rooms {
			rooms = append(rooms, fmt.Sprintf("%s (%d players)", room.Name, room.PlayerCount))
		}
		return "rooms: " + strings.Join(rooms, ", ")
	default:
		if err, ok := code.(error); ok {
			return "server: " + err.Error()
		}
		return string(code.Kind())
	}
}

func readLines(ctx context.Context, lines *unbounded.Chan[string]) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		lines.Send(scanner.Text())
	}
	lines.Close()
}

func serveMetrics(addr string, lc *lobbyclient.LobbyClient, logger *log.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(lc.Manager().Registry(), promhttp.HandlerOpts{}))

	logger.Info().Msgf("serving metrics on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().
			Msgf("metrics server failed: %v", err)
	}
}

func run(cctx *cli.Context) error {
	logger := configureLogger(cctx.String("log-level"))

	address := defaultServerAddr
	if cctx.NArg() > 0 {
		address = cctx.Args().First()
	}

	notices := unbounded.New[session.Notice]()
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for notice := range notices.Out() {
			fmt.Fprintln(cctx.App.Writer, formatNotice(notice))
		}
	}()

	lc, err := lobbyclient.NewLobbyClient(address, session.NotifierFunc(notices.Send), logger)
	if err != nil {
		return fmt.Errorf("could not construct lobby client: %w", err)
	}

	if addr := cctx.String("metrics-addr"); addr != "" {
		go serveMetrics(addr, lc, logger)
	}

	ctx, cancel := signal.NotifyContext(cctx.Context, syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	lines := unbounded.New[string]()
	if name := cctx.String("name"); name != "" {
		lines.Send("/connect " + name)
	}
	go readLines(ctx, lines)

	fmt.Fprintln(cctx.App.Writer, "type /help for the list of commands")
	runErr := lc.Run(ctx, lines.Out())

	notices.Close()
	<-printed

	if runErr != nil {
		return fmt.Errorf("lobby client run failed: %w", runErr)
	}
	return nil
}

func erringMain() error {
	app := &cli.App{
		Name:      "conwayparty",
		Usage:     "chat and play in conwayste lobbies",
		ArgsUsage: "[server address, defaults to " + defaultServerAddr + "]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "verbosity of log, valid values are: trace, debug, info, warn, error",
				EnvVars: []string{"CONWAYPARTY_LOG_LEVEL"},
				Value:   "warn",
			},
			&cli.StringFlag{
				Name:    "name",
				Usage:   "connect with this player name right away",
				EnvVars: []string{"CONWAYPARTY_NAME"},
			},
			&cli.StringFlag{
				Name:    "metrics-addr",
				Usage:   "serve network statistics in prometheus format on this address",
				EnvVars: []string{"CONWAYPARTY_METRICS_ADDR"},
			},
		},
		Action: run,
	}
	return app.Run(os.Args)
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "fucky wucky! %v\n", err)
		os.Exit(42)
	}
}
