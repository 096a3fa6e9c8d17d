package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/adwski/chat-playground/client/bootstrap"
	"github.com/adwski/chat-playground/client/config"
	"github.com/adwski/chat-playground/client/model"
	"github.com/adwski/chat-playground/client/store"
	"github.com/adwski/chat-playground/client/transport"
	"github.com/adwski/chat-playground/client/typing"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		configPath = fs.StringP("config", "c", "", "path to config file")
		serverURL  = fs.StringP("server-url", "s", "", "chat server websocket url")
		username   = fs.StringP("username", "u", "", "username to log in with")
		logLevel   = fs.StringP("log-level", "l", "", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if *serverURL != "" {
		cfg.ServerURL = *serverURL
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	sess := transport.NewSession(transport.Config{
		Logger:            &logger,
		URL:               cfg.ServerURL,
		ReconnectAttempts: cfg.Reconnect.MaxAttempts,
		ReconnectDelay:    cfg.Reconnect.Delay,
	})

	r := &renderer{out: os.Stdout}
	var st *store.Store
	st = store.New(store.Config{
		Logger:   &logger,
		Session:  sess,
		PageSize: cfg.History.PageSize,
		RoomID:   cfg.DefaultRoom,
		OnUpdate: func() { r.render(st.Snapshot()) },
	})

	bs, err := bootstrap.New(bootstrap.Config{
		Logger:    &logger,
		Connector: sess,
		Path:      cfg.IdentityFile,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init bootstrap")
	}

	if *username != "" {
		if _, err = bs.Login(*username); err != nil {
			logger.Fatal().Err(err).Msg("login failed")
		}
	} else {
		_, found, rErr := bs.Resume()
		if rErr != nil {
			logger.Fatal().Err(rErr).Msg("resume failed")
		}
		if !found {
			logger.Fatal().Msg("no saved identity, log in with --username")
		}
	}

	notifier := typing.NewNotifier(typing.Config{Logger: &logger, Intents: st})
	defer notifier.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	done := make(chan struct{})
	go readInput(st, bs, notifier, r, done)

	select {
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	case <-done:
	}
	sess.Disconnect()
}

func readInput(st *store.Store, bs *bootstrap.Bootstrap, notifier *typing.Notifier, r *renderer, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			notifier.Blur()
			continue
		}
		if !strings.HasPrefix(line, "/") {
			notifier.Keystroke()
			notifier.Flush()
			st.SendMessage(line, model.TextMessage, "")
			continue
		}
		cmd, rest, _ := strings.Cut(line[1:], " ")
		switch cmd {
		case "quit":
			return
		case "logout":
			if err := bs.Logout(); err != nil {
				fmt.Fprintf(os.Stderr, "logout failed: %v\n", err)
			}
			return
		case "join":
			st.JoinRoom(rest)
		case "create":
			st.CreateRoom(rest, model.PublicRoom)
		case "rooms":
			r.printRooms(st.Snapshot())
		case "users":
			r.printUsers(st.Snapshot())
		case "msg":
			recipient, text, ok := strings.Cut(rest, " ")
			if ok {
				st.SendPrivateMessage(text, recipient)
			}
		case "react":
			messageID, reaction, ok := strings.Cut(rest, " ")
			if ok {
				st.AddReaction(messageID, reaction)
			}
		case "read":
			st.MarkAsRead(rest)
		case "more":
			snap := st.Snapshot()
			if len(snap.Messages) > 0 {
				st.LoadMoreMessages(snap.Messages[0].Timestamp)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command: /%s\n", cmd)
		}
	}
}

// renderer prints snapshot deltas as plain lines. It is the thinnest
// possible presentation adapter: reads snapshots, never touches store
// internals.
type renderer struct {
	mx         sync.Mutex
	out        *os.File
	lastStatus store.Status
	lastCount  int
	lastID     string
	lastTyping string
}

func (r *renderer) render(snap store.Snapshot) {
	r.mx.Lock()
	defer r.mx.Unlock()

	if snap.Status != r.lastStatus {
		r.lastStatus = snap.Status
		if snap.Status == store.StatusReconnecting {
			fmt.Fprintf(r.out, "* %s (attempt %d)\n", snap.Status, snap.ReconnectAttempts)
		} else {
			fmt.Fprintf(r.out, "* %s\n", snap.Status)
		}
	}

	if n := len(snap.Messages); n > 0 {
		last := snap.Messages[n-1]
		switch {
		case last.ID != r.lastID:
			fmt.Fprintf(r.out, "[%s] %s: %s\n", last.RoomID, last.Sender, last.Content)
		case n > r.lastCount:
			fmt.Fprintf(r.out, "(loaded %d older messages)\n", n-r.lastCount)
		}
		r.lastID = last.ID
		r.lastCount = n
	} else {
		r.lastID = ""
		r.lastCount = 0
	}

	if t := strings.Join(snap.Typing, ", "); t != r.lastTyping {
		r.lastTyping = t
		if t != "" {
			fmt.Fprintf(r.out, "* typing: %s\n", t)
		}
	}
}

func (r *renderer) printRooms(snap store.Snapshot) {
	for _, room := range snap.Rooms {
		marker := " "
		if room.ID == snap.CurrentRoom {
			marker = "*"
		}
		fmt.Fprintf(r.out, "%s %s (%s, %d members, %d unread)\n",
			marker, room.Name, room.Type, len(room.Participants), room.UnreadCount)
	}
}

func (r *renderer) printUsers(snap store.Snapshot) {
	for _, u := range snap.Users {
		state := "offline"
		if u.IsOnline {
			state = "online"
		}
		fmt.Fprintf(r.out, "%s (%s)\n", u.Username, state)
	}
}
