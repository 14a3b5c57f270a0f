package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/vovakirdan/voicechat/internal/audio"
	"github.com/vovakirdan/voicechat/internal/chat"
	"github.com/vovakirdan/voicechat/internal/core"
	"github.com/vovakirdan/voicechat/internal/proto"
)

const helpText = `commands:
  /rooms                list rooms
  /create <name>        create a room
  /join <room-id>       switch rooms
  /leave                leave the current room
  /who                  list online users
  /history              show the current room
  /voice <file> [text]  send an audio file
  /delete <msg-id>      delete a message locally
  /clear                clear the current room
  /quit                 exit
anything else is sent as a message`

// repl reads commands from in and prints the conversation to out.
type repl struct {
	hub  *core.Hub
	chat *chat.Service
	in   io.Reader
	out  io.Writer
}

func newREPL(hub *core.Hub, svc *chat.Service, in io.Reader, out io.Writer) *repl {
	return &repl{hub: hub, chat: svc, in: in, out: out}
}

func (r *repl) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format+"\n", args...)
}

func (r *repl) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	id := core.Subscribe(r.hub, proto.TypeNewMessage, func(d proto.NewMessageData) error {
		if d.Message.RoomID == r.hub.CurrentRoomID() {
			r.printMessage(d.Message)
		}
		return nil
	})
	defer r.hub.OffMessage(proto.TypeNewMessage, id)

	stopMembers := r.hub.OnMembership(func(m core.Membership) {
		r.printf("* %s %s", displayName(m.Nickname, m.UserID), m.Kind)
	})
	defer stopMembers()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	r.printf("type /help for commands")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := r.handle(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

// handle executes one input line and reports whether the session should end.
func (r *repl) handle(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if _, err := r.chat.SendMessage(ctx, line, nil, 0); err != nil {
			r.printf("! %v", err)
		}
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		r.printf("%s", helpText)
	case "/rooms":
		current := r.hub.CurrentRoomID()
		for _, room := range r.chat.State().Rooms() {
			mark := " "
			if room.ID == current {
				mark = "*"
			}
			r.printf("%s %s  %s (%d)", mark, room.ID, room.Name, len(room.Participants))
		}
	case "/create":
		room, err := r.chat.CreateRoom(ctx, arg)
		if err != nil {
			r.printf("! %v", err)
			return false
		}
		r.printf("created %s", room.ID)
	case "/join":
		if err := r.chat.SwitchRoom(ctx, arg); err != nil {
			r.printf("! %v", err)
		}
	case "/leave":
		if err := r.chat.LeaveRoom(ctx); err != nil {
			r.printf("! %v", err)
		}
	case "/who":
		users := r.hub.OnlineUsers().Users()
		r.printf("%d online: %s", len(users), strings.Join(users, ", "))
	case "/history":
		for _, m := range r.chat.State().CurrentRoomMessages() {
			r.printMessage(m)
		}
	case "/voice":
		r.sendVoice(ctx, arg)
	case "/delete":
		r.chat.DeleteMessage(arg)
	case "/clear":
		r.chat.ClearChat()
	default:
		r.printf("! unknown command %s", cmd)
	}
	return false
}

func (r *repl) sendVoice(ctx context.Context, arg string) {
	path, transcript, _ := strings.Cut(arg, " ")
	if path == "" {
		r.printf("! usage: /voice <file> [text]")
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		r.printf("! %v", err)
		return
	}
	blob := audio.Blob{MimeType: audio.SniffMimeType(data), Data: data}
	msg, err := r.chat.SendMessage(ctx, strings.TrimSpace(transcript), blob, 0)
	if err != nil {
		r.printf("! %v", err)
		return
	}
	r.printf("sent %s (%s, %d bytes)", msg.ID, blob.MimeType, blob.Size())
}

func (r *repl) printMessage(m proto.ChatMessage) {
	line := fmt.Sprintf("[%s] %s: %s", m.Timestamp.Format("15:04"), displayName(m.User.Nickname, m.User.ID), m.Transcript)
	if blob, err := audio.ToBlob(m.Audio); err == nil && blob.Size() > 0 {
		line += fmt.Sprintf(" (audio %s, %d bytes)", blob.MimeType, blob.Size())
	}
	r.printf("%s", line)
}

func displayName(nickname, id string) string {
	if nickname != "" {
		return nickname
	}
	if id != "" {
		return id
	}
	return "someone"
}

// syncWriter serializes writes from the REPL and from handler goroutines.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newSyncWriter(w io.Writer) *syncWriter {
	return &syncWriter{w: w}
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

type consoleNotifier struct {
	out io.Writer
}

func newConsoleNotifier(out io.Writer) *consoleNotifier {
	return &consoleNotifier{out: out}
}

func (n *consoleNotifier) write(kind, msg string) {
	fmt.Fprintf(n.out, "[%s] %s\n", kind, msg)
}

func (n *consoleNotifier) Success(msg string) { n.write("ok", msg) }
func (n *consoleNotifier) Info(msg string)    { n.write("info", msg) }
func (n *consoleNotifier) Warning(msg string) { n.write("warn", msg) }
func (n *consoleNotifier) Error(msg string)   { n.write("error", msg) }
