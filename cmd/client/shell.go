package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/Tyrowin/nexus-chat-server/internal/client/localstore"
	"github.com/Tyrowin/nexus-chat-server/internal/protocol"
)

// chatter is the part of client.Transport the shell drives.
type chatter interface {
	Contacts() ([]string, error)
	AddContact(contact string) error
	RemoveContact(contact string) error
	Users() ([]string, error)
	ActiveUsers() ([]string, error)
	PublicKey(name string) (string, error)
	SendMessage(to, text string) error
}

const helpText = `Commands:
  message NAME TEXT   send TEXT to NAME
  contacts            list your contacts
  add NAME            add NAME to your contacts
  del NAME            remove NAME from your contacts
  users               list every account
  online              list accounts that are online
  pubkey NAME         show the public key of NAME
  history [in|out]    show saved messages, received or sent only
  help                show this help
  exit                leave the chat`

var errQuit = errors.New("quit")

type shell struct {
	chat  chatter
	store *localstore.Store
	me    string
	in    io.Reader
	out   io.Writer
}

func newShell(chat chatter, store *localstore.Store, me string, in io.Reader, out io.Writer) *shell {
	return &shell{chat: chat, store: store, me: me, in: in, out: out}
}

// load fills the local database with the server's account and contact lists.
func (s *shell) load(ctx context.Context) error {
	if err := s.refreshUsers(ctx); err != nil {
		return err
	}
	contacts, err := s.chat.Contacts()
	if err != nil {
		return err
	}
	return s.store.SetContacts(ctx, contacts)
}

func (s *shell) refreshUsers(ctx context.Context) error {
	users, err := s.chat.Users()
	if err != nil {
		return err
	}
	return s.store.SetUsers(ctx, users)
}

// receive saves and prints an incoming message. It runs on the transport's
// receiver goroutine and must not call back into the transport.
func (s *shell) receive(m *protocol.ChatMessage) {
	sent := time.Unix(int64(m.Time), 0)
	msg := localstore.Message{From: m.Sender, To: m.Destination, Text: m.Text, Time: sent}
	if err := s.store.SaveMessage(context.Background(), msg); err != nil {
		_, _ = fmt.Fprintf(s.out, "\nerror: %v\n", err)
	}
	_, _ = fmt.Fprintf(s.out, "\n[%s] %s: %s\n", sent.Format("15:04:05"), m.Sender, m.Text)
}

// run reads commands until exit, end of input or a lost connection. A value
// on changed refreshes the cached account list.
func (s *shell) run(lost <-chan error, changed <-chan struct{}) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(s.in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		readErr <- scanner.Err()
	}()

	s.prompt()
	for {
		select {
		case err := <-lost:
			return err
		case err := <-readErr:
			return err
		case <-changed:
			if err := s.refreshUsers(context.Background()); err != nil {
				_, _ = fmt.Fprintf(s.out, "error: %v\n", err)
			}
		case line := <-lines:
			if err := s.execute(line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				_, _ = fmt.Fprintf(s.out, "error: %v\n", err)
			}
			s.prompt()
		}
	}
}

func (s *shell) prompt() {
	_, _ = fmt.Fprint(s.out, "> ")
}

// execute runs one command line.
func (s *shell) execute(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := fields[0], fields[1:]
	ctx := context.Background()

	switch cmd {
	case "message", "msg":
		if len(args) < 2 {
			return errors.New("usage: message NAME TEXT")
		}
		rest := strings.TrimSpace(strings.TrimSpace(line)[len(cmd):])
		to := args[0]
		text := strings.TrimSpace(strings.TrimPrefix(rest, to))
		known, err := s.store.IsKnownUser(ctx, to)
		if err != nil {
			return err
		}
		if !known {
			return fmt.Errorf("unknown user %s", to)
		}
		if err := s.chat.SendMessage(to, text); err != nil {
			return err
		}
		msg := localstore.Message{From: s.me, To: to, Text: text, Time: time.Now()}
		if err := s.store.SaveMessage(ctx, msg); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(s.out, "sent to %s\n", to)
	case "contacts":
		names, err := s.chat.Contacts()
		if err != nil {
			return err
		}
		if err := s.store.SetContacts(ctx, names); err != nil {
			return err
		}
		s.list(names, "no contacts")
	case "add", "del":
		if len(args) != 1 {
			return fmt.Errorf("usage: %s NAME", cmd)
		}
		if cmd == "add" {
			if err := s.chat.AddContact(args[0]); err != nil {
				return err
			}
			return s.store.AddContact(ctx, args[0])
		}
		if err := s.chat.RemoveContact(args[0]); err != nil {
			return err
		}
		return s.store.RemoveContact(ctx, args[0])
	case "users":
		names, err := s.chat.Users()
		if err != nil {
			return err
		}
		if err := s.store.SetUsers(ctx, names); err != nil {
			return err
		}
		s.list(names, "no accounts")
	case "online":
		names, err := s.chat.ActiveUsers()
		if err != nil {
			return err
		}
		s.list(names, "nobody is online")
	case "pubkey":
		if len(args) != 1 {
			return errors.New("usage: pubkey NAME")
		}
		key, err := s.chat.PublicKey(args[0])
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(s.out, key)
	case "history":
		return s.history(ctx, args)
	case "help":
		_, _ = fmt.Fprintln(s.out, helpText)
	case "exit", "quit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q, type \"help\"", cmd)
	}
	return nil
}

func (s *shell) history(ctx context.Context, args []string) error {
	var f localstore.Filter
	switch {
	case len(args) == 0:
	case len(args) == 1 && args[0] == "in":
		f.To = s.me
	case len(args) == 1 && args[0] == "out":
		f.From = s.me
	default:
		return errors.New("usage: history [in|out]")
	}

	msgs, err := s.store.History(ctx, f)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		_, _ = fmt.Fprintln(s.out, "no messages")
		return nil
	}
	for _, m := range msgs {
		_, _ = fmt.Fprintf(s.out, "[%s] %s -> %s: %s\n", m.Time.Local().Format(time.DateTime), m.From, m.To, m.Text)
	}
	return nil
}

func (s *shell) list(names []string, empty string) {
	if len(names) == 0 {
		_, _ = fmt.Fprintln(s.out, empty)
		return
	}
	for _, name := range names {
		_, _ = fmt.Fprintln(s.out, name)
	}
}

func promptForPassword(out io.Writer, prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	_, _ = fmt.Fprint(out, prompt)

	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		_, _ = fmt.Fprintln(out)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
