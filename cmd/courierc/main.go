// courierc is the interactive client: it holds the session's durable
// outbox, keeps a websocket session open to courierd, and exposes a
// line-oriented command prompt.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/courier-im/courier/internal/bus"
	"github.com/courier-im/courier/internal/client"
	"github.com/courier-im/courier/internal/config"
	"github.com/courier-im/courier/internal/logging"
	"github.com/courier-im/courier/internal/outbox"
	"github.com/courier-im/courier/internal/session"
	"github.com/courier-im/courier/internal/status"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	userFlag := flag.String("user", "", "user id (overrides config)")
	serverFlag := flag.String("server", "", "server websocket URL (overrides config)")
	flag.Parse()

	if err := run(*sessionFlag, *userFlag, *serverFlag); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(sessionFlag, userFlag, serverFlag string) error {
	sessionName := session.Resolve(sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		return err
	}

	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = config.Default()
	}
	userID := cfg.Client.UserID
	if userFlag != "" {
		userID = userFlag
	}
	if userID == "" {
		return fmt.Errorf("no user id: set [client] user_id in config or pass --user")
	}
	serverURL := cfg.Client.ServerURL
	if serverFlag != "" {
		serverURL = serverFlag
	}

	lk, err := session.AcquireLock(sessionName)
	if err != nil {
		return err
	}
	defer func() { _ = lk.Release() }()

	logger, err := logging.New(session.LogPath(sessionName), "courierc")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	queue, err := outbox.Open(session.OutboxDBPath(sessionName))
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	defer func() { _ = queue.Close() }()

	b := bus.New()
	rec := client.NewReconciler(userID, client.WebsocketDialer(serverURL, userID), queue, cfg.Delivery, b, logger)

	events, unsub := b.Subscribe("", 64)
	defer unsub()
	go printEvents(events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec.Start(ctx)
	defer rec.Stop()

	fmt.Printf("courierc session=%s user=%s server=%s\n", sessionName, userID, serverURL)
	printHelp()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if quit := dispatch(rec, strings.TrimSpace(scanner.Text())); quit {
			return nil
		}
	}
}

func dispatch(rec *client.Reconciler, line string) (quit bool) {
	if line == "" {
		return false
	}
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	fail := func(err error) {
		if err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}

	switch cmd {
	case "send":
		if len(args) < 2 {
			fmt.Println("usage: send <conversation-id> <text>")
			return false
		}
		m, err := rec.Send(args[0], strings.Join(args[1:], " "), "")
		if err != nil {
			fail(err)
			return false
		}
		fmt.Printf("queued %s\n", m.TempID)
	case "read":
		if len(args) != 1 {
			fmt.Println("usage: read <conversation-id>")
			return false
		}
		fail(rec.MarkRead(args[0]))
	case "typing":
		if len(args) != 1 {
			fmt.Println("usage: typing <conversation-id>")
			return false
		}
		fail(rec.Typing(args[0]))
	case "resend":
		if len(args) != 1 {
			fmt.Println("usage: resend <entry-id>")
			return false
		}
		fail(rec.Resend(args[0]))
	case "discard":
		if len(args) != 1 {
			fmt.Println("usage: discard <entry-id>")
			return false
		}
		fail(rec.Discard(args[0]))
	case "show":
		if len(args) != 1 {
			fmt.Println("usage: show <conversation-id>")
			return false
		}
		for _, m := range rec.Messages().Conversation(args[0]) {
			marker := " "
			if m.Pending {
				marker = "*"
			}
			fmt.Printf("%s [%s] %s: %s\n", marker, m.Status, m.SenderID, m.Body)
		}
	case "state":
		fmt.Println(rec.ConnState())
	case "help":
		printHelp()
	case "quit", "exit":
		return true
	default:
		fmt.Printf("unknown command: %s\n", cmd)
	}
	return false
}

func printEvents(events <-chan bus.Event) {
	for evt := range events {
		switch evt.Kind {
		case "message.send_ack":
			ack := evt.Payload.(client.AckResult)
			fmt.Printf("\n[ack] %s -> %s\n> ", ack.TempID, ack.Message.ID)
		case "message.send_failed":
			sf := evt.Payload.(client.SendFailure)
			if sf.Exhausted {
				fmt.Printf("\n[failed for good] %s: %s (resend or discard)\n> ", sf.TempID, sf.Reason)
			} else {
				fmt.Printf("\n[retrying] %s: %s\n> ", sf.TempID, sf.Reason)
			}
		case "status.changed":
			ch := evt.Payload.(status.Change)
			fmt.Printf("\n[status] %s %s -> %s\n> ", ch.MessageID, ch.From, ch.To)
		case "conn.state":
			ch := evt.Payload.(client.ConnChange)
			fmt.Printf("\n[conn] %s -> %s\n> ", ch.From, ch.To)
		}
	}
}

func printHelp() {
	fmt.Println("commands:")
	fmt.Println("  send <conv> <text>   Queue a message for delivery")
	fmt.Println("  read <conv>          Mark the conversation as read")
	fmt.Println("  typing <conv>        Send a typing indicator")
	fmt.Println("  show <conv>          Print known messages")
	fmt.Println("  resend <entry>       Retry a failed message")
	fmt.Println("  discard <entry>      Drop a failed message")
	fmt.Println("  state                Print connection state")
	fmt.Println("  quit                 Exit")
}
