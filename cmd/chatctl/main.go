// chatctl is a terminal chat client built on the client packages. It logs in,
// opens one conversation and bridges stdin to it: every line typed is sent as
// a message, and incoming messages, read receipts and typing indicators are
// printed as they arrive.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/triplocal/chatsync/client/rest"
	"github.com/triplocal/chatsync/client/session"
	"github.com/triplocal/chatsync/client/socket"
	"github.com/triplocal/chatsync/client/token"
	"github.com/triplocal/chatsync/pkg/logger"
	"github.com/triplocal/chatsync/protocol"
)

func main() {
	var (
		server      = flag.String("server", "http://localhost:8080", "chat server base URL")
		username    = flag.String("user", "", "username")
		password    = flag.String("password", "", "password")
		otherUserID = flag.Int("with", 0, "user id to open a conversation with")
		convID      = flag.Int("conversation", 0, "existing conversation id to join")
		logLevel    = flag.String("log-level", "warn", "log level")
	)
	flag.Parse()

	if *username == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "chatctl: -user and -password are required")
		flag.Usage()
		os.Exit(1)
	}
	if *otherUserID == 0 && *convID == 0 {
		fmt.Fprintln(os.Stderr, "chatctl: one of -with or -conversation is required")
		os.Exit(1)
	}

	log, err := logger.New("development", *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatctl: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(*server, *username, *password, *otherUserID, *convID, log); err != nil {
		fmt.Fprintf(os.Stderr, "chatctl: %v\n", err)
		os.Exit(1)
	}
}

func run(server, username, password string, otherUserID, convID int, log *zap.Logger) error {
	tok, me, err := login(server, username, password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	fmt.Printf("logged in as %s (id=%d)\n", me.Name, me.ID)

	tokens := token.NewMemStore(tok)
	api := apiClient(server, tokens)
	api.Logger = log

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if convID == 0 {
		conv, existed, err := api.CreateOrGetConversation(ctx, otherUserID)
		if err != nil {
			return fmt.Errorf("open conversation: %w", err)
		}
		convID = conv.ID
		if existed {
			fmt.Printf("resuming conversation %d\n", convID)
		} else {
			fmt.Printf("started conversation %d\n", convID)
		}
	}

	manager := socket.NewManager(socket.Config{
		URL:    wsURL(server),
		Logger: log,
	})
	defer manager.Disconnect()

	var printMu sync.Mutex
	var shown int
	sess := session.New(session.Config{
		ConversationID: convID,
		Tokens:         tokens,
		API:            api,
		Connect:        session.UseManager(manager),
		Logger:         log,
		OnMessagesChanged: func(messages []protocol.Message) {
			printMu.Lock()
			defer printMu.Unlock()
			if shown > len(messages) {
				shown = 0
			}
			for _, m := range messages[shown:] {
				who := "them"
				if m.UserID == me.ID {
					who = "you"
				}
				fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04"), who, m.Content)
			}
			shown = len(messages)
		},
		OnTyping: func(isTyping bool, name string) {
			if isTyping {
				fmt.Printf("... %s is typing\n", name)
			}
		},
		OnError: func(err error) {
			fmt.Printf("server: %v\n", err)
		},
	})

	if err := sess.Join(ctx); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	defer sess.Leave()
	fmt.Println("joined; type a message and press enter, ctrl-d or ctrl-c to quit")

	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-sigint:
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			sess.InputChanged(line)
			if err := sess.SendMessage(line, nil); err != nil {
				fmt.Printf("send failed: %v\n", err)
			}
		}
	}
}

// apiClient builds the REST client for a server base URL. Every REST route is
// mounted under /api; only the websocket endpoint lives at the root.
func apiClient(server string, tokens token.Store) *rest.Client {
	return rest.New(server+"/api", tokens)
}

type loginResponse struct {
	Token string        `json:"token"`
	User  protocol.User `json:"user"`
}

func login(server, username, password string) (string, protocol.User, error) {
	body, _ := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})

	resp, err := http.Post(server+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", protocol.User{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errBody struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Error != "" {
			return "", protocol.User{}, fmt.Errorf("%s", errBody.Error)
		}
		return "", protocol.User{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var out loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", protocol.User{}, err
	}
	return out.Token, out.User, nil
}

func wsURL(server string) string {
	u, err := url.Parse(server)
	if err != nil {
		return server + "/ws"
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	return u.String()
}
