// Command veia is a minimal terminal client for the Veia chat service:
// it connects, authenticates, prints incoming events and accepts simple
// slash commands on stdin.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	jww "github.com/spf13/jwalterweatherman"

	"veia/client"
	"veia/config"
	"veia/models"
	"veia/protocol"
)

func main() {
	serverURL := flag.String("server", "", "server websocket URL (overrides VEIA_SERVER_URL)")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	if *verbose {
		jww.SetStdoutThreshold(jww.LevelDebug)
	} else {
		jww.SetStdoutThreshold(jww.LevelWarn)
	}

	cfg := config.Load()
	if *serverURL != "" {
		cfg.ServerURL = *serverURL
	}

	cli, err := client.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer cli.Close()

	cli.OnStatus(func(down bool) {
		if down {
			fmt.Println("* connecting...")
		} else {
			fmt.Println("* connected")
		}
	})
	cli.OnLoggedOut(func() {
		fmt.Println("* not logged in; use /login <username> <password> or /signup <username> <password>")
	})
	cli.OnChatsChanged(func() {
		// Quiet by default; /chats prints the current state.
	})
	cli.OnSearchResults(func(users []models.User) {
		fmt.Printf("* %d users found\n", len(users))
		for _, u := range users {
			fmt.Printf("  %s  %s (@%s)\n", u.ID, u.DisplayName, u.Username)
		}
	})
	cli.OnFormError(func(action string, detail protocol.ErrorData) {
		fmt.Printf("* %s failed: %s\n", action, detail.Error)
		for field, msg := range detail.Fields {
			fmt.Printf("  %s: %s\n", field, msg)
		}
	})

	cli.Start()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !handleCommand(cli, line) {
			return
		}
	}
}

func handleCommand(cli *client.Client, line string) bool {
	parts := strings.SplitN(line, " ", 3)
	switch parts[0] {
	case "/quit":
		return false
	case "/login":
		if len(parts) < 3 {
			fmt.Println("usage: /login <username> <password>")
			return true
		}
		cli.Login(parts[1], parts[2])
	case "/signup":
		if len(parts) < 3 {
			fmt.Println("usage: /signup <username> <password>")
			return true
		}
		cli.SignUp(parts[1], parts[2], parts[1], "")
	case "/chats":
		for _, chat := range cli.Chats() {
			marker := " "
			if chat.User.IsOnline {
				marker = "*"
			}
			fmt.Printf("%s %s  %s  [%d unread]  %s\n",
				marker, chat.ID, chat.User.DisplayName, chat.UnreadCount, chat.LastMessage)
		}
	case "/open":
		if len(parts) < 2 {
			fmt.Println("usage: /open <chat-id>")
			return true
		}
		chat, ok := cli.Chat(parts[1])
		if !ok {
			cli.GetMessages(parts[1], models.UnixTime{})
			fmt.Println("* requested history")
			return true
		}
		for _, msg := range chat.Messages {
			who := chat.User.DisplayName
			if msg.IsMine {
				who = "me"
			}
			fmt.Printf("[%s] %s: %s\n", msg.Time.Format("15:04"), who, msg.Text)
		}
	case "/send":
		if len(parts) < 3 {
			fmt.Println("usage: /send <chat-id> <text>")
			return true
		}
		cli.SendMessage(parts[1], parts[2], nil)
	case "/search":
		if len(parts) < 2 {
			fmt.Println("usage: /search <query>")
			return true
		}
		cli.SearchUsers(strings.Join(parts[1:], " "))
	default:
		fmt.Println("commands: /login /signup /chats /open /send /search /quit")
	}
	return true
}
