// relay CLI - command line client for the relay chat server
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/elvachat/relay/clients/go/relay"
	"github.com/elvachat/relay/internal/models"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	client := relay.NewClient(os.Getenv("RELAY_URL"))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "health":
		resp, err := client.Health(ctx)
		exitOnError(err)
		printJSON(resp)

	case "register":
		need(args, 3, "relay register <name> <email> <password>")
		user, err := client.Register(ctx, args[0], args[1], args[2])
		exitOnError(err)
		fmt.Printf("Registered as: %s\n", user.Name)

	case "login":
		need(args, 2, "relay login <email> <password>")
		user, err := client.Login(ctx, args[0], args[1])
		exitOnError(err)
		fmt.Printf("Logged in as: %s\n", user.Name)

	case "logout":
		exitOnError(client.Logout(ctx))
		fmt.Println("Logged out")

	case "users":
		snapshot, err := client.Online(ctx)
		exitOnError(err)
		for _, u := range snapshot {
			state := "offline"
			if u.IsOnline {
				state = "online"
			}
			fmt.Printf("  %-20s %s\n", u.Username, state)
		}

	case "send":
		need(args, 2, "relay send <to> <message>")
		msg, err := client.Send(ctx, args[0], args[1])
		exitOnError(err)
		fmt.Printf("Sent: %s\n", msg.ID)

	case "read":
		need(args, 1, "relay read <user> [limit]")
		me := sessionName(client)
		limit := 20
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			exitOnError(err)
			limit = n
		}
		messages, err := client.History(ctx, me, args[0], limit)
		exitOnError(err)
		for i := range messages {
			printMessage(&messages[i])
		}
		_, err = client.MarkRead(ctx, args[0], me)
		exitOnError(err)

	case "unread":
		unread, err := client.Unread(ctx, sessionName(client))
		exitOnError(err)
		for user, preview := range unread.Previews {
			fmt.Printf("  %-20s %3d  %s\n", user, unread.Counts[user], preview.Message)
		}

	case "ask":
		need(args, 1, "relay ask <question>")
		reply, err := client.Ask(ctx, args[0])
		exitOnError(err)
		fmt.Println(reply)

	case "listen":
		fmt.Fprintln(os.Stderr, "Listening, Ctrl-C to stop")
		exitOnError(client.Listen(ctx, sessionName(client), printMessage))

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`relay CLI - direct messaging client

Usage: relay <command> [options]

Commands:
  register <name> <email> <password>   Create an account
  login <email> <password>             Log in
  logout                               Log out
  users                                List users and presence
  send <to> <message>                  Send a direct message
  read <user> [limit]                  Show a conversation and mark it read
  unread                               Show unread counts per sender
  ask <question>                       Ask the assistant
  listen                               Print incoming messages
  health                               Check server health

Environment:
  RELAY_URL      Server URL (default: http://localhost:8080)
  RELAY_CONFIG   Config directory (default: ~/.relay)`)
}

func need(args []string, n int, usageLine string) {
	if len(args) < n {
		fmt.Fprintln(os.Stderr, "Usage:", usageLine)
		os.Exit(1)
	}
}

func sessionName(c *relay.Client) string {
	if c.Session == nil {
		exitOnError(relay.ErrNoSession)
	}
	return c.Session.Name
}

func printMessage(m *models.Message) {
	ts := m.CreatedAt.Local().Format(time.DateTime)
	body := m.Body
	if m.Kind == models.KindFile && m.Attachment != nil {
		body = fmt.Sprintf("[file %s] %s", m.Attachment.FileName, m.Body)
	}
	fmt.Printf("[%s] %s -> %s: %s\n", ts, m.From, m.To, body)
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
