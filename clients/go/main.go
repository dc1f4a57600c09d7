// Plaza CLI - Command line client for Plaza
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/eldtechnologies/plaza/clients/go/plaza"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	baseURL := os.Getenv("PLAZA_URL")
	client := plaza.NewClient(baseURL)
	cmd := os.Args[1]

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	switch cmd {
	case "health":
		resp, err := client.Health(ctx)
		exitOnError(err)
		printJSON(resp)

	case "users":
		resp, err := client.Users(ctx)
		exitOnError(err)
		for _, u := range resp.Users {
			flag := ""
			if u.ChatThrottled {
				flag = " (throttled)"
			}
			fmt.Printf("  %s  x=%d hair=%d dress=%d%s\n", u.ID, u.Position, u.Hair, u.Dress, flag)
		}

	case "messages":
		limit := 10
		if len(os.Args) > 2 {
			n, err := strconv.Atoi(os.Args[2])
			exitOnError(err)
			limit = n
		}
		resp, err := client.Messages(ctx, limit)
		exitOnError(err)
		for _, msg := range resp.Messages {
			printChat(msg)
		}

	case "chat":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: plaza chat <id> <message>")
			os.Exit(1)
		}
		resp, err := client.PostMessage(ctx, os.Args[2], os.Args[3])
		exitOnError(err)
		fmt.Printf("Posted: %s\n", resp.ID)

	case "watch":
		id := ""
		if len(os.Args) > 2 {
			id = os.Args[2]
		}
		s, err := client.Dial(ctx, id)
		exitOnError(err)
		defer s.Close()
		fmt.Printf("Connected as %s\n", s.ID())
		for {
			select {
			case ev, ok := <-s.Events():
				if !ok {
					fmt.Println("Disconnected")
					return
				}
				printEvent(ev)
			case <-ctx.Done():
				return
			}
		}

	case "delete-user":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: plaza delete-user <id>")
			os.Exit(1)
		}
		exitOnError(client.DeleteUser(ctx, os.Args[2]))
		fmt.Printf("Deleted %s\n", os.Args[2])

	case "clear-users":
		exitOnError(client.ClearUsers(ctx))
		fmt.Println("Cleared all users")

	case "reset":
		exitOnError(client.Reset(ctx))
		fmt.Println("Reset all state")

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`Plaza CLI - presence and chat

Usage: plaza <command> [options]

Commands:
  watch [id]              Connect and print live events
  chat <id> <message>     Post a chat message
  messages [limit]        List live chat messages
  users                   List connected users
  delete-user <id>        Remove one user (admin)
  clear-users             Remove all users (admin)
  reset                   Clear all state (admin)
  health                  Check server health

Environment:
  PLAZA_URL          Server URL (default: http://localhost:8080)
  PLAZA_ADMIN_TOKEN  Token for admin commands`)
}

func printEvent(ev plaza.Event) {
	switch ev.Type {
	case plaza.EventUpdatePositions:
		fmt.Printf("-- %d users\n", len(ev.Roster))
		for _, u := range ev.Roster {
			fmt.Printf("   %s  x=%d\n", u.ID, u.Position)
		}
	case plaza.EventChat:
		printChat(*ev.Chat)
	case plaza.EventError:
		fmt.Printf("!! %s\n", ev.Message)
	}
}

func printChat(msg plaza.ChatMessage) {
	ts := time.UnixMilli(msg.CreatedAt).Format("2006-01-02 15:04:05")
	fmt.Printf("[%s] %s: %s\n", ts, msg.UserID, msg.Message)
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
