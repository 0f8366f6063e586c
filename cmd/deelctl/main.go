package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/Qrutz/deelsync/internal/chat"
	"github.com/Qrutz/deelsync/internal/daemon"
	"github.com/Qrutz/deelsync/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := newClient(session.SocketPath(sessionName))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "chats":
		cmdChats(ctx, c, *jsonFlag)
	case "messages":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: deelctl messages <conversation-id>")
			os.Exit(1)
		}
		cmdMessages(ctx, c, args[1], *jsonFlag)
	case "send":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: deelctl send <conversation-id> <text>")
			os.Exit(1)
		}
		cmdSend(ctx, c, args[1], strings.Join(args[2:], " "), *jsonFlag)
	case "open":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: deelctl open <conversation-id>")
			os.Exit(1)
		}
		cmdRoom(ctx, c, args[1], "open")
	case "close":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: deelctl close <conversation-id>")
			os.Exit(1)
		}
		cmdRoom(ctx, c, args[1], "close")
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: deelctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status               Show daemon session status")
	fmt.Fprintln(os.Stderr, "  chats                List conversations, most recent first")
	fmt.Fprintln(os.Stderr, "  messages <id>        Show a conversation's messages")
	fmt.Fprintln(os.Stderr, "  send <id> <text>     Send a text message")
	fmt.Fprintln(os.Stderr, "  open <id>            Join a conversation room")
	fmt.Fprintln(os.Stderr, "  close <id>           Leave a conversation room")
}

// newClient builds a resty client that dials the daemon's Unix socket.
// The host in the base URL is cosmetic; routing happens in DialContext.
func newClient(socketPath string) *resty.Client {
	return resty.New().
		SetBaseURL("http://deeld").
		SetTransport(&http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		})
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	fmt.Fprintln(os.Stderr, "is the daemon running? start it with: deeld")
	os.Exit(1)
}

func failStatus(resp *resty.Response) {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(resp.Body(), &body)
	if body.Error == "" {
		body.Error = resp.Status()
	}
	fmt.Fprintf(os.Stderr, "error: %s\n", body.Error)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func cmdStatus(ctx context.Context, c *resty.Client, jsonOut bool) {
	var out daemon.StatusResponse
	resp, err := c.R().SetContext(ctx).SetResult(&out).Get("/v1/status")
	if err != nil {
		fail(err)
	}
	if resp.IsError() {
		failStatus(resp)
	}
	if jsonOut {
		outputJSON(out)
		return
	}
	fmt.Printf("Session: %s\n", out.Session)
	fmt.Printf("State:   %s\n", out.State)
	if out.UserID != "" {
		fmt.Printf("User:    %s\n", out.UserID)
	}
	fmt.Printf("PID:     %d\n", out.PID)
}

func cmdChats(ctx context.Context, c *resty.Client, jsonOut bool) {
	var out []daemon.EntryResponse
	resp, err := c.R().SetContext(ctx).SetResult(&out).Get("/v1/conversations")
	if err != nil {
		fail(err)
	}
	if resp.IsError() {
		failStatus(resp)
	}
	if jsonOut {
		outputJSON(out)
		return
	}
	if len(out) == 0 {
		fmt.Println("no conversations")
		return
	}
	for _, e := range out {
		marker := " "
		if e.Open {
			marker = "*"
		}
		name := e.Name
		if name == "" {
			name = e.ConversationID
		}
		fmt.Printf("%s %-24s %s  %s\n", marker, name, e.LastMessageAt.Local().Format("Jan 02 15:04"), e.Preview)
	}
}

func cmdMessages(ctx context.Context, c *resty.Client, convID string, jsonOut bool) {
	var out []daemon.MessageResponse
	resp, err := c.R().SetContext(ctx).SetResult(&out).
		Get("/v1/conversations/" + convID + "/messages")
	if err != nil {
		fail(err)
	}
	if resp.IsError() {
		failStatus(resp)
	}
	if jsonOut {
		outputJSON(out)
		return
	}
	for _, m := range out {
		sender := m.SenderName
		if sender == "" {
			sender = m.SenderID
		}
		suffix := ""
		switch m.State {
		case chat.StatePending:
			suffix = " (sending)"
		case chat.StateFailed:
			suffix = " (failed)"
		}
		fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Local().Format("15:04"), sender, m.Content.Preview(), suffix)
	}
}

func cmdSend(ctx context.Context, c *resty.Client, convID, text string, jsonOut bool) {
	var out daemon.MessageResponse
	resp, err := c.R().SetContext(ctx).
		SetBody(daemon.SendRequest{Text: text}).
		SetResult(&out).
		Post("/v1/conversations/" + convID + "/messages")
	if err != nil {
		fail(err)
	}
	if resp.IsError() {
		failStatus(resp)
	}
	if jsonOut {
		outputJSON(out)
		return
	}
	fmt.Printf("queued %s\n", out.ClientID)
}

func cmdRoom(ctx context.Context, c *resty.Client, convID, action string) {
	resp, err := c.R().SetContext(ctx).Post("/v1/conversations/" + convID + "/" + action)
	if err != nil {
		fail(err)
	}
	if resp.IsError() {
		failStatus(resp)
	}
	fmt.Printf("%s %s\n", action, convID)
}
