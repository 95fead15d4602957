// ABOUTME: Operator CLI for the mailbox server
// ABOUTME: register, request, approve, pending, send, inbox, history, whoami

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/agentmailbox/mailbox/internal/client"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "register":
		err = cmdRegister(ctx, os.Args[2:])
	case "request":
		err = cmdRequest(ctx, os.Args[2:])
	case "approve":
		err = cmdApprove(ctx, os.Args[2:])
	case "pending":
		err = cmdPending(ctx, os.Args[2:])
	case "send":
		err = cmdSend(ctx, os.Args[2:])
	case "inbox":
		err = cmdInbox(ctx, os.Args[2:])
	case "history":
		err = cmdHistory(ctx, os.Args[2:])
	case "whoami":
		err = cmdWhoami(ctx, os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("mailbox - agent mailbox CLI")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  mailbox register -name <name> [-contact <email>]")
	fmt.Println("  mailbox request  -to <agent> [-note <text>]")
	fmt.Println("  mailbox approve  -code <XX-NNN>")
	fmt.Println("  mailbox pending")
	fmt.Println("  mailbox send     -to <agent> -subject <text> [-m <text>]")
	fmt.Println("  mailbox inbox    [-unread]")
	fmt.Println("  mailbox history  -session <id> [-limit n] [-before <message-id>]")
	fmt.Println("  mailbox whoami")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  MAILBOX_SERVER   server base URL (default http://localhost:8480)")
	fmt.Println("  MAILBOX_API_KEY  credential for authenticated commands")
}

func serverURL() string {
	if url := os.Getenv("MAILBOX_SERVER"); url != "" {
		return url
	}
	return "http://localhost:8480"
}

func authedClient() (*client.Client, error) {
	key := os.Getenv("MAILBOX_API_KEY")
	if key == "" {
		return nil, fmt.Errorf("MAILBOX_API_KEY is not set")
	}
	return client.New(serverURL(), key), nil
}

func cmdRegister(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	name := fs.String("name", "", "agent name (lowercase slug)")
	contact := fs.String("contact", "", "owner contact")
	fs.Parse(args)

	if *name == "" {
		return fmt.Errorf("-name is required")
	}

	resp, err := client.New(serverURL(), "").Register(ctx, *name, *contact)
	if err != nil {
		return err
	}

	color.Green("registered %s", resp.Name)
	fmt.Printf("agent id: %s\n", resp.AgentID)
	fmt.Println()
	color.Yellow("API key (shown once, store it now):")
	fmt.Println(resp.APIKey)
	fmt.Println()
	fmt.Printf("export MAILBOX_API_KEY=%s\n", resp.APIKey)
	return nil
}

func cmdWhoami(ctx context.Context, args []string) error {
	c, err := authedClient()
	if err != nil {
		return err
	}

	me, err := c.Me(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("name:       %s\n", me.Name)
	fmt.Printf("agent id:   %s\n", me.AgentID)
	fmt.Printf("key prefix: %s...\n", me.APIKeyPrefix)
	if me.OwnerContact != "" {
		fmt.Printf("contact:    %s\n", me.OwnerContact)
	}
	fmt.Printf("registered: %s\n", me.CreatedAt.Local().Format(time.RFC822))
	return nil
}

func cmdRequest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("request", flag.ExitOnError)
	to := fs.String("to", "", "target agent name")
	note := fs.String("note", "", "note shown to the target")
	fs.Parse(args)

	if *to == "" {
		return fmt.Errorf("-to is required")
	}

	c, err := authedClient()
	if err != nil {
		return err
	}

	conn, err := c.RequestConnection(ctx, *to, *note)
	if err != nil {
		return err
	}

	color.Green("request sent to %s", conn.Target)
	fmt.Printf("verification code: %s\n", color.CyanString(conn.Code))
	fmt.Printf("expires: %s\n", conn.ExpiresAt.Local().Format(time.RFC822))
	fmt.Println()
	fmt.Printf("Relay the code to %s out of band; they approve with:\n", conn.Target)
	fmt.Printf("  mailbox approve -code %s\n", conn.Code)
	return nil
}

func cmdApprove(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("approve", flag.ExitOnError)
	code := fs.String("code", "", "verification code")
	fs.Parse(args)

	if *code == "" {
		return fmt.Errorf("-code is required")
	}

	c, err := authedClient()
	if err != nil {
		return err
	}

	resp, err := c.ApproveConnection(ctx, strings.ToUpper(strings.TrimSpace(*code)))
	if err != nil {
		return err
	}

	color.Green("connected with %s", resp.Requester)
	return nil
}

func cmdPending(ctx context.Context, args []string) error {
	c, err := authedClient()
	if err != nil {
		return err
	}

	resp, err := c.PendingConnections(ctx)
	if err != nil {
		return err
	}

	if len(resp.Pending) == 0 {
		fmt.Println("no pending connection requests")
		return nil
	}

	for _, conn := range resp.Pending {
		if conn.Direction == "incoming" {
			color.Cyan("incoming from %s", conn.Requester)
		} else {
			color.Cyan("outgoing to %s  code %s", conn.Target, conn.Code)
		}
		if conn.Note != "" {
			fmt.Printf("  note: %s\n", conn.Note)
		}
		fmt.Printf("  expires: %s\n", conn.ExpiresAt.Local().Format(time.RFC822))
	}
	return nil
}

func cmdSend(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	to := fs.String("to", "", "recipient agent name")
	subject := fs.String("subject", "", "thread subject")
	message := fs.String("m", "", "message text (reads stdin when omitted)")
	fs.Parse(args)

	if *to == "" || *subject == "" {
		return fmt.Errorf("-to and -subject are required")
	}

	content := *message
	if content == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading message from stdin: %w", err)
		}
		content = strings.TrimRight(string(data), "\n")
	}
	if content == "" {
		return fmt.Errorf("message is empty")
	}

	c, err := authedClient()
	if err != nil {
		return err
	}

	resp, err := c.SendMessage(ctx, *to, *subject, content, "")
	if err != nil {
		return err
	}

	color.Green("sent")
	fmt.Printf("session: %s\n", resp.SessionID)
	fmt.Printf("message: %s\n", resp.MessageID)
	return nil
}

func cmdInbox(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("inbox", flag.ExitOnError)
	unread := fs.Bool("unread", false, "only sessions with unread messages")
	fs.Parse(args)

	c, err := authedClient()
	if err != nil {
		return err
	}

	resp, err := c.Inbox(ctx, *unread)
	if err != nil {
		return err
	}

	for _, conn := range resp.PendingRequests {
		color.Yellow("connection request from %s", conn.Requester)
		if conn.Note != "" {
			fmt.Printf("  note: %s\n", conn.Note)
		}
	}
	if len(resp.PendingRequests) > 0 {
		fmt.Println()
	}

	if len(resp.Sessions) == 0 {
		fmt.Println("no sessions")
		return nil
	}

	for _, sess := range resp.Sessions {
		header := fmt.Sprintf("%s  [%s]", sess.Subject, sess.Counterpart)
		if sess.UnreadCount > 0 {
			color.New(color.Bold).Printf("%s  (%d unread)\n", header, sess.UnreadCount)
		} else {
			fmt.Println(header)
		}
		fmt.Printf("  session %s  last activity %s\n",
			sess.SessionID, sess.LastMessageAt.Local().Format(time.RFC822))
		for i := len(sess.Recent) - 1; i >= 0; i-- {
			msg := sess.Recent[i]
			fmt.Printf("  %s: %s\n", msg.Sender, firstLine(msg.Content))
		}
	}
	return nil
}

func cmdHistory(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	sessionID := fs.String("session", "", "session id")
	limit := fs.Int("limit", 0, "maximum messages")
	before := fs.String("before", "", "page: only messages older than this message id")
	fs.Parse(args)

	if *sessionID == "" {
		return fmt.Errorf("-session is required")
	}

	c, err := authedClient()
	if err != nil {
		return err
	}

	resp, err := c.History(ctx, *sessionID, *limit, *before)
	if err != nil {
		return err
	}

	color.Cyan("%s", resp.Subject)
	for _, msg := range resp.Messages {
		fmt.Printf("\n%s  %s  (%s)\n", msg.Sender,
			msg.CreatedAt.Local().Format(time.RFC822), msg.MessageID)
		fmt.Println(msg.Content)
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " ..."
	}
	if len(s) > 80 {
		s = s[:77] + "..."
	}
	return s
}
