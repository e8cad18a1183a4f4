package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Mindburn-Labs/stargate/pkg/client"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(context.Background(), stdout, stderr)
	}

	switch args[1] {
	case "server", "serve":
		return startServer(context.Background(), stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "open":
		return runOpenCmd(args[2:], stdout, stderr)
	case "credit":
		return runCreditCmd(args[2:], stdout, stderr)
	case "subscribe":
		return runSubscribeCmd(args[2:], stdout, stderr)
	case "balance":
		return runBalanceCmd(args[2:], stdout, stderr)
	case "say":
		return runSayCmd(args[2:], stdout, stderr)
	case "token":
		return runTokenCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if strings.HasPrefix(args[1], "-") {
			return startServer(context.Background(), stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGreen = "\033[32m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sStargate%s\n", ColorBold+ColorBlue, ColorReset)
	fmt.Fprintf(w, "%sPaid generation gateway for conversational bots.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  stargate <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "SERVER")
	printCommand(w, "serve", "Run the HTTP server (default)")
	printCommand(w, "health", "Check server health (--url)")
	printCommand(w, "say", "Send one turn to a running server (--user, --key)")

	printSection(w, "ACCOUNTS")
	printCommand(w, "open", "Create an account (--user, --initial)")
	printCommand(w, "credit", "Top up stars (--user, --amount, --op)")
	printCommand(w, "subscribe", "Set a subscription (--user, --until, --cancel)")
	printCommand(w, "balance", "Show balance and recent entries (--user, --limit)")

	printSection(w, "OPERATIONS")
	printCommand(w, "token", "Issue a completion webhook token (--subject, --ttl)")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}

func serverURL() string {
	if port := os.Getenv("PORT"); port != "" {
		return "http://localhost:" + port
	}
	return "http://localhost:8080"
}

func runHealthCmd(args []string, out, errOut io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(errOut)
	baseURL := cmd.String("url", serverURL(), "Server base URL")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	c := client.New(*baseURL, client.WithTimeout(5*time.Second))
	if _, err := c.Health(context.Background()); err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}

	fmt.Fprintln(out, "OK")
	return 0
}

// runSayCmd implements `stargate say`: it sends one turn to a running
// server and prints the replies, which makes it a minimal chat transport
// for local testing.
func runSayCmd(args []string, out, errOut io.Writer) int {
	cmd := flag.NewFlagSet("say", flag.ContinueOnError)
	cmd.SetOutput(errOut)
	var (
		baseURL string
		userID  int64
		key     string
		loc     string
		choice  string
	)
	cmd.StringVar(&baseURL, "url", serverURL(), "Server base URL")
	cmd.Int64Var(&userID, "user", 0, "User id (REQUIRED)")
	cmd.StringVar(&key, "key", "", "Conversation key (default: cli:<user>)")
	cmd.StringVar(&loc, "locale", "en", "Locale of the turn")
	cmd.StringVar(&choice, "choice", "", "Send a button payload instead of text")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if userID <= 0 {
		_, _ = fmt.Fprintln(errOut, "Error: --user is required for say")
		return 2
	}
	if key == "" {
		key = fmt.Sprintf("cli:%d", userID)
	}

	c := client.New(baseURL)
	msgs, err := c.SendTurn(context.Background(), client.Turn{
		Key:    key,
		UserID: userID,
		Locale: loc,
		Text:   strings.Join(cmd.Args(), " "),
		Choice: choice,
	})
	if err != nil {
		fmt.Fprintf(errOut, "Error: %v\n", err)
		return 1
	}
	for _, m := range msgs {
		fmt.Fprintf(out, "%s%s%s\n", ColorGray, m.Text, ColorReset)
		if m.URL != "" {
			fmt.Fprintf(out, "  %s\n", m.URL)
		}
	}
	return 0
}
