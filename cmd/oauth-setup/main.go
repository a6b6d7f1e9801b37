// oauth-setup walks the operator through the device code flow, saves
// the granted token into the encrypted cache, and optionally sends a
// test email to prove the account works end to end.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/novotechno/collections/pkg/config"
	"github.com/novotechno/collections/pkg/mail"
	"github.com/novotechno/collections/pkg/secrets"
	"github.com/novotechno/collections/pkg/tokens"
)

const (
	appName  = "novotechno-collections"
	provider = "microsoft"
)

func main() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr))
}

func fail(stderr io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintln(stderr, color.RedString("❌ "+fmt.Sprintf(format, args...)))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("oauth-setup", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		clientID  string
		tenantID  string
		scopes    string
		accountID string
		testEmail string
	)
	fs.StringVar(&clientID, "client-id", "", "Azure AD application client ID (required)")
	fs.StringVar(&tenantID, "tenant-id", "common", "Azure AD tenant ID")
	fs.StringVar(&scopes, "scopes", "Mail.Send Mail.Read User.Read offline_access", "OAuth scopes, space-separated")
	fs.StringVar(&accountID, "account-id", "default", "Account identifier for token storage")
	fs.StringVar(&testEmail, "test-email", "", "Send a test email to this address after setup")

	if err := fs.Parse(args); err != nil {
		return 1
	}
	if clientID == "" {
		fail(stderr, "--client-id is required")
		return 1
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	paths, err := config.DefaultPaths()
	if err != nil {
		fail(stderr, "resolve paths: %v", err)
		return 1
	}
	if err := paths.Ensure(); err != nil {
		fail(stderr, "prepare directories: %v", err)
		return 1
	}
	secretStore, err := secrets.NewFileStore(paths.SecretsDir())
	if err != nil {
		fail(stderr, "open secret store: %v", err)
		return 1
	}
	cache := tokens.NewCache(secretStore, secrets.NewCrypter(appName), appName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	authority := "https://login.microsoftonline.com/" + tenantID
	client := tokens.NewDeviceCodeClient(authority, clientID, scopes)

	_, _ = fmt.Fprintln(stdout, color.CyanString("Requesting device code..."))
	flow, err := client.Initiate(ctx)
	if err != nil {
		fail(stderr, "device code request: %v", err)
		return 1
	}

	_, _ = fmt.Fprintln(stdout, "")
	_, _ = fmt.Fprintln(stdout, "1. Open this URL in your browser:")
	_, _ = fmt.Fprintln(stdout, "   "+color.New(color.Bold).Sprint(flow.VerificationURI))
	_, _ = fmt.Fprintln(stdout, "2. Enter this code:")
	_, _ = fmt.Fprintln(stdout, "   "+color.New(color.Bold).Sprint(flow.UserCode))
	_, _ = fmt.Fprintln(stdout, "3. Complete the sign-in")
	_, _ = fmt.Fprintln(stdout, "")
	_, _ = fmt.Fprintln(stdout, "Waiting for authentication...")

	tok, err := client.Poll(ctx, flow)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 130
		}
		fail(stderr, "authentication: %v", err)
		return 1
	}
	tok.AccountID = accountID

	if err := cache.Save(provider, accountID, tok); err != nil {
		fail(stderr, "save token: %v", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, color.GreenString("Token saved for account %q", accountID))

	if testEmail != "" {
		endpoint := authority + "/oauth2/v2.0/token"
		validator := tokens.NewValidator(cache,
			tokens.NewOAuthClient(endpoint, clientID, tenantID, scopes), provider)
		sender := mail.NewGraphSender(validator, accountID)

		_, _ = fmt.Fprintf(stdout, "Sending test email to %s...\n", testEmail)
		id, err := sender.Send(ctx, mail.Message{
			To:       testEmail,
			Subject:  "Collections setup test",
			BodyHTML: "<p>OAuth setup completed successfully.</p>",
		})
		if err != nil {
			fail(stderr, "test email: %v", err)
			return 1
		}
		_, _ = fmt.Fprintln(stdout, color.GreenString("Test email accepted (request %s)", id))
	}
	return 0
}
