package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/johndauphine/sms-backup-sync/internal/checkpoint"
	"github.com/johndauphine/sms-backup-sync/internal/credential"
	"github.com/johndauphine/sms-backup-sync/internal/syncerr"
)

func credentialsCommand() *cli.Command {
	return &cli.Command{
		Name:  "credentials",
		Usage: "Manage the mailbox login stored (encrypted) in the state backend",
		Subcommands: []*cli.Command{
			{
				Name:   "set-password",
				Usage:  "Store a username and password; the password is read from the terminal or stdin",
				Action: setPassword,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "user",
						Aliases:  []string{"u"},
						Required: true,
						Usage:    "Mailbox username",
					},
				},
			},
			{
				Name:   "import-token",
				Usage:  "Store an OAuth access token and optional refresh token",
				Action: importToken,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "user",
						Aliases:  []string{"u"},
						Required: true,
						Usage:    "Mailbox username",
					},
					&cli.StringFlag{
						Name:  "access-token",
						Usage: "Access token (read from stdin when omitted)",
					},
					&cli.StringFlag{
						Name:  "refresh-token",
						Usage: "Refresh token",
					},
					&cli.StringFlag{
						Name:  "expiry",
						Usage: "Token expiry as RFC 3339 time or duration from now (e.g. 1h)",
					},
					&cli.BoolFlag{
						Name:  "legacy",
						Usage: "Token was minted by the account broker rather than an OAuth server",
					},
				},
			},
			{
				Name:   "refresh",
				Usage:  "Renew the stored access token now",
				Action: refreshCredential,
			},
			{
				Name:   "show",
				Usage:  "Show the stored login with secrets masked",
				Action: showCredential,
			},
			{
				Name:   "delete",
				Usage:  "Delete the stored login",
				Action: deleteCredential,
			},
			{
				Name:  "generate-key",
				Usage: fmt.Sprintf("Print a new master key for %s", checkpoint.MasterKeyEnv),
				Action: func(c *cli.Context) error {
					key, err := checkpoint.GenerateMasterKey()
					if err != nil {
						return err
					}
					fmt.Println(key)
					return nil
				},
			},
		},
	}
}

// masterKeyHint turns a missing key into an actionable configuration error.
func masterKeyHint(err error) error {
	if err != nil && strings.Contains(err.Error(), checkpoint.MasterKeyEnv) {
		return syncerr.Configf("%s is not set; create one with 'smsbackup credentials generate-key'", checkpoint.MasterKeyEnv)
	}
	return err
}

func setPassword(c *cli.Context) error {
	e, err := openState(c)
	if err != nil {
		return masterKeyHint(err)
	}
	defer e.Close()

	password, err := readSecret(os.Stdin, "Password: ")
	if err != nil {
		return err
	}
	if password == "" {
		return syncerr.Configf("empty password")
	}
	if err := e.creds.SetPlain(c.String("user"), password); err != nil {
		return masterKeyHint(err)
	}
	fmt.Printf("Stored password login for %s (account %d)\n", c.String("user"), e.account)
	return nil
}

func importToken(c *cli.Context) error {
	e, err := openState(c)
	if err != nil {
		return masterKeyHint(err)
	}
	defer e.Close()

	access := c.String("access-token")
	if access == "" {
		if access, err = readSecret(os.Stdin, "Access token: "); err != nil {
			return err
		}
	}
	if access == "" {
		return syncerr.Configf("empty access token")
	}
	expiry, err := parseExpiry(c.String("expiry"), time.Now())
	if err != nil {
		return syncerr.Configuration("--expiry", err)
	}
	typ := credential.TypeOAuth2
	if c.Bool("legacy") {
		typ = credential.TypeLegacyToken
	}
	if err := e.creds.SetToken(typ, c.String("user"), access, c.String("refresh-token"), expiry); err != nil {
		return masterKeyHint(err)
	}
	fmt.Printf("Stored %s login for %s (account %d)\n", typ, c.String("user"), e.account)
	return nil
}

func refreshCredential(c *cli.Context) error {
	e, err := openState(c)
	if err != nil {
		return masterKeyHint(err)
	}
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := e.creds.Refresh(ctx); err != nil {
		return syncerr.Auth("refresh token", err)
	}
	fmt.Printf("Credential refreshed, state: %s\n", e.creds.State())
	return nil
}

type credentialView struct {
	Account int                   `json:"account"`
	State   string                `json:"state"`
	Login   credential.Credential `json:"login"`
}

func showCredential(c *cli.Context) error {
	e, err := openState(c)
	if err != nil {
		return masterKeyHint(err)
	}
	defer e.Close()

	view := credentialView{
		Account: e.account,
		State:   e.creds.State().String(),
		Login:   e.creds.Current().Redacted(),
	}
	out, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func deleteCredential(c *cli.Context) error {
	e, err := openState(c)
	if err != nil {
		return masterKeyHint(err)
	}
	defer e.Close()

	if err := e.creds.Clear(); err != nil {
		return err
	}
	fmt.Printf("Deleted stored login of account %d\n", e.account)
	return nil
}

// readSecret reads one line without echo when in is a terminal.
func readSecret(in *os.File, prompt string) (string, error) {
	fd := int(in.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	return readLine(in)
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// parseExpiry accepts an RFC 3339 time or a duration relative to now. Empty means
// no known expiry.
func parseExpiry(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return time.Time{}, fmt.Errorf("expiry duration must be positive")
		}
		return now.Add(d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("expiry %q is neither an RFC 3339 time nor a duration", s)
	}
	return t, nil
}
