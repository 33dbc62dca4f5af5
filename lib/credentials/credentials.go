// Package credentials decides how a scrape run authenticates: explicit
// configuration first, a persisted session second, an interactive
// prompt last. Pure precedence logic, no retries.
package credentials

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"instapaper-scraper/lib/sessionstore"

	"golang.org/x/term"
)

var ErrNoCredentials = fmt.Errorf("no usable credentials or stored session were found")

const EnvUsername = "INSTAPAPER_USERNAME"
const EnvPassword = "INSTAPAPER_PASSWORD"

type Credentials struct {
	Username string
	Password string
}

func (c Credentials) IsComplete() bool {
	return c.Username != "" && c.Password != ""
}

// FromEnv reads credentials from the environment, either field may
// come back empty.
func FromEnv() Credentials {
	return Credentials{
		Username: os.Getenv(EnvUsername),
		Password: os.Getenv(EnvPassword),
	}
}

type PromptFunc func() (Credentials, error)

type Resolver struct {
	// credentials supplied through configuration or environment
	Configured Credentials
	Store      sessionstore.Store
	// nil defaults to TerminalPrompt
	Prompt PromptFunc
}

// Resolved carries either credentials or a previously persisted
// session, never both.
type Resolved struct {
	Credentials Credentials
	Session     sessionstore.Session
	HasSession  bool
}

func (r Resolver) Resolve() (Resolved, error) {
	if r.Configured.IsComplete() {
		slog.Info("using configured credentials", "username", r.Configured.Username)
		return Resolved{Credentials: r.Configured}, nil
	}

	session, ok := r.Store.Load()
	if ok {
		slog.Info("loaded encrypted session", "session_file", r.Store.SessionFile)
		return Resolved{Session: session, HasSession: true}, nil
	}

	return r.PromptCredentials()
}

// PromptCredentials asks the user interactively. It always succeeds
// syntactically, blank input is legal and simply fails downstream
// authentication.
func (r Resolver) PromptCredentials() (Resolved, error) {
	slog.Info("no valid session found, please log in")

	prompt := r.Prompt
	if prompt == nil {
		prompt = TerminalPrompt
	}
	creds, err := prompt()
	if err != nil {
		return Resolved{}, fmt.Errorf("%w: %w", ErrNoCredentials, err)
	}
	return Resolved{Credentials: creds}, nil
}

// TerminalPrompt reads a username and a no-echo password from the
// controlling terminal.
func TerminalPrompt() (Credentials, error) {
	fmt.Fprint(os.Stderr, "Enter your Instapaper username: ")
	reader := bufio.NewReader(os.Stdin)
	username, err := reader.ReadString('\n')
	if err != nil {
		return Credentials{}, err
	}

	fmt.Fprint(os.Stderr, "Enter your Instapaper password: ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return Credentials{}, err
	}

	return Credentials{
		Username: strings.TrimSpace(username),
		Password: string(password),
	}, nil
}
