// Package credentials resolves the username/password pair used to log in to
// the table of record. Providers are pluggable so the interactive prompt can
// be replaced by environment variables or fixed values in tests.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/animus-labs/runsync/internal/platform/env"
)

// ErrUnavailable is returned by a provider that has nothing to offer; Chain
// moves on to the next provider when it sees it.
var ErrUnavailable = errors.New("credentials unavailable")

type Credentials struct {
	Username string
	Password string
}

type Provider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// Static returns fixed credentials. It backs both configured passwords and
// test injection.
type Static Credentials

func (s Static) Credentials(context.Context) (Credentials, error) {
	return Credentials(s), nil
}

// Env reads the password from an environment variable.
type Env struct {
	Username string
	Key      string
}

func (e Env) Credentials(context.Context) (Credentials, error) {
	password := env.String(e.Key, "")
	if password == "" {
		return Credentials{}, fmt.Errorf("%w: %s not set", ErrUnavailable, e.Key)
	}
	return Credentials{Username: e.Username, Password: password}, nil
}

// Prompt asks for the password on a terminal without echo.
type Prompt struct {
	Username string
	In       *os.File
	Out      io.Writer

	readPassword func(fd int) ([]byte, error)
	isTerminal   func(fd int) bool
}

func NewPrompt(username string) *Prompt {
	return &Prompt{
		Username:     username,
		In:           os.Stdin,
		Out:          os.Stderr,
		readPassword: term.ReadPassword,
		isTerminal:   term.IsTerminal,
	}
}

func (p *Prompt) Credentials(ctx context.Context) (Credentials, error) {
	if err := ctx.Err(); err != nil {
		return Credentials{}, err
	}
	fd := int(p.In.Fd())
	if !p.isTerminal(fd) {
		return Credentials{}, fmt.Errorf("%w: stdin is not a terminal", ErrUnavailable)
	}
	fmt.Fprintf(p.Out, "Password [%s]: ", p.Username)
	raw, err := p.readPassword(fd)
	fmt.Fprintln(p.Out)
	if err != nil {
		return Credentials{}, fmt.Errorf("read password: %w", err)
	}
	password := strings.TrimRight(string(raw), "\r\n")
	if password == "" {
		return Credentials{}, errors.New("empty password")
	}
	return Credentials{Username: p.Username, Password: password}, nil
}

// Chain tries providers in order and returns the first success. Errors other
// than ErrUnavailable stop the chain.
func Chain(providers ...Provider) Provider {
	return chain(providers)
}

type chain []Provider

func (c chain) Credentials(ctx context.Context) (Credentials, error) {
	var reasons []string
	for _, p := range c {
		creds, err := p.Credentials(ctx)
		if err == nil {
			return creds, nil
		}
		if !errors.Is(err, ErrUnavailable) {
			return Credentials{}, err
		}
		reasons = append(reasons, err.Error())
	}
	return Credentials{}, fmt.Errorf("%w: %s", ErrUnavailable, strings.Join(reasons, "; "))
}

// Forgetter drops cached credentials so the next call asks again.
type Forgetter interface {
	Forget()
}

// Forget clears p's cache when it has one. It is called after the table of
// record rejected a login.
func Forget(p Provider) {
	if f, ok := p.(Forgetter); ok {
		f.Forget()
	}
}

// Once memoizes the first successful result so a supervisor restart does not
// prompt the operator again, until Forget is called.
func Once(p Provider) Provider {
	return &once{p: p}
}

type once struct {
	p     Provider
	mu    sync.Mutex
	creds *Credentials
}

func (o *once) Credentials(ctx context.Context) (Credentials, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.creds != nil {
		return *o.creds, nil
	}
	creds, err := o.p.Credentials(ctx)
	if err != nil {
		return Credentials{}, err
	}
	o.creds = &creds
	return creds, nil
}

func (o *once) Forget() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.creds = nil
}
