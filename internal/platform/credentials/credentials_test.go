package credentials

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
)

type countingProvider struct {
	calls int
	creds Credentials
	err   error
}

func (c *countingProvider) Credentials(context.Context) (Credentials, error) {
	c.calls++
	return c.creds, c.err
}

func TestStatic(t *testing.T) {
	got, err := Static{Username: "a@example.org", Password: "pw"}.Credentials(context.Background())
	if err != nil {
		t.Fatalf("Credentials() err=%v", err)
	}
	if got.Username != "a@example.org" || got.Password != "pw" {
		t.Fatalf("Credentials()=%+v", got)
	}
}

func TestEnv(t *testing.T) {
	p := Env{Username: "a@example.org", Key: "RUNSYNC_TEST_PASSWORD"}
	if _, err := p.Credentials(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Credentials() err=%v, want ErrUnavailable", err)
	}
	t.Setenv("RUNSYNC_TEST_PASSWORD", "from-env")
	got, err := p.Credentials(context.Background())
	if err != nil {
		t.Fatalf("Credentials() err=%v", err)
	}
	if got.Password != "from-env" {
		t.Fatalf("Password=%q, want from-env", got.Password)
	}
}

func TestPrompt(t *testing.T) {
	var out bytes.Buffer
	p := &Prompt{
		Username:     "a@example.org",
		In:           os.Stdin,
		Out:          &out,
		isTerminal:   func(int) bool { return true },
		readPassword: func(int) ([]byte, error) { return []byte("typed\n"), nil },
	}
	got, err := p.Credentials(context.Background())
	if err != nil {
		t.Fatalf("Credentials() err=%v", err)
	}
	if got.Password != "typed" {
		t.Fatalf("Password=%q, want typed", got.Password)
	}
	if !strings.Contains(out.String(), "a@example.org") {
		t.Fatalf("prompt=%q, want username", out.String())
	}

	p.isTerminal = func(int) bool { return false }
	if _, err := p.Credentials(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Credentials() err=%v, want ErrUnavailable", err)
	}
}

func TestChain(t *testing.T) {
	first := &countingProvider{err: ErrUnavailable}
	second := &countingProvider{creds: Credentials{Username: "u", Password: "p"}}
	third := &countingProvider{creds: Credentials{Username: "never"}}

	got, err := Chain(first, second, third).Credentials(context.Background())
	if err != nil {
		t.Fatalf("Credentials() err=%v", err)
	}
	if got.Username != "u" || third.calls != 0 {
		t.Fatalf("Credentials()=%+v third.calls=%d", got, third.calls)
	}

	boom := errors.New("boom")
	if _, err := Chain(&countingProvider{err: boom}, second).Credentials(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Credentials() err=%v, want boom", err)
	}
	if _, err := Chain(first).Credentials(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Credentials() err=%v, want ErrUnavailable", err)
	}
}

func TestOnce(t *testing.T) {
	inner := &countingProvider{creds: Credentials{Username: "u", Password: "p"}}
	p := Once(inner)
	for i := 0; i < 3; i++ {
		if _, err := p.Credentials(context.Background()); err != nil {
			t.Fatalf("Credentials() err=%v", err)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("calls=%d, want 1", inner.calls)
	}
}

func TestOnceForget(t *testing.T) {
	inner := &countingProvider{creds: Credentials{Username: "u", Password: "p"}}
	p := Once(inner)
	if _, err := p.Credentials(context.Background()); err != nil {
		t.Fatalf("Credentials() err=%v", err)
	}
	Forget(p)
	if _, err := p.Credentials(context.Background()); err != nil {
		t.Fatalf("Credentials() err=%v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("calls=%d, want 2 after Forget", inner.calls)
	}

	// Providers without a cache are left alone.
	Forget(Static{Username: "u"})
}
