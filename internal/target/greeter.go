package target

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"os"
	"strconv"
	"time"
)

// DefaultGreeting is the message the greeter function answers with.
const DefaultGreeting = "Hello from Miztiikal World, How is it going?"

// ErrAndonCordPulled is returned by a Greeter whose andon cord is pulled.
var ErrAndonCordPulled = errors.New("andon cord pulled, greeter is halted")

// Greeter is the in-process greeter function.
type Greeter struct {
	Message string
	Version string

	// RandomSleep makes roughly half of the invocations sleep up to MaxSleep.
	RandomSleep bool
	MaxSleep    time.Duration

	AndonCordPulled bool

	Logger *slog.Logger
}

// GreeterFromEnv builds a Greeter configured from RANDOM_SLEEP_ENABLED,
// RANDOM_SLEEP_SECS and ANDON_CORD_PULLED.
func GreeterFromEnv(version string) *Greeter {
	g := &Greeter{
		Message:  DefaultGreeting,
		Version:  version,
		MaxSleep: 2 * time.Second,
	}
	g.RandomSleep, _ = strconv.ParseBool(os.Getenv("RANDOM_SLEEP_ENABLED"))
	g.AndonCordPulled, _ = strconv.ParseBool(os.Getenv("ANDON_CORD_PULLED"))
	if secs, err := strconv.Atoi(os.Getenv("RANDOM_SLEEP_SECS")); err == nil && secs >= 0 {
		g.MaxSleep = time.Duration(secs) * time.Second
	}
	return g
}

// Invoke implements Invoker.
func (g *Greeter) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	if g.AndonCordPulled {
		return nil, ErrAndonCordPulled
	}

	if g.RandomSleep && g.MaxSleep > 0 && rand.IntN(2) == 1 {
		d := time.Duration(rand.Int64N(int64(g.MaxSleep) + 1))
		g.logger().Info("greeter sleeping", "stage", inv.Stage, "duration", d)
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	msg := g.Message
	if msg == "" {
		msg = DefaultGreeting
	}
	return &Result{Message: msg, Version: g.Version}, nil
}

func (g *Greeter) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}
