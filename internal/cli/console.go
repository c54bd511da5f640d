package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/stagehand-project/stagehand/internal/db"
	"github.com/stagehand-project/stagehand/internal/events"
	"github.com/stagehand-project/stagehand/internal/replay"
)

// SessionLister reports live replay sessions.
type SessionLister interface {
	Active() []replay.Info
}

// ArtifactLister lists stored artifacts.
type ArtifactLister interface {
	List(ctx context.Context) ([]db.ArtifactInfo, error)
}

// Console is the interactive prompt of the serve command.
type Console struct {
	in        io.Reader
	out       io.Writer
	bus       *events.EventBus
	sessions  SessionLister
	artifacts ArtifactLister
	artifact  string
}

// NewConsole creates a console reading commands from in. artifact names the
// artifact being served.
func NewConsole(in io.Reader, out io.Writer, bus *events.EventBus, sessions SessionLister, artifacts ArtifactLister, artifact string) *Console {
	return &Console{
		in:        in,
		out:       out,
		bus:       bus,
		sessions:  sessions,
		artifacts: artifacts,
		artifact:  artifact,
	}
}

// Start runs the prompt loop until ctx is done, input ends or the user
// quits. Quitting publishes a shutdown event.
func (c *Console) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nstagehand console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Debug().Err(err).Str("component", "console").Msg("console input ended")
		}
	}()

	for {
		fmt.Fprint(c.out, "stagehand> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			parts := strings.Fields(line)
			if len(parts) == 0 {
				continue
			}
			if quit := c.execute(ctx, strings.ToLower(parts[0])); quit {
				return
			}
		}
	}
}

// execute runs one command and reports whether the console should exit.
func (c *Console) execute(ctx context.Context, cmd string) bool {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "sessions", "s":
		PrintSessions(c.out, c.sessions.Active())
	case "artifacts", "a":
		infos, err := c.artifacts.List(ctx)
		if err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
			return false
		}
		PrintArtifacts(c.out, infos)
	case "status":
		fmt.Fprintf(c.out, "serving %q, %d active sessions\n", c.artifact, len(c.sessions.Active()))
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down stagehand...")
		c.bus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "console",
		})
		return true
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return false
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, "  status      Show what is being served")
	fmt.Fprintln(c.out, "  sessions    List active replay sessions")
	fmt.Fprintln(c.out, "  artifacts   List stored artifacts")
	fmt.Fprintln(c.out, "  quit        Shut stagehand down")
	fmt.Fprintln(c.out, "  help        Show this help message")
}
