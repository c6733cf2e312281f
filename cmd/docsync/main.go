// Command docsync joins a shared document from the terminal.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/ericfitz/docsync/internal/chat"
	"github.com/ericfitz/docsync/internal/config"
	"github.com/ericfitz/docsync/internal/delta"
	"github.com/ericfitz/docsync/internal/presence"
	"github.com/ericfitz/docsync/internal/session"
	"github.com/ericfitz/docsync/internal/slogging"
	"github.com/ericfitz/docsync/internal/transport"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "docsync: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, in io.Reader, out io.Writer) error {
	flags, err := config.ParseFlags("docsync", args, os.Stderr)
	if err != nil {
		return err
	}
	if flags.GenerateConfig {
		return config.GenerateExampleConfig(out)
	}

	cfg, err := config.Load(flags.ConfigFile)
	if err != nil {
		return err
	}
	if err := cfg.ValidateClient(); err != nil {
		return err
	}
	if err := slogging.Initialize(cfg.LoggerConfig()); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer func() { _ = slogging.Get().Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runSession(ctx, cfg, channelFor(cfg), in, out)
}

func channelFor(cfg *config.Config) transport.Channel {
	tc := cfg.Transport
	return transport.NewWebSocket(transport.WebSocketConfig{
		URL:              cfg.Client.ServerURL,
		Token:            cfg.Client.Token,
		HandshakeTimeout: tc.HandshakeTimeout,
		WriteTimeout:     tc.WriteTimeout,
		PongWait:         tc.PongWait,
		PingPeriod:       tc.PingPeriod,
		MaxMessageBytes:  tc.MaxMessageBytes,
		SendQueue:        tc.SendQueue,
		Reconnect: transport.ReconnectPolicy{
			Enabled:      tc.Reconnect.Enabled,
			MaxAttempts:  tc.Reconnect.MaxAttempts,
			InitialDelay: tc.Reconnect.InitialDelay,
			MaxDelay:     tc.Reconnect.MaxDelay,
		},
		FrameLogging: cfg.Logging.Frames,
	})
}

// printer serialises output from observers and the command loop.
type printer struct {
	mu  sync.Mutex
	out io.Writer
	// Messages already shown, so a replaced history prints only what is new.
	shownChat map[string]bool
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

func (p *printer) observer() session.Observer {
	return session.Observer{
		StateChanged: func(s session.State) { p.printf("* %s\n", s) },
		ContentChanged: func(d delta.Delta) {
			p.printf("--- document ---\n%s\n----------------\n", strings.TrimRight(d.Text(), "\n"))
		},
		TitleChanged: func(title string) { p.printf("* title: %s\n", title) },
		PresenceChanged: func(cursors []presence.Cursor) {
			parts := make([]string, 0, len(cursors))
			for _, c := range cursors {
				parts = append(parts, fmt.Sprintf("%s@%d+%d", c.PeerID, c.Index, c.Length))
			}
			p.printf("* peers: %s\n", strings.Join(parts, " "))
		},
		ChatAppended: func(msgs []chat.Message) {
			p.mu.Lock()
			defer p.mu.Unlock()
			for _, m := range msgs {
				key := m.ID
				if key == "" {
					key = m.UserID + m.Timestamp + m.Message
				}
				if p.shownChat[key] {
					continue
				}
				p.shownChat[key] = true
				name := m.UserName
				if name == "" {
					name = m.UserID
				}
				fmt.Fprintf(p.out, "[%s] %s: %s\n", m.Timestamp, name, m.Message)
			}
		},
	}
}

func runSession(ctx context.Context, cfg *config.Config, ch transport.Channel, in io.Reader, out io.Writer) error {
	p := &printer{out: out, shownChat: make(map[string]bool)}

	sess, err := session.Open(ctx, session.Options{
		DocumentID:       cfg.Client.DocumentID,
		PeerID:           cfg.Client.PeerID,
		Channel:          ch,
		AutosaveInterval: cfg.Session.AutosaveInterval,
		MailboxSize:      cfg.Session.MailboxSize,
		Observer:         p.observer(),
	})
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if strings.TrimSpace(line) == "" {
					continue
				}
				cmd, err := parseCommand(line)
				if err != nil {
					p.printf("! %v\n", err)
					continue
				}
				text, err := execute(sess, cmd)
				if errors.Is(err, errQuit) {
					return nil
				}
				if err != nil {
					p.printf("! %v\n", err)
					continue
				}
				if text != "" {
					p.printf("%s\n", text)
				}
			}
		}
	})
	return g.Wait()
}
