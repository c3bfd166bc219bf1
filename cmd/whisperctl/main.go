package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sotto-dev/sotto/internal/archive"
	"github.com/sotto-dev/sotto/internal/config"
	"github.com/sotto-dev/sotto/internal/dispatch"
	"github.com/sotto-dev/sotto/internal/logging"
	"github.com/sotto-dev/sotto/internal/transport"
	"github.com/sotto-dev/sotto/internal/transport/ws"
	"github.com/sotto-dev/sotto/internal/whisper"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "whisperctl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("whisperctl", flag.ExitOnError)
	s := registerFlags(fs)
	_ = fs.Parse(os.Args[1:])

	logging.ConfigureRuntime("whisperctl")

	cfg, err := resolveConfig(fs, s)
	if err != nil {
		return err
	}

	conv := config.SessionConversation(cfg)
	ident := config.WhisperIdentity(cfg, conv)
	authz := config.Allowlist(cfg, conv)
	diag := transport.MetricsDiagnostics{}

	var arch whisper.Archive
	if dir := strings.TrimSpace(cfg.TranscriptDir); dir != "" {
		arch = archive.NewStore(dir)
	}

	q := dispatch.New("whisper")
	defer q.Close()

	svc := whisper.New(whisper.Deps{
		Queue:        q,
		Conversation: conv,
		Identity:     ident,
		Authorizer:   authz,
		Diagnostics:  diag,
		Archive:      arch,
		Publisher: func(ev transport.PublisherEvents) transport.Publisher {
			return ws.NewPublisher(ws.PublisherDeps{
				Queue:        q,
				Conversation: conv,
				Identity:     ident,
				Authorizer:   authz,
				Events:       ev,
				Diagnostics:  diag,
				Config:       ws.PublisherConfig{Addr: cfg.Addr},
			})
		},
		Config: whisper.Config{
			HistoryLimit:   cfg.HistoryLimit,
			CatchUpHistory: cfg.CatchUpLines,
			AdminOrigins:   cfg.AdminOrigins,
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(); err != nil {
		return err
	}
	defer svc.Stop()

	statusErr := make(chan error, 1)
	if addr := strings.TrimSpace(cfg.AdminAddr); addr != "" {
		srv := &http.Server{Addr: addr, Handler: svc.StatusHandler()}
		go func() {
			log.Info().Msgf("whisperctl status surface listening addr=%q", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				statusErr <- err
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	fmt.Printf("whispering to %q (conversation %s)\n", conv.Name, conv.ShortID())
	fmt.Println("type away; a finished line commits, ctrl-d ends the session")

	lines := make(chan string)
	readErr := make(chan error, 1)
	go pumpStdin(lines, readErr)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("whisperctl shutting down on signal")
			return nil
		case err := <-svc.Failures():
			return err
		case err := <-statusErr:
			return err
		case line := <-lines:
			svc.Update(line)
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				log.Info().Msg("stdin closed, ending session")
				return nil
			}
			return err
		}
	}
}

// pumpStdin feeds stdin lines to the session. The trailing newline stays
// on the line so every finished line commits on the wire.
func pumpStdin(lines chan<- string, readErr chan<- error) {
	reader := bufio.NewReader(os.Stdin)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			lines <- line
		}
		if err != nil {
			readErr <- err
			return
		}
	}
}
