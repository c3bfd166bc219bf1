package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sotto-dev/sotto/internal/config"
	"github.com/sotto-dev/sotto/internal/dispatch"
	"github.com/sotto-dev/sotto/internal/listen"
	"github.com/sotto-dev/sotto/internal/logging"
	"github.com/sotto-dev/sotto/internal/transport"
	"github.com/sotto-dev/sotto/internal/transport/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "listenctl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("listenctl", flag.ExitOnError)
	s := registerFlags(fs)
	_ = fs.Parse(os.Args[1:])

	logging.ConfigureRuntime("listenctl")

	cfg, err := resolveConfig(fs, s)
	if err != nil {
		return err
	}

	conv := config.ListenConversation(cfg)
	ident := config.ListenIdentity(cfg)
	diag := transport.MetricsDiagnostics{}

	q := dispatch.New("listen")
	defer q.Close()

	svc := listen.New(listen.Deps{
		Queue:        q,
		Conversation: conv,
		Identity:     ident,
		Sink:         listen.NewWriterSink(os.Stdout),
		Cues:         bellCues{w: os.Stdout},
		Diagnostics:  diag,
		Subscriber: func(ev transport.SubscriberEvents) transport.Subscriber {
			return ws.NewSubscriber(ws.SubscriberDeps{
				Queue:        q,
				Conversation: conv,
				Identity:     ident,
				Events:       ev,
				Diagnostics:  diag,
				Config:       ws.SubscriberConfig{URL: cfg.URL},
			})
		},
		Config: listen.Config{
			HistoryLimit: cfg.HistoryLimit,
			StatusAddr:   cfg.AdminAddr,
			AdminOrigins: cfg.AdminOrigins,
		},
	})

	fmt.Printf("listening as %q (conversation %s)\n", ident.Username, conv.ShortID())
	return svc.Run()
}

// bellCues renders cues on the terminal: a bell for sound, plain text
// for speech.
type bellCues struct {
	w io.Writer
}

func (c bellCues) PlaySound() {
	fmt.Fprint(c.w, "\a")
}

func (c bellCues) PlaySpeech(text string) {
	fmt.Fprintf(c.w, "\r\x1b[2K(speech) %s\n", text)
}
