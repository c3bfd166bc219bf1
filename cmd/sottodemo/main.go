// sottodemo runs a whisperer and a listener in one process over the
// in-memory radio, so the whole stack can be watched without two
// machines: live typing, corrections, commits, replay, and cues.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sotto-dev/sotto/internal/auth"
	"github.com/sotto-dev/sotto/internal/dispatch"
	"github.com/sotto-dev/sotto/internal/gatt"
	"github.com/sotto-dev/sotto/internal/listen"
	"github.com/sotto-dev/sotto/internal/logging"
	"github.com/sotto-dev/sotto/internal/protocol"
	"github.com/sotto-dev/sotto/internal/transport"
	"github.com/sotto-dev/sotto/internal/transport/ble"
	"github.com/sotto-dev/sotto/internal/transport/composite"
	"github.com/sotto-dev/sotto/internal/transport/ws"
	"github.com/sotto-dev/sotto/internal/whisper"
)

// script is the whisperer's typing session: each entry is the full live
// text, so corrections show up as backtracking diffs on the wire.
var script = []string{
	"h", "he", "hey", "hey t", "hey tea", "hey team",
	"hey team\n",
	"shipping the n",
	"shipping the new build tody",
	"shipping the new build today",
	"shipping the new build today\n",
	"questions in thread",
	"questions in thread\n",
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sottodemo: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		transportKind string
		wsAddr        string
		delay         time.Duration
	)
	fs := flag.NewFlagSet("sottodemo", flag.ExitOnError)
	fs.StringVar(&transportKind, "transport", "ble", "transport under demo: ble or composite")
	fs.StringVar(&wsAddr, "addr", "127.0.0.1:8777", "websocket address for the composite demo")
	fs.DurationVar(&delay, "delay", 150*time.Millisecond, "pause between keystroke batches")
	_ = fs.Parse(os.Args[1:])

	logging.ConfigureRuntime("sottodemo")

	conv := transport.Conversation{
		ID:    uuid.NewString(),
		Name:  "sotto demo",
		Owner: "profile-demo-whisperer",
	}
	whisperIdent := protocol.ClientInfo{
		ConversationID:   conv.ID,
		ConversationName: conv.Name,
		ClientID:         uuid.NewString(),
		ProfileID:        conv.Owner,
		Username:         "demo whisperer",
	}
	listenIdent := protocol.ClientInfo{
		ConversationID:   conv.ID,
		ConversationName: conv.Name,
		ClientID:         uuid.NewString(),
		ProfileID:        "profile-demo-listener",
		Username:         "demo listener",
	}

	list := auth.NewStaticList()
	list.Grant(conv.ID, listenIdent.ProfileID, listenIdent.Username)
	diag := transport.MetricsDiagnostics{}
	medium := gatt.NewMedium()

	wq := dispatch.New("whisper")
	defer wq.Close()
	lq := dispatch.New("listen")
	defer lq.Close()

	pubFactory, subFactory, err := transportFactories(
		transportKind, medium, wsAddr,
		wq, lq, conv, whisperIdent, listenIdent, list, diag,
	)
	if err != nil {
		return err
	}

	wsvc := whisper.New(whisper.Deps{
		Queue:        wq,
		Conversation: conv,
		Identity:     whisperIdent,
		Authorizer:   list,
		Diagnostics:  diag,
		Publisher:    pubFactory,
	})
	lsvc := listen.New(listen.Deps{
		Queue:        lq,
		Conversation: conv,
		Identity:     listenIdent,
		Sink:         listen.NewWriterSink(os.Stdout),
		Cues:         printedCues{os.Stdout},
		Diagnostics:  diag,
		Subscriber:   subFactory,
	})

	if err := wsvc.Start(); err != nil {
		return fmt.Errorf("start whisperer: %w", err)
	}
	defer wsvc.Stop()
	if err := lsvc.Start(); err != nil {
		return fmt.Errorf("start listener: %w", err)
	}
	defer lsvc.Stop()

	fmt.Printf("demo conversation %s over %s\n\n", conv.ShortID(), transportKind)

	// Give discovery and pairing a beat before typing starts.
	time.Sleep(settleTime(transportKind))

	for _, text := range script {
		wsvc.Update(text)
		time.Sleep(delay)
	}

	wsvc.PlaySound()
	wsvc.PlaySpeech("that is the whole demo")
	time.Sleep(delay)

	// A late replay pulls the committed lines down again.
	if err := lsvc.RequestReplay(); err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	time.Sleep(settleTime(transportKind))

	st := lsvc.Snapshot()
	fmt.Printf("\nlistener reconstructed %d lines, transport %s\n", st.HistoryLines, st.Transport)
	if st.Whisperer != nil {
		fmt.Printf("joined to %q\n", st.Whisperer.Username)
	}
	return nil
}

// transportFactories builds the role factories for the chosen demo
// transport. The composite pair runs the radio beside a loopback
// websocket so path handover is observable in one process.
func transportFactories(
	kind string,
	medium *gatt.Medium,
	wsAddr string,
	wq, lq *dispatch.Queue,
	conv transport.Conversation,
	whisperIdent, listenIdent protocol.ClientInfo,
	authz transport.Authorizer,
	diag transport.Diagnostics,
) (func(transport.PublisherEvents) transport.Publisher, func(transport.SubscriberEvents) transport.Subscriber, error) {
	blePub := func(ev transport.PublisherEvents) transport.Publisher {
		return ble.NewPublisher(ble.PublisherDeps{
			Queue:        wq,
			Peripheral:   medium.NewPeripheral(),
			Conversation: conv,
			Identity:     whisperIdent,
			Authorizer:   authz,
			Events:       ev,
			Diagnostics:  diag,
		})
	}
	bleSub := func(ev transport.SubscriberEvents) transport.Subscriber {
		return ble.NewSubscriber(ble.SubscriberDeps{
			Queue:        lq,
			Central:      medium.NewCentral(),
			Conversation: conv,
			Identity:     listenIdent,
			Events:       ev,
			Diagnostics:  diag,
		})
	}

	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "ble":
		return blePub, bleSub, nil
	case "composite":
		wsPub := func(ev transport.PublisherEvents) transport.Publisher {
			return ws.NewPublisher(ws.PublisherDeps{
				Queue:        wq,
				Conversation: conv,
				Identity:     whisperIdent,
				Authorizer:   authz,
				Events:       ev,
				Diagnostics:  diag,
				Config:       ws.PublisherConfig{Addr: wsAddr},
			})
		}
		wsSub := func(ev transport.SubscriberEvents) transport.Subscriber {
			return ws.NewSubscriber(ws.SubscriberDeps{
				Queue:        lq,
				Conversation: conv,
				Identity:     listenIdent,
				Events:       ev,
				Diagnostics:  diag,
				Config:       ws.SubscriberConfig{URL: "ws://" + wsAddr + "/session"},
			})
		}
		pub := func(ev transport.PublisherEvents) transport.Publisher {
			return composite.NewPublisher(composite.PublisherDeps{
				Queue:       wq,
				Events:      ev,
				Diagnostics: diag,
				Local:       blePub,
				Global:      wsPub,
				Config:      composite.Config{LocalStartDelay: 500 * time.Millisecond},
			})
		}
		sub := func(ev transport.SubscriberEvents) transport.Subscriber {
			return composite.NewSubscriber(composite.SubscriberDeps{
				Queue:       lq,
				Events:      ev,
				Diagnostics: diag,
				Local:       bleSub,
				Global:      wsSub,
				Config:      composite.Config{LocalStartDelay: 500 * time.Millisecond},
			})
		}
		return pub, sub, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q (expected ble or composite)", kind)
	}
}

func settleTime(kind string) time.Duration {
	if strings.EqualFold(strings.TrimSpace(kind), "composite") {
		return 1200 * time.Millisecond
	}
	return 400 * time.Millisecond
}

// printedCues renders whisperer cues inline with the listener text.
type printedCues struct {
	w io.Writer
}

func (c printedCues) PlaySound() {
	fmt.Fprintf(c.w, "\r\x1b[2K(sound)\n")
}

func (c printedCues) PlaySpeech(text string) {
	fmt.Fprintf(c.w, "\r\x1b[2K(speech) %s\n", text)
}
