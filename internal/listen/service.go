package listen

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sotto-dev/sotto/internal/dispatch"
	"github.com/sotto-dev/sotto/internal/protocol"
	"github.com/sotto-dev/sotto/internal/transport"
)

const serviceName = "listen"

// ErrNoWhisperer flags an operation that needs a committed whisperer
// while the session is still discovering.
var ErrNoWhisperer = errors.New("listen: no committed whisperer")

// whisperer is the session's view of the committed publisher.
type whisperer struct {
	remote     transport.Remote
	info       protocol.ClientInfo
	authorized bool
	joined     bool
	denied     bool
}

// Deps carries everything a listener session needs. Subscriber builds
// the transport against the session's event tap; composite and single
// transports both fit.
type Deps struct {
	Queue        *dispatch.Queue
	Conversation transport.Conversation
	Identity     protocol.ClientInfo
	Sink         LineSink
	Cues         Cues
	Diagnostics  transport.Diagnostics

	Subscriber func(transport.SubscriberEvents) transport.Subscriber

	Config Config
}

// Service is the listener side of a session: it commits to the first
// whisperer sighted for its conversation, reconstructs the live line and
// history from the stream, and surfaces text to the sink and side
// effects to the cues. All session state lives on the engine queue.
type Service struct {
	q     *dispatch.Queue
	conv  transport.Conversation
	ident protocol.ClientInfo
	sink  LineSink
	cues  Cues
	diag  transport.Diagnostics
	cfg   Config

	sub transport.Subscriber

	running   bool
	startedAt time.Time

	current *whisperer
	live    string
	history []string

	failures chan error
}

func New(deps Deps) *Service {
	s := &Service{
		q:        deps.Queue,
		conv:     deps.Conversation,
		ident:    deps.Identity,
		sink:     deps.Sink,
		cues:     deps.Cues,
		diag:     deps.Diagnostics,
		cfg:      deps.Config.WithDefaults(),
		failures: make(chan error, 1),
	}
	if s.sink == nil {
		s.sink = NopSink{}
	}
	if s.cues == nil {
		s.cues = NopCues{}
	}
	if s.diag == nil {
		s.diag = transport.NopDiagnostics{}
	}
	s.sub = deps.Subscriber(&subscriberEvents{s})
	return s
}

// subscriberEvents keeps the transport event surface off the Service API.
type subscriberEvents struct {
	s *Service
}

func (e *subscriberEvents) OnContent(c protocol.Chunk) {
	e.s.onContent(c)
}
func (e *subscriberEvents) OnControl(c protocol.Chunk) {
	e.s.onControl(c)
}
func (e *subscriberEvents) OnCandidate(r transport.Remote, info protocol.ClientInfo) {
	e.s.onCandidate(r, info)
}
func (e *subscriberEvents) OnSubscribed(r transport.Remote) {
	e.s.onSubscribed(r)
}
func (e *subscriberEvents) OnDisconnected(r transport.Remote) {
	e.s.onDisconnected(r)
}
func (e *subscriberEvents) OnLost(r transport.Remote, err error) {
	e.s.onLost(r, err)
}

// Start brings the subscriber up and begins discovery. Transport
// failures after startup are delivered on Failures.
func (s *Service) Start() error {
	var err error
	done := make(chan struct{})
	s.q.Submit(func() {
		defer close(done)
		if s.running {
			return
		}
		if err = s.sub.Start(s.onTransportFailure); err != nil {
			return
		}
		s.running = true
		s.startedAt = time.Now()
		log.Info().Msgf(
			"listen.Service started conversation=%q client=%q username=%q",
			s.conv.ID,
			s.ident.ClientID,
			s.ident.Username,
		)
	})
	<-done
	return err
}

// Stop leaves the session and releases the transport.
func (s *Service) Stop() {
	done := make(chan struct{})
	s.q.Submit(func() {
		defer close(done)
		if !s.running {
			return
		}
		s.sub.Stop()
		s.running = false
		s.current = nil
		log.Info().Msg("listen.Service stopped")
	})
	<-done
}

// Failures delivers at most one fatal transport error.
func (s *Service) Failures() <-chan error {
	return s.failures
}

func (s *Service) onTransportFailure(err error) {
	log.Error().Msgf("listen.Service transport failure err=%v", err)
	select {
	case s.failures <- err:
	default:
	}
}

// Run blocks until SIGINT/SIGTERM or a fatal transport failure, serving
// the status surface when configured.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.Start(); err != nil {
		return err
	}
	defer s.Stop()

	statusErr := make(chan error, 1)
	if addr := strings.TrimSpace(s.cfg.StatusAddr); addr != "" {
		srv := &http.Server{Addr: addr, Handler: s.statusRouter()}
		go func() {
			log.Info().Msgf("listen.Service status surface listening addr=%q", addr)
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

	select {
	case <-ctx.Done():
		log.Info().Msg("listen.Service shutting down on signal")
		return nil
	case err := <-s.failures:
		return err
	case err := <-statusErr:
		return err
	}
}

// RequestReplay asks the whisperer for a full history replay.
func (s *Service) RequestReplay() error {
	return s.sendToWhisperer(protocol.NewControl(protocol.RequestReplay, ""))
}

// CatchUp asks the whisperer to resend the live line.
func (s *Service) CatchUp() error {
	return s.sendToWhisperer(protocol.NewControl(protocol.CatchUpRequest, ""))
}

// Leave drops the committed whisperer and returns to discovery. The
// reconstructed text survives the drop.
func (s *Service) Leave() error {
	errc := make(chan error, 1)
	s.q.Submit(func() {
		if !s.running || s.current == nil {
			errc <- ErrNoWhisperer
			return
		}
		errc <- s.sub.Drop(s.current.remote)
	})
	return s.await(errc)
}

func (s *Service) sendToWhisperer(c protocol.Chunk) error {
	errc := make(chan error, 1)
	s.q.Submit(func() {
		if !s.running || s.current == nil || !s.current.joined {
			errc <- ErrNoWhisperer
			return
		}
		errc <- s.sub.SendControl(s.current.remote, c)
	})
	return s.await(errc)
}

func (s *Service) await(errc <-chan error) error {
	select {
	case err := <-errc:
		return err
	case <-time.After(2 * time.Second):
		return transport.ErrStopped
	}
}

// GoBackground suspends discovery-side radio work on the transport.
func (s *Service) GoBackground() {
	s.q.Submit(func() {
		if s.running {
			s.sub.GoBackground()
		}
	})
}

// GoForeground resumes suspended transport work.
func (s *Service) GoForeground() {
	s.q.Submit(func() {
		if s.running {
			s.sub.GoForeground()
		}
	})
}

func (s *Service) onCandidate(r transport.Remote, info protocol.ClientInfo) {
	if !s.running {
		return
	}
	if s.current != nil {
		log.Debug().Msgf(
			"listen.Service ignoring candidate while committed remote=%q candidate=%q",
			s.current.remote.ID(),
			r.ID(),
		)
		return
	}
	log.Info().Msgf(
		"listen.Service whisperer sighted remote=%q username=%q, subscribing",
		r.ID(),
		info.Username,
	)
	if err := s.sub.Subscribe(r, s.conv); err != nil {
		log.Warn().Msgf("listen.Service subscribe failed remote=%q err=%v", r.ID(), err)
		return
	}
	s.current = &whisperer{remote: r, info: info}
}

func (s *Service) onSubscribed(r transport.Remote) {
	if s.current == nil || s.current.remote.ID() != r.ID() {
		s.diag.Anomaly(serviceName, "subscribed_without_commit")
		return
	}
	s.current.joined = true
	log.Info().Msgf("listen.Service content live remote=%q", r.ID())
}

func (s *Service) onContent(c protocol.Chunk) {
	if s.current == nil {
		s.diag.Anomaly(serviceName, "content_without_whisperer")
		return
	}
	if c.IsNewline() {
		s.commit(s.live)
		s.live = ""
		return
	}
	next, err := protocol.Apply(s.live, c)
	if err != nil {
		s.diag.MalformedPacket(serviceName, "content")
		return
	}
	s.live = next
	s.sink.LiveChanged(s.live)
}

func (s *Service) commit(line string) {
	s.history = append(s.history, line)
	if over := len(s.history) - s.cfg.HistoryLimit; over > 0 {
		s.history = s.history[over:]
	}
	s.sink.LineCommitted(line)
}

func (s *Service) onControl(c protocol.Chunk) {
	if s.current == nil {
		s.diag.Anomaly(serviceName, "control_without_whisperer")
		return
	}
	switch c.Offset {
	case protocol.PastLine:
		s.commit(c.Text)
	case protocol.LiveLine:
		s.live = c.Text
		s.sink.LiveChanged(s.live)
	case protocol.AckReplay:
		// Replay rebuilds from nothing; stale text would double up.
		log.Info().Msgf("listen.Service replay starting remote=%q", s.current.remote.ID())
		s.live = ""
		s.history = nil
		s.sink.HistoryCleared()
	case protocol.ClearHistory:
		s.history = nil
		s.sink.HistoryCleared()
	case protocol.PlaySound:
		s.cues.PlaySound()
	case protocol.PlaySpeech:
		s.cues.PlaySpeech(c.Text)
	case protocol.ShareTranscript:
		log.Info().Msgf("listen.Service transcript shared id=%q", c.Text)
		s.sink.TranscriptShared(c.Text)
	case protocol.ListenAuthYes:
		info, err := protocol.DecodeClientInfo(c.Text)
		if err != nil {
			s.diag.MalformedPacket(serviceName, "control")
			return
		}
		s.current.authorized = true
		s.current.info = info
		log.Info().Msgf(
			"listen.Service authorized by whisperer username=%q conversation=%q",
			info.Username,
			info.ConversationName,
		)
	case protocol.ListenAuthNo:
		s.current.denied = true
		log.Warn().Msgf("listen.Service denied by whisperer remote=%q", s.current.remote.ID())
	case protocol.Restart:
		// The whisperer is tearing everyone down; the next sighting
		// starts a fresh session, so the text state is void now.
		log.Info().Msgf("listen.Service whisperer restarting remote=%q", s.current.remote.ID())
		s.live = ""
		s.history = nil
		s.sink.HistoryCleared()
	case protocol.RejoinOffer:
		if info, err := protocol.DecodeClientInfo(c.Text); err == nil {
			log.Info().Msgf("listen.Service rejoin offered by username=%q", info.Username)
		}
	default:
		log.Debug().Msgf("listen.Service ignoring control offset=%d", c.Offset)
	}
}

func (s *Service) onDisconnected(r transport.Remote) {
	log.Info().Msgf("listen.Service whisperer disconnected remote=%q", r.ID())
	s.current = nil
}

func (s *Service) onLost(r transport.Remote, err error) {
	log.Warn().Msgf("listen.Service whisperer lost remote=%q err=%v", r.ID(), err)
	s.current = nil
}

// WhispererStatus is the committed publisher in a status snapshot.
type WhispererStatus struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Username   string `json:"username"`
	ProfileID  string `json:"profile_id"`
	Authorized bool   `json:"authorized"`
	Joined     bool   `json:"joined"`
	Denied     bool   `json:"denied"`
}

// Status is a point-in-time snapshot of the session.
type Status struct {
	Conversation     string           `json:"conversation"`
	ConversationName string           `json:"conversation_name"`
	Running          bool             `json:"running"`
	Uptime           string           `json:"uptime"`
	Transport        transport.Status `json:"transport"`
	Whisperer        *WhispererStatus `json:"whisperer,omitempty"`
	Live             string           `json:"live"`
	HistoryLines     int              `json:"history_lines"`
}

// Snapshot reads session state through the engine queue. Callers off the
// queue (status handlers, binaries) only ever see consistent state.
func (s *Service) Snapshot() Status {
	out := make(chan Status, 1)
	s.q.Submit(func() { out <- s.snapshot() })
	select {
	case st := <-out:
		return st
	case <-time.After(2 * time.Second):
		return Status{Conversation: s.conv.ID, ConversationName: s.conv.Name}
	}
}

func (s *Service) snapshot() Status {
	st := Status{
		Conversation:     s.conv.ID,
		ConversationName: s.conv.Name,
		Running:          s.running,
		Transport:        s.sub.Status(),
		Live:             s.live,
		HistoryLines:     len(s.history),
	}
	if s.running {
		st.Uptime = time.Since(s.startedAt).Round(time.Second).String()
	}
	if s.current != nil {
		st.Whisperer = &WhispererStatus{
			ID:         s.current.remote.ID(),
			Kind:       string(s.current.remote.Kind()),
			Username:   s.current.info.Username,
			ProfileID:  s.current.info.ProfileID,
			Authorized: s.current.authorized,
			Joined:     s.current.joined,
			Denied:     s.current.denied,
		}
	}
	return st
}
