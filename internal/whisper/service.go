package whisper

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sotto-dev/sotto/internal/auth"
	"github.com/sotto-dev/sotto/internal/dispatch"
	"github.com/sotto-dev/sotto/internal/protocol"
	"github.com/sotto-dev/sotto/internal/transport"
)

const serviceName = "whisper"

// ErrImmutableAuthorizer flags a grant or revoke against an authorizer
// that has no mutable allow-list.
var ErrImmutableAuthorizer = errors.New("whisper: authorizer has no mutable allow-list")

// ErrNoArchive flags a transcript operation on a session that was built
// without an archive.
var ErrNoArchive = errors.New("whisper: no transcript archive configured")

// Archive is the optional transcript store behind SaveTranscript.
// archive.Store implements it.
type Archive interface {
	Save(conversation string, lines []string) (string, error)
	Load(id string) ([]string, error)
	List() ([]string, error)
	Remove(id string) error
}

// GrantRevoker is the optional mutable allow-list surface of an
// Authorizer. auth.StaticList implements it.
type GrantRevoker interface {
	Grant(conversationID, profileID, username string)
	Revoke(conversationID, profileID string)
}

// listener is the session's view of one connected remote.
type listener struct {
	remote     transport.Remote
	info       protocol.ClientInfo
	authorized bool
	joined     bool
}

// Deps carries everything a whisperer session needs. Publisher builds
// the transport against the session's event tap; composite and single
// transports both fit.
type Deps struct {
	Queue        *dispatch.Queue
	Conversation transport.Conversation
	Identity     protocol.ClientInfo
	Authorizer   transport.Authorizer
	Diagnostics  transport.Diagnostics
	Archive      Archive

	Publisher func(transport.PublisherEvents) transport.Publisher

	Config Config
}

// Service is the whisperer side of a session: it owns the live line and
// committed history, publishes diffs, answers replay and catch-up
// requests, and decides listener authorization. All session state lives
// on the engine queue; the exported methods are safe from any goroutine.
type Service struct {
	q     *dispatch.Queue
	conv  transport.Conversation
	ident protocol.ClientInfo
	authz transport.Authorizer
	diag  transport.Diagnostics
	arch  Archive
	cfg   Config

	pub transport.Publisher

	running   bool
	startedAt time.Time

	live      string
	history   []string
	listeners map[string]*listener

	failures chan error
}

func New(deps Deps) *Service {
	s := &Service{
		q:         deps.Queue,
		conv:      deps.Conversation,
		ident:     deps.Identity,
		authz:     deps.Authorizer,
		diag:      deps.Diagnostics,
		arch:      deps.Archive,
		cfg:       deps.Config.WithDefaults(),
		listeners: make(map[string]*listener),
		failures:  make(chan error, 1),
	}
	if s.authz == nil {
		s.authz = auth.AllowAll{}
	}
	if s.diag == nil {
		s.diag = transport.NopDiagnostics{}
	}
	s.pub = deps.Publisher(&publisherEvents{s})
	return s
}

// publisherEvents keeps the transport event surface off the Service API.
type publisherEvents struct {
	s *Service
}

func (e *publisherEvents) OnCandidate(r transport.Remote, info protocol.ClientInfo) {
	e.s.onCandidate(r, info)
}
func (e *publisherEvents) OnControl(r transport.Remote, c protocol.Chunk) {
	e.s.onControl(r, c)
}
func (e *publisherEvents) OnSubscribed(r transport.Remote, authorized bool) {
	e.s.onSubscribed(r, authorized)
}
func (e *publisherEvents) OnRemoteGone(r transport.Remote) {
	e.s.onRemoteGone(r)
}

// Start brings the publisher up. Transport failures after startup are
// delivered on Failures.
func (s *Service) Start() error {
	var err error
	done := make(chan struct{})
	s.q.Submit(func() {
		defer close(done)
		if s.running {
			return
		}
		if err = s.pub.Start(s.onTransportFailure); err != nil {
			return
		}
		s.running = true
		s.startedAt = time.Now()
		log.Info().Msgf(
			"whisper.Service started conversation=%q name=%q client=%q",
			s.conv.ID,
			s.conv.Name,
			s.ident.ClientID,
		)
	})
	<-done
	return err
}

// Stop notifies listeners and releases the transport.
func (s *Service) Stop() {
	done := make(chan struct{})
	s.q.Submit(func() {
		defer close(done)
		if !s.running {
			return
		}
		s.pub.Stop()
		s.running = false
		log.Info().Msg("whisper.Service stopped")
	})
	<-done
}

// Failures delivers at most one fatal transport error.
func (s *Service) Failures() <-chan error {
	return s.failures
}

func (s *Service) onTransportFailure(err error) {
	log.Error().Msgf("whisper.Service transport failure err=%v", err)
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
			log.Info().Msgf("whisper.Service status surface listening addr=%q", addr)
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
		log.Info().Msg("whisper.Service shutting down on signal")
		return nil
	case err := <-s.failures:
		return err
	case err := <-statusErr:
		return err
	}
}

// Update replaces the whisperer's live line. Embedded newlines commit
// the text before them to history, matching the wire diff expansion.
func (s *Service) Update(text string) {
	s.q.Submit(func() { s.update(text) })
}

func (s *Service) update(text string) {
	if !s.running {
		return
	}
	chunks := protocol.DiffLines(s.live, text)
	if len(chunks) == 0 {
		return
	}
	s.pub.Publish(chunks)
	parts := strings.Split(text, "\n")
	for _, line := range parts[:len(parts)-1] {
		s.commit(line)
	}
	s.live = parts[len(parts)-1]
}

func (s *Service) commit(line string) {
	s.history = append(s.history, line)
	if over := len(s.history) - s.cfg.HistoryLimit; over > 0 {
		s.history = s.history[over:]
	}
}

// ClearHistory drops the committed ring here and on every listener.
func (s *Service) ClearHistory() {
	s.q.Submit(func() {
		if !s.running {
			return
		}
		s.history = nil
		s.broadcastControl(protocol.NewControl(protocol.ClearHistory, ""))
	})
}

// PlaySound cues a notification sound on every listener.
func (s *Service) PlaySound() {
	s.q.Submit(func() {
		if !s.running {
			return
		}
		s.broadcastControl(protocol.NewControl(protocol.PlaySound, ""))
	})
}

// PlaySpeech cues the listeners' speech pipeline with the given text.
func (s *Service) PlaySpeech(text string) {
	s.q.Submit(func() {
		if !s.running {
			return
		}
		s.broadcastControl(protocol.NewControl(protocol.PlaySpeech, text))
	})
}

// ShareTranscript announces a transcript id to every listener.
func (s *Service) ShareTranscript(id string) {
	s.q.Submit(func() {
		if !s.running {
			return
		}
		s.broadcastControl(protocol.NewControl(protocol.ShareTranscript, id))
	})
}

// SaveTranscript persists the committed history plus the in-progress
// live line to the archive and announces the id to every listener. The
// file write happens off the engine queue.
func (s *Service) SaveTranscript() (string, error) {
	if s.arch == nil {
		return "", ErrNoArchive
	}
	lines, err := s.transcriptLines()
	if err != nil {
		return "", err
	}
	id, err := s.arch.Save(s.conv.ID, lines)
	if err != nil {
		return "", err
	}
	log.Info().Msgf("whisper.Service transcript saved id=%q lines=%d", id, len(lines))
	s.ShareTranscript(id)
	return id, nil
}

func (s *Service) transcriptLines() ([]string, error) {
	out := make(chan []string, 1)
	s.q.Submit(func() {
		lines := append([]string(nil), s.history...)
		if s.live != "" {
			lines = append(lines, s.live)
		}
		out <- lines
	})
	select {
	case lines := <-out:
		return lines, nil
	case <-time.After(2 * time.Second):
		return nil, transport.ErrStopped
	}
}

// Transcripts lists the archive's stored transcript ids.
func (s *Service) Transcripts() ([]string, error) {
	if s.arch == nil {
		return nil, ErrNoArchive
	}
	return s.arch.List()
}

// Transcript reads one stored transcript back.
func (s *Service) Transcript(id string) ([]string, error) {
	if s.arch == nil {
		return nil, ErrNoArchive
	}
	return s.arch.Load(id)
}

// RemoveTranscript deletes one stored transcript.
func (s *Service) RemoveTranscript(id string) error {
	if s.arch == nil {
		return ErrNoArchive
	}
	return s.arch.Remove(id)
}

// Restart tells every listener to rejoin, drops them, and resets the
// session text state top to bottom.
func (s *Service) Restart() {
	s.q.Submit(func() {
		if !s.running {
			return
		}
		log.Info().Msgf("whisper.Service restarting listeners=%d", len(s.listeners))
		s.broadcastControl(protocol.NewPresence(protocol.Restart, s.ident))
		for _, l := range s.listeners {
			if err := s.pub.Drop(l.remote); err != nil {
				log.Debug().Msgf("whisper.Service restart drop remote=%q err=%v", l.remote.ID(), err)
			}
		}
		s.live = ""
		s.history = nil
	})
}

// Grant adds a profile to the allow-list for future listen requests.
// A denied listener retries with a fresh request after being granted.
func (s *Service) Grant(profileID, username string) error {
	gr, ok := s.authz.(GrantRevoker)
	if !ok {
		return ErrImmutableAuthorizer
	}
	s.q.Submit(func() {
		gr.Grant(s.conv.ID, profileID, username)
		log.Info().Msgf("whisper.Service granted profile=%q username=%q", profileID, username)
	})
	return nil
}

// Revoke removes a profile from the allow-list and ends its live
// sessions.
func (s *Service) Revoke(profileID string) error {
	gr, ok := s.authz.(GrantRevoker)
	if !ok {
		return ErrImmutableAuthorizer
	}
	s.q.Submit(func() {
		gr.Revoke(s.conv.ID, profileID)
		for _, l := range s.listeners {
			if l.info.ProfileID != profileID {
				continue
			}
			log.Info().Msgf("whisper.Service revoking live listener remote=%q profile=%q", l.remote.ID(), profileID)
			l.authorized = false
			if err := s.pub.Deauthorize(l.remote); err != nil {
				log.Debug().Msgf("whisper.Service revoke deauthorize remote=%q err=%v", l.remote.ID(), err)
			}
			_ = s.pub.SendControl(l.remote, protocol.NewPresence(protocol.ListenAuthNo, s.ident))
			if err := s.pub.Drop(l.remote); err != nil {
				log.Debug().Msgf("whisper.Service revoke drop remote=%q err=%v", l.remote.ID(), err)
			}
		}
	})
	return nil
}

func (s *Service) onCandidate(r transport.Remote, info protocol.ClientInfo) {
	l := &listener{remote: r, info: info}
	s.listeners[r.ID()] = l
	if s.authz.Authorized(s.conv.ID, info.ProfileID) {
		log.Info().Msgf(
			"whisper.Service listener approved remote=%q profile=%q username=%q",
			r.ID(),
			info.ProfileID,
			info.Username,
		)
		s.approve(l)
		return
	}
	log.Warn().Msgf("whisper.Service listener denied remote=%q profile=%q", r.ID(), info.ProfileID)
	_ = s.pub.SendControl(r, protocol.NewPresence(protocol.ListenAuthNo, s.ident))
	if err := s.pub.Drop(r); err != nil {
		log.Debug().Msgf("whisper.Service deny drop remote=%q err=%v", r.ID(), err)
	}
}

func (s *Service) approve(l *listener) {
	l.authorized = true
	if err := s.pub.Authorize(l.remote); err != nil {
		log.Warn().Msgf("whisper.Service authorize failed remote=%q err=%v", l.remote.ID(), err)
		return
	}
	_ = s.pub.SendControl(l.remote, protocol.NewPresence(protocol.ListenAuthYes, s.ident))
	s.catchUp(l, false)
}

// catchUp streams session state to one remote: optional replay ack,
// bounded committed history on the control band, then the live line as
// a directed content diff so it drains ahead of later broadcast traffic.
func (s *Service) catchUp(l *listener, ack bool) {
	if ack {
		_ = s.pub.SendControl(l.remote, protocol.NewControl(protocol.AckReplay, ""))
	}
	start := 0
	if over := len(s.history) - s.cfg.CatchUpHistory; over > 0 {
		start = over
	}
	for _, line := range s.history[start:] {
		_ = s.pub.SendControl(l.remote, protocol.NewControl(protocol.PastLine, line))
	}
	if err := s.pub.SendContent(l.remote, []protocol.Chunk{protocol.NewDiff(0, s.live)}); err != nil {
		log.Warn().Msgf("whisper.Service catch-up content failed remote=%q err=%v", l.remote.ID(), err)
	}
}

func (s *Service) onControl(r transport.Remote, c protocol.Chunk) {
	l, ok := s.listeners[r.ID()]
	if !ok {
		s.diag.Anomaly(serviceName, "control_from_unknown")
		return
	}
	switch c.Offset {
	case protocol.RequestReplay:
		log.Info().Msgf("whisper.Service replay requested remote=%q", r.ID())
		s.catchUp(l, true)
	case protocol.CatchUpRequest:
		if err := s.pub.SendContent(l.remote, []protocol.Chunk{protocol.NewDiff(0, s.live)}); err != nil {
			log.Warn().Msgf("whisper.Service catch-up resend failed remote=%q err=%v", r.ID(), err)
		}
	default:
		log.Debug().Msgf("whisper.Service ignoring control offset=%d remote=%q", c.Offset, r.ID())
	}
}

func (s *Service) onSubscribed(r transport.Remote, authorized bool) {
	l, ok := s.listeners[r.ID()]
	if !ok {
		// Content subscription without a listen request: an eavesdropper
		// the transport is already excluding from broadcast.
		s.diag.Anomaly(serviceName, "subscribe_from_unknown")
		return
	}
	l.joined = true
	l.authorized = l.authorized || authorized
	log.Info().Msgf(
		"whisper.Service listener joined remote=%q username=%q authorized=%v",
		r.ID(),
		l.info.Username,
		l.authorized,
	)
}

func (s *Service) onRemoteGone(r transport.Remote) {
	if _, ok := s.listeners[r.ID()]; !ok {
		return
	}
	delete(s.listeners, r.ID())
	log.Info().Msgf("whisper.Service listener gone remote=%q remaining=%d", r.ID(), len(s.listeners))
}

// broadcastControl fans one control chunk to every tracked listener.
// Transports only broadcast the content band, so control fan-out is a
// session concern.
func (s *Service) broadcastControl(c protocol.Chunk) {
	for _, l := range s.listeners {
		if err := s.pub.SendControl(l.remote, c); err != nil {
			log.Warn().Msgf("whisper.Service control send failed remote=%q err=%v", l.remote.ID(), err)
		}
	}
}

// ListenerStatus is one listener entry in a status snapshot.
type ListenerStatus struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Username   string `json:"username"`
	ProfileID  string `json:"profile_id"`
	Authorized bool   `json:"authorized"`
	Joined     bool   `json:"joined"`
}

// Status is a point-in-time snapshot of the session.
type Status struct {
	Conversation     string           `json:"conversation"`
	ConversationName string           `json:"conversation_name"`
	Running          bool             `json:"running"`
	Uptime           string           `json:"uptime"`
	Transport        transport.Status `json:"transport"`
	Live             string           `json:"live"`
	HistoryLines     int              `json:"history_lines"`
	Listeners        []ListenerStatus `json:"listeners"`
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
		Transport:        s.pub.Status(),
		Live:             s.live,
		HistoryLines:     len(s.history),
	}
	if s.running {
		st.Uptime = time.Since(s.startedAt).String()
	}
	for _, l := range s.listeners {
		st.Listeners = append(st.Listeners, ListenerStatus{
			ID:         l.remote.ID(),
			Kind:       string(l.remote.Kind()),
			Username:   l.info.Username,
			ProfileID:  l.info.ProfileID,
			Authorized: l.authorized,
			Joined:     l.joined,
		})
	}
	sort.Slice(st.Listeners, func(i, j int) bool { return st.Listeners[i].ID < st.Listeners[j].ID })
	return st
}
