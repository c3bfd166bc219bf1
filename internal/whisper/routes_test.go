package whisper

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sotto-dev/sotto/internal/auth"
	"github.com/sotto-dev/sotto/internal/dispatch"
	"github.com/sotto-dev/sotto/internal/testutil/testlog"
	"github.com/sotto-dev/sotto/internal/transport"
)

func doRequest(t *testing.T, router http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestStatusRoutesHealth(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Config{})
	router := h.svc.statusRouter()

	w := doRequest(t, router, http.MethodGet, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health code = %d, want 200", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" || body["component"] != "whisper" {
		t.Fatalf("body = %v", body)
	}
}

func TestStatusRoutesSnapshot(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Config{})
	router := h.svc.statusRouter()

	r := transport.GlobalRemote{ClientID: "client-profile-ok"}
	h.admit(t, r, "profile-ok")
	h.svc.Update("live text")
	runOn(t, h.q, func() {})

	w := doRequest(t, router, http.MethodGet, "/status")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /status code = %d, want 200", w.Code)
	}
	var st Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Conversation != testConv.ID || !st.Running {
		t.Fatalf("status = %+v", st)
	}
	if st.Live != "live text" || len(st.Listeners) != 1 {
		t.Fatalf("live=%q listeners=%+v", st.Live, st.Listeners)
	}
	if st.Listeners[0].Username != "Listener profile-ok" {
		t.Fatalf("listener = %+v", st.Listeners[0])
	}
}

func TestStatusRoutesGrantRevoke(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Config{})
	router := h.svc.statusRouter()

	w := doRequest(t, router, http.MethodPost, "/listeners/profile-web/grant?username=Webb")
	if w.Code != http.StatusOK {
		t.Fatalf("grant code = %d, want 200", w.Code)
	}
	runOn(t, h.q, func() {})
	if !h.list.Authorized(testConv.ID, "profile-web") {
		t.Fatalf("granted profile not on allow-list")
	}

	w = doRequest(t, router, http.MethodPost, "/listeners/profile-web/revoke")
	if w.Code != http.StatusOK {
		t.Fatalf("revoke code = %d, want 200", w.Code)
	}
	runOn(t, h.q, func() {})
	if h.list.Authorized(testConv.ID, "profile-web") {
		t.Fatalf("revoked profile still on allow-list")
	}
}

func TestStatusRoutesGrantImmutableAuthorizer(t *testing.T) {
	testlog.Start(t)
	q := dispatch.New("whisper-test")
	defer q.Close()
	pub := newFakePub()
	svc := New(Deps{
		Queue:        q,
		Conversation: testConv,
		Identity:     testIdentity,
		Authorizer:   auth.AllowAll{},
		Publisher: func(ev transport.PublisherEvents) transport.Publisher {
			pub.events = ev
			return pub
		},
	})
	router := svc.statusRouter()

	w := doRequest(t, router, http.MethodPost, "/listeners/profile-x/grant")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("grant code = %d, want 400", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] == "" {
		t.Fatalf("body = %v, want error message", body)
	}
}

func TestStatusRoutesTranscriptLifecycle(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Config{})
	router := h.svc.statusRouter()

	h.svc.Update("alpha\n")

	w := doRequest(t, router, http.MethodPost, "/transcript/share")
	if w.Code != http.StatusOK {
		t.Fatalf("POST /transcript/share code = %d: %s", w.Code, w.Body.String())
	}
	var shared struct {
		Transcript string `json:"transcript"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &shared); err != nil {
		t.Fatalf("decode share body: %v", err)
	}
	if shared.Transcript == "" {
		t.Fatalf("share body missing transcript id: %s", w.Body.String())
	}

	w = doRequest(t, router, http.MethodGet, "/transcripts")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /transcripts code = %d", w.Code)
	}
	var listed struct {
		Transcripts []string `json:"transcripts"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list body: %v", err)
	}
	if len(listed.Transcripts) != 1 || listed.Transcripts[0] != shared.Transcript {
		t.Fatalf("transcripts = %q, want [%q]", listed.Transcripts, shared.Transcript)
	}

	w = doRequest(t, router, http.MethodGet, "/transcripts/"+shared.Transcript)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /transcripts/%s code = %d", shared.Transcript, w.Code)
	}
	var loaded struct {
		Lines []string `json:"lines"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &loaded); err != nil {
		t.Fatalf("decode load body: %v", err)
	}
	if len(loaded.Lines) != 1 || loaded.Lines[0] != "alpha" {
		t.Fatalf("lines = %q, want the committed line", loaded.Lines)
	}

	w = doRequest(t, router, http.MethodDelete, "/transcripts/"+shared.Transcript)
	if w.Code != http.StatusOK {
		t.Fatalf("DELETE code = %d", w.Code)
	}
	w = doRequest(t, router, http.MethodGet, "/transcripts/"+shared.Transcript)
	if w.Code != http.StatusNotFound {
		t.Fatalf("GET after delete code = %d, want 404", w.Code)
	}
}
