package listen

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sotto-dev/sotto/internal/protocol"
	"github.com/sotto-dev/sotto/internal/testutil/testlog"
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
	if body["status"] != "ok" || body["component"] != "listen" {
		t.Fatalf("body = %v", body)
	}
}

func TestStatusRoutesSnapshot(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Config{})
	router := h.svc.statusRouter()

	h.join(t)
	runOn(t, h.q, func() {
		h.sub.events.OnContent(protocol.NewDiff(0, "live text"))
	})

	w := doRequest(t, router, http.MethodGet, "/status")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /status code = %d, want 200", w.Code)
	}
	var st Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Conversation != testConv.ID || !st.Running || st.Live != "live text" {
		t.Fatalf("status = %+v", st)
	}
	if st.Whisperer == nil || st.Whisperer.ID != whispererRemote.ID() {
		t.Fatalf("whisperer = %+v", st.Whisperer)
	}
}

func TestStatusRoutesReplay(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Config{})
	router := h.svc.statusRouter()

	w := doRequest(t, router, http.MethodPost, "/replay")
	if w.Code != http.StatusConflict {
		t.Fatalf("replay without whisperer code = %d, want 409", w.Code)
	}

	h.join(t)
	w = doRequest(t, router, http.MethodPost, "/replay")
	if w.Code != http.StatusOK {
		t.Fatalf("replay code = %d, want 200", w.Code)
	}
	runOn(t, h.q, func() {
		if len(h.sub.controlled) != 1 || h.sub.controlled[0].Offset != protocol.RequestReplay {
			t.Errorf("controlled = %+v, want replay request", h.sub.controlled)
		}
	})
}

func TestStatusRoutesLeave(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Config{})
	router := h.svc.statusRouter()

	h.join(t)
	w := doRequest(t, router, http.MethodPost, "/leave")
	if w.Code != http.StatusOK {
		t.Fatalf("leave code = %d, want 200", w.Code)
	}
	runOn(t, h.q, func() {
		if len(h.sub.dropped) != 1 {
			t.Errorf("dropped = %v, want the committed whisperer", h.sub.dropped)
		}
	})
}
