package ws

import (
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/grandcat/zeroconf"

	"github.com/sotto-dev/sotto/internal/testutil/testlog"
	"github.com/sotto-dev/sotto/internal/transport"
)

func browseEntry(instance, conv, host string, port int) *zeroconf.ServiceEntry {
	e := &zeroconf.ServiceEntry{
		Port:     port,
		Text:     []string{convTXTKey + conv},
		AddrIPv4: []net.IP{net.ParseIP(host)},
	}
	e.Instance = instance
	return e
}

func hostPort(t *testing.T, wsURL string) (string, int) {
	t.Helper()
	trimmed := strings.TrimPrefix(wsURL, "ws://")
	trimmed = strings.TrimSuffix(trimmed, sessionPath)
	host, portStr, err := net.SplitHostPort(trimmed)
	if err != nil {
		t.Fatalf("split %q: %v", wsURL, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("port %q: %v", portStr, err)
	}
	return host, port
}

func TestEntryConversation(t *testing.T) {
	testlog.Start(t)

	e := &zeroconf.ServiceEntry{Text: []string{"conv=abcd1234"}}
	if got := entryConversation(e); got != "abcd1234" {
		t.Fatalf("entryConversation = %q, want %q", got, "abcd1234")
	}

	e = &zeroconf.ServiceEntry{Text: []string{"version=1", "conv=open"}}
	if got := entryConversation(e); got != "open" {
		t.Fatalf("entryConversation skips foreign keys: got %q", got)
	}

	e = &zeroconf.ServiceEntry{Text: []string{"version=1"}}
	if got := entryConversation(e); got != "" {
		t.Fatalf("entryConversation without conv key = %q, want empty", got)
	}
}

func TestEntryURL(t *testing.T) {
	testlog.Start(t)

	e := &zeroconf.ServiceEntry{Port: 7070, AddrIPv4: []net.IP{net.ParseIP("192.168.1.20")}}
	if got := entryURL(e); got != "ws://192.168.1.20:7070/session" {
		t.Fatalf("ipv4 url = %q", got)
	}

	e = &zeroconf.ServiceEntry{Port: 7070, AddrIPv6: []net.IP{net.ParseIP("::1")}}
	if got := entryURL(e); got != "ws://[::1]:7070/session" {
		t.Fatalf("ipv6 url = %q", got)
	}

	e = &zeroconf.ServiceEntry{Port: 8080, HostName: "whisper.local."}
	if got := entryURL(e); got != "ws://whisper.local:8080/session" {
		t.Fatalf("hostname url = %q", got)
	}

	e = &zeroconf.ServiceEntry{Port: 8080}
	if got := entryURL(e); got != "" {
		t.Fatalf("unresolvable entry url = %q, want empty", got)
	}
}

func TestSubscriberFiltersBrowseResults(t *testing.T) {
	testlog.Start(t)
	url := offerOnlyServer(t, whispererInfo())
	q, sub, events, diag := startSubscriber(t, SubscriberConfig{URL: url})
	recv(t, events.candidates, "direct candidate")

	// A different conversation never gets dialed.
	foreign := browseEntry("other-1", "someone-else", "10.0.0.9", 7070)
	runOn(t, q, func() { sub.onEntry(foreign) })
	waitFor(t, q, "foreign entry ignored", func() bool { return len(sub.conns) == 1 })

	// A matching advertisement with nothing to dial is flagged.
	unresolvable := &zeroconf.ServiceEntry{Port: 7070, Text: []string{convTXTKey + testConv.ShortID()}}
	unresolvable.Instance = "bare-1"
	runOn(t, q, func() { sub.onEntry(unresolvable) })
	waitFor(t, q, "unresolvable entry flagged", func() bool {
		return diag.anomalyCount("unresolvable_entry") == 1
	})

	// The open-discovery sentinel is always acceptable.
	otherInfo := whispererInfo()
	otherInfo.ClientID = "client-other"
	otherURL := offerOnlyServer(t, otherInfo)
	host, port := hostPort(t, otherURL)
	open := browseEntry("open-1", transport.OpenDiscoveryID, host, port)
	runOn(t, q, func() { sub.onEntry(open) })

	second := recv(t, events.candidates, "open discovery candidate")
	if second.remote.ID() != "client-other" {
		t.Fatalf("unexpected open candidate: %q", second.remote.ID())
	}
	waitFor(t, q, "both candidates tracked", func() bool { return len(sub.conns) == 2 })
}
