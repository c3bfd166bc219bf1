package ws

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	serviceType   = "_sotto._tcp"
	serviceDomain = "local."
	sessionPath   = "/session"

	// convTXTKey carries the conversation short id in the advertisement's
	// TXT record; browsers filter on it before dialing.
	convTXTKey = "conv="
)

// advertise registers one publisher instance in mDNS. The conversation
// short id travels in the TXT record, not the instance name, so instance
// names stay unique per process.
func advertise(instance, shortID string, port int) (*zeroconf.Server, error) {
	return zeroconf.Register(
		instance,
		serviceType,
		serviceDomain,
		port,
		[]string{convTXTKey + shortID},
		nil,
	)
}

// entryConversation extracts the advertised conversation short id.
func entryConversation(entry *zeroconf.ServiceEntry) string {
	for _, txt := range entry.Text {
		if v, ok := strings.CutPrefix(txt, convTXTKey); ok {
			return v
		}
	}
	return ""
}

// entryURL builds the session endpoint URL for one browse result,
// preferring a resolved address over the mDNS hostname.
func entryURL(entry *zeroconf.ServiceEntry) string {
	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	default:
		host = strings.TrimSuffix(entry.HostName, ".")
	}
	if host == "" {
		return ""
	}
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(host, strconv.Itoa(entry.Port)), sessionPath)
}

// browse streams service entries to onEntry until ctx ends. The resolver
// owns the entry channel and closes it on cancellation.
func browse(ctx context.Context, onEntry func(*zeroconf.ServiceEntry)) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return err
	}
	entries := make(chan *zeroconf.ServiceEntry, 8)
	if err := resolver.Browse(ctx, serviceType, serviceDomain, entries); err != nil {
		return err
	}
	go func() {
		for entry := range entries {
			onEntry(entry)
		}
	}()
	return nil
}
