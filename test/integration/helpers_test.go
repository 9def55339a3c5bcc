//go:build integration

package integration

import (
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"notebook-builder/internal/domain"
	"notebook-builder/internal/queue"
)

// brokerURL returns the broker the tests run against. Start one with
// docker run -p 5672:5672 rabbitmq:3 and set INTEGRATION_BROKER_URL.
func brokerURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("INTEGRATION_BROKER_URL")
	if url == "" {
		t.Skip("INTEGRATION_BROKER_URL not set")
	}
	return url
}

// names returns queue names unique to one test so runs do not share state.
func names(t *testing.T) queue.Topology {
	t.Helper()
	id := strings.ReplaceAll(domain.NewID(), "-", "")
	suffix := id[len(id)-10:]
	return queue.Topology{
		StartQueue:     "it.start." + suffix,
		CancelQueue:    "it.cancel." + suffix,
		CancelExchange: "it.cancel-fanout." + suffix,
	}
}

func dial(t *testing.T, topo queue.Topology, node string) *queue.Broker {
	t.Helper()
	topo.NodeID = node
	b, err := queue.Dial(brokerURL(t), topo, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func testLogger() *slog.Logger {
	if testing.Verbose() {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.DiscardHandler)
}
