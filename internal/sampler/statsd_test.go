package sampler

import (
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/example/loadharness/internal/config"
	"github.com/example/loadharness/internal/operation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collectPackets reads UDP packets until every want string was seen or the
// deadline passes, and returns everything read.
func collectPackets(t *testing.T, conn net.PacketConn, want ...string) string {
	t.Helper()
	var sb strings.Builder
	buf := make([]byte, 64*1024)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, conn.SetReadDeadline(deadline))
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			break
		}
		sb.Write(buf[:n])
		sb.WriteByte('\n')

		done := true
		for _, w := range want {
			if !strings.Contains(sb.String(), w) {
				done = false
				break
			}
		}
		if done {
			break
		}
	}
	return sb.String()
}

func TestStatsdExporter(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	e := NewStatsdExporter(config.StatsdConfig{
		Addr:          conn.LocalAddr().String(),
		Prefix:        "lh.",
		FlushInterval: 10 * time.Millisecond,
	}, nil)

	e.Observe(operation.KindWrite, 3*time.Millisecond, nil)
	e.Observe(operation.KindRead, time.Millisecond, errors.New("boom"))
	e.ObserveInterval(Interval{
		Duration: 2 * time.Second,
		Stats: map[operation.Kind]Stats{
			operation.KindWrite: {Kind: operation.KindWrite, Successes: 10},
		},
	})
	e.UpdateActiveWorkers(4)
	e.UpdateShuttingDown(true)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	want := []string{
		"lh.operation.write.success:1|c",
		"lh.operation.write.latency:",
		"lh.operation.read.failure:1|c",
		"lh.interval.write.throughput:5",
		"lh.workers.active:4|g",
		"lh.shutting_down:1|g",
	}
	out := collectPackets(t, conn, want...)
	for _, w := range want {
		assert.Contains(t, out, w)
	}
	assert.NotContains(t, out, "lh.operation.read.latency")
}
