package transport

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxis/a2a-fabric/internal/a2a"
	"github.com/praxis/a2a-fabric/internal/config"
)

// stalledPeer completes the hello/welcome exchange and then never reads again.
func stalledPeer(t *testing.T) *net.TCPAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan struct{})
	t.Cleanup(func() {
		close(done)
		ln.Close()
	})

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := bufio.NewReader(conn).ReadString('\n'); err != nil {
			return
		}
		if _, err := conn.Write([]byte(`{"kind":"welcome"}` + "\n")); err != nil {
			return
		}
		<-done
	}()
	return ln.Addr().(*net.TCPAddr)
}

func TestTCPWriteToStalledPeerTimesOut(t *testing.T) {
	addr := stalledPeer(t)
	m := newTestManager(t, config.TransportLayerConfig{})
	conn, err := m.Connect(context.Background(), "stalled", config.TransportConfig{
		Protocol: config.ProtocolTCP,
		Host:     "127.0.0.1",
		Port:     addr.Port,
		Timeout:  300 * time.Millisecond,
	})
	require.NoError(t, err)

	msg, err := a2a.NewRequest("client-agent", a2a.To("stalled"), "bulk.load", map[string]string{
		"blob": strings.Repeat("x", 1<<20),
	})
	require.NoError(t, err)

	var sendErr error
	for i := 0; i < 64 && sendErr == nil; i++ {
		start := time.Now()
		sendErr = m.SendNotification(context.Background(), conn.ID, msg)
		assert.Less(t, time.Since(start), 3*time.Second, "write %d blocked past its deadline", i)
	}
	require.Error(t, sendErr, "socket buffers never filled")
	assert.True(t, a2a.IsKind(sendErr, a2a.KindRequestTimeout), "got %v", sendErr)

	start := time.Now()
	_, err = m.SendMessage(context.Background(), conn.ID, request(t, "echo"))
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second, "later calls do not queue behind a dead write")
}
