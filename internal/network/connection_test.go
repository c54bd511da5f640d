package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-project/stagehand/internal/dump"
	"github.com/stagehand-project/stagehand/internal/protocol"
)

type recorded struct {
	dir dump.Direction
	raw []byte
}

type memRecorder struct {
	mu     sync.Mutex
	frames []recorded
}

func (r *memRecorder) Record(dir dump.Direction, raw []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, recorded{dir: dir, raw: append([]byte(nil), raw...)})
	return nil
}

func (r *memRecorder) directions() []dump.Direction {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []dump.Direction
	for _, f := range r.frames {
		out = append(out, f.dir)
	}
	return out
}

// readPackets decodes frames from conn onto a channel until it fails.
func readPackets(t *testing.T, conn net.Conn) <-chan protocol.Packet {
	t.Helper()
	codec := protocol.NewDefaultCodec()
	out := make(chan protocol.Packet, 64)
	go func() {
		defer close(out)
		for {
			raw, err := protocol.ReadFrame(conn, 0)
			if err != nil {
				return
			}
			pkt, err := codec.Decode(raw)
			if err != nil {
				return
			}
			out <- pkt
		}
	}()
	return out
}

func next(t *testing.T, ch <-chan protocol.Packet) protocol.Packet {
	t.Helper()
	select {
	case pkt, ok := <-ch:
		require.True(t, ok, "stream ended")
		return pkt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
		return protocol.Packet{}
	}
}

func sendPacket(t *testing.T, conn net.Conn, name string, params protocol.Params) {
	t.Helper()
	body, err := protocol.NewDefaultCodec().Encode(name, params)
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(conn, body))
}

func TestConnection_WriteFlushesQueueFirst(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	c := NewConnection(server, protocol.NewDefaultCodec(), ConnOptions{})
	defer c.Close()
	packets := readPackets(t, client)

	require.NoError(t, c.Queue(protocol.PacketPlayStatus, protocol.Params{"status": int64(0)}))
	require.NoError(t, c.Queue(protocol.PacketSetTime, protocol.Params{"time": int64(6000)}))
	require.NoError(t, c.Write(protocol.PacketPlayStatus, protocol.Params{"status": int64(3)}))

	assert.Equal(t, int64(0), next(t, packets).Params["status"])
	assert.Equal(t, protocol.PacketSetTime, next(t, packets).Name)
	assert.Equal(t, int64(3), next(t, packets).Params["status"])
}

func TestConnection_BatchIntervalFlushes(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	c := NewConnection(server, protocol.NewDefaultCodec(), ConnOptions{BatchInterval: 5 * time.Millisecond})
	defer c.Close()
	packets := readPackets(t, client)

	require.NoError(t, c.Queue(protocol.PacketPlayStatus, protocol.Params{"status": int64(3)}))
	assert.Equal(t, protocol.PacketPlayStatus, next(t, packets).Name)
}

func TestConnection_EncodeErrorIsReturned(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	c := NewConnection(server, protocol.NewDefaultCodec(), ConnOptions{})
	defer c.Close()

	err := c.Write("no_such_packet", nil)
	assert.ErrorIs(t, err, protocol.ErrUnknownPacket)
}

func TestConnection_ServeDecodesAndSkipsGarbage(t *testing.T) {
	server, client := net.Pipe()
	rec := &memRecorder{}
	c := NewConnection(server, protocol.NewDefaultCodec(), ConnOptions{Recorder: rec})
	defer c.Close()

	var (
		mu   sync.Mutex
		seen []string
	)
	done := make(chan error, 1)
	go func() {
		done <- c.Serve(context.Background(), func(pkt protocol.Packet) {
			mu.Lock()
			seen = append(seen, pkt.Name)
			mu.Unlock()
		})
	}()

	sendPacket(t, client, protocol.PacketRequestNetworkSettings, protocol.Params{"client_protocol": int64(712)})
	require.NoError(t, protocol.WriteFrame(client, []byte{0xff, 0x0f}))
	sendPacket(t, client, protocol.PacketClientToServerHandshake, nil)
	client.Close()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after peer closed")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{protocol.PacketRequestNetworkSettings, protocol.PacketClientToServerHandshake}, seen)
	assert.Equal(t, []dump.Direction{dump.Inbound, dump.Inbound, dump.Inbound}, rec.directions())
}

func TestConnection_ServeStopsOnContext(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	c := NewConnection(server, protocol.NewDefaultCodec(), ConnOptions{})
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx, func(protocol.Packet) {}) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve ignored cancellation")
	}
}

func TestConnection_RecordsOutbound(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	rec := &memRecorder{}
	c := NewConnection(server, protocol.NewDefaultCodec(), ConnOptions{Recorder: rec})
	packets := readPackets(t, client)

	require.NoError(t, c.Write(protocol.PacketPlayStatus, protocol.Params{"status": int64(0)}))
	next(t, packets)
	require.NoError(t, c.Close())

	assert.Equal(t, []dump.Direction{dump.Outbound}, rec.directions())
}

func TestConnection_CloseIsIdempotent(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	c := NewConnection(server, protocol.NewDefaultCodec(), DefaultConnOptions())
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, c.IsClosed())

	err := c.Queue(protocol.PacketPlayStatus, protocol.Params{"status": int64(0)})
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestConnectionRegistry(t *testing.T) {
	r := NewConnectionRegistry()

	s1, c1 := net.Pipe()
	s2, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	a := NewConnection(s1, protocol.NewDefaultCodec(), ConnOptions{})
	b := NewConnection(s2, protocol.NewDefaultCodec(), ConnOptions{})

	r.Register("one", a)
	r.Register("two", b)
	assert.Equal(t, 2, r.Count())

	got, ok := r.Get("one")
	require.True(t, ok)
	assert.Same(t, a, got)

	r.Unregister("one")
	assert.True(t, a.IsClosed())
	assert.Equal(t, 1, r.Count())

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, r.CleanStale(time.Millisecond))
	assert.True(t, b.IsClosed())
	assert.Zero(t, r.Count())
}

func TestRateTracker(t *testing.T) {
	now := time.Unix(1000, 0)
	rt := newRateTracker(2)
	rt.now = func() time.Time { return now }

	assert.True(t, rt.allow("10.0.0.1"))
	assert.True(t, rt.allow("10.0.0.1"))
	assert.False(t, rt.allow("10.0.0.1"))
	assert.True(t, rt.allow("10.0.0.2"))

	now = now.Add(time.Second)
	assert.True(t, rt.allow("10.0.0.1"))
}

func TestRateTracker_ForgetsIdleKeys(t *testing.T) {
	now := time.Unix(1000, 0)
	rt := newRateTracker(1)
	rt.now = func() time.Time { return now }

	for i := 0; i < 100; i++ {
		require.True(t, rt.allow(fmt.Sprintf("10.0.%d.%d", i/256, i%256)))
	}
	assert.Len(t, rt.counts, 100)

	now = now.Add(1500 * time.Millisecond)
	assert.True(t, rt.allow("10.1.0.1"))
	assert.Len(t, rt.counts, 1)

	// A key still inside its window survives the sweep and stays limited.
	now = now.Add(2 * time.Second)
	assert.True(t, rt.allow("10.1.0.2"))
	now = now.Add(500 * time.Millisecond)
	assert.True(t, rt.allow("10.1.0.3"))
	now = now.Add(600 * time.Millisecond)
	assert.False(t, rt.allow("10.1.0.3"))
	assert.Len(t, rt.counts, 1)
}
