package network

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-project/stagehand/internal/dump"
	"github.com/stagehand-project/stagehand/internal/events"
	"github.com/stagehand-project/stagehand/internal/protocol"
)

// echoUpstream answers every frame with a play_status packet.
func echoUpstream(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	reply, err := protocol.NewDefaultCodec().Encode(protocol.PacketPlayStatus, protocol.Params{"status": int64(0)})
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				for {
					if _, err := protocol.ReadFrame(conn, 0); err != nil {
						return
					}
					if err := protocol.WriteFrame(conn, reply); err != nil {
						return
					}
				}
			}()
		}
	}()
	return ln.Addr().String()
}

func TestCaptureProxy_RecordsBothDirections(t *testing.T) {
	bus := events.NewEventBus()
	closed := make(chan events.CapturePayload, 1)
	bus.Subscribe(events.EventCaptureClosed, "test", func(ctx context.Context, e events.Event) error {
		closed <- e.Payload.(events.CapturePayload)
		return nil
	})

	p := NewCaptureProxy(ProxyConfig{
		ListenAddr:      "127.0.0.1:0",
		UpstreamAddr:    echoUpstream(t),
		DumpDir:         t.TempDir(),
		ProtocolVersion: protocol.DefaultVersion,
	}, bus)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	conn, err := net.Dial("tcp", p.Addr().String())
	require.NoError(t, err)
	packets := readPackets(t, conn)

	sendPacket(t, conn, protocol.PacketRequestNetworkSettings, protocol.Params{"client_protocol": int64(712)})
	assert.Equal(t, protocol.PacketPlayStatus, next(t, packets).Name)
	sendPacket(t, conn, protocol.PacketClientToServerHandshake, nil)
	assert.Equal(t, protocol.PacketPlayStatus, next(t, packets).Name)
	conn.Close()

	var payload events.CapturePayload
	select {
	case payload = <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("capture did not close")
	}
	assert.Equal(t, 4, payload.Frames)

	p.Stop()
	bus.Stop()
	require.Equal(t, []string{payload.DumpPath}, p.Dumps())

	r, err := dump.Open(payload.DumpPath, protocol.DefaultRegistry())
	require.NoError(t, err)
	defer r.Close()

	var names []string
	var dirs []dump.Direction
	for {
		f, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		names = append(names, f.Name)
		dirs = append(dirs, f.Direction)
	}
	assert.Equal(t, []dump.Direction{dump.Inbound, dump.Outbound, dump.Inbound, dump.Outbound}, dirs)
	assert.Equal(t, []string{
		protocol.PacketRequestNetworkSettings,
		protocol.PacketPlayStatus,
		protocol.PacketClientToServerHandshake,
		protocol.PacketPlayStatus,
	}, names)
}

func TestCaptureProxy_UpstreamDown(t *testing.T) {
	// Reserve a port and release it so nothing is listening there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	upstream := ln.Addr().String()
	ln.Close()

	p := NewCaptureProxy(ProxyConfig{
		ListenAddr:   "127.0.0.1:0",
		UpstreamAddr: upstream,
		DumpDir:      t.TempDir(),
	}, nil)
	require.NoError(t, p.Start(context.Background()))

	conn, err := net.Dial("tcp", p.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = protocol.ReadFrame(conn, 0)
	assert.ErrorIs(t, err, io.EOF)

	p.Stop()
	assert.Empty(t, p.Dumps())
}

func TestCaptureProxy_SlotLimitUnderContention(t *testing.T) {
	p := &CaptureProxy{cfg: ProxyConfig{MaxConcurrent: 3}}

	var granted atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if p.tryAcquire() {
				granted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(3), granted.Load())
	assert.Equal(t, int32(3), p.active.Load())

	p.active.Add(-1)
	assert.True(t, p.tryAcquire())
	assert.False(t, p.tryAcquire())
}
