package replay

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-project/stagehand/internal/dump"
	"github.com/stagehand-project/stagehand/internal/generate"
	"github.com/stagehand-project/stagehand/internal/protocol"
)

type capturedFrame struct {
	dir    dump.Direction
	ts     uint32
	name   string
	params protocol.Params
}

// generateFrom runs the default generation rules over frames.
func generateFrom(t *testing.T, frames []capturedFrame) *generate.Result {
	t.Helper()

	codec := protocol.NewDefaultCodec()
	var buf bytes.Buffer
	w, err := dump.NewWriter(&buf, protocol.DefaultVersion)
	require.NoError(t, err)
	for _, f := range frames {
		raw, err := codec.Encode(f.name, f.params)
		require.NoError(t, err)
		require.NoError(t, w.WriteFrame(f.dir, f.ts, raw))
	}
	require.NoError(t, w.Close())

	r, err := dump.NewReader(bytes.NewReader(buf.Bytes()), protocol.DefaultRegistry())
	require.NoError(t, err)
	res, err := generate.New(generate.DefaultConfig()).Run(r, "login")
	require.NoError(t, err)
	return res
}

// answerAsCaptured plays the client side of frames: after the n-th server
// packet is sent, the inbound frames that followed it in the capture are
// delivered.
func answerAsCaptured(s **Session, frames []capturedFrame) func(string) {
	var replies [][]string
	for _, f := range frames {
		if f.dir == dump.Outbound {
			replies = append(replies, nil)
			continue
		}
		if len(replies) > 0 {
			replies[len(replies)-1] = append(replies[len(replies)-1], f.name)
		}
	}

	sent := 0
	return func(string) {
		if sent < len(replies) {
			for _, reply := range replies[sent] {
				(*s).Deliver(reply)
			}
		}
		sent++
	}
}

func TestGeneratedLoginReplaysAgainstCapturedClient(t *testing.T) {
	frames := []capturedFrame{
		{dump.Outbound, 0, protocol.PacketPlayStatus, protocol.Params{"status": protocol.PlayStatusLoginSuccess}},
		{dump.Outbound, 5, protocol.PacketResourcePacksInfo, protocol.Params{"must_accept": false, "has_scripts": false, "packs": []byte{}}},
		{dump.Inbound, 40, protocol.PacketResourcePackClientResponse, protocol.Params{"response": 3, "pack_ids": []byte{}}},
		{dump.Outbound, 60, protocol.PacketPlayStatus, protocol.Params{"status": protocol.PlayStatusPlayerSpawn}},
		{dump.Inbound, 90, protocol.PacketServerboundLoadingScreen, protocol.Params{"type": 1, "loading_screen_id": 1}},
	}
	res := generateFrom(t, frames)

	var s *Session
	conn := &fakeConn{onSend: answerAsCaptured(&s, frames)}
	s = newTestSession(res.Artifact, conn, func(o *Options) { o.WaitTimeout = 500 * time.Millisecond })

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []string{
		protocol.PacketPlayStatus,
		protocol.PacketResourcePacksInfo,
		protocol.PacketPlayStatus,
	}, conn.names())
	assert.Equal(t, 2, s.Stats().Waits)
}
