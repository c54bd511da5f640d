package replay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-project/stagehand/internal/events"
	"github.com/stagehand-project/stagehand/internal/protocol"
	"github.com/stagehand-project/stagehand/internal/script"
)

type sent struct {
	queued bool
	name   string
	params protocol.Params
}

type fakeConn struct {
	mu     sync.Mutex
	sent   []sent
	onSend func(name string)
	failOn string
}

func (c *fakeConn) record(queued bool, name string, params protocol.Params) error {
	if name == c.failOn {
		return errors.New("broken pipe")
	}
	c.mu.Lock()
	c.sent = append(c.sent, sent{queued: queued, name: name, params: params})
	c.mu.Unlock()
	if c.onSend != nil {
		c.onSend(name)
	}
	return nil
}

func (c *fakeConn) Write(name string, params protocol.Params) error {
	return c.record(false, name, params)
}

func (c *fakeConn) Queue(name string, params protocol.Params) error {
	return c.record(true, name, params)
}

func (c *fakeConn) all() []sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sent(nil), c.sent...)
}

func (c *fakeConn) names() []string {
	var out []string
	for _, s := range c.all() {
		out = append(out, s.name)
	}
	return out
}

func testArtifact(t *testing.T, actions ...script.Action) *script.Artifact {
	t.Helper()

	codec := protocol.NewDefaultCodec()
	crafting, err := codec.Encode(protocol.PacketCraftingData, protocol.Params{"data": []byte{7, 7}})
	require.NoError(t, err)

	a := script.NewArtifact("test", protocol.DefaultVersion)
	require.NoError(t, a.Catalog.Add(script.CatalogEntry{
		ExportName: protocol.PacketPlayStatus,
		SourceName: protocol.PacketPlayStatus,
		Params:     protocol.Params{"status": int64(0)},
	}))
	require.NoError(t, a.Catalog.Add(script.CatalogEntry{
		ExportName: "play_status_1",
		SourceName: protocol.PacketPlayStatus,
		Params:     protocol.Params{"status": int64(3)},
	}))
	require.NoError(t, a.Catalog.Add(script.CatalogEntry{
		ExportName: protocol.PacketCraftingData,
		SourceName: protocol.PacketCraftingData,
		IsBinary:   true,
		Raw:        crafting,
	}))
	a.Append(actions...)
	require.NoError(t, a.Validate())
	return a
}

func newTestSession(a *script.Artifact, conn Conn, mutate func(*Options)) *Session {
	opts := DefaultOptions()
	opts.WaitTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&opts)
	}
	return NewSession(a, conn, protocol.NewDefaultCodec(), opts)
}

func TestSession_SendsInOrder(t *testing.T) {
	a := testArtifact(t,
		script.Write(protocol.PacketPlayStatus),
		script.Queue("play_status_1"),
		script.Queue(protocol.PacketCraftingData),
	)
	conn := &fakeConn{}
	s := newTestSession(a, conn, nil)

	require.NoError(t, s.Run(context.Background()))

	got := conn.all()
	require.Len(t, got, 3)
	assert.False(t, got[0].queued)
	assert.Equal(t, protocol.PacketPlayStatus, got[0].name)
	assert.True(t, got[1].queued)
	assert.Equal(t, int64(3), got[1].params["status"])
	assert.Equal(t, protocol.PacketCraftingData, got[2].name)
	assert.Equal(t, []byte{7, 7}, got[2].params["data"])

	st := s.Stats()
	assert.Equal(t, 3, st.Sent)
	assert.Equal(t, 3, st.Position)
	assert.Equal(t, events.SessionFinished, s.Info().State)
}

func TestSession_WaitSatisfiedByEarlierPacket(t *testing.T) {
	a := testArtifact(t,
		script.Write(protocol.PacketPlayStatus),
		script.WaitFor(protocol.PacketServerboundLoadingScreen),
		script.Queue("play_status_1"),
	)
	conn := &fakeConn{}
	s := newTestSession(a, conn, func(o *Options) { o.WaitTimeout = 50 * time.Millisecond })

	// The client answered before the script reached the wait.
	s.Deliver(protocol.PacketServerboundLoadingScreen)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []string{protocol.PacketPlayStatus, protocol.PacketPlayStatus}, conn.names())
}

func TestSession_WaitResolvedByLaterPacket(t *testing.T) {
	a := testArtifact(t,
		script.Write(protocol.PacketPlayStatus),
		script.WaitFor(protocol.PacketResourcePackClientResponse),
		script.WaitFor(protocol.PacketResourcePackClientResponse),
		script.Queue("play_status_1"),
	)
	conn := &fakeConn{}
	s := newTestSession(a, conn, nil)
	conn.onSend = func(name string) {
		if name == protocol.PacketPlayStatus && len(conn.all()) == 1 {
			go func() {
				time.Sleep(10 * time.Millisecond)
				s.Deliver(protocol.PacketResourcePackClientResponse)
				s.Deliver(protocol.PacketResourcePackClientResponse)
			}()
		}
	}

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, 2, s.Stats().Waits)
	assert.Len(t, conn.all(), 2)
}

func TestSession_WaitTimeoutIsFatal(t *testing.T) {
	a := testArtifact(t,
		script.Write(protocol.PacketPlayStatus),
		script.WaitFor(protocol.PacketClientToServerHandshake),
		script.Queue("play_status_1"),
	)
	conn := &fakeConn{}
	s := newTestSession(a, conn, func(o *Options) { o.WaitTimeout = 20 * time.Millisecond })

	err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrWaitTimeout)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, 1, stepErr.Index)
	assert.Equal(t, script.WaitFor(protocol.PacketClientToServerHandshake), stepErr.Action)

	assert.Len(t, conn.all(), 1)
	assert.Equal(t, events.SessionFailed, s.Info().State)
	assert.Zero(t, s.tracker.waiting())
}

func TestSession_CancelDuringSleep(t *testing.T) {
	a := testArtifact(t, script.Sleep(60_000), script.Write(protocol.PacketPlayStatus))
	conn := &fakeConn{}
	s := newTestSession(a, conn, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	err := s.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Empty(t, conn.all())
	assert.Equal(t, events.SessionCancelled, s.Info().State)
}

func TestSession_DisconnectReleasesWait(t *testing.T) {
	a := testArtifact(t, script.WaitFor(protocol.PacketLogin))
	s := newTestSession(a, &fakeConn{}, func(o *Options) { o.WaitTimeout = 0 })

	time.AfterFunc(20*time.Millisecond, s.Disconnect)
	err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrDisconnected)
}

func TestSession_DisconnectCutsSleepShort(t *testing.T) {
	a := testArtifact(t, script.Sleep(60_000), script.Write(protocol.PacketPlayStatus))
	conn := &fakeConn{}
	s := newTestSession(a, conn, nil)

	time.AfterFunc(20*time.Millisecond, s.Disconnect)

	start := time.Now()
	err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrDisconnected)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Empty(t, conn.all())
	assert.Equal(t, events.SessionFailed, s.Info().State)
}

func TestSession_DisconnectBeforeRun(t *testing.T) {
	conn := &fakeConn{}
	s := newTestSession(testArtifact(t, script.Write(protocol.PacketPlayStatus)), conn, nil)
	s.Disconnect()
	s.Disconnect()

	require.ErrorIs(t, s.Run(context.Background()), ErrDisconnected)
	assert.Empty(t, conn.all())
}

func TestSession_UnsetWaitTimeoutIsBounded(t *testing.T) {
	s := NewSession(testArtifact(t), &fakeConn{}, protocol.NewDefaultCodec(), Options{})
	assert.Equal(t, DefaultWaitTimeout, s.opts.WaitTimeout)
}

func TestSession_SendFailureAborts(t *testing.T) {
	a := testArtifact(t, script.Queue(protocol.PacketCraftingData), script.Write(protocol.PacketPlayStatus))
	conn := &fakeConn{failOn: protocol.PacketCraftingData}
	s := newTestSession(a, conn, nil)

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken pipe")
	assert.Empty(t, conn.all())
}

func TestSession_RunOnlyOnce(t *testing.T) {
	s := newTestSession(testArtifact(t), &fakeConn{}, nil)
	require.NoError(t, s.Run(context.Background()))
	assert.ErrorIs(t, s.Run(context.Background()), ErrAlreadyStarted)
}

func TestSession_PatchIsSessionLocal(t *testing.T) {
	a := testArtifact(t,
		script.Queue(protocol.PacketPlayStatus),
		script.Queue(protocol.PacketCraftingData),
		script.Queue(protocol.PacketPlayStatus),
	)

	patchedConn, plainConn := &fakeConn{}, &fakeConn{}
	patched := newTestSession(a, patchedConn, nil)
	plain := newTestSession(a, plainConn, nil)

	require.NoError(t, patched.SetField(protocol.PacketPlayStatus, "status", int64(2)))
	require.NoError(t, patched.Patch(protocol.PacketCraftingData, func(p protocol.Params) error {
		p["data"].([]byte)[0] = 9
		return nil
	}))

	results := NewHost(0, nil).RunAll(context.Background(), []*Session{patched, plain})
	require.NoError(t, results[patched.ID()])
	require.NoError(t, results[plain.ID()])

	got := patchedConn.all()
	assert.Equal(t, int64(2), got[0].params["status"])
	assert.Equal(t, []byte{9, 7}, got[1].params["data"])
	assert.Equal(t, int64(2), got[2].params["status"])

	other := plainConn.all()
	assert.Equal(t, int64(0), other[0].params["status"])
	assert.Equal(t, []byte{7, 7}, other[1].params["data"])

	entry, _ := a.Catalog.Get(protocol.PacketPlayStatus)
	assert.Equal(t, int64(0), entry.Params["status"])
}

func TestSession_PatchWhileRunning(t *testing.T) {
	a := testArtifact(t,
		script.Queue(protocol.PacketPlayStatus),
		script.Queue("play_status_1"),
		script.Queue(protocol.PacketPlayStatus),
	)

	var s *Session
	var patchErr error
	conn := &fakeConn{}
	conn.onSend = func(string) {
		if len(conn.all()) != 1 {
			return
		}
		// Both entries are patched after the first send; the next steps
		// consume them.
		patchErr = errors.Join(
			s.SetField("play_status_1", "status", int64(7)),
			s.SetField(protocol.PacketPlayStatus, "status", int64(8)),
		)
	}
	s = newTestSession(a, conn, nil)

	require.NoError(t, s.Run(context.Background()))
	require.NoError(t, patchErr)

	got := conn.all()
	require.Len(t, got, 3)
	assert.Equal(t, int64(0), got[0].params["status"])
	assert.Equal(t, int64(7), got[1].params["status"])
	assert.Equal(t, int64(8), got[2].params["status"])
}

func TestSession_PatchErrors(t *testing.T) {
	s := newTestSession(testArtifact(t), &fakeConn{}, nil)

	assert.ErrorIs(t, s.SetField("nope", "k", 1), ErrUnknownExport)

	failure := errors.New("rejected")
	err := s.Patch(protocol.PacketPlayStatus, func(p protocol.Params) error {
		p["status"] = int64(99)
		return failure
	})
	require.ErrorIs(t, err, failure)

	_, params, err := s.materialize(protocol.PacketPlayStatus)
	require.NoError(t, err)
	assert.Equal(t, int64(0), params["status"])
}

func TestSession_ApplyPatches(t *testing.T) {
	a := testArtifact(t,
		script.Queue(protocol.PacketPlayStatus),
		script.Queue("play_status_1"),
	)
	conn := &fakeConn{}
	s := newTestSession(a, conn, nil)

	require.NoError(t, s.ApplyPatches(map[string]protocol.Params{
		protocol.PacketPlayStatus: {"status": float64(2)},
		"play_status_1":           {"status": int64(6)},
	}))
	require.NoError(t, s.Run(context.Background()))

	got := conn.all()
	require.Len(t, got, 2)
	assert.Equal(t, float64(2), got[0].params["status"])
	assert.Equal(t, int64(6), got[1].params["status"])

	err := s.ApplyPatches(map[string]protocol.Params{"nope": {"status": 1}})
	assert.ErrorIs(t, err, ErrUnknownExport)
}

func TestValidatePatches(t *testing.T) {
	a := testArtifact(t, script.Queue(protocol.PacketPlayStatus))
	codec := protocol.NewDefaultCodec()

	assert.NoError(t, ValidatePatches(a, codec, nil))
	assert.NoError(t, ValidatePatches(a, codec, map[string]protocol.Params{
		protocol.PacketPlayStatus:   {"status": float64(2)},
		protocol.PacketCraftingData: {"data": []byte{1}},
	}))

	err := ValidatePatches(a, codec, map[string]protocol.Params{"nope": {"status": 1}})
	assert.ErrorIs(t, err, ErrUnknownExport)

	err = ValidatePatches(a, codec, map[string]protocol.Params{
		protocol.PacketPlayStatus: {"status": "spawned"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not encode")

	entry, _ := a.Catalog.Get(protocol.PacketPlayStatus)
	assert.Equal(t, int64(0), entry.Params["status"])
}

func TestSession_LevelChunks(t *testing.T) {
	a := testArtifact(t, script.LevelChunks(2))
	conn := &fakeConn{}
	s := newTestSession(a, conn, func(o *Options) { o.ChunkCenterX, o.ChunkCenterZ = 3, -1 })

	require.NoError(t, s.Run(context.Background()))

	got := conn.all()
	require.Len(t, got, 14)
	assert.Equal(t, protocol.PacketNetworkChunkPublisherUpdate, got[0].name)
	assert.Equal(t, int64(48), got[0].params["x"])
	assert.Equal(t, int64(32), got[0].params["radius"])

	first := got[1]
	assert.True(t, first.queued)
	assert.Equal(t, protocol.PacketLevelChunk, first.name)
	assert.Equal(t, int64(3), first.params["x"])
	assert.Equal(t, int64(-1), first.params["z"])
	assert.Equal(t, 13, s.Stats().Chunks)

	// Every chunk encodes with the bundled codec.
	codec := protocol.NewDefaultCodec()
	for _, c := range got {
		_, err := codec.Encode(c.name, c.params)
		require.NoError(t, err)
	}
}

func TestSession_ChunkDistanceOverride(t *testing.T) {
	a := testArtifact(t, script.LevelChunks(8))
	conn := &fakeConn{}
	s := newTestSession(a, conn, func(o *Options) { o.ChunkDistance = 1 })

	require.NoError(t, s.Run(context.Background()))
	assert.Len(t, conn.all(), 1+5)
}

func TestSession_SpeedScalesSleep(t *testing.T) {
	a := testArtifact(t, script.Sleep(2000))
	s := newTestSession(a, &fakeConn{}, func(o *Options) { o.Speed = 100 })

	start := time.Now()
	require.NoError(t, s.Run(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, s.Stats().Sleeps)
}

func TestChunksInRadius(t *testing.T) {
	assert.Equal(t, []ChunkPos{{0, 0}}, ChunksInRadius(ChunkPos{}, 0))
	assert.Len(t, ChunksInRadius(ChunkPos{}, 1), 5)
	assert.Len(t, ChunksInRadius(ChunkPos{}, 2), 13)
	assert.Nil(t, ChunksInRadius(ChunkPos{}, -1))

	chunks := ChunksInRadius(ChunkPos{X: 10, Z: 10}, 3)
	assert.Equal(t, ChunkPos{X: 10, Z: 10}, chunks[0])
}

func TestHost_IndependentSessions(t *testing.T) {
	bus := events.NewEventBus()
	var started, finished, failed atomic.Int32
	bus.Subscribe(events.EventSessionStarted, "t", func(ctx context.Context, e events.Event) error {
		started.Add(1)
		return nil
	})
	bus.Subscribe(events.EventSessionFinished, "t", func(ctx context.Context, e events.Event) error {
		finished.Add(1)
		return nil
	})
	bus.Subscribe(events.EventSessionFailed, "t", func(ctx context.Context, e events.Event) error {
		failed.Add(1)
		return nil
	})

	host := NewHost(2, bus)
	good := newTestSession(testArtifact(t, script.Sleep(30), script.Write(protocol.PacketPlayStatus)), &fakeConn{}, nil)
	bad := newTestSession(testArtifact(t, script.WaitFor(protocol.PacketLogin)), &fakeConn{},
		func(o *Options) { o.WaitTimeout = 10 * time.Millisecond })

	results := host.RunAll(context.Background(), []*Session{good, bad})
	bus.Stop()

	assert.NoError(t, results[good.ID()])
	assert.ErrorIs(t, results[bad.ID()], ErrWaitTimeout)
	assert.Empty(t, host.Active())

	assert.Equal(t, int32(2), started.Load())
	assert.Equal(t, int32(1), finished.Load())
	assert.Equal(t, int32(1), failed.Load())
}
