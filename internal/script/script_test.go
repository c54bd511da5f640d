package script

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-project/stagehand/internal/protocol"
)

func TestAction_String(t *testing.T) {
	cases := map[string]Action{
		"Sleep(500)":            Sleep(500),
		"WaitFor(login)":        WaitFor("login"),
		"Write(start_game)":     Write("start_game"),
		"Queue(set_time_1)":     Queue("set_time_1"),
		"LevelChunks(4)":        LevelChunks(4),
		"Unknown(teleport_all)": {Kind: "teleport_all"},
	}
	for want, action := range cases {
		assert.Equal(t, want, action.String())
	}
}

func TestAction_JSONRejectsUnknownKind(t *testing.T) {
	var a Action
	require.NoError(t, json.Unmarshal([]byte(`{"kind":"write","export":"play_status"}`), &a))
	assert.Equal(t, Write("play_status"), a)

	require.Error(t, json.Unmarshal([]byte(`{"kind":"explode"}`), &a))
	require.Error(t, json.Unmarshal([]byte(`{"kind":"wait_for"}`), &a))
}

func TestCatalog_Add(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.Add(CatalogEntry{ExportName: "play_status", SourceName: "play_status", Params: protocol.Params{"status": int64(0)}}))
	require.NoError(t, c.Add(CatalogEntry{ExportName: "crafting_data", SourceName: "crafting_data", IsBinary: true, Raw: []byte{0x34}}))

	assert.ErrorIs(t, c.Add(CatalogEntry{ExportName: "play_status"}), ErrDuplicateExport)
	assert.Error(t, c.Add(CatalogEntry{ExportName: "empty_blob", IsBinary: true}))

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, 1, c.BinaryCount())

	e, ok := c.Get("crafting_data")
	require.True(t, ok)
	assert.True(t, e.IsBinary)

	names := []string{}
	for _, e := range c.Entries() {
		names = append(names, e.ExportName)
	}
	assert.Equal(t, []string{"play_status", "crafting_data"}, names)
}

func TestArtifact_Validate(t *testing.T) {
	a := NewArtifact("login", protocol.DefaultVersion)
	require.NoError(t, a.Catalog.Add(CatalogEntry{ExportName: "play_status", SourceName: "play_status"}))
	a.Append(Write("play_status"), WaitFor("client_to_server_handshake"), Sleep(20))
	require.NoError(t, a.Validate())

	a.Append(Queue("start_game"))
	assert.ErrorIs(t, a.Validate(), ErrDanglingReference)

	counts := a.Counts()
	assert.Equal(t, 1, counts[KindWrite])
	assert.Equal(t, 1, counts[KindQueue])
}
