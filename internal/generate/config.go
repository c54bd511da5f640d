// Package generate turns a packet dump into a replay artifact: a deduplicated
// catalog of packet bodies and the action script that replays them.
package generate

import (
	"errors"
	"fmt"

	"github.com/c2h5oh/datasize"

	"github.com/stagehand-project/stagehand/internal/protocol"
)

// HandshakeRule names the frame and field that carry the tracked player's
// entity id.
type HandshakeRule struct {
	Packet string `json:"packet"`
	Field  string `json:"field"`
}

// FieldMatch restricts a rule to frames whose integer field Field equals
// Equals.
type FieldMatch struct {
	Field  string `json:"field"`
	Equals int64  `json:"equals"`
}

// Config holds every packet-name rule of a generation run. Rules are
// protocol-version specific; DefaultConfig matches protocol.DefaultVersion.
type Config struct {
	// Skip names never enter the catalog or the script.
	Skip []string `json:"skip"`
	// UniqueOnly names keep their first occurrence only.
	UniqueOnly []string `json:"unique_only"`
	// Binary names are stored as raw bodies instead of decoded params.
	Binary []string `json:"binary"`
	// Write names are sent unbatched; every other retained packet is queued.
	Write []string `json:"write"`
	// PlayerScoped maps a packet name to its entity id field. Frames whose
	// id differs from the tracked player's are dropped.
	PlayerScoped map[string]string `json:"player_scoped"`
	Handshake    HandshakeRule     `json:"handshake"`
	// WaitAfter maps an outbound trigger to the inbound response the replay
	// must wait for.
	WaitAfter map[string]string `json:"wait_after"`
	// WaitWhen narrows a WaitAfter trigger to frames matching a field value.
	// Triggers without an entry always wait.
	WaitWhen map[string]FieldMatch `json:"wait_when"`
	// LoadingScreen is the response name that switches on sleep synthesis.
	LoadingScreen string `json:"loading_screen"`
	// AttributeSync is followed by one LevelChunks action the first time it
	// is retained.
	AttributeSync string `json:"attribute_sync"`
	ChunkDistance int    `json:"chunk_distance"`

	MinSleepMs      int `json:"min_sleep_ms"`
	SleepRoundingMs int `json:"sleep_rounding_ms"`

	// BinaryThreshold stores bodies above this size as binary whatever their
	// name. Zero disables the rule.
	BinaryThreshold datasize.ByteSize `json:"binary_threshold"`
}

// DefaultConfig returns the rules observed for protocol.DefaultVersion.
func DefaultConfig() Config {
	return Config{
		Skip: []string{
			protocol.PacketLevelChunk,
			protocol.PacketNetworkChunkPublisherUpdate,
			protocol.PacketMoveEntityDelta,
			protocol.PacketSetTime,
			protocol.PacketTickSync,
			protocol.PacketNetworkStackLatency,
		},
		UniqueOnly: []string{
			protocol.PacketCreativeContent,
			protocol.PacketAvailableEntityIdentifiers,
			protocol.PacketBiomeDefinitionList,
			protocol.PacketCraftingData,
			protocol.PacketAvailableCommands,
		},
		Binary: []string{
			protocol.PacketCreativeContent,
			protocol.PacketAvailableEntityIdentifiers,
			protocol.PacketBiomeDefinitionList,
			protocol.PacketCraftingData,
			protocol.PacketAvailableCommands,
		},
		Write: []string{
			protocol.PacketNetworkSettings,
			protocol.PacketServerToClientHandshake,
		},
		PlayerScoped: map[string]string{
			protocol.PacketSetEntityData:    "runtime_entity_id",
			protocol.PacketUpdateAttributes: "runtime_entity_id",
			protocol.PacketSetEntityMotion:  "runtime_entity_id",
			protocol.PacketMobEquipment:     "runtime_entity_id",
			protocol.PacketMovePlayer:       "runtime_id",
		},
		Handshake: HandshakeRule{
			Packet: protocol.PacketStartGame,
			Field:  "runtime_entity_id",
		},
		WaitAfter: map[string]string{
			protocol.PacketServerToClientHandshake: protocol.PacketClientToServerHandshake,
			protocol.PacketResourcePacksInfo:       protocol.PacketResourcePackClientResponse,
			protocol.PacketResourcePackStack:       protocol.PacketResourcePackClientResponse,
			protocol.PacketPlayStatus:              protocol.PacketServerboundLoadingScreen,
		},
		// Only the spawn status is answered with a loading screen; LoginSuccess
		// and the other statuses get no reply.
		WaitWhen: map[string]FieldMatch{
			protocol.PacketPlayStatus: {Field: "status", Equals: protocol.PlayStatusPlayerSpawn},
		},
		LoadingScreen:   protocol.PacketServerboundLoadingScreen,
		AttributeSync:   protocol.PacketUpdateAttributes,
		ChunkDistance:   4,
		MinSleepMs:      15,
		SleepRoundingMs: 10,
		BinaryThreshold: 256 * datasize.KB,
	}
}

// Validate reports contradictory or unusable rules.
func (c Config) Validate() error {
	var errs []error

	skip := toSet(c.Skip)
	for _, name := range c.Write {
		if _, ok := skip[name]; ok {
			errs = append(errs, fmt.Errorf("%s is both skipped and written", name))
		}
	}
	for trigger, response := range c.WaitAfter {
		if trigger == "" || response == "" {
			errs = append(errs, fmt.Errorf("wait_after entry %q -> %q has an empty name", trigger, response))
		}
		if _, ok := skip[trigger]; ok {
			errs = append(errs, fmt.Errorf("wait_after trigger %s is skipped", trigger))
		}
	}
	for trigger, match := range c.WaitWhen {
		if _, ok := c.WaitAfter[trigger]; !ok {
			errs = append(errs, fmt.Errorf("wait_when entry %s has no wait_after trigger", trigger))
		}
		if match.Field == "" {
			errs = append(errs, fmt.Errorf("wait_when entry %s has no field", trigger))
		}
	}
	for name, field := range c.PlayerScoped {
		if field == "" {
			errs = append(errs, fmt.Errorf("player_scoped packet %s has no id field", name))
		}
	}
	if len(c.PlayerScoped) > 0 && (c.Handshake.Packet == "" || c.Handshake.Field == "") {
		errs = append(errs, errors.New("player_scoped packets need a handshake packet and field"))
	}
	if c.MinSleepMs < 0 {
		errs = append(errs, fmt.Errorf("min_sleep_ms must not be negative, got %d", c.MinSleepMs))
	}
	if c.SleepRoundingMs < 0 {
		errs = append(errs, fmt.Errorf("sleep_rounding_ms must not be negative, got %d", c.SleepRoundingMs))
	}
	if c.ChunkDistance < 0 {
		errs = append(errs, fmt.Errorf("chunk_distance must not be negative, got %d", c.ChunkDistance))
	}

	return errors.Join(errs...)
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}
