package protocol

import "fmt"

// DefaultVersion is the protocol version of the bundled packet table.
const DefaultVersion = 712

// Packet names referenced by the default generation rules and the terrain
// streamer.
const (
	PacketLogin                       = "login"
	PacketPlayStatus                  = "play_status"
	PacketServerToClientHandshake     = "server_to_client_handshake"
	PacketClientToServerHandshake     = "client_to_server_handshake"
	PacketDisconnect                  = "disconnect"
	PacketResourcePacksInfo           = "resource_packs_info"
	PacketResourcePackStack           = "resource_pack_stack"
	PacketResourcePackClientResponse  = "resource_pack_client_response"
	PacketText                        = "text"
	PacketSetTime                     = "set_time"
	PacketStartGame                   = "start_game"
	PacketAddPlayer                   = "add_player"
	PacketMovePlayer                  = "move_player"
	PacketTickSync                    = "tick_sync"
	PacketUpdateAttributes            = "update_attributes"
	PacketMobEquipment                = "mob_equipment"
	PacketSetEntityData               = "set_entity_data"
	PacketSetEntityMotion             = "set_entity_motion"
	PacketRespawn                     = "respawn"
	PacketInventoryContent            = "inventory_content"
	PacketInventorySlot               = "inventory_slot"
	PacketCraftingData                = "crafting_data"
	PacketLevelChunk                  = "level_chunk"
	PacketPlayerList                  = "player_list"
	PacketRequestChunkRadius          = "request_chunk_radius"
	PacketChunkRadiusUpdate           = "chunk_radius_update"
	PacketAvailableCommands           = "available_commands"
	PacketMoveEntityDelta             = "move_entity_delta"
	PacketSetLocalPlayerInitialized   = "set_local_player_as_initialized"
	PacketNetworkStackLatency         = "network_stack_latency"
	PacketAvailableEntityIdentifiers  = "available_entity_identifiers"
	PacketNetworkChunkPublisherUpdate = "network_chunk_publisher_update"
	PacketBiomeDefinitionList         = "biome_definition_list"
	PacketNetworkSettings             = "network_settings"
	PacketCreativeContent             = "creative_content"
	PacketRequestNetworkSettings      = "request_network_settings"
	PacketServerboundLoadingScreen    = "serverbound_loading_screen"
)

// Play status codes carried by play_status.
const (
	PlayStatusLoginSuccess = 0
	PlayStatusPlayerSpawn  = 3
)

func defaultPackets() []PacketDef {
	return []PacketDef{
		{ID: 0x01, Name: PacketLogin, Fields: []Field{
			{"protocol_version", TypeI32},
			{"connection_request", TypeBytes},
		}},
		{ID: 0x02, Name: PacketPlayStatus, Fields: []Field{
			{"status", TypeI32},
		}},
		{ID: 0x03, Name: PacketServerToClientHandshake, Fields: []Field{
			{"jwt", TypeString},
		}},
		{ID: 0x04, Name: PacketClientToServerHandshake},
		{ID: 0x05, Name: PacketDisconnect, Fields: []Field{
			{"hide_screen", TypeBool},
			{"message", TypeString},
		}},
		{ID: 0x06, Name: PacketResourcePacksInfo, Fields: []Field{
			{"must_accept", TypeBool},
			{"has_scripts", TypeBool},
			{"packs", TypeBytes},
		}},
		{ID: 0x07, Name: PacketResourcePackStack, Fields: []Field{
			{"must_accept", TypeBool},
			{"game_version", TypeString},
			{"stack", TypeBytes},
		}},
		{ID: 0x08, Name: PacketResourcePackClientResponse, Fields: []Field{
			{"response", TypeU8},
			{"pack_ids", TypeBytes},
		}},
		{ID: 0x09, Name: PacketText, Fields: []Field{
			{"type", TypeU8},
			{"source", TypeString},
			{"message", TypeString},
		}},
		{ID: 0x0a, Name: PacketSetTime, Fields: []Field{
			{"time", TypeVarint},
		}},
		{ID: 0x0b, Name: PacketStartGame, Fields: []Field{
			{"entity_unique_id", TypeVarlong},
			{"runtime_entity_id", TypeUvarlong},
			{"game_mode", TypeVarint},
			{"x", TypeF32},
			{"y", TypeF32},
			{"z", TypeF32},
			{"yaw", TypeF32},
			{"pitch", TypeF32},
			{"seed", TypeI64},
			{"world_name", TypeString},
			{"settings", TypeRest},
		}},
		{ID: 0x0c, Name: PacketAddPlayer, Fields: []Field{
			{"uuid", TypeBytes},
			{"username", TypeString},
			{"runtime_entity_id", TypeUvarlong},
			{"data", TypeRest},
		}},
		{ID: 0x13, Name: PacketMovePlayer, Fields: []Field{
			{"runtime_id", TypeUvarlong},
			{"x", TypeF32},
			{"y", TypeF32},
			{"z", TypeF32},
			{"pitch", TypeF32},
			{"yaw", TypeF32},
			{"head_yaw", TypeF32},
			{"mode", TypeU8},
			{"on_ground", TypeBool},
			{"ridden_runtime_id", TypeUvarlong},
			{"tick", TypeUvarlong},
		}},
		{ID: 0x17, Name: PacketTickSync, Fields: []Field{
			{"request_time", TypeI64},
			{"response_time", TypeI64},
		}},
		{ID: 0x1d, Name: PacketUpdateAttributes, Fields: []Field{
			{"runtime_entity_id", TypeUvarlong},
			{"attributes", TypeBytes},
			{"tick", TypeUvarlong},
		}},
		{ID: 0x1f, Name: PacketMobEquipment, Fields: []Field{
			{"runtime_entity_id", TypeUvarlong},
			{"item", TypeBytes},
			{"slot", TypeU8},
			{"selected_slot", TypeU8},
			{"window_id", TypeU8},
		}},
		{ID: 0x27, Name: PacketSetEntityData, Fields: []Field{
			{"runtime_entity_id", TypeUvarlong},
			{"metadata", TypeBytes},
			{"tick", TypeUvarlong},
		}},
		{ID: 0x28, Name: PacketSetEntityMotion, Fields: []Field{
			{"runtime_entity_id", TypeUvarlong},
			{"x", TypeF32},
			{"y", TypeF32},
			{"z", TypeF32},
		}},
		{ID: 0x2d, Name: PacketRespawn, Fields: []Field{
			{"x", TypeF32},
			{"y", TypeF32},
			{"z", TypeF32},
			{"state", TypeU8},
			{"runtime_entity_id", TypeUvarlong},
		}},
		{ID: 0x31, Name: PacketInventoryContent, Fields: []Field{
			{"window_id", TypeUvarint},
			{"content", TypeRest},
		}},
		{ID: 0x32, Name: PacketInventorySlot, Fields: []Field{
			{"window_id", TypeUvarint},
			{"slot", TypeUvarint},
			{"item", TypeRest},
		}},
		{ID: 0x34, Name: PacketCraftingData, Fields: []Field{
			{"data", TypeRest},
		}},
		{ID: 0x3a, Name: PacketLevelChunk, Fields: []Field{
			{"x", TypeVarint},
			{"z", TypeVarint},
			{"sub_chunk_count", TypeUvarint},
			{"cache_enabled", TypeBool},
			{"payload", TypeBytes},
		}},
		{ID: 0x3f, Name: PacketPlayerList, Fields: []Field{
			{"action", TypeU8},
			{"entries", TypeRest},
		}},
		{ID: 0x45, Name: PacketRequestChunkRadius, Fields: []Field{
			{"radius", TypeVarint},
			{"max_radius", TypeU8},
		}},
		{ID: 0x46, Name: PacketChunkRadiusUpdate, Fields: []Field{
			{"radius", TypeVarint},
		}},
		{ID: 0x4c, Name: PacketAvailableCommands, Fields: []Field{
			{"data", TypeRest},
		}},
		{ID: 0x6f, Name: PacketMoveEntityDelta, Fields: []Field{
			{"runtime_entity_id", TypeUvarlong},
			{"flags", TypeU16},
			{"delta", TypeRest},
		}},
		{ID: 0x71, Name: PacketSetLocalPlayerInitialized, Fields: []Field{
			{"runtime_entity_id", TypeUvarlong},
		}},
		{ID: 0x73, Name: PacketNetworkStackLatency, Fields: []Field{
			{"timestamp", TypeI64},
			{"needs_response", TypeBool},
		}},
		{ID: 0x77, Name: PacketAvailableEntityIdentifiers, Fields: []Field{
			{"nbt", TypeRest},
		}},
		{ID: 0x79, Name: PacketNetworkChunkPublisherUpdate, Fields: []Field{
			{"x", TypeVarint},
			{"y", TypeVarint},
			{"z", TypeVarint},
			{"radius", TypeUvarint},
		}},
		{ID: 0x7a, Name: PacketBiomeDefinitionList, Fields: []Field{
			{"nbt", TypeRest},
		}},
		{ID: 0x8f, Name: PacketNetworkSettings, Fields: []Field{
			{"compression_threshold", TypeU16},
			{"compression_algorithm", TypeU16},
			{"client_throttle", TypeBool},
			{"throttle_threshold", TypeU8},
			{"throttle_scalar", TypeF32},
		}},
		{ID: 0x91, Name: PacketCreativeContent, Fields: []Field{
			{"items", TypeRest},
		}},
		{ID: 0xc1, Name: PacketRequestNetworkSettings, Fields: []Field{
			{"client_protocol", TypeI32},
		}},
		{ID: 0x138, Name: PacketServerboundLoadingScreen, Fields: []Field{
			{"type", TypeVarint},
			{"loading_screen_id", TypeUvarint},
		}},
	}
}

// NewDefaultCodec returns the codec for DefaultVersion.
func NewDefaultCodec() *SchemaCodec {
	c, err := NewSchemaCodec(DefaultVersion, defaultPackets())
	if err != nil {
		panic(fmt.Sprintf("invalid built-in packet table: %v", err))
	}
	return c
}

// DefaultRegistry returns a registry holding every built-in codec.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewDefaultCodec())
	return r
}
