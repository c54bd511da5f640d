// Package script holds the replay artifact produced from a dump: the packet
// catalog and the ordered action script that references it.
package script

import (
	"encoding/json"
	"fmt"
)

// Kind identifies an action variant.
type Kind string

const (
	KindSleep       Kind = "sleep"
	KindWaitFor     Kind = "wait_for"
	KindWrite       Kind = "write"
	KindQueue       Kind = "queue"
	KindLevelChunks Kind = "level_chunks"
)

// Action is one step of a script. Only the fields of its Kind are set.
type Action struct {
	Kind     Kind   `json:"kind"`
	Ms       int    `json:"ms,omitempty"`
	Packet   string `json:"packet,omitempty"`
	Export   string `json:"export,omitempty"`
	Distance int    `json:"distance,omitempty"`
}

// Sleep pauses the script for ms milliseconds.
func Sleep(ms int) Action { return Action{Kind: KindSleep, Ms: ms} }

// WaitFor blocks until the client sends a packet named packet.
func WaitFor(packet string) Action { return Action{Kind: KindWaitFor, Packet: packet} }

// Write sends the catalog entry immediately.
func Write(export string) Action { return Action{Kind: KindWrite, Export: export} }

// Queue sends the catalog entry in the next batched flush.
func Queue(export string) Action { return Action{Kind: KindQueue, Export: export} }

// LevelChunks streams synthetic terrain within distance chunks.
func LevelChunks(distance int) Action { return Action{Kind: KindLevelChunks, Distance: distance} }

// Sends reports whether the action transmits a catalog entry.
func (a Action) Sends() bool {
	return a.Kind == KindWrite || a.Kind == KindQueue
}

func (a Action) String() string {
	switch a.Kind {
	case KindSleep:
		return fmt.Sprintf("Sleep(%d)", a.Ms)
	case KindWaitFor:
		return fmt.Sprintf("WaitFor(%s)", a.Packet)
	case KindWrite:
		return fmt.Sprintf("Write(%s)", a.Export)
	case KindQueue:
		return fmt.Sprintf("Queue(%s)", a.Export)
	case KindLevelChunks:
		return fmt.Sprintf("LevelChunks(%d)", a.Distance)
	default:
		return fmt.Sprintf("Unknown(%s)", a.Kind)
	}
}

// Validate checks that the fields required by the action's kind are present.
func (a Action) Validate() error {
	switch a.Kind {
	case KindSleep:
		if a.Ms < 0 {
			return fmt.Errorf("sleep with negative duration %d", a.Ms)
		}
	case KindWaitFor:
		if a.Packet == "" {
			return fmt.Errorf("wait_for without packet name")
		}
	case KindWrite, KindQueue:
		if a.Export == "" {
			return fmt.Errorf("%s without export name", a.Kind)
		}
	case KindLevelChunks:
		if a.Distance < 0 {
			return fmt.Errorf("level_chunks with negative distance %d", a.Distance)
		}
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	return nil
}

// UnmarshalJSON rejects actions of unknown kinds.
func (a *Action) UnmarshalJSON(data []byte) error {
	type plain Action
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if err := Action(p).Validate(); err != nil {
		return err
	}
	*a = Action(p)
	return nil
}
