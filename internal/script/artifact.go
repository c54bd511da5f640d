package script

import (
	"fmt"
	"time"
)

// Artifact is the output of one generation run and the input of replay.
type Artifact struct {
	Name            string
	ProtocolVersion int
	CreatedAt       time.Time
	Catalog         *Catalog
	Script          []Action
}

// NewArtifact creates an empty artifact for a protocol version.
func NewArtifact(name string, protocolVersion int) *Artifact {
	return &Artifact{
		Name:            name,
		ProtocolVersion: protocolVersion,
		CreatedAt:       time.Now().UTC(),
		Catalog:         NewCatalog(),
	}
}

// Append adds actions to the end of the script.
func (a *Artifact) Append(actions ...Action) {
	a.Script = append(a.Script, actions...)
}

// Validate checks every action and that each Write/Queue names an entry
// present in the catalog.
func (a *Artifact) Validate() error {
	if a.Catalog == nil {
		return fmt.Errorf("artifact %s has no catalog", a.Name)
	}

	for i, action := range a.Script {
		if err := action.Validate(); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
		if action.Sends() {
			if _, ok := a.Catalog.Get(action.Export); !ok {
				return fmt.Errorf("action %d %s: %w", i, action, ErrDanglingReference)
			}
		}
	}
	return nil
}

// Counts tallies script actions by kind.
func (a *Artifact) Counts() map[Kind]int {
	counts := make(map[Kind]int)
	for _, action := range a.Script {
		counts[action.Kind]++
	}
	return counts
}
