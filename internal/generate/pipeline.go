package generate

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stagehand-project/stagehand/internal/dump"
	"github.com/stagehand-project/stagehand/internal/protocol"
	"github.com/stagehand-project/stagehand/internal/script"
)

// FrameSource yields dump frames in capture order. *dump.Reader satisfies it.
type FrameSource interface {
	ProtocolVersion() int
	Read() (*dump.Frame, error)
}

// Result is the output of one generation run.
type Result struct {
	Artifact *script.Artifact
	Summary  Summary
}

// Pipeline applies a Config to dumps. A Pipeline keeps no state between
// runs, so one value may serve concurrent Run calls.
type Pipeline struct {
	cfg        Config
	skip       map[string]struct{}
	uniqueOnly map[string]struct{}
	binary     map[string]struct{}
	write      map[string]struct{}
	logger     zerolog.Logger
}

// New creates a pipeline for cfg. The config is copied.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		skip:       toSet(cfg.Skip),
		uniqueOnly: toSet(cfg.UniqueOnly),
		binary:     toSet(cfg.Binary),
		write:      toSet(cfg.Write),
		logger:     log.With().Str("component", "generate").Logger(),
	}
}

// GenerateFile opens the dump at path and runs p over it.
func (p *Pipeline) GenerateFile(path, name string, codecs *protocol.Registry) (*Result, error) {
	r, err := dump.Open(path, codecs)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return p.Run(r, name)
}

// Run consumes src until end of stream and builds the artifact called name.
// Undecodable frames and a truncated tail are counted in the summary; any
// other read error aborts the run.
func (p *Pipeline) Run(src FrameSource, name string) (*Result, error) {
	st := &runState{
		p:           p,
		artifact:    script.NewArtifact(name, src.ProtocolVersion()),
		dedup:       make(map[string]string),
		occurrences: make(map[string]int),
		uniqueSeen:  make(map[string]struct{}),
		logger:      p.logger.With().Str("artifact", name).Logger(),
	}

	for {
		frame, err := src.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, dump.ErrTruncated) {
			st.summary.Truncated = true
			st.warn("dump ends inside a frame; generated from the complete frames only")
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read frame %d: %w", st.summary.Frames, err)
		}

		if err := st.process(frame); err != nil {
			return nil, err
		}
	}

	if len(st.artifact.Script) == 0 {
		st.warn("generated script is empty")
	}
	st.summary.Entries = st.artifact.Catalog.Len()
	st.summary.Actions = len(st.artifact.Script)

	if err := st.artifact.Validate(); err != nil {
		return nil, fmt.Errorf("generated artifact is inconsistent: %w", err)
	}

	st.logger.Info().
		Int("frames", st.summary.Frames).
		Int("entries", st.summary.Entries).
		Int("actions", st.summary.Actions).
		Int("duplicates", st.summary.Duplicates).
		Int("skipped", st.summary.Skipped).
		Int("failed", st.summary.Failed).
		Msg("generation completed")

	return &Result{Artifact: st.artifact, Summary: st.summary}, nil
}

// runState is everything one Run mutates.
type runState struct {
	p        *Pipeline
	artifact *script.Artifact
	summary  Summary
	logger   zerolog.Logger

	// dedup maps base64(raw) to the export name created for that content.
	dedup       map[string]string
	occurrences map[string]int
	uniqueSeen  map[string]struct{}

	playerID    int64
	playerKnown bool

	baseline     uint32
	haveBaseline bool
	sleeping     bool
	chunksSent   bool
}

func (st *runState) warn(msg string) {
	st.summary.Warnings = append(st.summary.Warnings, msg)
	st.logger.Warn().Msg(msg)
}

func (st *runState) process(f *dump.Frame) error {
	st.summary.Frames++

	if !f.Decoded() {
		st.summary.Failed++
		st.logger.Warn().
			Err(f.DecodeErr).
			Int("frame", f.Index).
			Str("direction", f.Direction.String()).
			Int("length", len(f.Raw)).
			Msg("skipping undecodable frame")
		return nil
	}

	if f.Direction == dump.Inbound {
		st.processInbound(f)
		return nil
	}
	return st.processOutbound(f)
}

func (st *runState) processInbound(f *dump.Frame) {
	st.summary.Inbound++
	if _, skip := st.p.skip[f.Name]; skip {
		return
	}
	st.advanceBaseline(f.TimestampMs)
}

func (st *runState) processOutbound(f *dump.Frame) error {
	cfg := &st.p.cfg
	st.summary.Outbound++

	if !st.playerKnown && f.Name == cfg.Handshake.Packet {
		if id, ok := intParam(f.Params[cfg.Handshake.Field]); ok {
			st.playerID = id
			st.playerKnown = true
			st.summary.PlayerEntityID = id
			st.logger.Debug().Int64("entity_id", id).Msg("tracked player entity captured")
		}
	}

	if _, skip := st.p.skip[f.Name]; skip {
		st.summary.Skipped++
		return nil
	}

	if field, scoped := cfg.PlayerScoped[f.Name]; scoped {
		id, ok := intParam(f.Params[field])
		if !ok || !st.playerKnown || id != st.playerID {
			st.summary.EntityFiltered++
			return nil
		}
	}

	_, unique := st.p.uniqueOnly[f.Name]
	if unique {
		if _, seen := st.uniqueSeen[f.Name]; seen {
			st.summary.UniqueDropped++
			return nil
		}
	}

	st.maybeSleep(f.TimestampMs)
	st.advanceBaseline(f.TimestampMs)

	key := base64.StdEncoding.EncodeToString(f.Raw)
	export, reused := st.dedup[key]
	if reused {
		st.summary.Duplicates++
	} else {
		export = st.allocateExport(f.Name)
		if err := st.artifact.Catalog.Add(st.entryFor(export, f)); err != nil {
			return fmt.Errorf("failed to add catalog entry for frame %d: %w", f.Index, err)
		}
		st.dedup[key] = export
	}

	if unique {
		st.uniqueSeen[f.Name] = struct{}{}
	}

	if _, ok := st.p.write[f.Name]; ok {
		st.artifact.Append(script.Write(export))
	} else {
		st.artifact.Append(script.Queue(export))
	}

	if response, ok := cfg.WaitAfter[f.Name]; ok && st.waitApplies(f) {
		st.artifact.Append(script.WaitFor(response))
		st.summary.Waits++
		if response == cfg.LoadingScreen && !st.sleeping {
			st.sleeping = true
			st.logger.Debug().Int("frame", f.Index).Msg("sleep synthesis enabled")
		}
	}

	if f.Name == cfg.AttributeSync && cfg.AttributeSync != "" && !st.chunksSent {
		st.artifact.Append(script.LevelChunks(cfg.ChunkDistance))
		st.chunksSent = true
	}

	return nil
}

// waitApplies reports whether f satisfies the WaitWhen condition of its
// trigger, if there is one.
func (st *runState) waitApplies(f *dump.Frame) bool {
	match, ok := st.p.cfg.WaitWhen[f.Name]
	if !ok {
		return true
	}
	v, ok := intParam(f.Params[match.Field])
	return ok && v == match.Equals
}

func (st *runState) maybeSleep(ts uint32) {
	cfg := &st.p.cfg
	if !st.sleeping || !st.haveBaseline || ts < st.baseline {
		return
	}

	gap := int(ts - st.baseline)
	if gap < cfg.MinSleepMs || gap == 0 {
		return
	}

	ms := roundTo(gap, cfg.SleepRoundingMs)
	if ms <= 0 {
		return
	}
	st.artifact.Append(script.Sleep(ms))
	st.summary.Sleeps++
}

func (st *runState) advanceBaseline(ts uint32) {
	st.baseline = ts
	st.haveBaseline = true
}

// allocateExport returns name for the first distinct content and name_1,
// name_2, ... for later ones.
func (st *runState) allocateExport(name string) string {
	n := st.occurrences[name]
	st.occurrences[name] = n + 1
	if n == 0 {
		return name
	}

	export := name + "_" + strconv.Itoa(n)
	for {
		if _, taken := st.artifact.Catalog.Get(export); !taken {
			return export
		}
		n++
		st.occurrences[name] = n + 1
		export = name + "_" + strconv.Itoa(n)
	}
}

func (st *runState) entryFor(export string, f *dump.Frame) script.CatalogEntry {
	entry := script.CatalogEntry{
		ExportName: export,
		SourceName: f.Name,
	}

	_, binary := st.p.binary[f.Name]
	threshold := st.p.cfg.BinaryThreshold
	if binary || (threshold > 0 && uint64(len(f.Raw)) > threshold.Bytes()) {
		entry.IsBinary = true
		entry.Raw = append([]byte(nil), f.Raw...)
		st.summary.Binary++
		return entry
	}

	entry.Params = f.Params.Clone()
	return entry
}

func roundTo(v, step int) int {
	if step <= 1 {
		return v
	}
	return (v + step/2) / step * step
}

// intParam reads an integer param in any of the numeric forms a codec or a
// JSON round trip may produce.
func intParam(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64:
		return int64(n), n == float64(int64(n))
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}
