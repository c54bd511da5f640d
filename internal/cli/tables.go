// Package cli renders stagehand reports as terminal tables and runs the
// interactive console of the serve command.
package cli

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/stagehand-project/stagehand/internal/db"
	"github.com/stagehand-project/stagehand/internal/dump"
	"github.com/stagehand-project/stagehand/internal/generate"
	"github.com/stagehand-project/stagehand/internal/replay"
	"github.com/stagehand-project/stagehand/internal/script"
)

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	tw.SetAlignment(tablewriter.ALIGN_LEFT)
	return tw
}

// PrintSummary renders a generation summary, followed by its warnings.
func PrintSummary(w io.Writer, name string, s generate.Summary) {
	tw := newTable(w, "Metric", "Value")
	rows := [][2]string{
		{"artifact", name},
		{"frames", strconv.Itoa(s.Frames)},
		{"outbound", strconv.Itoa(s.Outbound)},
		{"inbound", strconv.Itoa(s.Inbound)},
		{"catalog entries", strconv.Itoa(s.Entries)},
		{"binary entries", strconv.Itoa(s.Binary)},
		{"actions", strconv.Itoa(s.Actions)},
		{"duplicates reused", strconv.Itoa(s.Duplicates)},
		{"skipped", strconv.Itoa(s.Skipped)},
		{"unique-only dropped", strconv.Itoa(s.UniqueDropped)},
		{"other entities dropped", strconv.Itoa(s.EntityFiltered)},
		{"undecodable", strconv.Itoa(s.Failed)},
		{"sleeps", strconv.Itoa(s.Sleeps)},
		{"waits", strconv.Itoa(s.Waits)},
		{"player entity", strconv.FormatInt(s.PlayerEntityID, 10)},
		{"truncated", strconv.FormatBool(s.Truncated)},
	}
	for _, r := range rows {
		r := r
		tw.Append(r[:])
	}
	tw.Render()

	for _, warning := range s.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
}

// PrintCatalog renders every catalog entry in export order.
func PrintCatalog(w io.Writer, c *script.Catalog) {
	tw := newTable(w, "Export", "Source", "Kind", "Size")
	for _, e := range c.Entries() {
		kind, size := "params", fmt.Sprintf("%d fields", len(e.Params))
		if e.IsBinary {
			kind, size = "binary", formatBytes(len(e.Raw))
		}
		tw.Append([]string{e.ExportName, e.SourceName, kind, size})
	}
	tw.Render()
}

// PrintScript renders the first limit actions (all when limit <= 0).
func PrintScript(w io.Writer, actions []script.Action, limit int) {
	shown := actions
	if limit > 0 && limit < len(actions) {
		shown = actions[:limit]
	}

	tw := newTable(w, "#", "Action")
	for i, a := range shown {
		tw.Append([]string{strconv.Itoa(i), a.String()})
	}
	tw.Render()

	if len(shown) < len(actions) {
		fmt.Fprintf(w, "... %d more actions\n", len(actions)-len(shown))
	}
}

// PrintArtifacts renders stored artifacts.
func PrintArtifacts(w io.Writer, infos []db.ArtifactInfo) {
	if len(infos) == 0 {
		fmt.Fprintln(w, "no artifacts stored")
		return
	}

	tw := newTable(w, "Name", "Protocol", "Entries", "Actions", "Created")
	for _, info := range infos {
		tw.Append([]string{
			info.Name,
			strconv.Itoa(info.ProtocolVersion),
			strconv.Itoa(info.Entries),
			strconv.Itoa(info.Actions),
			info.CreatedAt.Local().Format(time.DateTime),
		})
	}
	tw.Render()
}

// PrintSessions renders live replay sessions.
func PrintSessions(w io.Writer, sessions []replay.Info) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "no active sessions")
		return
	}

	tw := newTable(w, "Session", "Client", "Artifact", "State", "Step", "Sent", "Uptime")
	for _, s := range sessions {
		tw.Append([]string{
			s.ID,
			s.RemoteAddr,
			s.Artifact,
			s.State.String(),
			fmt.Sprintf("%d/%d", s.Stats.Position, s.Stats.Steps),
			strconv.Itoa(s.Stats.Sent),
			time.Since(s.StartedAt).Truncate(time.Second).String(),
		})
	}
	tw.Render()
}

// FrameReader yields dump frames. *dump.Reader implements it.
type FrameReader interface {
	Read() (*dump.Frame, error)
}

// PrintFrames renders up to limit frames from r (all when limit <= 0)
// followed by a per-packet count. It returns how many frames were read.
// A truncated tail ends the listing with a note instead of an error.
func PrintFrames(w io.Writer, r FrameReader, limit int) (int, error) {
	tw := newTable(w, "#", "Dir", "Time (ms)", "Packet", "Bytes", "Fields")
	counts := make(map[string]int)

	n := 0
	var readErr error
	for limit <= 0 || n < limit {
		f, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			readErr = err
			break
		}
		n++

		name, fields := f.Name, strings.Join(f.Params.Keys(), ",")
		if !f.Decoded() {
			name, fields = "?", "undecoded"
			if f.DecodeErr != nil {
				fields = f.DecodeErr.Error()
			}
		}
		counts[name]++
		tw.Append([]string{
			strconv.Itoa(f.Index),
			f.Direction.String(),
			strconv.FormatUint(uint64(f.TimestampMs), 10),
			name,
			strconv.Itoa(len(f.Raw)),
			fields,
		})
	}
	tw.Render()

	if errors.Is(readErr, dump.ErrTruncated) {
		fmt.Fprintln(w, "dump ends with a truncated frame")
		readErr = nil
	}
	if readErr != nil {
		return n, readErr
	}

	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if counts[names[i]] != counts[names[j]] {
			return counts[names[i]] > counts[names[j]]
		}
		return names[i] < names[j]
	})

	ct := newTable(w, "Packet", "Count")
	for _, name := range names {
		ct.Append([]string{name, strconv.Itoa(counts[name])})
	}
	ct.Render()
	return n, nil
}

func formatBytes(n int) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
