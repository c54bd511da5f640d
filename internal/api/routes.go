package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/stagehand-project/stagehand/internal/db"
	"github.com/stagehand-project/stagehand/internal/protocol"
	"github.com/stagehand-project/stagehand/internal/replay"
	"github.com/stagehand-project/stagehand/internal/script"
	"github.com/stagehand-project/stagehand/internal/util"
)

type entryView struct {
	ExportName  string          `json:"export_name"`
	SourceName  string          `json:"source_name"`
	IsBinary    bool            `json:"is_binary"`
	RawBytes    int             `json:"raw_bytes,omitempty"`
	Params      protocol.Params `json:"params,omitempty"`
	DecodeError string          `json:"decode_error,omitempty"`
}

type actionView struct {
	Index  int           `json:"index"`
	Action script.Action `json:"action"`
	Text   string        `json:"text"`
}

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"service":    "stagehand",
		"version":    s.version,
		"uptime_sec": int(time.Since(s.started).Seconds()),
	})
}

// handleSystem returns host information and current memory and disk use.
func (s *Server) handleSystem(c *gin.Context) {
	usage, err := util.GetResourceUsage(s.diskPath)
	if err != nil {
		log.Debug().Err(err).Str("component", "api").Msg("partial resource usage")
	}
	c.JSON(http.StatusOK, gin.H{
		"system": util.GetSystemInfo(),
		"usage":  usage,
	})
}

func (s *Server) handleListArtifacts(c *gin.Context) {
	infos, err := s.artifacts.List(c.Request.Context())
	if err != nil {
		s.internalError(c, err)
		return
	}
	if infos == nil {
		infos = []db.ArtifactInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": infos, "count": len(infos)})
}

// handleGetArtifact returns an artifact's summary, catalog overview and
// script. ?limit=N caps the number of actions returned.
func (s *Server) handleGetArtifact(c *gin.Context) {
	ctx := c.Request.Context()
	name := c.Param("name")

	info, err := s.artifacts.Info(ctx, name)
	if err != nil {
		s.lookupError(c, err)
		return
	}
	a, err := s.artifacts.Load(ctx, name)
	if err != nil {
		s.lookupError(c, err)
		return
	}

	limit := len(a.Script)
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = min(n, limit)
	}

	entries := make([]entryView, 0, a.Catalog.Len())
	for _, e := range a.Catalog.Entries() {
		entries = append(entries, entryView{
			ExportName: e.ExportName,
			SourceName: e.SourceName,
			IsBinary:   e.IsBinary,
			RawBytes:   len(e.Raw),
		})
	}

	actions := make([]actionView, 0, limit)
	for i, act := range a.Script[:limit] {
		actions = append(actions, actionView{Index: i, Action: act, Text: act.String()})
	}

	c.JSON(http.StatusOK, gin.H{
		"info":      info,
		"catalog":   entries,
		"script":    actions,
		"truncated": limit < len(a.Script),
	})
}

// handleGetEntry returns one catalog entry with its params. Binary entries
// are decoded on the fly.
func (s *Server) handleGetEntry(c *gin.Context) {
	a, err := s.artifacts.Load(c.Request.Context(), c.Param("name"))
	if err != nil {
		s.lookupError(c, err)
		return
	}

	e, ok := a.Catalog.Get(c.Param("export"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "catalog entry not found"})
		return
	}

	view := entryView{
		ExportName: e.ExportName,
		SourceName: e.SourceName,
		IsBinary:   e.IsBinary,
		RawBytes:   len(e.Raw),
		Params:     e.Params,
	}
	if e.IsBinary {
		if pkt, err := s.decode(a.ProtocolVersion, e.Raw); err != nil {
			view.DecodeError = err.Error()
		} else {
			view.Params = pkt.Params
		}
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) decode(version int, raw []byte) (protocol.Packet, error) {
	codec, err := s.codecs.Lookup(version)
	if err != nil {
		return protocol.Packet{}, err
	}
	return codec.Decode(raw)
}

func (s *Server) handleSessions(c *gin.Context) {
	sessions := []replay.Info{}
	if s.sessions != nil {
		sessions = append(sessions, s.sessions.Active()...)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) lookupError(c *gin.Context, err error) {
	if errors.Is(err, db.ErrArtifactNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "artifact not found"})
		return
	}
	s.internalError(c, err)
}

func (s *Server) internalError(c *gin.Context, err error) {
	log.Error().Err(err).Str("component", "api").Str("path", c.Request.URL.Path).Msg("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
