package db

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/stagehand-project/stagehand/internal/protocol"
	"github.com/stagehand-project/stagehand/internal/script"
	"github.com/stagehand-project/stagehand/internal/util"
)

// ErrArtifactNotFound is returned when no artifact has the requested name.
var ErrArtifactNotFound = errors.New("artifact not found")

// ArtifactInfo summarizes a stored artifact without loading its catalog.
type ArtifactInfo struct {
	Name            string          `json:"name"`
	ProtocolVersion int             `json:"protocol_version"`
	CreatedAt       time.Time       `json:"created_at"`
	Entries         int             `json:"entries"`
	Actions         int             `json:"actions"`
	Summary         json.RawMessage `json:"summary,omitempty"`
}

// ArtifactStore saves and loads replay artifacts. Binary catalog bodies are
// stored zstd-compressed; structured params are stored as JSON.
type ArtifactStore struct {
	db      *Database
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	logger  zerolog.Logger
}

// OpenArtifactStore opens the database at path and applies the schema.
func OpenArtifactStore(path string) (*ArtifactStore, error) {
	database, err := NewDatabase(path)
	if err != nil {
		return nil, err
	}

	store, err := NewArtifactStore(database)
	if err != nil {
		database.Close()
		return nil, err
	}
	return store, nil
}

// NewArtifactStore wraps an open database.
func NewArtifactStore(database *Database) (*ArtifactStore, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	s := &ArtifactStore{
		db:      database,
		encoder: encoder,
		decoder: decoder,
		logger:  util.ComponentLogger("artifact_store"),
	}

	if err := s.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to migrate artifact store: %w", err)
	}
	return s, nil
}

// Close releases the codec resources and the database.
func (s *ArtifactStore) Close() error {
	s.decoder.Close()
	s.encoder.Close()
	return s.db.Close()
}

// artifactMigrations is the artifact schema history, oldest first.
var artifactMigrations = []string{
	`CREATE TABLE artifacts (
		name             TEXT PRIMARY KEY,
		protocol_version INTEGER NOT NULL,
		created_at       INTEGER NOT NULL
	);

	CREATE TABLE catalog_entries (
		artifact    TEXT NOT NULL REFERENCES artifacts(name) ON DELETE CASCADE,
		ordinal     INTEGER NOT NULL,
		export_name TEXT NOT NULL,
		source_name TEXT NOT NULL,
		is_binary   INTEGER NOT NULL DEFAULT 0,
		params_json TEXT,
		blob_zstd   BLOB,
		raw_size    INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (artifact, export_name)
	);

	CREATE TABLE actions (
		artifact    TEXT NOT NULL REFERENCES artifacts(name) ON DELETE CASCADE,
		ordinal     INTEGER NOT NULL,
		kind        TEXT NOT NULL,
		ms          INTEGER NOT NULL DEFAULT 0,
		packet      TEXT NOT NULL DEFAULT '',
		export_name TEXT NOT NULL DEFAULT '',
		distance    INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (artifact, ordinal)
	);`,

	`ALTER TABLE artifacts ADD COLUMN summary_json TEXT NOT NULL DEFAULT '';
	CREATE INDEX idx_catalog_entries_order ON catalog_entries(artifact, ordinal);`,
}

func (s *ArtifactStore) migrate(ctx context.Context) error {
	return s.db.Migrate(ctx, artifactMigrations)
}

// Save validates a and stores it under a.Name, replacing any artifact with
// the same name. summary, when non-nil, is stored as JSON alongside it.
func (s *ArtifactStore) Save(ctx context.Context, a *script.Artifact, summary any) error {
	if a.Name == "" {
		return errors.New("artifact has no name")
	}
	if err := a.Validate(); err != nil {
		return fmt.Errorf("refusing to store invalid artifact %s: %w", a.Name, err)
	}

	summaryJSON := ""
	if summary != nil {
		data, err := json.Marshal(summary)
		if err != nil {
			return fmt.Errorf("failed to encode summary: %w", err)
		}
		summaryJSON = string(data)
	}

	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		if err := deleteArtifact(ctx, tx, a.Name); err != nil {
			return fmt.Errorf("failed to replace artifact: %w", err)
		}

		createdAt := a.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO artifacts (name, protocol_version, created_at, summary_json) VALUES (?, ?, ?, ?)",
			a.Name, a.ProtocolVersion, createdAt.UnixMilli(), summaryJSON,
		); err != nil {
			return fmt.Errorf("failed to insert artifact: %w", err)
		}

		for i, e := range a.Catalog.Entries() {
			if err := s.insertEntry(ctx, tx, a.Name, i, e); err != nil {
				return err
			}
		}

		for i, action := range a.Script {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO actions (artifact, ordinal, kind, ms, packet, export_name, distance)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				a.Name, i, string(action.Kind), action.Ms, action.Packet, action.Export, action.Distance,
			); err != nil {
				return fmt.Errorf("failed to insert action %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info().
		Str("artifact", a.Name).
		Int("entries", a.Catalog.Len()).
		Int("actions", len(a.Script)).
		Msg("artifact stored")
	return nil
}

func (s *ArtifactStore) insertEntry(ctx context.Context, tx *sql.Tx, artifact string, ordinal int, e *script.CatalogEntry) error {
	var (
		paramsJSON sql.NullString
		blob       []byte
	)

	if e.IsBinary {
		blob = s.encoder.EncodeAll(e.Raw, nil)
	} else {
		data, err := json.Marshal(e.Params)
		if err != nil {
			return fmt.Errorf("failed to encode params of %s: %w", e.ExportName, err)
		}
		paramsJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO catalog_entries (artifact, ordinal, export_name, source_name, is_binary, params_json, blob_zstd, raw_size)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		artifact, ordinal, e.ExportName, e.SourceName, boolToInt(e.IsBinary), paramsJSON, blob, len(e.Raw),
	)
	if err != nil {
		return fmt.Errorf("failed to insert catalog entry %s: %w", e.ExportName, err)
	}
	return nil
}

// Load restores the artifact stored under name.
func (s *ArtifactStore) Load(ctx context.Context, name string) (*script.Artifact, error) {
	var (
		version   int
		createdAt int64
	)
	err := s.db.QueryRow(ctx,
		"SELECT protocol_version, created_at FROM artifacts WHERE name = ?", name,
	).Scan(&version, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load artifact %s: %w", name, err)
	}

	a := script.NewArtifact(name, version)
	a.CreatedAt = time.UnixMilli(createdAt).UTC()

	if err := s.loadEntries(ctx, a); err != nil {
		return nil, err
	}
	if err := s.loadActions(ctx, a); err != nil {
		return nil, err
	}

	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("stored artifact %s is inconsistent: %w", name, err)
	}
	return a, nil
}

func (s *ArtifactStore) loadEntries(ctx context.Context, a *script.Artifact) error {
	rows, err := s.db.Query(ctx,
		`SELECT export_name, source_name, is_binary, params_json, blob_zstd
		 FROM catalog_entries WHERE artifact = ? ORDER BY ordinal`, a.Name)
	if err != nil {
		return fmt.Errorf("failed to query catalog of %s: %w", a.Name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e          script.CatalogEntry
			paramsJSON sql.NullString
			blob       []byte
		)
		if err := rows.Scan(&e.ExportName, &e.SourceName, &e.IsBinary, &paramsJSON, &blob); err != nil {
			return fmt.Errorf("failed to scan catalog entry: %w", err)
		}

		if e.IsBinary {
			raw, err := s.decoder.DecodeAll(blob, nil)
			if err != nil {
				return fmt.Errorf("failed to decompress %s: %w", e.ExportName, err)
			}
			e.Raw = raw
		} else if paramsJSON.Valid {
			params, err := decodeParams(paramsJSON.String)
			if err != nil {
				return fmt.Errorf("failed to decode params of %s: %w", e.ExportName, err)
			}
			e.Params = params
		}

		if err := a.Catalog.Add(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *ArtifactStore) loadActions(ctx context.Context, a *script.Artifact) error {
	rows, err := s.db.Query(ctx,
		`SELECT kind, ms, packet, export_name, distance
		 FROM actions WHERE artifact = ? ORDER BY ordinal`, a.Name)
	if err != nil {
		return fmt.Errorf("failed to query script of %s: %w", a.Name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			action script.Action
			kind   string
		)
		if err := rows.Scan(&kind, &action.Ms, &action.Packet, &action.Export, &action.Distance); err != nil {
			return fmt.Errorf("failed to scan action: %w", err)
		}
		action.Kind = script.Kind(kind)
		a.Append(action)
	}
	return rows.Err()
}

// decodeParams keeps numbers as json.Number so 64-bit ids survive.
func decodeParams(data string) (protocol.Params, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()

	var params protocol.Params
	if err := dec.Decode(&params); err != nil {
		return nil, err
	}
	return params, nil
}

// List returns every stored artifact, newest first.
func (s *ArtifactStore) List(ctx context.Context) ([]ArtifactInfo, error) {
	rows, err := s.db.Query(ctx, `
		SELECT a.name, a.protocol_version, a.created_at, a.summary_json,
		       (SELECT COUNT(*) FROM catalog_entries c WHERE c.artifact = a.name),
		       (SELECT COUNT(*) FROM actions s WHERE s.artifact = a.name)
		FROM artifacts a
		ORDER BY a.created_at DESC, a.name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var infos []ArtifactInfo
	for rows.Next() {
		var (
			info      ArtifactInfo
			createdAt int64
			summary   string
		)
		if err := rows.Scan(&info.Name, &info.ProtocolVersion, &createdAt, &summary, &info.Entries, &info.Actions); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		info.CreatedAt = time.UnixMilli(createdAt).UTC()
		if summary != "" {
			info.Summary = json.RawMessage(summary)
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// Info returns the summary of one stored artifact.
func (s *ArtifactStore) Info(ctx context.Context, name string) (ArtifactInfo, error) {
	info := ArtifactInfo{Name: name}
	var (
		createdAt int64
		summary   string
	)
	err := s.db.QueryRow(ctx, `
		SELECT a.protocol_version, a.created_at, a.summary_json,
		       (SELECT COUNT(*) FROM catalog_entries c WHERE c.artifact = a.name),
		       (SELECT COUNT(*) FROM actions s WHERE s.artifact = a.name)
		FROM artifacts a
		WHERE a.name = ?`, name).Scan(&info.ProtocolVersion, &createdAt, &summary, &info.Entries, &info.Actions)
	if errors.Is(err, sql.ErrNoRows) {
		return ArtifactInfo{}, fmt.Errorf("%w: %s", ErrArtifactNotFound, name)
	}
	if err != nil {
		return ArtifactInfo{}, fmt.Errorf("failed to query artifact %s: %w", name, err)
	}

	info.CreatedAt = time.UnixMilli(createdAt).UTC()
	if summary != "" {
		info.Summary = json.RawMessage(summary)
	}
	return info, nil
}

// Delete removes the artifact stored under name.
func (s *ArtifactStore) Delete(ctx context.Context, name string) error {
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, "SELECT 1 FROM artifacts WHERE name = ?", name).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrArtifactNotFound, name)
		}
		if err != nil {
			return err
		}
		return deleteArtifact(ctx, tx, name)
	})
	if err != nil {
		return fmt.Errorf("failed to delete artifact %s: %w", name, err)
	}

	s.logger.Info().Str("artifact", name).Msg("artifact deleted")
	return nil
}

// deleteArtifact removes children explicitly so it works whether or not the
// connection enforces foreign keys.
func deleteArtifact(ctx context.Context, tx *sql.Tx, name string) error {
	for _, table := range []string{"actions", "catalog_entries", "artifacts"} {
		column := "artifact"
		if table == "artifacts" {
			column = "name"
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE "+column+" = ?", name); err != nil {
			return err
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
