package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/checkpoint/internal/storage"
	"github.com/scrypster/checkpoint/pkg/types"
)

// MetadataStore implements storage.MetadataStore using SQLite.
type MetadataStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMetadataStore opens (or creates) the metadata database at dsn.
func NewMetadataStore(ctx context.Context, dsn string) (*MetadataStore, error) {
	db, err := openDB(ctx, dsn, "metadata")
	if err != nil {
		return nil, fmt.Errorf("sqlite: metadata store: %w", err)
	}
	return &MetadataStore{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *MetadataStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// --- checkpoints ---

// CreateCheckpoint inserts an inactive checkpoint row.
func (s *MetadataStore) CreateCheckpoint(ctx context.Context, cp *types.Checkpoint) error {
	if cp == nil || cp.Version == "" {
		return fmt.Errorf("%w: checkpoint version is required", storage.ErrInvalidInput)
	}
	cfg, err := json.Marshal(cp.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint config: %w", err)
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (version, description, config, created_at) VALUES (?, ?, ?, ?)`,
		cp.Version, cp.Description, string(cfg), cp.CreatedAt.UnixNano())
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", types.ErrDuplicateVersion, cp.Version)
	}
	if err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	cp.IsActive = false
	return nil
}

const selectCheckpoint = `
	SELECT c.version, c.description, c.config, c.created_at, a.version IS NOT NULL
	FROM checkpoints c
	LEFT JOIN active_checkpoint a ON a.id = 1 AND a.version = c.version`

// GetCheckpoint returns a checkpoint by version.
func (s *MetadataStore) GetCheckpoint(ctx context.Context, version string) (*types.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, selectCheckpoint+` WHERE c.version = ?`, version)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: checkpoint %s", types.ErrNotFound, version)
	}
	return cp, err
}

// ListCheckpoints returns every checkpoint ordered by version.
func (s *MetadataStore) ListCheckpoints(ctx context.Context) ([]*types.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, selectCheckpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// SQL cannot order "0.2" before "0.10"
	sort.Slice(out, func(i, j int) bool {
		return types.CompareVersions(out[i].Version, out[j].Version) < 0
	})
	return out, nil
}

// UpdateCheckpoint replaces description and config.
func (s *MetadataStore) UpdateCheckpoint(ctx context.Context, version, description string, cfg types.CheckpointConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint config: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE checkpoints SET description = ?, config = ? WHERE version = ?`,
		description, string(raw), version)
	if err != nil {
		return fmt.Errorf("failed to update checkpoint: %w", err)
	}
	return requireAffected(res, "checkpoint "+version)
}

// ActivateCheckpoint points the singleton row at version.
func (s *MetadataStore) ActivateCheckpoint(ctx context.Context, version string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := checkpointExists(ctx, tx, version); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE active_checkpoint SET version = ? WHERE id = 1`, version); err != nil {
		return fmt.Errorf("failed to activate checkpoint: %w", err)
	}
	return tx.Commit()
}

// GetActiveCheckpoint returns the active checkpoint.
func (s *MetadataStore) GetActiveCheckpoint(ctx context.Context) (*types.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, selectCheckpoint+` WHERE a.version IS NOT NULL`)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNoActiveCheckpoint
	}
	return cp, err
}

// DeleteCheckpoint removes a checkpoint with its documents and turns. If it
// was active, the highest remaining version takes over.
func (s *MetadataStore) DeleteCheckpoint(ctx context.Context, version string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := checkpointExists(ctx, tx, version); err != nil {
		return "", err
	}

	var active sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT version FROM active_checkpoint WHERE id = 1`).Scan(&active); err != nil {
		return "", fmt.Errorf("failed to read active checkpoint: %w", err)
	}

	newActive := active.String
	if active.Valid && active.String == version {
		newActive, err = highestVersionExcept(ctx, tx, version)
		if err != nil {
			return "", err
		}
		var next any
		if newActive != "" {
			next = newActive
		}
		if _, err := tx.ExecContext(ctx, `UPDATE active_checkpoint SET version = ? WHERE id = 1`, next); err != nil {
			return "", fmt.Errorf("failed to reassign active checkpoint: %w", err)
		}
	}

	for _, stmt := range []string{
		`DELETE FROM turns WHERE checkpoint_version = ?`,
		`DELETE FROM documents WHERE checkpoint_version = ?`,
		`DELETE FROM checkpoints WHERE version = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, version); err != nil {
			return "", fmt.Errorf("failed to delete checkpoint %s: %w", version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit checkpoint deletion: %w", err)
	}
	return newActive, nil
}

func highestVersionExcept(ctx context.Context, tx *sql.Tx, version string) (string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT version FROM checkpoints WHERE version != ?`, version)
	if err != nil {
		return "", fmt.Errorf("failed to list remaining checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	highest := ""
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return "", err
		}
		if highest == "" || types.CompareVersions(v, highest) > 0 {
			highest = v
		}
	}
	return highest, rows.Err()
}

func checkpointExists(ctx context.Context, tx *sql.Tx, version string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM checkpoints WHERE version = ?`, version).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: checkpoint %s", types.ErrNotFound, version)
	}
	if err != nil {
		return fmt.Errorf("failed to look up checkpoint: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row scanner) (*types.Checkpoint, error) {
	var (
		cp      types.Checkpoint
		cfg     string
		created int64
	)
	if err := row.Scan(&cp.Version, &cp.Description, &cfg, &created, &cp.IsActive); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(cfg), &cp.Config); err != nil {
		return nil, fmt.Errorf("%w: checkpoint %s has malformed config: %v", types.ErrInvalidConfiguration, cp.Version, err)
	}
	cp.CreatedAt = time.Unix(0, created)
	return &cp, nil
}

// --- documents ---

// InsertDocument writes a pending document row.
func (s *MetadataStore) InsertDocument(ctx context.Context, doc *types.Document) error {
	if doc == nil || doc.ID == "" {
		return fmt.Errorf("%w: document ID is required", storage.ErrInvalidInput)
	}
	if doc.ContentHash == "" {
		doc.ContentHash = types.ContentHash(doc.Content)
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = s.now()
	}
	doc.Status = types.DocumentPending

	var meta sql.NullString
	if len(doc.Metadata) > 0 {
		raw, err := json.Marshal(doc.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal document metadata: %w", err)
		}
		meta = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, checkpoint_version, source_type, content, content_hash, metadata, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.CheckpointVersion, string(doc.SourceType), doc.Content, doc.ContentHash,
		meta, string(doc.Status), doc.CreatedAt.UnixNano())
	switch {
	case isUniqueViolation(err):
		return fmt.Errorf("%w: %s", storage.ErrDuplicateContent, doc.ContentHash)
	case isForeignKeyViolation(err):
		return fmt.Errorf("%w: checkpoint %s", types.ErrNotFound, doc.CheckpointVersion)
	case err != nil:
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

// MarkDocumentCommitted flips a document to committed.
func (s *MetadataStore) MarkDocumentCommitted(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = ? WHERE id = ?`, string(types.DocumentCommitted), id)
	if err != nil {
		return fmt.Errorf("failed to commit document: %w", err)
	}
	return requireAffected(res, "document "+id)
}

// DeleteDocument removes a document row.
func (s *MetadataStore) DeleteDocument(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

const selectDocument = `
	SELECT id, checkpoint_version, source_type, content, content_hash, metadata, status, created_at
	FROM documents`

// GetDocument returns a document by id.
func (s *MetadataStore) GetDocument(ctx context.Context, id string) (*types.Document, error) {
	doc, err := scanDocument(s.db.QueryRowContext(ctx, selectDocument+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: document %s", types.ErrNotFound, id)
	}
	return doc, err
}

// FindDocumentByHash returns the document with the given content hash.
func (s *MetadataStore) FindDocumentByHash(ctx context.Context, version, hash string) (*types.Document, error) {
	doc, err := scanDocument(s.db.QueryRowContext(ctx,
		selectDocument+` WHERE checkpoint_version = ? AND content_hash = ?`, version, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: document with hash %s", types.ErrNotFound, hash)
	}
	return doc, err
}

// ListDocuments pages through a checkpoint's documents, oldest first.
func (s *MetadataStore) ListDocuments(ctx context.Context, version string, opts storage.ListOptions) ([]*types.Document, error) {
	opts.Normalize()
	return s.queryDocuments(ctx,
		selectDocument+` WHERE checkpoint_version = ? ORDER BY created_at, id LIMIT ? OFFSET ?`,
		version, opts.Limit, opts.Offset)
}

// ListPendingDocuments returns every pending document of a checkpoint.
func (s *MetadataStore) ListPendingDocuments(ctx context.Context, version string) ([]*types.Document, error) {
	return s.queryDocuments(ctx,
		selectDocument+` WHERE checkpoint_version = ? AND status = ? ORDER BY created_at, id`,
		version, string(types.DocumentPending))
}

// CountDocuments counts committed documents.
func (s *MetadataStore) CountDocuments(ctx context.Context, version string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE checkpoint_version = ? AND status = ?`,
		version, string(types.DocumentCommitted)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return n, nil
}

func (s *MetadataStore) queryDocuments(ctx context.Context, query string, args ...any) ([]*types.Document, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func scanDocument(row scanner) (*types.Document, error) {
	var (
		doc     types.Document
		source  string
		status  string
		meta    sql.NullString
		created int64
	)
	if err := row.Scan(&doc.ID, &doc.CheckpointVersion, &source, &doc.Content, &doc.ContentHash, &meta, &status, &created); err != nil {
		return nil, err
	}
	doc.SourceType = types.SourceType(source)
	doc.Status = types.DocumentStatus(status)
	doc.CreatedAt = time.Unix(0, created)
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &doc.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal document metadata: %w", err)
		}
	}
	return &doc, nil
}

// --- turns ---

// AppendTurn inserts a turn, assigning its timestamp and sequence.
func (s *MetadataStore) AppendTurn(ctx context.Context, turn *types.Turn) error {
	if turn == nil {
		return fmt.Errorf("%w: turn is required", storage.ErrInvalidInput)
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.Role != types.RoleUser && turn.Role != types.RoleAssistant {
		return fmt.Errorf("%w: unknown role %q", storage.ErrInvalidInput, turn.Role)
	}
	turn.CreatedAt = s.now()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (id, checkpoint_version, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		turn.ID, turn.CheckpointVersion, string(turn.Role), turn.Content, turn.CreatedAt.UnixNano())
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%w: checkpoint %s", types.ErrNotFound, turn.CheckpointVersion)
	}
	if err != nil {
		return fmt.Errorf("failed to append turn: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read turn sequence: %w", err)
	}
	turn.Seq = seq
	return nil
}

const selectTurn = `SELECT seq, id, checkpoint_version, role, content, created_at FROM turns`

// GetHistory returns the most recent limit turns, oldest first. A limit of
// zero or less returns the whole history.
func (s *MetadataStore) GetHistory(ctx context.Context, version string, limit int) ([]*types.Turn, error) {
	return s.history(ctx, version, -1, limit)
}

// GetHistoryBefore is GetHistory restricted to turns with Seq < seq.
func (s *MetadataStore) GetHistoryBefore(ctx context.Context, version string, seq int64, limit int) ([]*types.Turn, error) {
	return s.history(ctx, version, seq, limit)
}

func (s *MetadataStore) history(ctx context.Context, version string, before int64, limit int) ([]*types.Turn, error) {
	query := selectTurn + ` WHERE checkpoint_version = ?`
	args := []any{version}
	if before >= 0 {
		query += ` AND seq < ?`
		args = append(args, before)
	}
	query += ` ORDER BY created_at DESC, seq DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	turns, err := s.queryTurns(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// LatestTurn returns the newest turn with the given role.
func (s *MetadataStore) LatestTurn(ctx context.Context, version string, role types.Role) (*types.Turn, error) {
	turns, err := s.queryTurns(ctx,
		selectTurn+` WHERE checkpoint_version = ? AND role = ? ORDER BY created_at DESC, seq DESC LIMIT 1`,
		version, string(role))
	if err != nil {
		return nil, err
	}
	if len(turns) == 0 {
		return nil, fmt.Errorf("%w: no %s turn in checkpoint %s", types.ErrNotFound, role, version)
	}
	return turns[0], nil
}

// ClearHistory deletes all turns of a checkpoint.
func (s *MetadataStore) ClearHistory(ctx context.Context, version string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE checkpoint_version = ?`, version)
	if err != nil {
		return 0, fmt.Errorf("failed to clear history: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CountTurns counts turns of a checkpoint.
func (s *MetadataStore) CountTurns(ctx context.Context, version string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM turns WHERE checkpoint_version = ?`, version).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count turns: %w", err)
	}
	return n, nil
}

func (s *MetadataStore) queryTurns(ctx context.Context, query string, args ...any) ([]*types.Turn, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Turn
	for rows.Next() {
		var (
			t       types.Turn
			role    string
			created int64
		)
		if err := rows.Scan(&t.Seq, &t.ID, &t.CheckpointVersion, &role, &t.Content, &created); err != nil {
			return nil, err
		}
		t.Role = types.Role(role)
		t.CreatedAt = time.Unix(0, created)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func requireAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", types.ErrNotFound, what)
	}
	return nil
}

var _ storage.MetadataStore = (*MetadataStore)(nil)
