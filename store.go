package engram

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store is the only component that touches the on-disk format (C1). Every
// mutation runs inside a single transaction; readers observe snapshot
// consistency per §4.1 and §5.
type Store struct {
	db      *sql.DB
	owner   string
	dims    int
	index   VectorIndex
	corrupt atomic.Bool // set by CheckInvariants; halts writes until ClearCorrupt (§7, §8)
}

// NewStore opens (or creates) the SQLite database, runs migrations, and
// rebuilds the injected vector index from durable rows.
func NewStore(path, owner string, dims int, index VectorIndex) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %v", ErrUnavailable, filepath.Dir(path), err)
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%w: open db: %v", ErrUnavailable, err)
	}
	// Single writer: the store serializes mutations itself; a single
	// connection avoids SQLITE_BUSY under concurrent goroutines.
	db.SetMaxOpenConns(1)

	if index == nil {
		index = NewBruteForceIndex()
	}
	if err := index.Open(path, dims); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: open vector index: %v", ErrUnavailable, err)
	}

	s := &Store{db: db, owner: owner, dims: dims, index: index}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("engram: migrate: %w", err)
	}
	if err := s.rebuildIndex(); err != nil {
		db.Close()
		return nil, fmt.Errorf("engram: rebuild index: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`)

	var version int
	s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)

	if version < 1 {
		if _, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS memories (
				id                  TEXT PRIMARY KEY,
				owner               TEXT NOT NULL,
				content             TEXT NOT NULL,
				type                TEXT NOT NULL DEFAULT 'episodic',
				status              TEXT NOT NULL DEFAULT 'active',
				salience            REAL NOT NULL DEFAULT 0.5,
				source_kind         TEXT NOT NULL DEFAULT 'conversation',
				source_ref          TEXT NOT NULL DEFAULT '',
				created_at          TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
				valid_from          TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
				valid_until         TEXT NOT NULL DEFAULT '9999-01-01T00:00:00.000Z',
				last_accessed_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
				reinforcement_count INTEGER NOT NULL DEFAULT 0,
				embedding           BLOB,
				embedding_failed    INTEGER NOT NULL DEFAULT 0,
				superseded_by       TEXT NOT NULL DEFAULT '',
				needs_review        INTEGER NOT NULL DEFAULT 0
			);
			CREATE INDEX IF NOT EXISTS idx_memories_owner  ON memories(owner);
			CREATE INDEX IF NOT EXISTS idx_memories_status ON memories(owner, status);
			CREATE INDEX IF NOT EXISTS idx_memories_type   ON memories(owner, type);
			CREATE INDEX IF NOT EXISTS idx_memories_valid  ON memories(owner, valid_from, valid_until);

			CREATE TABLE IF NOT EXISTS memory_entities (
				memory_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
				entity    TEXT NOT NULL,
				PRIMARY KEY (memory_id, entity)
			);
			CREATE INDEX IF NOT EXISTS idx_mem_entities_entity ON memory_entities(entity);

			CREATE TABLE IF NOT EXISTS memory_topics (
				memory_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
				topic     TEXT NOT NULL,
				PRIMARY KEY (memory_id, topic)
			);
			CREATE INDEX IF NOT EXISTS idx_mem_topics_topic ON memory_topics(topic);

			CREATE TABLE IF NOT EXISTS entities (
				name         TEXT PRIMARY KEY,
				type         TEXT NOT NULL DEFAULT '',
				owner        TEXT NOT NULL,
				created_at   TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
				memory_count INTEGER NOT NULL DEFAULT 0,
				last_seen    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
			);

			CREATE TABLE IF NOT EXISTS edges (
				src_id     TEXT NOT NULL,
				dst_id     TEXT NOT NULL,
				kind       TEXT NOT NULL,
				weight     REAL NOT NULL DEFAULT 0.5,
				created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
				PRIMARY KEY (src_id, dst_id, kind)
			);
			CREATE INDEX IF NOT EXISTS idx_edges_src ON edges(src_id);
			CREATE INDEX IF NOT EXISTS idx_edges_dst ON edges(dst_id);

			PRAGMA foreign_keys = ON;
		`); err != nil {
			return err
		}
		s.db.Exec(`INSERT INTO schema_version (version) VALUES (1)`)
	}

	return nil
}

const timeLayout = "2006-01-02T15:04:05.000Z"

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	// tolerate sqlite's own strftime default formatting
	if t, err := time.Parse("2006-01-02T15:04:05.999999999Z", s); err == nil {
		return t
	}
	return time.Time{}
}

// --- Vector encoding ---

// EncodeVector converts a float32 slice to a little-endian byte blob.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector converts a little-endian byte blob back to a float32 slice.
func DecodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// --- Insert ---

// Insert atomically commits a memory row, its entity/topic rows, per-entity
// upserts, and initial entity-shared edges to the K most recent memories
// sharing an entity (§4.1, §4.4). Embedding may be nil (pending).
func (s *Store) Insert(m Memory, entitySeedCap int) (Memory, error) {
	if s.corrupt.Load() {
		return Memory{}, fmt.Errorf("%w: writes halted pending repair, see CheckInvariants/ClearCorrupt", ErrCorrupt)
	}
	if m.Embedding != nil && len(m.Embedding) != s.dims {
		return Memory{}, fmt.Errorf("%w: embedding dimension %d != vault dimension %d", ErrInvalidPayload, len(m.Embedding), s.dims)
	}
	if m.Salience < 0 || m.Salience > 1 {
		return Memory{}, fmt.Errorf("%w: salience %f out of range", ErrInvalidPayload, m.Salience)
	}

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.ValidFrom.IsZero() {
		m.ValidFrom = m.CreatedAt
	}
	if m.ValidUntil.IsZero() {
		m.ValidUntil = DistantFuture
	}
	if m.LastAccessedAt.IsZero() {
		m.LastAccessedAt = m.CreatedAt
	}
	if m.Status == "" {
		m.Status = StatusActive
	}
	if m.Type == "" {
		m.Type = TypeEpisodic
	}

	tx, err := s.db.Begin()
	if err != nil {
		return Memory{}, err
	}
	defer tx.Rollback()

	var exists int
	tx.QueryRow(`SELECT COUNT(*) FROM memories WHERE id = ?`, m.ID).Scan(&exists)
	if exists > 0 {
		return Memory{}, fmt.Errorf("%w: memory %s already exists", ErrConflict, m.ID)
	}

	var embBlob []byte
	if m.Embedding != nil {
		embBlob = EncodeVector(m.Embedding)
	}

	if _, err := tx.Exec(`
		INSERT INTO memories (id, owner, content, type, status, salience, source_kind, source_ref,
			created_at, valid_from, valid_until, last_accessed_at, reinforcement_count,
			embedding, embedding_failed, superseded_by, needs_review)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, s.owner, m.Content, string(m.Type), string(m.Status), m.Salience,
		string(m.Source.Kind), m.Source.Ref,
		fmtTime(m.CreatedAt), fmtTime(m.ValidFrom), fmtTime(m.ValidUntil), fmtTime(m.LastAccessedAt),
		m.ReinforcementCount, embBlob, boolToInt(m.EmbeddingFailed), m.SupersededBy, boolToInt(m.NeedsReview),
	); err != nil {
		return Memory{}, err
	}

	for _, e := range dedupStrings(m.Entities) {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO memory_entities (memory_id, entity) VALUES (?, ?)`, m.ID, e); err != nil {
			return Memory{}, err
		}
		if _, err := tx.Exec(`
			INSERT INTO entities (name, owner, created_at, memory_count, last_seen)
			VALUES (?, ?, ?, 1, ?)
			ON CONFLICT(name) DO UPDATE SET memory_count = memory_count + 1, last_seen = excluded.last_seen`,
			e, s.owner, fmtTime(now), fmtTime(now),
		); err != nil {
			return Memory{}, err
		}
	}
	for _, t := range dedupStrings(m.Topics) {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO memory_topics (memory_id, topic) VALUES (?, ?)`, m.ID, t); err != nil {
			return Memory{}, err
		}
	}

	if err := s.synthesizeEntitySharedEdges(tx, m, entitySeedCap); err != nil {
		return Memory{}, err
	}

	if err := tx.Commit(); err != nil {
		return Memory{}, err
	}

	if m.Embedding != nil {
		s.index.Upsert(m.ID, m.Embedding)
	}
	return m, nil
}

// synthesizeEntitySharedEdges implements the §4.4 entity-shared edge rule:
// for each entity the new memory shares, link to at most entitySeedCap of
// the most recent other (non-archived) memories referencing it, weighted
// by the Jaccard similarity of the two memories' entity sets.
func (s *Store) synthesizeEntitySharedEdges(tx *sql.Tx, m Memory, cap int) error {
	if len(m.Entities) == 0 || cap <= 0 {
		return nil
	}

	type candidate struct {
		id        string
		createdAt string
	}
	seen := map[string]bool{m.ID: true}
	var candidates []candidate

	for _, e := range dedupStrings(m.Entities) {
		rows, err := tx.Query(`
			SELECT m.id, m.created_at FROM memories m
			JOIN memory_entities me ON me.memory_id = m.id
			WHERE me.entity = ? AND m.owner = ? AND m.status != 'archived' AND m.id != ?
			ORDER BY m.created_at DESC LIMIT ?`,
			e, s.owner, m.ID, cap,
		)
		if err != nil {
			return err
		}
		for rows.Next() {
			var c candidate
			if err := rows.Scan(&c.id, &c.createdAt); err != nil {
				rows.Close()
				return err
			}
			if !seen[c.id] {
				seen[c.id] = true
				candidates = append(candidates, c)
			}
		}
		rows.Close()
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].createdAt > candidates[j].createdAt })
	if len(candidates) > cap {
		candidates = candidates[:cap]
	}

	for _, c := range candidates {
		otherEntities, err := s.getEntitiesFor(tx, c.id)
		if err != nil {
			return err
		}
		weight := Jaccard(m.Entities, otherEntities)
		if err := s.insertEdgeTx(tx, m.ID, c.id, EdgeEntityShared, weight); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) getEntitiesFor(tx *sql.Tx, memoryID string) ([]string, error) {
	rows, err := tx.Query(`SELECT entity FROM memory_entities WHERE memory_id = ?`, memoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Embedding ---

// UpdateEmbedding sets the embedding and registers it with the vector index
// in the same logical operation. Idempotent on equal vectors.
func (s *Store) UpdateEmbedding(id string, vec []float32) error {
	if len(vec) != s.dims {
		return fmt.Errorf("%w: embedding dimension %d != vault dimension %d", ErrInvalidPayload, len(vec), s.dims)
	}
	res, err := s.db.Exec(`UPDATE memories SET embedding = ?, embedding_failed = 0 WHERE id = ?`, EncodeVector(vec), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: memory %s", ErrNotFound, id)
	}
	return s.index.Upsert(id, vec)
}

// MarkEmbeddingFailed records a permanent embedding failure: the row
// remains recallable by entity/topic but not by vector similarity (§4.3).
func (s *Store) MarkEmbeddingFailed(id string) error {
	_, err := s.db.Exec(`UPDATE memories SET embedding_failed = 1 WHERE id = ?`, id)
	return err
}

// PendingEmbedding returns the non-archived memories with no embedding and
// no permanent failure, oldest first.
func (s *Store) PendingEmbedding(limit int) ([]Memory, error) {
	rows, err := s.db.Query(`
		SELECT `+memoryCols+` FROM memories m
		WHERE m.owner = ? AND m.embedding IS NULL AND m.embedding_failed = 0 AND m.status != 'archived'
		ORDER BY m.created_at ASC LIMIT ?`, s.owner, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMemories(rows)
}

// --- Reinforcement ---

// Reinforce increments the reinforcement count and raises salience by a
// log-decaying increment (§4.1, scoring.go ReinforcementIncrement).
// Monotonic and safe under concurrent calls (single-writer serialization).
func (s *Store) Reinforce(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var salience float64
	if err := tx.QueryRow(`SELECT salience FROM memories WHERE id = ?`, id).Scan(&salience); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: memory %s", ErrNotFound, id)
		}
		return err
	}

	newSalience := salience + ReinforcementIncrement(salience)
	if newSalience > 1 {
		newSalience = 1
	}

	if _, err := tx.Exec(`
		UPDATE memories SET salience = ?, reinforcement_count = reinforcement_count + 1
		WHERE id = ?`, newSalience, id); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Supersession ---

// Supersede sets old.valid_until = at, old.status = superseded,
// old.superseded_by = newId, and creates a supersedes edge new→old,
// atomically (§4.1).
func (s *Store) Supersede(oldID, newID string, at time.Time) error {
	if s.corrupt.Load() {
		return fmt.Errorf("%w: writes halted pending repair, see CheckInvariants/ClearCorrupt", ErrCorrupt)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var newValidFromStr string
	if err := tx.QueryRow(`SELECT valid_from FROM memories WHERE id = ?`, newID).Scan(&newValidFromStr); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: memory %s", ErrNotFound, newID)
		}
		return err
	}
	newValidFrom := parseTime(newValidFromStr)
	if at.After(newValidFrom) {
		return fmt.Errorf("%w: supersede %s->%s: valid_until %s would be after successor's valid_from %s",
			ErrCorrupt, oldID, newID, at, newValidFrom)
	}

	res, err := tx.Exec(`
		UPDATE memories SET status = 'superseded', valid_until = ?, superseded_by = ?
		WHERE id = ? AND status != 'superseded'`, fmtTime(at), newID, oldID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		tx.QueryRow(`SELECT COUNT(*) FROM memories WHERE id = ?`, oldID).Scan(&exists)
		if exists == 0 {
			return fmt.Errorf("%w: memory %s", ErrNotFound, oldID)
		}
	}

	if err := s.insertEdgeTx(tx, newID, oldID, EdgeSupersedes, 1.0); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Forget ---

// Forget hard-removes a row, its edges, entity/topic links, and vector
// index entry, or soft-archives it (§4.1). Archived rows never appear in
// recall seeds. A soft archive leaves the row, its superseded_by link and its
// edges in place; Neighbors still walks those edges until the lifecycle
// sweep's DeleteDanglingEdges removes edges with an archived endpoint.
func (s *Store) Forget(id string, hard bool) error {
	if hard {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.Exec(`DELETE FROM memories WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: memory %s", ErrNotFound, id)
		}
		tx.Exec(`DELETE FROM memory_entities WHERE memory_id = ?`, id)
		tx.Exec(`DELETE FROM memory_topics WHERE memory_id = ?`, id)
		tx.Exec(`DELETE FROM edges WHERE src_id = ? OR dst_id = ?`, id, id)
		if err := tx.Commit(); err != nil {
			return err
		}
		return s.index.Remove(id)
	}

	res, err := s.db.Exec(`UPDATE memories SET status = 'archived' WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: memory %s", ErrNotFound, id)
	}
	return nil
}

// --- Access stamping ---

// Stamp updates last_accessed_at for a batch of ids in a single transaction.
func (s *Store) Stamp(ids []string, when time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.Prepare(`UPDATE memories SET last_accessed_at = ? WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.Exec(fmtTime(when), id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// --- Queries ---

const memoryCols = `m.id, m.content, m.type, m.status, m.salience, m.source_kind, m.source_ref,
	m.created_at, m.valid_from, m.valid_until, m.last_accessed_at, m.reinforcement_count,
	m.embedding, m.embedding_failed, m.superseded_by, m.needs_review`

func scanMemories(rows *sql.Rows) ([]Memory, error) {
	var out []Memory
	for rows.Next() {
		m, err := scanMemoryRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMemoryRow(rows *sql.Rows) (Memory, error) {
	var m Memory
	var typ, status, sourceKind, createdAt, validFrom, validUntil, lastAccessed string
	var embBlob []byte
	var embeddingFailed, needsReview int

	if err := rows.Scan(
		&m.ID, &m.Content, &typ, &status, &m.Salience, &sourceKind, &m.Source.Ref,
		&createdAt, &validFrom, &validUntil, &lastAccessed, &m.ReinforcementCount,
		&embBlob, &embeddingFailed, &m.SupersededBy, &needsReview,
	); err != nil {
		return m, err
	}
	m.Type = Type(typ)
	m.Status = Status(status)
	m.Source.Kind = SourceKind(sourceKind)
	m.CreatedAt = parseTime(createdAt)
	m.ValidFrom = parseTime(validFrom)
	m.ValidUntil = parseTime(validUntil)
	m.LastAccessedAt = parseTime(lastAccessed)
	m.EmbeddingFailed = embeddingFailed != 0
	m.NeedsReview = needsReview != 0
	if embBlob != nil {
		m.Embedding = DecodeVector(embBlob)
	}
	return m, nil
}

// hydrateSets fills in Entities/Topics for a batch of memories already
// loaded from the memories table.
func (s *Store) hydrateSets(ms []Memory) error {
	for i := range ms {
		ents, err := s.queryStrings(`SELECT entity FROM memory_entities WHERE memory_id = ?`, ms[i].ID)
		if err != nil {
			return err
		}
		ms[i].Entities = ents
		tops, err := s.queryStrings(`SELECT topic FROM memory_topics WHERE memory_id = ?`, ms[i].ID)
		if err != nil {
			return err
		}
		ms[i].Topics = tops
	}
	return nil
}

func (s *Store) queryStrings(q string, args ...any) ([]string, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetByIDs batch-hydrates memories preserving caller order (§4.1).
func (s *Store) GetByIDs(ids []string) ([]Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	rows, err := s.db.Query(`SELECT `+memoryCols+` FROM memories m WHERE m.id IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	byID := map[string]Memory{}
	ms, err := scanMemories(rows)
	if err != nil {
		return nil, err
	}
	for _, m := range ms {
		byID[m.ID] = m
	}

	out := make([]Memory, 0, len(ids))
	var present []Memory
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			present = append(present, m)
		}
	}
	if err := s.hydrateSets(present); err != nil {
		return nil, err
	}
	hydrated := map[string]Memory{}
	for _, m := range present {
		hydrated[m.ID] = m
	}
	for _, id := range ids {
		if m, ok := hydrated[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// VectorSearch returns top-k (memory, cosine-similarity) over non-archived
// memories with a present embedding (§4.1).
func (s *Store) VectorSearch(queryVec []float32, k int) ([]ScoredMemory, error) {
	hits, err := s.index.TopK(queryVec, k*4) // over-fetch; archived/missing filtered below
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}
	ids := make([]string, len(hits))
	scoreByID := map[string]float64{}
	for i, h := range hits {
		ids[i] = h.ID
		scoreByID[h.ID] = h.Score
	}
	ms, err := s.GetByIDs(ids)
	if err != nil {
		return nil, err
	}
	var out []ScoredMemory
	for _, m := range ms {
		if m.Status == StatusArchived {
			continue
		}
		out = append(out, ScoredMemory{Memory: m, Similarity: scoreByID[m.ID], Score: scoreByID[m.ID]})
		if len(out) >= k {
			break
		}
	}
	return out, nil
}

// EntitySeed returns ids with descending count of entity matches (§4.1).
func (s *Store) EntitySeed(entities []string, k int) ([]Memory, error) {
	if len(entities) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(entities))
	args := make([]any, 0, len(entities)+2)
	for i, e := range entities {
		placeholders[i] = "?"
		args = append(args, e)
	}
	args = append(args, s.owner, k)

	rows, err := s.db.Query(`
		SELECT m.id, COUNT(*) AS hits FROM memories m
		JOIN memory_entities me ON me.memory_id = m.id
		WHERE me.entity IN (`+strings.Join(placeholders, ",")+`) AND m.owner = ? AND m.status != 'archived'
		GROUP BY m.id ORDER BY hits DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		var hits int
		if err := rows.Scan(&id, &hits); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	ms, err := s.GetByIDs(ids)
	if err != nil {
		return nil, err
	}
	// preserve hit-count order, which GetByIDs already does via `ids` order
	return ms, nil
}

// TopicSeed returns memories matching any of the given topics, most recent first.
func (s *Store) TopicSeed(topics []string, k int) ([]Memory, error) {
	if len(topics) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(topics))
	args := make([]any, 0, len(topics)+2)
	for i, t := range topics {
		placeholders[i] = "?"
		args = append(args, t)
	}
	args = append(args, s.owner, k)

	rows, err := s.db.Query(`
		SELECT DISTINCT m.id, m.created_at FROM memories m
		JOIN memory_topics mt ON mt.memory_id = m.id
		WHERE mt.topic IN (`+strings.Join(placeholders, ",")+`) AND m.owner = ? AND m.status != 'archived'
		ORDER BY m.created_at DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id, created string
		if err := rows.Scan(&id, &created); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	return s.GetByIDs(ids)
}

// ByStatus materializes memories with the given lifecycle status (§4.1,
// used by aggregation routing).
func (s *Store) ByStatus(status Status, k int) ([]Memory, error) {
	rows, err := s.db.Query(`
		SELECT `+memoryCols+` FROM memories m WHERE m.owner = ? AND m.status = ?
		ORDER BY m.created_at DESC LIMIT ?`, s.owner, string(status), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ms, err := scanMemories(rows)
	if err != nil {
		return nil, err
	}
	return ms, s.hydrateSets(ms)
}

// ByType materializes memories of the given type (§4.1 aggregation routing).
func (s *Store) ByType(t Type, k int) ([]Memory, error) {
	rows, err := s.db.Query(`
		SELECT `+memoryCols+` FROM memories m WHERE m.owner = ? AND m.type = ? AND m.status != 'archived'
		ORDER BY m.created_at DESC LIMIT ?`, s.owner, string(t), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ms, err := scanMemories(rows)
	if err != nil {
		return nil, err
	}
	return ms, s.hydrateSets(ms)
}

// --- Edges ---

func (s *Store) insertEdgeTx(tx *sql.Tx, src, dst string, kind EdgeKind, weight float64) error {
	_, err := tx.Exec(`
		INSERT INTO edges (src_id, dst_id, kind, weight, created_at) VALUES (?,?,?,?,?)
		ON CONFLICT(src_id, dst_id, kind) DO UPDATE SET weight = excluded.weight`,
		src, dst, string(kind), weight, fmtTime(time.Now()))
	return err
}

// Connect creates (or updates the weight of) a directed edge (§6.1 connect).
// Idempotent in edge set: connecting the same (src, dst, kind) twice leaves
// one edge.
func (s *Store) Connect(src, dst string, kind EdgeKind, weight float64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.insertEdgeTx(tx, src, dst, kind, weight); err != nil {
		return err
	}
	return tx.Commit()
}

// OutEdges returns outbound edges from a memory, optionally filtered to kinds.
func (s *Store) OutEdges(id string, kinds []EdgeKind) ([]Edge, error) {
	return s.edgesWhere(`src_id = ?`, id, kinds)
}

// InEdges returns inbound edges to a memory, optionally filtered to kinds.
func (s *Store) InEdges(id string, kinds []EdgeKind) ([]Edge, error) {
	return s.edgesWhere(`dst_id = ?`, id, kinds)
}

func (s *Store) edgesWhere(clause, id string, kinds []EdgeKind) ([]Edge, error) {
	q := `SELECT src_id, dst_id, kind, weight, created_at FROM edges WHERE ` + clause
	args := []any{id}
	if len(kinds) > 0 {
		ph := make([]string, len(kinds))
		for i, k := range kinds {
			ph[i] = "?"
			args = append(args, string(k))
		}
		q += ` AND kind IN (` + strings.Join(ph, ",") + `)`
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Edge
	for rows.Next() {
		var e Edge
		var kind, created string
		if err := rows.Scan(&e.SrcID, &e.DstID, &kind, &e.Weight, &created); err != nil {
			return nil, err
		}
		e.Kind = EdgeKind(kind)
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// NeighborHop is one result of a bounded BFS over the edge graph.
type NeighborHop struct {
	ID             string
	Hop            int
	TraversedKinds []EdgeKind
}

// Neighbors performs a bounded BFS over the edge graph, capped at a
// configurable edge-visit budget (§4.1).
func (s *Store) Neighbors(id string, depth int, kinds []EdgeKind, edgeBudget int) ([]NeighborHop, error) {
	if edgeBudget <= 0 {
		edgeBudget = 4000
	}
	visited := map[string]int{id: 0}
	kindsUsed := map[string][]EdgeKind{}
	queue := []string{id}
	edgesVisited := 0

	for hop := 0; hop < depth && len(queue) > 0; hop++ {
		var next []string
		for _, cur := range queue {
			out, err := s.OutEdges(cur, kinds)
			if err != nil {
				return nil, err
			}
			for _, e := range out {
				edgesVisited++
				if edgesVisited > edgeBudget {
					break
				}
				if _, seen := visited[e.DstID]; !seen {
					visited[e.DstID] = hop + 1
					next = append(next, e.DstID)
				}
				kindsUsed[e.DstID] = append(kindsUsed[e.DstID], e.Kind)
			}
			if edgesVisited > edgeBudget {
				break
			}
		}
		queue = next
		if edgesVisited > edgeBudget {
			break
		}
	}

	var out []NeighborHop
	for nid, hop := range visited {
		if nid == id {
			continue
		}
		out = append(out, NeighborHop{ID: nid, Hop: hop, TraversedKinds: kindsUsed[nid]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hop < out[j].Hop })
	return out, nil
}

// --- Entities ---

// GetEntity returns a single entity by normalized name.
func (s *Store) GetEntity(name string) (Entity, bool, error) {
	var e Entity
	var created, lastSeen string
	err := s.db.QueryRow(`SELECT name, type, created_at, memory_count, last_seen FROM entities WHERE name = ? AND owner = ?`, name, s.owner).
		Scan(&e.Name, &e.Type, &created, &e.MemoryCount, &lastSeen)
	if err == sql.ErrNoRows {
		return Entity{}, false, nil
	}
	if err != nil {
		return Entity{}, false, err
	}
	e.CreatedAt = parseTime(created)
	e.LastSeen = parseTime(lastSeen)
	return e, true, nil
}

// ListEntities returns all entities for the vault's owner, most recently
// seen first.
func (s *Store) ListEntities() ([]Entity, error) {
	rows, err := s.db.Query(`SELECT name, type, created_at, memory_count, last_seen FROM entities WHERE owner = ? ORDER BY last_seen DESC`, s.owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entity
	for rows.Next() {
		var e Entity
		var created, lastSeen string
		if err := rows.Scan(&e.Name, &e.Type, &created, &e.MemoryCount, &lastSeen); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(created)
		e.LastSeen = parseTime(lastSeen)
		out = append(out, e)
	}
	return out, rows.Err()
}

// MergeEntityAlias rewrites all memory_entities/edges references from alias
// to canonical and deletes the alias entity row (§4.6 step 4).
func (s *Store) MergeEntityAlias(alias, canonical string) error {
	if alias == canonical {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tx.Exec(`INSERT OR IGNORE INTO memory_entities (memory_id, entity) SELECT memory_id, ? FROM memory_entities WHERE entity = ?`, canonical, alias)
	tx.Exec(`DELETE FROM memory_entities WHERE entity = ?`, alias)
	var aliasCount int
	tx.QueryRow(`SELECT memory_count FROM entities WHERE name = ?`, alias).Scan(&aliasCount)
	tx.Exec(`UPDATE entities SET memory_count = memory_count + ? WHERE name = ?`, aliasCount, canonical)
	tx.Exec(`DELETE FROM entities WHERE name = ?`, alias)
	return tx.Commit()
}

// --- Garbage collection ---

// DeleteDanglingEdges removes edges with an archived or missing endpoint (§4.8).
func (s *Store) DeleteDanglingEdges() (int, error) {
	res, err := s.db.Exec(`
		DELETE FROM edges WHERE
			src_id IN (SELECT id FROM memories WHERE status = 'archived') OR
			dst_id IN (SELECT id FROM memories WHERE status = 'archived') OR
			src_id NOT IN (SELECT id FROM memories) OR
			dst_id NOT IN (SELECT id FROM memories)`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteOrphanedEntities removes entity rows no longer referenced by any
// non-archived memory (§3 Entity invariant).
func (s *Store) DeleteOrphanedEntities() (int, error) {
	res, err := s.db.Exec(`
		DELETE FROM entities WHERE owner = ? AND name NOT IN (
			SELECT DISTINCT me.entity FROM memory_entities me
			JOIN memories m ON m.id = me.memory_id WHERE m.status != 'archived'
		)`, s.owner)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- Decay / salience sweep ---

// ApplyDecay subtracts step from the salience of every non-archived memory,
// clamped at 0, and returns the number of rows updated (§4.6 step 5, §4.8).
// Last access time is not considered: recently accessed memories decay too.
func (s *Store) ApplyDecay(step float64) (int, error) {
	rows, err := s.db.Query(`SELECT id, salience FROM memories WHERE owner = ? AND status != 'archived'`, s.owner)
	if err != nil {
		return 0, err
	}
	type upd struct {
		id       string
		salience float64
	}
	var updates []upd
	for rows.Next() {
		var u upd
		if err := rows.Scan(&u.id, &u.salience); err != nil {
			rows.Close()
			return 0, err
		}
		newSal := u.salience - step
		if newSal < 0 {
			newSal = 0
		}
		updates = append(updates, upd{u.id, newSal})
	}
	rows.Close()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	stmt, err := tx.Prepare(`UPDATE memories SET salience = ? WHERE id = ?`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	for _, u := range updates {
		if _, err := stmt.Exec(u.salience, u.id); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(updates), nil
}

// ArchiveLowSalience archives non-archived memories with salience below
// threshold that were not accessed within recentWindow (§4.8).
func (s *Store) ArchiveLowSalience(threshold float64, recentWindow time.Duration) (int, error) {
	cutoff := fmtTime(time.Now().Add(-recentWindow))
	res, err := s.db.Exec(`
		UPDATE memories SET status = 'archived'
		WHERE owner = ? AND status NOT IN ('archived','superseded') AND salience < ? AND last_accessed_at < ?`,
		s.owner, threshold, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- Active episodic clustering support (C6) ---

// ActiveEpisodicWithVectors returns active episodic memories that carry an
// embedding, for the consolidator's clustering pass.
func (s *Store) ActiveEpisodicWithVectors() ([]Memory, error) {
	rows, err := s.db.Query(`
		SELECT `+memoryCols+` FROM memories m
		WHERE m.owner = ? AND m.type = 'episodic' AND m.status = 'active' AND m.embedding IS NOT NULL`,
		s.owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ms, err := scanMemories(rows)
	if err != nil {
		return nil, err
	}
	return ms, s.hydrateSets(ms)
}

// --- Stats ---

// StoreStats is the raw counters behind the vault's stats() operation (C7).
type StoreStats struct {
	TotalMemories      int64
	ByStatus           map[Status]int64
	ByType             map[Type]int64
	TotalEntities      int64
	TotalEdges         int64
	EmbeddingFailed    int64
	PendingEmbeddings  int64
}

// Stats computes aggregate counters for the owner's vault.
func (s *Store) Stats() (StoreStats, error) {
	st := StoreStats{ByStatus: map[Status]int64{}, ByType: map[Type]int64{}}

	s.db.QueryRow(`SELECT COUNT(*) FROM memories WHERE owner = ?`, s.owner).Scan(&st.TotalMemories)
	s.db.QueryRow(`SELECT COUNT(*) FROM entities WHERE owner = ?`, s.owner).Scan(&st.TotalEntities)
	s.db.QueryRow(`SELECT COUNT(*) FROM edges`).Scan(&st.TotalEdges)
	s.db.QueryRow(`SELECT COUNT(*) FROM memories WHERE owner = ? AND embedding_failed = 1`, s.owner).Scan(&st.EmbeddingFailed)
	s.db.QueryRow(`SELECT COUNT(*) FROM memories WHERE owner = ? AND embedding IS NULL AND embedding_failed = 0`, s.owner).Scan(&st.PendingEmbeddings)

	for _, status := range []Status{StatusActive, StatusPending, StatusFulfilled, StatusSuperseded, StatusArchived} {
		var n int64
		s.db.QueryRow(`SELECT COUNT(*) FROM memories WHERE owner = ? AND status = ?`, s.owner, string(status)).Scan(&n)
		st.ByStatus[status] = n
	}
	for _, t := range []Type{TypeEpisodic, TypeSemantic, TypeProcedural, TypeConsolidated} {
		var n int64
		s.db.QueryRow(`SELECT COUNT(*) FROM memories WHERE owner = ? AND type = ?`, s.owner, string(t)).Scan(&n)
		st.ByType[t] = n
	}
	return st, nil
}

// --- Invariant checking (§8, used by lifecycle sweep) ---

// CheckInvariants validates the §3/§8 invariants and returns human-readable
// violation descriptions (never mutates state other than latching the
// halt-on-corrupt flag when a violation is found — see ClearCorrupt).
func (s *Store) CheckInvariants() ([]string, error) {
	var problems []string

	rows, err := s.db.Query(`SELECT id, status, superseded_by, valid_from, valid_until FROM memories WHERE owner = ?`, s.owner)
	if err != nil {
		return nil, err
	}
	type row struct{ id, status, supersededBy, validFrom, validUntil string }
	var all []row
	byID := map[string]row{}
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.status, &r.supersededBy, &r.validFrom, &r.validUntil); err != nil {
			rows.Close()
			return nil, err
		}
		all = append(all, r)
		byID[r.id] = r
	}
	rows.Close()

	for _, r := range all {
		if r.status == string(StatusSuperseded) && r.supersededBy == "" {
			problems = append(problems, fmt.Sprintf("memory %s: superseded without superseded_by", r.id))
		}
		if r.status != string(StatusSuperseded) && r.supersededBy != "" {
			problems = append(problems, fmt.Sprintf("memory %s: has superseded_by but status=%s", r.id, r.status))
		}
		if r.status == string(StatusSuperseded) && r.supersededBy != "" {
			successor, ok := byID[r.supersededBy]
			if !ok {
				problems = append(problems, fmt.Sprintf("memory %s: superseded_by %s does not exist", r.id, r.supersededBy))
			} else if parseTime(r.validUntil).After(parseTime(successor.validFrom)) {
				problems = append(problems, fmt.Sprintf("memory %s: valid_until %s is after successor %s's valid_from %s",
					r.id, r.validUntil, r.supersededBy, successor.validFrom))
			}
		}
	}
	if len(problems) > 0 {
		s.corrupt.Store(true)
	}
	return problems, nil
}

// ClearCorrupt lifts the write halt latched by CheckInvariants once an
// operator has run a repair pass and confirmed the invariants hold again
// (§7: ErrCorrupt halts writes until a repair pass runs).
func (s *Store) ClearCorrupt() {
	s.corrupt.Store(false)
}

// --- Rebuild / lifecycle ---

func (s *Store) rebuildIndex() error {
	rows, err := s.db.Query(`SELECT id, embedding FROM memories WHERE owner = ? AND embedding IS NOT NULL AND status != 'archived'`, s.owner)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return err
		}
		if err := s.index.Upsert(id, DecodeVector(blob)); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Close shuts down the database connection and vector index.
func (s *Store) Close() error {
	s.index.Close()
	return s.db.Close()
}

// --- helpers ---

func dedupStrings(xs []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, x := range xs {
		x = strings.TrimSpace(x)
		if x == "" || seen[x] {
			continue
		}
		seen[x] = true
		out = append(out, x)
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
