package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the canonical persistent memory storage.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the memory database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process engine. One shared connection avoids writer lock
	// contention with SQLite under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS memory_items (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			tier TEXT NOT NULL,
			phase TEXT NOT NULL,
			importance REAL NOT NULL DEFAULT 0,
			intensity REAL NOT NULL DEFAULT 0,
			confidence REAL NOT NULL DEFAULT 0,
			pattern_signature TEXT NOT NULL DEFAULT '',
			source_kind TEXT NOT NULL DEFAULT '',
			source_ref TEXT NOT NULL DEFAULT '',
			pinned INTEGER NOT NULL DEFAULT 0,
			pending_retry INTEGER NOT NULL DEFAULT 0,
			quarantined INTEGER NOT NULL DEFAULT 0,
			quarantine_note TEXT NOT NULL DEFAULT '',
			quarantined_at_ms INTEGER NOT NULL DEFAULT 0,
			raw_tokens INTEGER NOT NULL DEFAULT 0,
			compressed_tokens INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1,
			access_count INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			last_accessed_at_ms INTEGER NOT NULL,
			last_transition_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS memory_items_tier_idx ON memory_items(tier, quarantined, created_at_ms);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS memory_items_signature_idx ON memory_items(pattern_signature) WHERE pattern_signature <> '';`,
		`CREATE TABLE IF NOT EXISTS memory_embeddings (
			item_id TEXT PRIMARY KEY,
			model TEXT NOT NULL,
			dims INTEGER NOT NULL,
			vector BLOB NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS decay_schedule (
			item_id TEXT PRIMARY KEY,
			tier TEXT NOT NULL,
			current_phase TEXT NOT NULL,
			next_transition_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS decay_schedule_due_idx ON decay_schedule(tier, next_transition_at_ms);`,
		`CREATE TABLE IF NOT EXISTS routing_log (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			chosen_tier TEXT NOT NULL,
			reason_code TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			decided_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS routing_log_time_idx ON routing_log(decided_at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS routing_log_reason_idx ON routing_log(reason_code, decided_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS token_economics (
			id TEXT PRIMARY KEY,
			window_start_ms INTEGER NOT NULL,
			window_end_ms INTEGER NOT NULL,
			items_compressed INTEGER NOT NULL DEFAULT 0,
			raw_token_estimate INTEGER NOT NULL DEFAULT 0,
			compressed_token_estimate INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS token_economics_window_idx ON token_economics(window_end_ms DESC);`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(item_id UNINDEXED, content, tokenize='unicode61 remove_diacritics 2');`,
		`CREATE TRIGGER IF NOT EXISTS memory_fts_ai AFTER INSERT ON memory_items BEGIN
			INSERT INTO memory_fts(item_id, content) VALUES (new.id, new.content);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS memory_fts_au AFTER UPDATE OF content ON memory_items BEGIN
			DELETE FROM memory_fts WHERE item_id = old.id;
			INSERT INTO memory_fts(item_id, content) VALUES (new.id, new.content);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS memory_fts_ad AFTER DELETE ON memory_items BEGIN
			DELETE FROM memory_fts WHERE item_id = old.id;
		END;`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func nowMS() int64 { return time.Now().UnixMilli() }

// dbtx is satisfied by both *sql.DB and *sql.Tx so patch application
// can run standalone or inside a transition transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const itemColumns = `id, content, tier, phase, importance, intensity, confidence, pattern_signature,
source_kind, source_ref, pinned, pending_retry, quarantined, quarantine_note,
raw_tokens, compressed_tokens, version, access_count, created_at_ms, last_accessed_at_ms, last_transition_at_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (MemoryItem, error) {
	var it MemoryItem
	var tier, phase, sourceKind string
	err := row.Scan(&it.ID, &it.Content, &tier, &phase, &it.ImportanceScore, &it.EmotionalIntensity,
		&it.Confidence, &it.PatternSignature, &sourceKind, &it.SourceRef, &it.Pinned, &it.PendingRetry,
		&it.Quarantined, &it.QuarantineNote, &it.RawTokens, &it.CompressedTokens, &it.Version,
		&it.AccessCount, &it.CreatedAtMS, &it.LastAccessedAtMS, &it.LastTransitionAtMS)
	if err != nil {
		return MemoryItem{}, err
	}
	it.Tier = Tier(tier)
	it.Phase = Phase(phase)
	it.SourceKind = SourceKind(sourceKind)
	if !ValidTier(it.Tier) {
		return it, fmt.Errorf("item %s: tier %q: %w", it.ID, tier, ErrCorruptEntry)
	}
	if it.Phase != PhaseShock && PhaseRank(it.Phase) < 0 {
		return it, fmt.Errorf("item %s: phase %q: %w", it.ID, phase, ErrCorruptEntry)
	}
	return it, nil
}

func scanItems(rows *sql.Rows) ([]MemoryItem, error) {
	out := []MemoryItem{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			if errors.Is(err, ErrCorruptEntry) {
				continue
			}
			return nil, fmt.Errorf("scan memory item: %w", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory items: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) PutItem(ctx context.Context, item MemoryItem) error {
	if item.ID == "" {
		return fmt.Errorf("put item: empty id")
	}
	if item.Version <= 0 {
		item.Version = 1
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO memory_items(id, content, tier, phase, importance, intensity, confidence, pattern_signature,
	source_kind, source_ref, pinned, pending_retry, quarantined, quarantine_note,
	raw_tokens, compressed_tokens, version, access_count, created_at_ms, last_accessed_at_ms, last_transition_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Content, string(item.Tier), string(item.Phase), item.ImportanceScore, item.EmotionalIntensity,
		item.Confidence, item.PatternSignature, string(item.SourceKind), item.SourceRef, item.Pinned, item.PendingRetry,
		item.RawTokens, item.CompressedTokens, item.Version, item.AccessCount,
		item.CreatedAtMS, item.LastAccessedAtMS, item.LastTransitionAtMS)
	if err != nil {
		return fmt.Errorf("put item %s: %w", item.ID, err)
	}
	return nil
}

func (s *SQLiteStore) getItem(ctx context.Context, q dbtx, id string) (MemoryItem, error) {
	row := q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM memory_items WHERE id = ?`, id)
	it, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MemoryItem{}, fmt.Errorf("item %s: %w", id, ErrNotFound)
		}
		if errors.Is(err, ErrCorruptEntry) {
			return MemoryItem{}, err
		}
		return MemoryItem{}, fmt.Errorf("get item %s: %w", id, err)
	}
	if it.Quarantined {
		return MemoryItem{}, fmt.Errorf("item %s: %w", id, ErrQuarantined)
	}
	return it, nil
}

func (s *SQLiteStore) GetItem(ctx context.Context, id string) (MemoryItem, error) {
	return s.getItem(ctx, s.db, id)
}

func (s *SQLiteStore) GetItems(ctx context.Context, ids []string) ([]MemoryItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+itemColumns+` FROM memory_items
WHERE id IN (`+placeholders+`) AND quarantined = 0`, args...)
	if err != nil {
		return nil, fmt.Errorf("get items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// buildPatch renders an ItemPatch into SET fragments. version and the
// CAS guard are added by the caller.
func buildPatch(p ItemPatch) (sets []string, args []any) {
	if p.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *p.Content)
	}
	if p.Tier != nil {
		sets = append(sets, "tier = ?")
		args = append(args, string(*p.Tier))
	}
	if p.Phase != nil {
		sets = append(sets, "phase = ?")
		args = append(args, string(*p.Phase))
	}
	if p.ImportanceScore != nil {
		sets = append(sets, "importance = ?")
		args = append(args, *p.ImportanceScore)
	}
	if p.Confidence != nil {
		sets = append(sets, "confidence = ?")
		args = append(args, *p.Confidence)
	}
	if p.Pinned != nil {
		sets = append(sets, "pinned = ?")
		args = append(args, *p.Pinned)
	}
	if p.PendingRetry != nil {
		sets = append(sets, "pending_retry = ?")
		args = append(args, *p.PendingRetry)
	}
	if p.CompressedTokens != nil {
		sets = append(sets, "compressed_tokens = ?")
		args = append(args, *p.CompressedTokens)
	}
	if p.AccessCount != nil {
		sets = append(sets, "access_count = ?")
		args = append(args, *p.AccessCount)
	}
	if p.LastAccessedAtMS != nil {
		sets = append(sets, "last_accessed_at_ms = ?")
		args = append(args, *p.LastAccessedAtMS)
	}
	if p.LastTransitionAtMS != nil {
		sets = append(sets, "last_transition_at_ms = ?")
		args = append(args, *p.LastTransitionAtMS)
	}
	return sets, args
}

// applyPatch runs the CAS update. RowsAffected zero is disambiguated
// into ErrNotFound, ErrQuarantined, or ErrStaleVersion by re-probing.
func (s *SQLiteStore) applyPatch(ctx context.Context, q dbtx, id string, expectedVersion int64, patch ItemPatch) error {
	sets, args := buildPatch(patch)
	sets = append(sets, "version = version + 1")
	args = append(args, id, expectedVersion)
	res, err := q.ExecContext(ctx, `
UPDATE memory_items SET `+strings.Join(sets, ", ")+`
WHERE id = ? AND version = ? AND quarantined = 0`, args...)
	if err != nil {
		return fmt.Errorf("update item %s: %w", id, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		var quarantined bool
		err := q.QueryRowContext(ctx, `SELECT quarantined FROM memory_items WHERE id = ?`, id).Scan(&quarantined)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("item %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("probe item %s: %w", id, err)
		}
		if quarantined {
			return fmt.Errorf("item %s: %w", id, ErrQuarantined)
		}
		return fmt.Errorf("item %s at version %d: %w", id, expectedVersion, ErrStaleVersion)
	}
	return nil
}

func (s *SQLiteStore) UpdateItem(ctx context.Context, id string, expectedVersion int64, patch ItemPatch) (MemoryItem, error) {
	if err := s.applyPatch(ctx, s.db, id, expectedVersion, patch); err != nil {
		return MemoryItem{}, err
	}
	return s.getItem(ctx, s.db, id)
}

func (s *SQLiteStore) TransitionItem(ctx context.Context, id string, expectedVersion int64, patch ItemPatch, sched *DecaySchedule) (MemoryItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return MemoryItem{}, fmt.Errorf("transition item begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.applyPatch(ctx, tx, id, expectedVersion, patch); err != nil {
		return MemoryItem{}, err
	}
	if sched != nil {
		if err := upsertSchedule(ctx, tx, *sched); err != nil {
			return MemoryItem{}, err
		}
	} else {
		if _, err := tx.ExecContext(ctx, `DELETE FROM decay_schedule WHERE item_id = ?`, id); err != nil {
			return MemoryItem{}, fmt.Errorf("drop schedule for %s: %w", id, err)
		}
	}
	it, err := s.getItem(ctx, tx, id)
	if err != nil {
		return MemoryItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return MemoryItem{}, fmt.Errorf("transition item commit: %w", err)
	}
	return it, nil
}

func (s *SQLiteStore) ForgetItem(ctx context.Context, id string, expectedVersion int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("forget item begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM memory_items WHERE id = ? AND version = ?`, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("forget item %s: %w", id, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		var exists bool
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM memory_items WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("item %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("probe item %s: %w", id, err)
		}
		return fmt.Errorf("item %s at version %d: %w", id, expectedVersion, ErrStaleVersion)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_embeddings WHERE item_id = ?`, id); err != nil {
		return fmt.Errorf("forget embedding for %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM decay_schedule WHERE item_id = ?`, id); err != nil {
		return fmt.Errorf("forget schedule for %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("forget item commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteItem(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete item begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM memory_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete item %s: %w", id, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_embeddings WHERE item_id = ?`, id); err != nil {
		return fmt.Errorf("delete embedding for %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM decay_schedule WHERE item_id = ?`, id); err != nil {
		return fmt.Errorf("delete schedule for %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete item commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListByTier(ctx context.Context, tier Tier, limit int) ([]MemoryItem, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+itemColumns+` FROM memory_items
WHERE tier = ? AND quarantined = 0
ORDER BY created_at_ms ASC
LIMIT ?`, string(tier), limit)
	if err != nil {
		return nil, fmt.Errorf("list tier %s: %w", tier, err)
	}
	defer rows.Close()
	return scanItems(rows)
}

func (s *SQLiteStore) CountByTier(ctx context.Context, tier Tier) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM memory_items WHERE tier = ? AND quarantined = 0`, string(tier)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count tier %s: %w", tier, err)
	}
	return n, nil
}

func (s *SQLiteStore) ListAgedFresh(ctx context.Context, cutoffMS int64, limit int) ([]MemoryItem, error) {
	if limit <= 0 {
		limit = 256
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+itemColumns+` FROM memory_items
WHERE tier = ? AND quarantined = 0 AND created_at_ms <= ?
ORDER BY created_at_ms ASC
LIMIT ?`, string(TierFresh), cutoffMS, limit)
	if err != nil {
		return nil, fmt.Errorf("list aged fresh: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

func (s *SQLiteStore) FindProceduralBySignature(ctx context.Context, signature string) (MemoryItem, error) {
	if strings.TrimSpace(signature) == "" {
		return MemoryItem{}, fmt.Errorf("find procedural: empty signature")
	}
	row := s.db.QueryRowContext(ctx, `
SELECT `+itemColumns+` FROM memory_items
WHERE tier = ? AND pattern_signature = ? AND quarantined = 0`, string(TierProcedural), signature)
	it, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MemoryItem{}, fmt.Errorf("procedural %q: %w", signature, ErrNotFound)
		}
		if errors.Is(err, ErrCorruptEntry) {
			return MemoryItem{}, err
		}
		return MemoryItem{}, fmt.Errorf("find procedural %q: %w", signature, err)
	}
	return it, nil
}

func upsertSchedule(ctx context.Context, q dbtx, sched DecaySchedule) error {
	_, err := q.ExecContext(ctx, `
INSERT INTO decay_schedule(item_id, tier, current_phase, next_transition_at_ms)
VALUES(?, ?, ?, ?)
ON CONFLICT(item_id) DO UPDATE SET
	tier = excluded.tier,
	current_phase = excluded.current_phase,
	next_transition_at_ms = excluded.next_transition_at_ms`,
		sched.ItemID, string(sched.Tier), string(sched.CurrentPhase), sched.NextTransitionAtMS)
	if err != nil {
		return fmt.Errorf("upsert schedule for %s: %w", sched.ItemID, err)
	}
	return nil
}

func (s *SQLiteStore) UpsertSchedule(ctx context.Context, sched DecaySchedule) error {
	return upsertSchedule(ctx, s.db, sched)
}

func (s *SQLiteStore) DeleteSchedule(ctx context.Context, itemID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM decay_schedule WHERE item_id = ?`, itemID); err != nil {
		return fmt.Errorf("delete schedule for %s: %w", itemID, err)
	}
	return nil
}

func (s *SQLiteStore) ListDueSchedules(ctx context.Context, tier Tier, nowMS int64, limit int) ([]DecaySchedule, error) {
	if limit <= 0 {
		limit = 256
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT item_id, tier, current_phase, next_transition_at_ms
FROM decay_schedule
WHERE tier = ? AND next_transition_at_ms <= ?
ORDER BY next_transition_at_ms ASC
LIMIT ?`, string(tier), nowMS, limit)
	if err != nil {
		return nil, fmt.Errorf("list due schedules for %s: %w", tier, err)
	}
	defer rows.Close()

	out := []DecaySchedule{}
	for rows.Next() {
		var sched DecaySchedule
		var tierRaw, phaseRaw string
		if err := rows.Scan(&sched.ItemID, &tierRaw, &phaseRaw, &sched.NextTransitionAtMS); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		sched.Tier = Tier(tierRaw)
		sched.CurrentPhase = Phase(phaseRaw)
		out = append(out, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedules: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) DecayStatus(ctx context.Context, tier Tier, nowMS int64) (DecayStatusSummary, error) {
	out := DecayStatusSummary{Tier: tier, PhaseCounts: map[Phase]int{}}

	rows, err := s.db.QueryContext(ctx, `
SELECT phase, COUNT(*) FROM memory_items
WHERE tier = ? AND quarantined = 0
GROUP BY phase`, string(tier))
	if err != nil {
		return out, fmt.Errorf("decay status phases for %s: %w", tier, err)
	}
	defer rows.Close()
	for rows.Next() {
		var phase string
		var n int
		if err := rows.Scan(&phase, &n); err != nil {
			return out, fmt.Errorf("scan phase count: %w", err)
		}
		out.PhaseCounts[Phase(phase)] = n
		out.TotalItems += n
	}
	if err := rows.Err(); err != nil {
		return out, fmt.Errorf("iterate phase counts: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM decay_schedule
WHERE tier = ? AND next_transition_at_ms <= ?`, string(tier), nowMS).
		Scan(&out.DueNow)
	if err != nil {
		return out, fmt.Errorf("decay status due for %s: %w", tier, err)
	}
	err = s.db.QueryRowContext(ctx, `
SELECT COALESCE(MIN(next_transition_at_ms), 0) FROM decay_schedule WHERE tier = ?`, string(tier)).
		Scan(&out.NextDueAtMS)
	if err != nil {
		return out, fmt.Errorf("decay status next due for %s: %w", tier, err)
	}

	err = s.db.QueryRowContext(ctx, `
SELECT
	COALESCE(SUM(pending_retry), 0),
	COALESCE(SUM(pinned), 0),
	COALESCE(SUM(quarantined), 0)
FROM memory_items WHERE tier = ?`, string(tier)).
		Scan(&out.PendingRetry, &out.Pinned, &out.Quarantined)
	if err != nil {
		return out, fmt.Errorf("decay status flags for %s: %w", tier, err)
	}
	return out, nil
}

func (s *SQLiteStore) Quarantine(ctx context.Context, id, note string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE memory_items SET quarantined = 1, quarantine_note = ?, quarantined_at_ms = ?
WHERE id = ?`, note, nowMS(), id)
	if err != nil {
		return fmt.Errorf("quarantine item %s: %w", id, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ListQuarantined(ctx context.Context, limit int) ([]MemoryItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+itemColumns+` FROM memory_items
WHERE quarantined = 1
ORDER BY quarantined_at_ms DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list quarantined: %w", err)
	}
	defer rows.Close()

	// Quarantined rows may carry invalid tier or phase values; surface
	// them as-is for operator review instead of re-filtering.
	out := []MemoryItem{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil && !errors.Is(err, ErrCorruptEntry) {
			return nil, fmt.Errorf("scan quarantined item: %w", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate quarantined items: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) UpsertEmbedding(ctx context.Context, itemID, model string, vec []float32) error {
	blob, err := EncodeVector(vec)
	if err != nil {
		return fmt.Errorf("embedding for %s: %w", itemID, err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO memory_embeddings(item_id, model, dims, vector, updated_at_ms)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(item_id) DO UPDATE SET
	model = excluded.model,
	dims = excluded.dims,
	vector = excluded.vector,
	updated_at_ms = excluded.updated_at_ms`,
		itemID, model, len(vec), blob, nowMS())
	if err != nil {
		return fmt.Errorf("upsert embedding for %s: %w", itemID, err)
	}
	return nil
}

func (s *SQLiteStore) GetEmbedding(ctx context.Context, itemID string) ([]float32, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT vector FROM memory_embeddings WHERE item_id = ?`, itemID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("embedding for %s: %w", itemID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get embedding for %s: %w", itemID, err)
	}
	vec, err := DecodeVector(blob)
	if err != nil {
		return nil, fmt.Errorf("embedding for %s: %v: %w", itemID, err, ErrCorruptEntry)
	}
	return vec, nil
}

func (s *SQLiteStore) ListEmbeddings(ctx context.Context, tiers []Tier, limit int) ([]ItemVector, []string, error) {
	if len(tiers) == 0 {
		return nil, nil, nil
	}
	if limit <= 0 {
		limit = 2000
	}
	placeholders := strings.Repeat("?,", len(tiers))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(tiers)+1)
	for _, t := range tiers {
		args = append(args, string(t))
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
SELECT e.item_id, m.tier, e.vector
FROM memory_embeddings e
JOIN memory_items m ON m.id = e.item_id
WHERE m.tier IN (`+placeholders+`) AND m.quarantined = 0
ORDER BY m.last_accessed_at_ms DESC
LIMIT ?`, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("list embeddings: %w", err)
	}
	defer rows.Close()

	out := []ItemVector{}
	var corrupt []string
	for rows.Next() {
		var iv ItemVector
		var tierRaw string
		var blob []byte
		if err := rows.Scan(&iv.ItemID, &tierRaw, &blob); err != nil {
			return nil, nil, fmt.Errorf("scan embedding: %w", err)
		}
		iv.Tier = Tier(tierRaw)
		vec, err := DecodeVector(blob)
		if err != nil {
			corrupt = append(corrupt, iv.ItemID)
			continue
		}
		iv.Vector = vec
		out = append(out, iv)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate embeddings: %w", err)
	}
	return out, corrupt, nil
}

func (s *SQLiteStore) SearchText(ctx context.Context, query string, limit int) ([]MemoryItem, error) {
	if limit <= 0 {
		limit = 20
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+prefixedItemColumns("m")+`
FROM memory_fts f
JOIN memory_items m ON m.id = f.item_id
WHERE f.content MATCH ? AND m.quarantined = 0
ORDER BY bm25(memory_fts), m.last_accessed_at_ms DESC
LIMIT ?`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search text: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

func prefixedItemColumns(alias string) string {
	cols := strings.Split(itemColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func (s *SQLiteStore) AppendRouting(ctx context.Context, dec RoutingDecision) error {
	if dec.ID == "" {
		dec.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO routing_log(id, event_id, chosen_tier, reason_code, detail, decided_at_ms)
VALUES(?, ?, ?, ?, ?, ?)`,
		dec.ID, dec.EventID, string(dec.ChosenTier), dec.ReasonCode, dec.Detail, dec.DecidedAtMS)
	if err != nil {
		return fmt.Errorf("append routing decision: %w", err)
	}
	return nil
}

func (s *SQLiteStore) QueryRouting(ctx context.Context, q RoutingQuery) ([]RoutingDecision, error) {
	where := []string{"1=1"}
	args := []any{}
	if q.SinceMS > 0 {
		where = append(where, "decided_at_ms >= ?")
		args = append(args, q.SinceMS)
	}
	if q.UntilMS > 0 {
		where = append(where, "decided_at_ms <= ?")
		args = append(args, q.UntilMS)
	}
	if len(q.Reasons) > 0 {
		placeholders := strings.Repeat("?,", len(q.Reasons))
		where = append(where, "reason_code IN ("+placeholders[:len(placeholders)-1]+")")
		for _, r := range q.Reasons {
			args = append(args, r)
		}
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 200
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
SELECT id, event_id, chosen_tier, reason_code, detail, decided_at_ms
FROM routing_log
WHERE `+strings.Join(where, " AND ")+`
ORDER BY decided_at_ms DESC
LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("query routing log: %w", err)
	}
	defer rows.Close()

	out := []RoutingDecision{}
	for rows.Next() {
		var dec RoutingDecision
		var tierRaw string
		if err := rows.Scan(&dec.ID, &dec.EventID, &tierRaw, &dec.ReasonCode, &dec.Detail, &dec.DecidedAtMS); err != nil {
			return nil, fmt.Errorf("scan routing decision: %w", err)
		}
		dec.ChosenTier = Tier(tierRaw)
		out = append(out, dec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate routing decisions: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) CountRouting(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM routing_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count routing log: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) AppendEconomics(ctx context.Context, rec TokenEconomicsRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO token_economics(id, window_start_ms, window_end_ms, items_compressed, raw_token_estimate, compressed_token_estimate)
VALUES(?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.WindowStartMS, rec.WindowEndMS, rec.ItemsCompressed, rec.RawTokenEstimate, rec.CompressedTokenEstimate)
	if err != nil {
		return fmt.Errorf("append economics record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SumEconomics(ctx context.Context, sinceMS, untilMS int64) (TokenSavings, error) {
	out := TokenSavings{WindowStartMS: sinceMS, WindowEndMS: untilMS}
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*),
	COALESCE(SUM(items_compressed), 0),
	COALESCE(SUM(raw_token_estimate), 0),
	COALESCE(SUM(compressed_token_estimate), 0)
FROM token_economics
WHERE window_end_ms >= ? AND window_start_ms <= ?`, sinceMS, untilMS).
		Scan(&out.Records, &out.ItemsCompressed, &out.RawTokenEstimate, &out.CompressedTokenEstimate)
	if err != nil {
		return out, fmt.Errorf("sum economics: %w", err)
	}
	out.SavedTokens = out.RawTokenEstimate - out.CompressedTokenEstimate
	return out, nil
}

func (s *SQLiteStore) CountEconomics(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM token_economics`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count economics: %w", err)
	}
	return n, nil
}
