package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding subscriptions, items, transcript
// segments, the FTS5 search index, and the transcription job queue.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "siphon.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON", // cascade deletes depend on this
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	if err := s.reclaimRunningJobs(); err != nil {
		db.Close()
		return nil, fmt.Errorf("reclaiming jobs: %w", err)
	}

	return s, nil
}

// reclaimRunningJobs resets jobs left running by a previous process back to
// pending. The daemon is single-process, so a running job at open time is
// the residue of a crash; without the reset it would never be claimable
// again. Attempts are left untouched; the interrupted run never finished.
func (s *Store) reclaimRunningJobs() error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`UPDATE jobs SET status = 'pending', updated_at = ? WHERE status = 'running'`, now)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't
// been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func decodeTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// --- Subscriptions ---

// UpsertSubscription inserts a subscription or, if (source_type, identifier)
// already exists, updates its display name only. Watermark and poll state are
// never touched here. Returns the stored row.
func (s *Store) UpsertSubscription(sub Subscription) (Subscription, error) {
	_, err := s.db.Exec(`
		INSERT INTO subscriptions (id, source_type, identifier, name, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source_type, identifier) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE name END`,
		sub.ID, sub.SourceType, sub.Identifier, sub.Name, encodeTime(sub.CreatedAt),
	)
	if err != nil {
		return Subscription{}, err
	}
	return s.GetSubscription(sub.SourceType, sub.Identifier)
}

// GetSubscription looks up a subscription by its identity pair.
func (s *Store) GetSubscription(sourceType, identifier string) (Subscription, error) {
	row := s.db.QueryRow(`
		SELECT id, source_type, identifier, name, created_at, last_poll_at, watermark
		FROM subscriptions WHERE source_type = ? AND identifier = ?`,
		sourceType, identifier,
	)
	return scanSubscription(row)
}

// DeleteSubscription removes a subscription and, through foreign keys,
// every item and segment it owns. Returns whether anything existed.
func (s *Store) DeleteSubscription(sourceType, identifier string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM subscriptions WHERE source_type = ? AND identifier = ?`,
		sourceType, identifier)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListSubscriptions returns all subscriptions in creation order, optionally
// filtered by source type.
func (s *Store) ListSubscriptions(sourceType string) ([]Subscription, error) {
	query := `SELECT id, source_type, identifier, name, created_at, last_poll_at, watermark
		FROM subscriptions`
	var args []any
	if sourceType != "" {
		query += ` WHERE source_type = ?`
		args = append(args, sourceType)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// AdvanceWatermark records a successful poll: new watermark plus poll time.
// Called only after the adapter fetch and the item upsert both succeeded.
func (s *Store) AdvanceWatermark(subscriptionID, watermark string, polledAt time.Time) error {
	res, err := s.db.Exec(`UPDATE subscriptions SET watermark = ?, last_poll_at = ? WHERE id = ?`,
		watermark, encodeTime(polledAt), subscriptionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (Subscription, error) {
	var sub Subscription
	var createdAt, lastPollAt string
	err := row.Scan(&sub.ID, &sub.SourceType, &sub.Identifier, &sub.Name,
		&createdAt, &lastPollAt, &sub.Watermark)
	if err == sql.ErrNoRows {
		return Subscription{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, err
	}
	sub.CreatedAt = decodeTime(createdAt)
	sub.LastPollAt = decodeTime(lastPollAt)
	return sub, nil
}

// --- Items ---

const itemColumns = `id, subscription_id, source_type, external_id, title, body,
	url, published_at, ingested_at, media_url, transcribed, language`

// UpsertItems inserts candidate items, skipping any whose
// (subscription_id, external_id) is already present. Items are written in the
// given order inside one transaction so a concurrent reader never observes a
// partial batch. Returns the items actually inserted, with IDs assigned.
func (s *Store) UpsertItems(subscriptionID string, items []Item) ([]Item, error) {
	inserted, err := s.upsertItemsTx(subscriptionID, items)
	if err != nil && isBusy(err) {
		// Write conflicts are retried once before surfacing.
		inserted, err = s.upsertItemsTx(subscriptionID, items)
	}
	return inserted, err
}

func (s *Store) upsertItemsTx(subscriptionID string, items []Item) ([]Item, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning upsert transaction: %w", err)
	}
	defer tx.Rollback()

	var inserted []Item
	for _, item := range items {
		item.SubscriptionID = subscriptionID
		if item.IngestedAt.IsZero() {
			item.IngestedAt = time.Now().UTC()
		}
		res, err := tx.Exec(`
			INSERT INTO items (id, subscription_id, source_type, external_id, title,
				body, url, published_at, ingested_at, media_url)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(subscription_id, external_id) DO NOTHING`,
			item.ID, item.SubscriptionID, item.SourceType, item.ExternalID, item.Title,
			item.Body, item.URL, encodeTime(item.PublishedAt), encodeTime(item.IngestedAt),
			item.MediaURL,
		)
		if err != nil {
			return nil, fmt.Errorf("inserting item %s: %w", item.ExternalID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n > 0 {
			inserted = append(inserted, item)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing upsert: %w", err)
	}
	return inserted, nil
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// GetItem returns a single item by ID.
func (s *Store) GetItem(id string) (Item, error) {
	row := s.db.QueryRow(`SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	return scanItem(row)
}

// GetItems returns items ordered by recency (published, then ingested).
func (s *Store) GetItems(filter ItemFilter) ([]Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items`
	var conds []string
	var args []any
	if filter.SourceType != "" {
		conds = append(conds, "source_type = ?")
		args = append(args, filter.SourceType)
	}
	if filter.SubscriptionID != "" {
		conds = append(conds, "subscription_id = ?")
		args = append(args, filter.SubscriptionID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY published_at DESC, ingested_at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanItem(row rowScanner) (Item, error) {
	var item Item
	var publishedAt, ingestedAt string
	var transcribed int
	err := row.Scan(&item.ID, &item.SubscriptionID, &item.SourceType, &item.ExternalID,
		&item.Title, &item.Body, &item.URL, &publishedAt, &ingestedAt,
		&item.MediaURL, &transcribed, &item.Language)
	if err == sql.ErrNoRows {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, err
	}
	item.PublishedAt = decodeTime(publishedAt)
	item.IngestedAt = decodeTime(ingestedAt)
	item.Transcribed = transcribed != 0
	return item, nil
}

// --- Search ---

// Search runs a compiled FTS5 MATCH expression over item title+body and
// transcript segment text, merging both hit sets per item and keeping the
// best bm25 score (lower is better). matchExpr must already be validated by
// the query package.
func (s *Store) Search(matchExpr, sourceType string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}

	best := make(map[string]*SearchResult)

	itemQuery := `
		SELECT ` + qualifiedItemColumns("i") + `, bm25(items_fts) AS score
		FROM items_fts
		JOIN items i ON i.rowid = items_fts.rowid
		WHERE items_fts MATCH ?`
	args := []any{matchExpr}
	if sourceType != "" {
		itemQuery += ` AND i.source_type = ?`
		args = append(args, sourceType)
	}
	itemQuery += ` ORDER BY score LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(itemQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("searching items: %w", err)
	}
	if err := collectItemHits(rows, best); err != nil {
		return nil, err
	}

	segQuery := `
		SELECT ` + qualifiedItemColumns("i") + `, seg.seq, seg.start_sec, seg.end_sec, seg.text,
			bm25(segments_fts) AS score
		FROM segments_fts
		JOIN segments seg ON seg.id = segments_fts.rowid
		JOIN items i ON i.id = seg.item_id
		WHERE segments_fts MATCH ?`
	args = []any{matchExpr}
	if sourceType != "" {
		segQuery += ` AND i.source_type = ?`
		args = append(args, sourceType)
	}
	segQuery += ` ORDER BY score LIMIT ?`
	args = append(args, limit)

	segRows, err := s.db.Query(segQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("searching segments: %w", err)
	}
	if err := collectSegmentHits(segRows, best); err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(best))
	for _, r := range best {
		results = append(results, *r)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score < results[j].Score
		}
		return results[i].Item.ID < results[j].Item.ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func qualifiedItemColumns(alias string) string {
	cols := strings.Split(itemColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func collectItemHits(rows *sql.Rows, best map[string]*SearchResult) error {
	defer rows.Close()
	for rows.Next() {
		var item Item
		var publishedAt, ingestedAt string
		var transcribed int
		var score float64
		if err := rows.Scan(&item.ID, &item.SubscriptionID, &item.SourceType,
			&item.ExternalID, &item.Title, &item.Body, &item.URL, &publishedAt,
			&ingestedAt, &item.MediaURL, &transcribed, &item.Language, &score); err != nil {
			return err
		}
		item.PublishedAt = decodeTime(publishedAt)
		item.IngestedAt = decodeTime(ingestedAt)
		item.Transcribed = transcribed != 0

		if cur, ok := best[item.ID]; !ok || score < cur.Score {
			seg := (*Segment)(nil)
			if ok {
				seg = cur.Segment
			}
			best[item.ID] = &SearchResult{Item: item, Score: score, Segment: seg}
		}
	}
	return rows.Err()
}

func collectSegmentHits(rows *sql.Rows, best map[string]*SearchResult) error {
	defer rows.Close()
	for rows.Next() {
		var item Item
		var seg Segment
		var publishedAt, ingestedAt string
		var transcribed int
		var score float64
		if err := rows.Scan(&item.ID, &item.SubscriptionID, &item.SourceType,
			&item.ExternalID, &item.Title, &item.Body, &item.URL, &publishedAt,
			&ingestedAt, &item.MediaURL, &transcribed, &item.Language,
			&seg.Seq, &seg.Start, &seg.End, &seg.Text, &score); err != nil {
			return err
		}
		item.PublishedAt = decodeTime(publishedAt)
		item.IngestedAt = decodeTime(ingestedAt)
		item.Transcribed = transcribed != 0

		cur, ok := best[item.ID]
		switch {
		case !ok:
			best[item.ID] = &SearchResult{Item: item, Score: score, Segment: &seg}
		case score < cur.Score:
			cur.Score = score
			cur.Segment = &seg
		case cur.Segment == nil:
			cur.Segment = &seg
		}
	}
	return rows.Err()
}

// --- Transcripts ---

// GetSegments returns an item's transcript segments ordered by start offset.
func (s *Store) GetSegments(itemID string) ([]Segment, error) {
	rows, err := s.db.Query(`
		SELECT seq, start_sec, end_sec, text FROM segments
		WHERE item_id = ? ORDER BY start_sec ASC, seq ASC`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segs []Segment
	for rows.Next() {
		var seg Segment
		if err := rows.Scan(&seg.Seq, &seg.Start, &seg.End, &seg.Text); err != nil {
			return nil, err
		}
		segs = append(segs, seg)
	}
	return segs, rows.Err()
}

// MarkTranscribed atomically replaces the item's segment set and flips its
// transcribed flag. A failure anywhere rolls back the whole write, so search
// never sees a partial segment set, and re-running after a crash cannot
// produce duplicates.
func (s *Store) MarkTranscribed(itemID, language string, segments []Segment) error {
	err := s.markTranscribedTx(itemID, language, segments)
	if err != nil && isBusy(err) {
		err = s.markTranscribedTx(itemID, language, segments)
	}
	return err
}

func (s *Store) markTranscribedTx(itemID, language string, segments []Segment) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transcript transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM items WHERE id = ?`, itemID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(`DELETE FROM segments WHERE item_id = ?`, itemID); err != nil {
		return fmt.Errorf("clearing prior segments: %w", err)
	}

	for _, seg := range segments {
		if _, err := tx.Exec(`
			INSERT INTO segments (item_id, seq, start_sec, end_sec, text)
			VALUES (?, ?, ?, ?, ?)`,
			itemID, seg.Seq, seg.Start, seg.End, seg.Text,
		); err != nil {
			return fmt.Errorf("inserting segment %d: %w", seg.Seq, err)
		}
	}

	if _, err := tx.Exec(`UPDATE items SET transcribed = 1, language = ? WHERE id = ?`,
		language, itemID); err != nil {
		return fmt.Errorf("marking item transcribed: %w", err)
	}

	return tx.Commit()
}

// --- Counts ---

// GetCounts returns store totals for status reporting.
func (s *Store) GetCounts() (Counts, error) {
	var c Counts
	queries := []struct {
		sql  string
		dest *int
	}{
		{"SELECT COUNT(*) FROM subscriptions", &c.Subscriptions},
		{"SELECT COUNT(*) FROM items", &c.Items},
		{"SELECT COUNT(*) FROM items WHERE transcribed = 1", &c.Transcribed},
		{"SELECT COUNT(*) FROM jobs WHERE status IN ('pending', 'running')", &c.PendingJobs},
	}
	for _, q := range queries {
		if err := s.db.QueryRow(q.sql).Scan(q.dest); err != nil {
			return Counts{}, err
		}
	}
	return c, nil
}

// --- Jobs ---

// EnqueueJob adds a job to the durable queue. MaxAttempts defaults to 3.
func (s *Store) EnqueueJob(job Job) error {
	now := time.Now().UTC().Format(time.RFC3339)
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC().Format(time.RFC3339)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	return err
}

// HasPendingJob reports whether an unfinished job of the given type exists
// whose payload contains the given fragment. Used to avoid double-enqueueing
// transcription for the same item.
func (s *Store) HasPendingJob(jobType, payloadFragment string) (bool, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM jobs
		WHERE type = ? AND status IN ('pending', 'running') AND payload_json LIKE ?`,
		jobType, "%"+payloadFragment+"%",
	).Scan(&n)
	return n > 0, err
}

// ClaimNextJob atomically claims the oldest runnable job of one of the given
// types, marking it running. Returns nil when nothing is runnable.
func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]any, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRow(query, args...).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	j.RunAfter = decodeTime(runAfter)
	j.CreatedAt = decodeTime(createdAt)
	j.UpdatedAt = decodeTime(now)
	return &j, nil
}

// CompleteJob marks a job completed.
func (s *Store) CompleteJob(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records a failed attempt. The job goes back to pending with
// exponential backoff until max_attempts is exhausted, then stays failed.
// This is the bounded-retry policy for permanently failing media.
func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}

	if err != nil {
		return err
	}

	return tx.Commit()
}
