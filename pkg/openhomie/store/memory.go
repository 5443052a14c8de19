package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"
)

// Trust tiers derived from the relationship score.
const (
	TierNewContact    = "new_contact"
	TierGettingToKnow = "getting_to_know"
	TierCloseFriend   = "close_friend"
)

// Score cutoffs between tiers.
const (
	tierKnowCutoff  = 0.25
	tierCloseCutoff = 0.65
)

// Person is someone the bot knows, unique per (channel, channelUserId).
type Person struct {
	ID                int64   `json:"id"`
	Channel           string  `json:"channel"`
	ChannelUserID     string  `json:"channelUserId"`
	DisplayName       string  `json:"displayName"`
	RelationshipScore float64 `json:"relationshipScore"`
	TrustTierOverride string  `json:"trustTierOverride,omitempty"`
	FirstSeenMs       int64   `json:"firstSeenMs"`
	LastSeenMs        int64   `json:"lastSeenMs"`
}

// TrustTier derives the tier from the relationship score. An operator-set
// override wins over the derived tier.
func (p Person) TrustTier() string {
	if p.TrustTierOverride != "" {
		return p.TrustTierOverride
	}
	switch {
	case p.RelationshipScore >= tierCloseCutoff:
		return TierCloseFriend
	case p.RelationshipScore >= tierKnowCutoff:
		return TierGettingToKnow
	default:
		return TierNewContact
	}
}

// Fact is one remembered statement about a person.
type Fact struct {
	ID          int64   `json:"id"`
	PersonID    int64   `json:"personId"`
	Text        string  `json:"text"`
	Evidence    string  `json:"evidence,omitempty"`
	Private     bool    `json:"private"`
	CreatedAtMs int64   `json:"createdAtMs"`
	Score       float64 `json:"-"`
}

// Lesson is a behavior insight learned from feedback, scoped globally or to a
// group chat.
type Lesson struct {
	ID          int64  `json:"id"`
	Scope       string `json:"scope"` // "global" or "group:<chatId>"
	Text        string `json:"text"`
	CreatedAtMs int64  `json:"createdAtMs"`
}

// Episode is a short summary of a notable conversation stretch.
type Episode struct {
	ID          int64  `json:"id"`
	ChatID      string `json:"chatId"`
	Summary     string `json:"summary"`
	CreatedAtMs int64  `json:"createdAtMs"`
}

// RetrievalWeights tunes hybrid search scoring.
type RetrievalWeights struct {
	RRFK          float64
	FTSWeight     float64
	VecWeight     float64
	RecencyWeight float64
	HalfLifeDays  float64
}

// MemoryStore persists people, facts, lessons, and episodes with hybrid
// FTS5 + vector retrieval. Embeddings are JSON float32 arrays on the fact
// row; vector search is in-process cosine over candidates.
type MemoryStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewMemoryStore opens or creates memory.db in dataDir.
func NewMemoryStore(dataDir string, logger *slog.Logger) (*MemoryStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := OpenDB(dataDir, "memory.db")
	if err != nil {
		return nil, err
	}
	s := &MemoryStore{db: db, logger: logger.With("component", "memory_store"), now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init memory schema: %w", err)
	}
	return s, nil
}

func (s *MemoryStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS people (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			channel            TEXT NOT NULL,
			channel_user_id    TEXT NOT NULL,
			display_name       TEXT NOT NULL DEFAULT '',
			relationship_score REAL NOT NULL DEFAULT 0,
			trust_override     TEXT NOT NULL DEFAULT '',
			first_seen_ms      INTEGER NOT NULL,
			last_seen_ms       INTEGER NOT NULL,
			UNIQUE(channel, channel_user_id)
		);

		CREATE TABLE IF NOT EXISTS facts (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			person_id     INTEGER NOT NULL REFERENCES people(id) ON DELETE CASCADE,
			text          TEXT NOT NULL,
			evidence      TEXT NOT NULL DEFAULT '',
			private       INTEGER NOT NULL DEFAULT 1,
			embedding     TEXT,
			created_at_ms INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_facts_person ON facts(person_id, created_at_ms);

		CREATE TABLE IF NOT EXISTS lessons (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			scope         TEXT NOT NULL,
			text          TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_lessons_scope ON lessons(scope, created_at_ms);

		CREATE TABLE IF NOT EXISTS episodes (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id       TEXT NOT NULL,
			summary       TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_episodes_chat ON episodes(chat_id, created_at_ms);
	`)
	if err != nil {
		return err
	}

	// FTS5 over fact text, kept in sync by triggers.
	_, err = s.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS facts_fts USING fts5(
			text, content=facts, content_rowid=id
		);
		CREATE TRIGGER IF NOT EXISTS facts_ai AFTER INSERT ON facts BEGIN
			INSERT INTO facts_fts(rowid, text) VALUES (new.id, new.text);
		END;
		CREATE TRIGGER IF NOT EXISTS facts_ad AFTER DELETE ON facts BEGIN
			INSERT INTO facts_fts(facts_fts, rowid, text) VALUES ('delete', old.id, old.text);
		END;
		CREATE TRIGGER IF NOT EXISTS facts_au AFTER UPDATE ON facts BEGIN
			INSERT INTO facts_fts(facts_fts, rowid, text) VALUES ('delete', old.id, old.text);
			INSERT INTO facts_fts(rowid, text) VALUES (new.id, new.text);
		END;
	`)
	return err
}

// Close closes the underlying database.
func (s *MemoryStore) Close() error { return s.db.Close() }

// UpsertPerson creates or refreshes a person row and returns it. DisplayName
// updates only when non-empty.
func (s *MemoryStore) UpsertPerson(ctx context.Context, channel, channelUserID, displayName string) (Person, error) {
	now := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO people (channel, channel_user_id, display_name, first_seen_ms, last_seen_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(channel, channel_user_id) DO UPDATE SET
			last_seen_ms = excluded.last_seen_ms,
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE display_name END`,
		channel, channelUserID, displayName, now, now)
	if err != nil {
		return Person{}, fmt.Errorf("upsert person: %w", err)
	}
	return s.GetPerson(ctx, channel, channelUserID)
}

// GetPerson fetches a person by channel identity.
func (s *MemoryStore) GetPerson(ctx context.Context, channel, channelUserID string) (Person, error) {
	var p Person
	err := s.db.QueryRowContext(ctx, `
		SELECT id, channel, channel_user_id, display_name, relationship_score, trust_override, first_seen_ms, last_seen_ms
		FROM people WHERE channel = ? AND channel_user_id = ?`,
		channel, channelUserID).
		Scan(&p.ID, &p.Channel, &p.ChannelUserID, &p.DisplayName, &p.RelationshipScore, &p.TrustTierOverride, &p.FirstSeenMs, &p.LastSeenMs)
	if err != nil {
		return Person{}, fmt.Errorf("get person: %w", err)
	}
	return p, nil
}

// BumpRelationship raises the relationship score by delta, clamped to [0,1].
// The score is monotonic: negative deltas are ignored.
func (s *MemoryStore) BumpRelationship(ctx context.Context, personID int64, delta float64) error {
	if delta <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE people SET relationship_score = MIN(1.0, relationship_score + ?) WHERE id = ?`,
		delta, personID)
	if err != nil {
		return fmt.Errorf("bump relationship: %w", err)
	}
	return nil
}

// SetTrustTierOverride pins a person's trust tier regardless of their score.
// An empty tier clears the override so the derived tier applies again.
func (s *MemoryStore) SetTrustTierOverride(ctx context.Context, personID int64, tier string) error {
	switch tier {
	case "", TierNewContact, TierGettingToKnow, TierCloseFriend:
	default:
		return fmt.Errorf("unknown trust tier %q", tier)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE people SET trust_override = ? WHERE id = ?`, tier, personID)
	if err != nil {
		return fmt.Errorf("set trust override: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set trust override: no person %d", personID)
	}
	return nil
}

// AddFact stores a remembered fact. Private facts came from DMs and are never
// surfaced in group contexts.
func (s *MemoryStore) AddFact(ctx context.Context, f Fact, embedding []float32) (int64, error) {
	var emb any
	if len(embedding) > 0 {
		data, err := json.Marshal(embedding)
		if err != nil {
			return 0, fmt.Errorf("encode embedding: %w", err)
		}
		emb = string(data)
	}
	ts := f.CreatedAtMs
	if ts == 0 {
		ts = s.now().UnixMilli()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO facts (person_id, text, evidence, private, embedding, created_at_ms) VALUES (?, ?, ?, ?, ?, ?)`,
		f.PersonID, f.Text, f.Evidence, boolToInt(f.Private), emb, ts)
	if err != nil {
		return 0, fmt.Errorf("add fact: %w", err)
	}
	return res.LastInsertId()
}

// Capsule returns the most recent facts for a person, newest first. With
// includePrivate false only public (group-sourced) facts are returned; this
// is the only form group contexts may see.
func (s *MemoryStore) Capsule(ctx context.Context, personID int64, includePrivate bool, maxFacts int) ([]Fact, error) {
	query := `SELECT id, person_id, text, evidence, private, created_at_ms FROM facts WHERE person_id = ?`
	if !includePrivate {
		query += ` AND private = 0`
	}
	query += ` ORDER BY created_at_ms DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, personID, maxFacts)
	if err != nil {
		return nil, fmt.Errorf("capsule: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// SearchFacts runs hybrid retrieval: FTS5 rank and cosine similarity are
// fused with reciprocal-rank fusion, plus a recency term with exponential
// decay. Either signal may be absent (empty query or nil embedding).
func (s *MemoryStore) SearchFacts(ctx context.Context, personID int64, query string, embedding []float32, includePrivate bool, limit int, w RetrievalWeights) ([]Fact, error) {
	if limit <= 0 {
		limit = 8
	}
	candidates, err := s.Capsule(ctx, personID, includePrivate, 512)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	ftsRank := map[int64]int{}
	if query != "" {
		ids, err := s.ftsRanked(ctx, personID, query, includePrivate)
		if err != nil {
			s.logger.Warn("fts search failed, vector-only retrieval", "error", err)
		} else {
			for i, id := range ids {
				ftsRank[id] = i + 1
			}
		}
	}

	vecRank := map[int64]int{}
	if len(embedding) > 0 {
		vecRank = s.vectorRanked(ctx, candidates, embedding)
	}

	nowMs := s.now().UnixMilli()
	halfLife := w.HalfLifeDays
	if halfLife <= 0 {
		halfLife = 30
	}
	for i := range candidates {
		f := &candidates[i]
		score := 0.0
		if r, ok := ftsRank[f.ID]; ok {
			score += w.FTSWeight / (w.RRFK + float64(r))
		}
		if r, ok := vecRank[f.ID]; ok {
			score += w.VecWeight / (w.RRFK + float64(r))
		}
		ageDays := float64(nowMs-f.CreatedAtMs) / float64(24*time.Hour/time.Millisecond)
		score += w.RecencyWeight * math.Exp(-ageDays/halfLife)
		f.Score = score
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// ftsRanked returns fact ids ordered by BM25 relevance.
func (s *MemoryStore) ftsRanked(ctx context.Context, personID int64, query string, includePrivate bool) ([]int64, error) {
	q := sanitizeFTSQuery(query)
	if q == "" {
		return nil, nil
	}
	sqlq := `
		SELECT f.id FROM facts_fts
		JOIN facts f ON f.id = facts_fts.rowid
		WHERE facts_fts MATCH ? AND f.person_id = ?`
	if !includePrivate {
		sqlq += ` AND f.private = 0`
	}
	sqlq += ` ORDER BY rank LIMIT 64`
	rows, err := s.db.QueryContext(ctx, sqlq, q, personID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// vectorRanked computes cosine similarity against stored embeddings and
// returns rank positions keyed by fact id.
func (s *MemoryStore) vectorRanked(ctx context.Context, candidates []Fact, query []float32) map[int64]int {
	type scored struct {
		id  int64
		sim float64
	}
	var hits []scored
	for _, f := range candidates {
		var raw sql.NullString
		err := s.db.QueryRowContext(ctx, `SELECT embedding FROM facts WHERE id = ?`, f.ID).Scan(&raw)
		if err != nil || !raw.Valid {
			continue
		}
		var emb []float32
		if json.Unmarshal([]byte(raw.String), &emb) != nil {
			continue
		}
		if sim := cosineSimilarity(query, emb); sim > 0 {
			hits = append(hits, scored{f.ID, sim})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].sim > hits[j].sim })
	rank := make(map[int64]int, len(hits))
	for i, h := range hits {
		rank[h.id] = i + 1
	}
	return rank
}

// AddLesson records a behavior insight for a scope ("global" or "group:<id>").
func (s *MemoryStore) AddLesson(ctx context.Context, scope, text string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lessons (scope, text, created_at_ms) VALUES (?, ?, ?)`,
		scope, text, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("add lesson: %w", err)
	}
	return nil
}

// ListLessons returns the newest lessons for a scope.
func (s *MemoryStore) ListLessons(ctx context.Context, scope string, limit int) ([]Lesson, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scope, text, created_at_ms FROM lessons WHERE scope = ? ORDER BY created_at_ms DESC LIMIT ?`,
		scope, limit)
	if err != nil {
		return nil, fmt.Errorf("list lessons: %w", err)
	}
	defer rows.Close()
	var out []Lesson
	for rows.Next() {
		var l Lesson
		if err := rows.Scan(&l.ID, &l.Scope, &l.Text, &l.CreatedAtMs); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// AddEpisode records a conversation summary for a chat.
func (s *MemoryStore) AddEpisode(ctx context.Context, chatID, summary string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO episodes (chat_id, summary, created_at_ms) VALUES (?, ?, ?)`,
		chatID, summary, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("add episode: %w", err)
	}
	return nil
}

// RecentEpisodes returns the newest episodes for a chat.
func (s *MemoryStore) RecentEpisodes(ctx context.Context, chatID string, limit int) ([]Episode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, summary, created_at_ms FROM episodes WHERE chat_id = ? ORDER BY created_at_ms DESC LIMIT ?`,
		chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent episodes: %w", err)
	}
	defer rows.Close()
	var out []Episode
	for rows.Next() {
		var e Episode
		if err := rows.Scan(&e.ID, &e.ChatID, &e.Summary, &e.CreatedAtMs); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Consolidate compacts long-term memory: exact-duplicate facts collapse to
// their newest copy, and facts older than maxAge are pruned beyond the newest
// keepPerPerson per person. The FTS index follows via the delete trigger.
// Returns how many fact rows were removed.
func (s *MemoryStore) Consolidate(ctx context.Context, maxAge time.Duration, keepPerPerson int) (int64, error) {
	if keepPerPerson <= 0 {
		keepPerPerson = 64
	}
	var removed int64

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM facts WHERE id NOT IN (
			SELECT MAX(id) FROM facts GROUP BY person_id, text
		)`)
	if err != nil {
		return removed, fmt.Errorf("consolidate dedupe: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		removed += n
	}

	if maxAge > 0 {
		cutoff := s.now().Add(-maxAge).UnixMilli()
		res, err = s.db.ExecContext(ctx, `
			DELETE FROM facts WHERE created_at_ms < ? AND id NOT IN (
				SELECT f2.id FROM facts f2
				WHERE f2.person_id = facts.person_id
				ORDER BY f2.created_at_ms DESC LIMIT ?
			)`, cutoff, keepPerPerson)
		if err != nil {
			return removed, fmt.Errorf("consolidate prune: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			removed += n
		}
	}
	return removed, nil
}

// sanitizeFTSQuery quotes each term so user text cannot inject FTS5 syntax.
func sanitizeFTSQuery(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		if f != "" {
			quoted = append(quoted, `"`+f+`"`)
		}
	}
	return strings.Join(quoted, " OR ")
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func scanFacts(rows *sql.Rows) ([]Fact, error) {
	var out []Fact
	for rows.Next() {
		var f Fact
		var private int
		if err := rows.Scan(&f.ID, &f.PersonID, &f.Text, &f.Evidence, &private, &f.CreatedAtMs); err != nil {
			return nil, err
		}
		f.Private = private != 0
		out = append(out, f)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
