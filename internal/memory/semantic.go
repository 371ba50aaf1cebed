package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/strandworks/strand/pkg/models"
)

// Default hybrid-search weights. Vector similarity dominates; FTS keeps
// exact-term matches from drowning.
const (
	defaultFTSWeight    = 0.3
	defaultVectorWeight = 0.7
)

// SearchOptions filter and shape semantic searches.
type SearchOptions struct {
	SessionID  string
	Tags       []string
	SourceType string
	Limit      int

	// FTSWeight and VectorWeight override the hybrid combination
	// weights. Both zero means the defaults {0.3, 0.7}.
	FTSWeight    float64
	VectorWeight float64
}

func (o SearchOptions) limit() int {
	if o.Limit <= 0 {
		return 10
	}
	return o.Limit
}

// IndexChunk stores a chunk in the base table; triggers mirror the text
// into the FTS index. An embedding with the wrong dimensionality is
// rejected.
func (s *Store) IndexChunk(ctx context.Context, chunk *models.SemanticChunk) error {
	if len(chunk.Embedding) > 0 && len(chunk.Embedding) != s.dimension {
		return &DimensionError{Want: s.dimension, Got: len(chunk.Embedding)}
	}
	if chunk.ID == "" {
		chunk.ID = uuid.NewString()
	}
	if chunk.CreatedAt.IsZero() {
		chunk.CreatedAt = time.Now().UTC()
	}

	tags, err := json.Marshal(chunk.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	metadata, err := json.Marshal(chunk.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin index chunk: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO semantic_chunks (id, text, tags, session_id, source_event_id, source_type, embedding, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		chunk.ID,
		chunk.Text,
		string(tags),
		nullString(chunk.SessionID),
		nullString(chunk.SourceEventID),
		nullString(chunk.SourceType),
		encodeEmbedding(chunk.Embedding),
		string(metadata),
		chunk.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert chunk: %w", err)
	}

	if s.vecAvailable && len(chunk.Embedding) > 0 {
		rowid, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("chunk rowid: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO semantic_chunks_vec (rowid, embedding) VALUES (?, ?)",
			rowid, encodeEmbedding(chunk.Embedding))
		if err != nil {
			return fmt.Errorf("insert vector row: %w", err)
		}
	}

	return tx.Commit()
}

// DeleteSessionChunks removes all chunks for a session, including their
// FTS and vector rows.
func (s *Store) DeleteSessionChunks(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete chunks: %w", err)
	}
	defer tx.Rollback()

	if s.vecAvailable {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM semantic_chunks_vec WHERE rowid IN (
				SELECT rowid FROM semantic_chunks WHERE session_id = ?
			)`, sessionID)
		if err != nil {
			return fmt.Errorf("delete vector rows: %w", err)
		}
	}

	// The _ad trigger cleans the FTS mirror.
	_, err = tx.ExecContext(ctx, "DELETE FROM semantic_chunks WHERE session_id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return tx.Commit()
}

// SearchFTS ranks chunks by BM25 over prefix-matched query tokens.
func (s *Store) SearchFTS(ctx context.Context, query string, opts SearchOptions) ([]models.ChunkHit, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}

	sqlQuery := `
		SELECT c.id, c.text, c.tags, c.session_id, c.source_event_id, c.source_type, c.embedding, c.metadata, c.created_at,
			bm25(semantic_chunks_fts) AS rank
		FROM semantic_chunks_fts f
		JOIN semantic_chunks c ON c.rowid = f.rowid
		WHERE semantic_chunks_fts MATCH ?`
	args := []any{match}
	sqlQuery, args = appendChunkFilters(sqlQuery, args, opts)

	// Tags filter in Go after the query, so over-fetch to keep the
	// post-query filter from starving the result set.
	fetch := opts.limit()
	if len(opts.Tags) > 0 {
		fetch *= 4
	}
	sqlQuery += " ORDER BY rank LIMIT ?"
	args = append(args, fetch)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("fts search: %w", err)
	}
	defer rows.Close()

	var hits []models.ChunkHit
	for rows.Next() {
		var rank float64
		chunk, err := scanChunk(rows, &rank)
		if err != nil {
			return nil, err
		}
		if !matchesTags(chunk.Tags, opts.Tags) {
			continue
		}
		// BM25 ranks are negative; better matches are more negative.
		score := -rank
		hits = append(hits, models.ChunkHit{Chunk: *chunk, Score: score, FTSScore: score})
		if len(hits) >= opts.limit() {
			break
		}
	}
	return hits, rows.Err()
}

// SearchVector ranks chunks by cosine similarity to the query
// embedding, as 1/(1+distance). Without the vec0 extension it scans
// embeddings in memory, which is always correct but not scalable.
func (s *Store) SearchVector(ctx context.Context, embedding []float32, opts SearchOptions) ([]models.ChunkHit, error) {
	if len(embedding) != s.dimension {
		return nil, &DimensionError{Want: s.dimension, Got: len(embedding)}
	}
	if s.vecAvailable {
		return s.searchVectorIndexed(ctx, embedding, opts)
	}
	return s.searchVectorScan(ctx, embedding, opts)
}

// Search combines FTS and vector results: both sides run at twice the
// requested limit, each score set is normalized to [0,1] by its max,
// and per-chunk scores combine as w_fts*fts + w_vec*vec. A side missing
// a chunk contributes zero for it.
func (s *Store) Search(ctx context.Context, query string, embedding []float32, opts SearchOptions) ([]models.ChunkHit, error) {
	wFTS, wVec := opts.FTSWeight, opts.VectorWeight
	if wFTS == 0 && wVec == 0 {
		wFTS, wVec = defaultFTSWeight, defaultVectorWeight
	}

	wide := opts
	wide.Limit = opts.limit() * 2

	var ftsHits, vecHits []models.ChunkHit
	if query != "" {
		var err error
		ftsHits, err = s.SearchFTS(ctx, query, wide)
		if err != nil {
			return nil, err
		}
	}
	if len(embedding) > 0 {
		var err error
		vecHits, err = s.SearchVector(ctx, embedding, wide)
		if err != nil {
			return nil, err
		}
	}

	normalize(ftsHits, func(h *models.ChunkHit) *float64 { return &h.FTSScore })
	normalize(vecHits, func(h *models.ChunkHit) *float64 { return &h.VectorScore })

	combined := make(map[string]*models.ChunkHit)
	for i := range ftsHits {
		h := ftsHits[i]
		combined[h.Chunk.ID] = &models.ChunkHit{Chunk: h.Chunk, FTSScore: h.FTSScore}
	}
	for i := range vecHits {
		h := vecHits[i]
		if existing, ok := combined[h.Chunk.ID]; ok {
			existing.VectorScore = h.VectorScore
		} else {
			combined[h.Chunk.ID] = &models.ChunkHit{Chunk: h.Chunk, VectorScore: h.VectorScore}
		}
	}

	hits := make([]models.ChunkHit, 0, len(combined))
	for _, h := range combined {
		h.Score = wFTS*h.FTSScore + wVec*h.VectorScore
		hits = append(hits, *h)
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > opts.limit() {
		hits = hits[:opts.limit()]
	}
	return hits, nil
}

func (s *Store) searchVectorIndexed(ctx context.Context, embedding []float32, opts SearchOptions) ([]models.ChunkHit, error) {
	// Over-fetch so post-knn filters do not starve the result set.
	k := opts.limit() * 4

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.text, c.tags, c.session_id, c.source_event_id, c.source_type, c.embedding, c.metadata, c.created_at,
			v.distance
		FROM semantic_chunks_vec v
		JOIN semantic_chunks c ON c.rowid = v.rowid
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance`,
		encodeEmbedding(embedding), k)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var hits []models.ChunkHit
	for rows.Next() {
		var distance float64
		chunk, err := scanChunk(rows, &distance)
		if err != nil {
			return nil, err
		}
		if !chunkMatchesFilters(chunk, opts) {
			continue
		}
		score := 1 / (1 + distance)
		hits = append(hits, models.ChunkHit{Chunk: *chunk, Score: score, VectorScore: score})
		if len(hits) >= opts.limit() {
			break
		}
	}
	return hits, rows.Err()
}

func (s *Store) searchVectorScan(ctx context.Context, embedding []float32, opts SearchOptions) ([]models.ChunkHit, error) {
	sqlQuery := `
		SELECT c.id, c.text, c.tags, c.session_id, c.source_event_id, c.source_type, c.embedding, c.metadata, c.created_at
		FROM semantic_chunks c
		WHERE c.embedding IS NOT NULL`
	args := []any{}
	sqlQuery, args = appendChunkFilters(sqlQuery, args, opts)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("vector scan: %w", err)
	}
	defer rows.Close()

	var hits []models.ChunkHit
	for rows.Next() {
		chunk, err := scanChunk(rows, nil)
		if err != nil {
			return nil, err
		}
		if !matchesTags(chunk.Tags, opts.Tags) {
			continue
		}
		similarity := cosineSimilarity(embedding, chunk.Embedding)
		distance := 1 - float64(similarity)
		score := 1 / (1 + distance)
		hits = append(hits, models.ChunkHit{Chunk: *chunk, Score: score, VectorScore: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > opts.limit() {
		hits = hits[:opts.limit()]
	}
	return hits, nil
}

func appendChunkFilters(query string, args []any, opts SearchOptions) (string, []any) {
	if opts.SessionID != "" {
		query += " AND c.session_id = ?"
		args = append(args, opts.SessionID)
	}
	if opts.SourceType != "" {
		query += " AND c.source_type = ?"
		args = append(args, opts.SourceType)
	}
	return query, args
}

func chunkMatchesFilters(chunk *models.SemanticChunk, opts SearchOptions) bool {
	if opts.SessionID != "" && chunk.SessionID != opts.SessionID {
		return false
	}
	if opts.SourceType != "" && chunk.SourceType != opts.SourceType {
		return false
	}
	return matchesTags(chunk.Tags, opts.Tags)
}

// matchesTags reports whether the chunk carries every requested tag.
func matchesTags(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range want {
		if !set[t] {
			return false
		}
	}
	return true
}

// scanChunk reads a chunk row; extra, when non-nil, receives a trailing
// numeric column (rank or distance).
func scanChunk(rows *sql.Rows, extra *float64) (*models.SemanticChunk, error) {
	var chunk models.SemanticChunk
	var tags, metadata string
	var sessionID, sourceEventID, sourceType sql.NullString
	var embedding []byte

	dest := []any{
		&chunk.ID, &chunk.Text, &tags, &sessionID, &sourceEventID, &sourceType,
		&embedding, &metadata, &chunk.CreatedAt,
	}
	if extra != nil {
		dest = append(dest, extra)
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("scan chunk: %w", err)
	}

	chunk.SessionID = sessionID.String
	chunk.SourceEventID = sourceEventID.String
	chunk.SourceType = sourceType.String
	chunk.Embedding = decodeEmbedding(embedding)

	if err := json.Unmarshal([]byte(tags), &chunk.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal chunk tags: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &chunk.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal chunk metadata: %w", err)
	}
	return &chunk, nil
}

var ftsTokenPattern = regexp.MustCompile(`[a-zA-Z0-9_]+`)

// ftsQuery turns free text into an OR of quoted prefix tokens, so any
// matching term ranks the chunk and BM25 orders by overlap.
func ftsQuery(query string) string {
	tokens := ftsTokenPattern.FindAllString(query, -1)
	if len(tokens) == 0 {
		return ""
	}
	parts := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		parts = append(parts, fmt.Sprintf(`"%s"*`, strings.ToLower(tok)))
	}
	return strings.Join(parts, " OR ")
}

// normalize divides each score by the set's max, mapping onto [0,1].
func normalize(hits []models.ChunkHit, field func(*models.ChunkHit) *float64) {
	var max float64
	for i := range hits {
		if v := *field(&hits[i]); v > max {
			max = v
		}
	}
	if max <= 0 {
		return
	}
	for i := range hits {
		f := field(&hits[i])
		*f = *f / max
	}
}

// encodeEmbedding packs a []float32 as 4 bytes per element, IEEE 754
// little-endian.
func encodeEmbedding(embedding []float32) []byte {
	if len(embedding) == 0 {
		return nil
	}
	data := make([]byte, len(embedding)*4)
	for i, f := range embedding {
		bits := math.Float32bits(f)
		data[i*4] = byte(bits)
		data[i*4+1] = byte(bits >> 8)
		data[i*4+2] = byte(bits >> 16)
		data[i*4+3] = byte(bits >> 24)
	}
	return data
}

// decodeEmbedding unpacks the blob written by encodeEmbedding.
func decodeEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	embedding := make([]float32, len(data)/4)
	for i := range embedding {
		bits := uint32(data[i*4]) |
			uint32(data[i*4+1])<<8 |
			uint32(data[i*4+2])<<16 |
			uint32(data[i*4+3])<<24
		embedding[i] = math.Float32frombits(bits)
	}
	return embedding
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
