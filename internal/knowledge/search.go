package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pgvector/pgvector-go"

	"github.com/loomhq/loom/internal/llm"
)

// shortQueryRunes is the threshold below which keyword search falls back to
// substring matching, since one or two characters rarely survive stemming.
const shortQueryRunes = 2

// semanticFloor is the minimum candidate count fetched before trimming, and
// the floor for hnsw.ef_search.
const semanticFloor = 100

// rrfK is the rank smoothing constant for reciprocal rank fusion.
const rrfK = 60

// hybridLegLimit is the candidate count each leg contributes to fusion. A
// small requested limit still fuses from this pool so documents ranked just
// off the top of one leg can surface through the other.
const hybridLegLimit = 50

// chooseFTS picks the text search configuration for a query. Any non-ASCII
// rune (Hangul ranges included) routes to the 'simple' configuration, which
// tokenizes without English stemming; pure ASCII uses the stemmed column.
func chooseFTS(query string) (config, column string) {
	for _, r := range query {
		if r > unicode.MaxASCII {
			return "simple", "content_tsv_simple"
		}
	}
	return "english", "content_tsv_en"
}

// Search runs retrieval against a collection. The embedder is only consulted
// for semantic and hybrid modes.
func (s *Store) Search(ctx context.Context, c *Collection, spec *EmbeddingSpec, embedder llm.Embedder, query string, mode SearchMode, filter map[string]any, limit int) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if limit <= 0 {
		limit = 10
	}

	filterJSON, err := encodeFilter(filter)
	if err != nil {
		return nil, err
	}

	switch mode {
	case ModeKeyword:
		return s.keywordSearch(ctx, c, query, filterJSON, limit)
	case ModeSemantic:
		return s.semanticSearch(ctx, c, spec, embedder, query, filterJSON, limit)
	case ModeHybrid:
		return s.hybridSearch(ctx, c, spec, embedder, query, filterJSON, limit)
	default:
		return nil, fmt.Errorf("unknown search mode %q", mode)
	}
}

func encodeFilter(filter map[string]any) ([]byte, error) {
	if len(filter) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(filter)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata filter: %w", err)
	}
	return b, nil
}

// keywordSearch runs full-text search, or a substring scan for queries too
// short to rank.
func (s *Store) keywordSearch(ctx context.Context, c *Collection, query string, filter []byte, limit int) ([]SearchResult, error) {
	table := TableName(c.ID)

	if utf8.RuneCountInString(query) <= shortQueryRunes {
		sql := fmt.Sprintf(`
			SELECT id, content, metadata
			FROM %s
			WHERE content ILIKE '%%' || $1 || '%%'`, table)
		args := []any{query}
		if filter != nil {
			sql += ` AND metadata @> $2`
			args = append(args, filter)
		}
		sql += fmt.Sprintf(` ORDER BY id DESC LIMIT %d`, limit)

		return s.collectResults(ctx, sql, args, false)
	}

	config, column := chooseFTS(query)
	sql := fmt.Sprintf(`
		SELECT t.id, t.content, t.metadata,
		       ts_rank_cd(t.%s, q)::float8 AS score
		FROM %s t, websearch_to_tsquery($1::regconfig, $2) q
		WHERE t.%s @@ q`, column, table, column)
	args := []any{config, query}
	if filter != nil {
		sql += ` AND t.metadata @> $3`
		args = append(args, filter)
	}
	sql += fmt.Sprintf(` ORDER BY score DESC, t.id DESC LIMIT %d`, limit)

	return s.collectResults(ctx, sql, args, true)
}

// semanticSearch embeds the query and runs a vector scan. It over-fetches
// candidates and raises hnsw.ef_search so the index does not starve filtered
// queries, then trims to the requested limit.
func (s *Store) semanticSearch(ctx context.Context, c *Collection, spec *EmbeddingSpec, embedder llm.Embedder, query string, filter []byte, limit int) ([]SearchResult, error) {
	results, err := s.semanticCandidates(ctx, c, spec, embedder, query, filter, limit)
	if err != nil {
		return nil, err
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *Store) semanticCandidates(ctx context.Context, c *Collection, spec *EmbeddingSpec, embedder llm.Embedder, query string, filter []byte, limit int) ([]SearchResult, error) {
	vectors, err := embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embedder returned no vector for the query: %w", ErrDimensionMismatch)
	}
	if len(vectors) != 1 || int32(len(vectors[0])) != spec.Dimension {
		return nil, fmt.Errorf("query embedding has %d dimensions, collection expects %d: %w",
			len(vectors[0]), spec.Dimension, ErrDimensionMismatch)
	}

	op, err := distanceOp(spec.Metric)
	if err != nil {
		return nil, err
	}

	efSearch := max(semanticFloor, 2*limit)
	k := max(limit, semanticFloor)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, fmt.Sprintf(`SET LOCAL hnsw.ef_search = %d`, efSearch)); err != nil {
		return nil, fmt.Errorf("setting ef_search: %w", err)
	}

	sql := fmt.Sprintf(`
		SELECT id, content, metadata,
		       (embedding %s $1)::float8 AS distance
		FROM %s`, op, TableName(c.ID))
	args := []any{pgvector.NewVector(vectors[0])}
	if filter != nil {
		sql += ` WHERE metadata @> $2`
		args = append(args, filter)
	}
	sql += fmt.Sprintf(` ORDER BY embedding %s $1 LIMIT %d`, op, k)

	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var (
			r        SearchResult
			meta     []byte
			distance float64
		)
		if err := rows.Scan(&r.ID, &r.Content, &meta, &distance); err != nil {
			return nil, fmt.Errorf("scanning result: %w", err)
		}
		r.Metadata = meta
		sc := score(spec.Metric, distance)
		r.Score = &sc
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing search: %w", err)
	}
	return results, nil
}

// hybridSearch fuses semantic and keyword candidate lists with reciprocal
// rank fusion, then trims the fused ranking to the requested limit.
func (s *Store) hybridSearch(ctx context.Context, c *Collection, spec *EmbeddingSpec, embedder llm.Embedder, query string, filter []byte, limit int) ([]SearchResult, error) {
	pool := hybridPool(limit)

	semantic, err := s.semanticCandidates(ctx, c, spec, embedder, query, filter, pool)
	if err != nil {
		return nil, err
	}
	if len(semantic) > pool {
		semantic = semantic[:pool]
	}

	keyword, err := s.keywordSearch(ctx, c, query, filter, pool)
	if err != nil {
		return nil, err
	}

	fused := rrfFuse(semantic, keyword)
	if len(fused) > limit {
		fused = fused[:limit]
	}
	return fused, nil
}

// hybridPool is the per-leg candidate count for a requested limit.
func hybridPool(limit int) int {
	return max(hybridLegLimit, limit)
}

// rrfFuse merges ranked lists by reciprocal rank fusion. A document present
// in both lists accumulates both contributions; ties break on document ID
// for stable output.
func rrfFuse(lists ...[]SearchResult) []SearchResult {
	type entry struct {
		result SearchResult
		score  float64
	}
	byID := make(map[int64]*entry)

	for _, list := range lists {
		for rank, r := range list {
			contribution := 1.0 / float64(rrfK+rank+1)
			if e, ok := byID[r.ID]; ok {
				e.score += contribution
			} else {
				byID[r.ID] = &entry{result: r, score: contribution}
			}
		}
	}

	fused := make([]SearchResult, 0, len(byID))
	for _, e := range byID {
		sc := e.score
		r := e.result
		r.Score = &sc
		fused = append(fused, r)
	}
	sort.Slice(fused, func(i, j int) bool {
		if *fused[i].Score != *fused[j].Score {
			return *fused[i].Score > *fused[j].Score
		}
		return fused[i].ID < fused[j].ID
	})
	return fused
}

// collectResults runs a query whose rows are (id, content, metadata) with an
// optional trailing score column.
func (s *Store) collectResults(ctx context.Context, sql string, args []any, withScore bool) ([]SearchResult, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var (
			r    SearchResult
			meta []byte
		)
		if withScore {
			var sc float64
			if err := rows.Scan(&r.ID, &r.Content, &meta, &sc); err != nil {
				return nil, fmt.Errorf("scanning result: %w", err)
			}
			r.Score = &sc
		} else {
			if err := rows.Scan(&r.ID, &r.Content, &meta); err != nil {
				return nil, fmt.Errorf("scanning result: %w", err)
			}
		}
		r.Metadata = meta
		results = append(results, r)
	}
	return results, rows.Err()
}
