package knowledge

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/log"
)

func TestChooseFTS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		query      string
		wantConfig string
	}{
		{"database migration", "english"},
		{"SELECT * FROM users", "english"},
		{"데이터베이스 마이그레이션", "simple"},
		{"ㄱㄴㄷ", "simple"},
		{"database 마이그레이션", "simple"},
		{"café", "simple"},
	}

	for _, tt := range tests {
		config, column := chooseFTS(tt.query)
		if config != tt.wantConfig {
			t.Errorf("chooseFTS(%q) config = %q, want %q", tt.query, config, tt.wantConfig)
		}
		wantColumn := "content_tsv_en"
		if tt.wantConfig == "simple" {
			wantColumn = "content_tsv_simple"
		}
		if column != wantColumn {
			t.Errorf("chooseFTS(%q) column = %q, want %q", tt.query, column, wantColumn)
		}
	}
}

func TestTableName(t *testing.T) {
	t.Parallel()

	id := uuid.MustParse("a1b2c3d4-e5f6-7890-abcd-ef0123456789")
	got := TableName(id)
	want := "collection_a1b2c3d4e5f67890abcdef0123456789"
	if got != want {
		t.Errorf("TableName = %q, want %q", got, want)
	}
	if strings.ContainsAny(got, "- ") {
		t.Errorf("TableName %q contains invalid identifier characters", got)
	}
}

func TestIndexDDLDimensionPolicy(t *testing.T) {
	t.Parallel()

	narrow, err := indexDDL("collection_x", 1536, MetricCosine)
	if err != nil {
		t.Fatalf("indexDDL: %v", err)
	}
	joined := strings.Join(narrow, "\n")
	if !strings.Contains(joined, "USING hnsw") {
		t.Error("narrow vectors should get an HNSW index")
	}
	if !strings.Contains(joined, "USING ivfflat") || !strings.Contains(joined, "lists = 100") {
		t.Error("narrow vectors should get an IVFFlat index with lists = 100")
	}
	if !strings.Contains(joined, "vector_cosine_ops") {
		t.Error("cosine metric should use vector_cosine_ops")
	}

	wide, err := indexDDL("collection_x", 3072, MetricL2)
	if err != nil {
		t.Fatalf("indexDDL: %v", err)
	}
	joined = strings.Join(wide, "\n")
	if strings.Contains(joined, "USING hnsw") {
		t.Error("wide vectors must not get an HNSW index")
	}
	if !strings.Contains(joined, "vector_l2_ops") {
		t.Error("l2 metric should use vector_l2_ops")
	}

	if _, err := indexDDL("collection_x", 128, "hamming"); !errors.Is(err, ErrUnknownMetric) {
		t.Errorf("indexDDL(hamming) error = %v, want ErrUnknownMetric", err)
	}
}

func TestIndexDDLTrigram(t *testing.T) {
	t.Parallel()

	stmts, err := indexDDL("collection_x", 768, MetricCosine)
	if err != nil {
		t.Fatalf("indexDDL: %v", err)
	}
	joined := strings.Join(stmts, "\n")
	if !strings.Contains(joined, "gin_trgm_ops") {
		t.Error("content should get a trigram index backing the substring fallback")
	}
}

func TestHybridPool(t *testing.T) {
	t.Parallel()

	tests := []struct {
		limit, want int
	}{
		{1, 50},
		{5, 50},
		{50, 50},
		{80, 80},
	}
	for _, tt := range tests {
		if got := hybridPool(tt.limit); got != tt.want {
			t.Errorf("hybridPool(%d) = %d, want %d", tt.limit, got, tt.want)
		}
	}
}

// emptyEmbedder answers with no vectors at all.
type emptyEmbedder struct{}

func (emptyEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	return [][]float32{}, nil
}

func TestSemanticCandidatesEmptyEmbedding(t *testing.T) {
	t.Parallel()

	s := &Store{logger: log.NewNop()}
	spec := &EmbeddingSpec{Dimension: 4, Metric: MetricCosine}
	coll := &Collection{ID: uuid.New()}

	_, err := s.semanticCandidates(context.Background(), coll, spec, emptyEmbedder{}, "query", nil, 5)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("err = %v, want ErrDimensionMismatch", err)
	}
}

func TestScoreByMetric(t *testing.T) {
	t.Parallel()

	if got := score(MetricCosine, 0.25); got != 0.75 {
		t.Errorf("cosine score = %v, want 0.75", got)
	}
	if got := score(MetricL2, 2.0); got != -2.0 {
		t.Errorf("l2 score = %v, want -2.0", got)
	}
	if got := score(MetricIP, -0.9); got != 0.9 {
		t.Errorf("ip score = %v, want 0.9", got)
	}
}

func TestRRFFuse(t *testing.T) {
	t.Parallel()

	sem := []SearchResult{{ID: 1}, {ID: 2}, {ID: 3}}
	kw := []SearchResult{{ID: 2}, {ID: 4}}

	fused := rrfFuse(sem, kw)
	if len(fused) != 4 {
		t.Fatalf("got %d results, want 4", len(fused))
	}
	// Document 2 appears in both lists and must rank first.
	if fused[0].ID != 2 {
		t.Errorf("fused[0].ID = %d, want 2", fused[0].ID)
	}
	for i, r := range fused {
		if r.Score == nil {
			t.Errorf("fused[%d].Score is nil", i)
		}
	}
	for i := 1; i < len(fused); i++ {
		if *fused[i-1].Score < *fused[i].Score {
			t.Errorf("fused not sorted at %d", i)
		}
	}
}

func TestSpecMatches(t *testing.T) {
	t.Parallel()

	spec := EmbeddingSpec{Provider: "openai", Model: "text-embedding-3-small"}
	if !spec.Matches("openai", "text-embedding-3-small") {
		t.Error("exact match rejected")
	}
	if spec.Matches("openai", "text-embedding-3-large") {
		t.Error("different model accepted")
	}
	if spec.Matches("googleai", "text-embedding-3-small") {
		t.Error("different provider accepted")
	}
}
