package knowledge

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// hnswMaxDim is the pgvector limit for HNSW indexes. Wider vectors fall back
// to IVFFlat only.
const hnswMaxDim = 2000

// ivfflatLists is the fixed list count for IVFFlat indexes.
const ivfflatLists = 100

// TableName returns the content table for a collection. The UUID is stripped
// of dashes so the name stays a plain identifier.
func TableName(id uuid.UUID) string {
	return "collection_" + strings.ReplaceAll(id.String(), "-", "")
}

// opclass returns the pgvector operator class for a metric.
func opclass(metric string) (string, error) {
	switch metric {
	case MetricCosine:
		return "vector_cosine_ops", nil
	case MetricL2:
		return "vector_l2_ops", nil
	case MetricIP:
		return "vector_ip_ops", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMetric, metric)
	}
}

// distanceOp returns the pgvector distance operator for a metric.
func distanceOp(metric string) (string, error) {
	switch metric {
	case MetricCosine:
		return "<=>", nil
	case MetricL2:
		return "<->", nil
	case MetricIP:
		return "<#>", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMetric, metric)
	}
}

// score converts a pgvector distance to a similarity-style score where
// higher is better. Cosine distance maps to 1-d; the other metrics negate.
func score(metric string, distance float64) float64 {
	if metric == MetricCosine {
		return 1 - distance
	}
	return -distance
}

// createTableDDL builds the content table. Two generated tsvector columns
// back full-text search: an English-stemmed one for ASCII content and a
// 'simple' one that keeps CJK and other non-English tokens intact.
func createTableDDL(table string, dim int32) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id          BIGSERIAL PRIMARY KEY,
			file_id     UUID NOT NULL,
			chunk_index INT NOT NULL DEFAULT 0,
			source      TEXT,
			content     TEXT NOT NULL,
			metadata    JSONB NOT NULL DEFAULT '{}'::jsonb,
			embedding   VECTOR(%d) NOT NULL,
			content_tsv_en GENERATED ALWAYS AS (to_tsvector('english', content)) STORED,
			content_tsv_simple GENERATED ALWAYS AS (to_tsvector('simple', content)) STORED,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, table, dim)
}

// indexDDL builds the index statements for a content table. Vectors within
// the HNSW limit get both an HNSW index for recall and an IVFFlat index;
// wider vectors get IVFFlat only.
func indexDDL(table string, dim int32, metric string) ([]string, error) {
	oc, err := opclass(metric)
	if err != nil {
		return nil, err
	}

	stmts := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_file_idx ON %s (file_id)`, table, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_tsv_en_idx ON %s USING gin (content_tsv_en)`, table, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_tsv_simple_idx ON %s USING gin (content_tsv_simple)`, table, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_trgm_idx ON %s USING gin (content gin_trgm_ops)`, table, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_metadata_idx ON %s USING gin (metadata jsonb_path_ops)`, table, table),
	}

	if dim <= hnswMaxDim {
		stmts = append(stmts,
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_hnsw_idx ON %s USING hnsw (embedding %s)`, table, table, oc))
	}
	stmts = append(stmts,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_ivfflat_idx ON %s USING ivfflat (embedding %s) WITH (lists = %d)`,
			table, table, oc, ivfflatLists))

	return stmts, nil
}

// dropTableDDL removes a content table.
func dropTableDDL(table string) string {
	return fmt.Sprintf(`DROP TABLE IF EXISTS %s`, table)
}
