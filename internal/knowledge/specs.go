package knowledge

import (
	"context"
	"fmt"
)

// CreateSpec registers an embedding model. Specs are shared system-wide and
// unique per provider/model pair.
func (s *Store) CreateSpec(ctx context.Context, spec *EmbeddingSpec) error {
	switch spec.Metric {
	case MetricCosine, MetricL2, MetricIP:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMetric, spec.Metric)
	}
	if spec.Dimension <= 0 {
		return fmt.Errorf("dimension %d: %w", spec.Dimension, ErrDimensionMismatch)
	}

	const query = `
		INSERT INTO embedding_specs (provider, model, dimension, distance, is_active)
		VALUES ($1, $2, $3, $4, true)
		RETURNING id`

	err := s.db.QueryRow(ctx, query,
		spec.Provider, spec.Model, spec.Dimension, spec.Metric,
	).Scan(&spec.ID)
	if err != nil {
		return fmt.Errorf("creating embedding spec: %w", err)
	}

	spec.IsActive = true
	s.logger.Info("embedding spec created",
		"spec_id", spec.ID, "provider", spec.Provider, "model", spec.Model,
		"dimension", spec.Dimension, "metric", spec.Metric)
	return nil
}

// ListSpecs returns all registered embedding specs.
func (s *Store) ListSpecs(ctx context.Context) ([]EmbeddingSpec, error) {
	const query = `
		SELECT id, provider, model, dimension, distance, is_active
		FROM embedding_specs
		ORDER BY id`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing embedding specs: %w", err)
	}
	defer rows.Close()

	var specs []EmbeddingSpec
	for rows.Next() {
		var spec EmbeddingSpec
		if err := rows.Scan(&spec.ID, &spec.Provider, &spec.Model,
			&spec.Dimension, &spec.Metric, &spec.IsActive); err != nil {
			return nil, fmt.Errorf("scanning embedding spec: %w", err)
		}
		specs = append(specs, spec)
	}
	return specs, rows.Err()
}
