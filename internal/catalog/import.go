package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Product is one catalog entry in an import file.
type Product struct {
	Code          string  `json:"code"`
	Name          string  `json:"name"`
	SecondaryName string  `json:"secondary_name,omitempty"`
	Group         string  `json:"group"`
	Stock         float64 `json:"stock"`
	Sales12M      float64 `json:"sales_12m"`
}

// Mapping is an accepted term-to-code pair from earlier batches.
type Mapping struct {
	Term string `json:"term"`
	Code string `json:"code"`
}

// ImportFile is the JSON document accepted by Import.
type ImportFile struct {
	Products []Product    `json:"products"`
	Mappings []Mapping    `json:"mappings,omitempty"`
	Patterns []Suggestion `json:"patterns,omitempty"`
}

// ImportStats reports what an import wrote.
type ImportStats struct {
	Products   int `json:"products"`
	Mappings   int `json:"mappings"`
	Patterns   int `json:"patterns"`
	Embeddings int `json:"embeddings"`
}

// Import reads an [ImportFile] from r and upserts its contents in one
// transaction. When the store has an embedder, vectors are generated for
// products that do not have one yet for the configured model.
func (s *Store) Import(ctx context.Context, r io.Reader) (*ImportStats, error) {
	var f ImportFile
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("decode import file: %w", err)
	}

	stats := &ImportStats{}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin import: %w", err)
	}
	defer tx.Rollback()

	for i, p := range f.Products {
		if strings.TrimSpace(p.Code) == "" || strings.TrimSpace(p.Name) == "" {
			return nil, fmt.Errorf("product %d: code and name are required", i)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO products (code, name, secondary_name, group_code, stock, sales_12m)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(code) DO UPDATE SET
				name = excluded.name,
				secondary_name = excluded.secondary_name,
				group_code = excluded.group_code,
				stock = excluded.stock,
				sales_12m = excluded.sales_12m`,
			p.Code, p.Name, p.SecondaryName, p.Group, p.Stock, p.Sales12M)
		if err != nil {
			return nil, fmt.Errorf("upsert product %s: %w", p.Code, err)
		}
		stats.Products++
	}

	for _, m := range f.Mappings {
		if m.Term == "" || m.Code == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO mappings (term, code) VALUES (?, ?)`, m.Term, m.Code); err != nil {
			return nil, fmt.Errorf("insert mapping %q: %w", m.Term, err)
		}
		stats.Mappings++
	}

	for _, p := range f.Patterns {
		if p.Fragment == "" || p.Pattern == "" {
			continue
		}
		hits := max(p.Hits, 1)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO search_patterns (fragment, pattern, hits) VALUES (?, ?, ?)
			 ON CONFLICT(fragment, pattern) DO UPDATE SET hits = hits + excluded.hits`,
			p.Fragment, p.Pattern, hits); err != nil {
			return nil, fmt.Errorf("insert pattern %q: %w", p.Fragment, err)
		}
		stats.Patterns++
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit import: %w", err)
	}

	if s.embedder != nil {
		n, err := s.embedMissing(ctx)
		stats.Embeddings = n
		if err != nil {
			return stats, fmt.Errorf("generate embeddings: %w", err)
		}
	}

	s.logger.Info("catalog imported",
		"products", stats.Products,
		"mappings", stats.Mappings,
		"patterns", stats.Patterns,
		"embeddings", stats.Embeddings,
	)
	return stats, nil
}

// embedChunk is how many products go into one batch embed request.
const embedChunk = 32

// embedMissing generates vectors for products lacking one. Vectors are
// stored chunk by chunk so a partial run keeps its progress.
func (s *Store) embedMissing(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.code, p.name, p.secondary_name FROM products p
		 WHERE NOT EXISTS (
			SELECT 1 FROM product_embeddings e WHERE e.code = p.code AND e.model = ?
		 ) ORDER BY p.code`, s.model)
	if err != nil {
		return 0, err
	}
	var codes, texts []string
	for rows.Next() {
		var code, name, secondary string
		if err := rows.Scan(&code, &name, &secondary); err != nil {
			rows.Close()
			return 0, err
		}
		codes = append(codes, code)
		texts = append(texts, strings.TrimSpace(name+" "+secondary))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	n := 0
	for start := 0; start < len(codes); start += embedChunk {
		end := min(start+embedChunk, len(codes))
		vecs, err := s.embedTexts(ctx, texts[start:end])
		if err != nil {
			return n, fmt.Errorf("products %s..%s: %w", codes[start], codes[end-1], err)
		}
		for i, vec := range vecs {
			if err := s.putEmbedding(ctx, codes[start+i], vec); err != nil {
				return n, err
			}
			n++
		}
		s.logger.Debug("embedded product chunk", "done", end, "total", len(codes))
	}
	return n, nil
}

func (s *Store) embedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if be, ok := s.embedder.(BatchEmbedder); ok {
		return be.GenerateBatch(ctx, texts)
	}
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := s.embedder.Generate(ctx, t)
		if err != nil {
			return nil, err
		}
		vecs[i] = v
	}
	return vecs, nil
}

func (s *Store) putEmbedding(ctx context.Context, code string, vec []float32) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO product_embeddings (code, model, vector) VALUES (?, ?, ?)`,
		code, s.model, encodeVector(vec))
	if err != nil {
		return fmt.Errorf("store embedding %s: %w", code, err)
	}
	return nil
}
