// Package catalog defines the product catalog search contract the
// matcher consumes and provides a SQLite-backed implementation of it.
package catalog

import (
	"context"
	"errors"
	"sort"
	"strings"
)

// Provenance says where a row came from.
type Provenance string

const (
	// ProvenanceConfirmed rows come from a previously accepted
	// term-to-code mapping. They rank ahead of live catalog rows.
	ProvenanceConfirmed Provenance = "confirmed"

	// ProvenanceCatalog rows come from the live product table.
	ProvenanceCatalog Provenance = "catalog"
)

// Row is one product as seen by the search tools.
type Row struct {
	Code          string     `json:"code"`
	Name          string     `json:"name"`
	SecondaryName string     `json:"secondary_name,omitempty"`
	Group         string     `json:"group"`
	Stock         float64    `json:"stock"`
	Sales12M      float64    `json:"sales_12m"`
	Provenance    Provenance `json:"provenance"`

	// Similarity is set by semantic search only, in [-1, 1].
	Similarity float64 `json:"similarity,omitempty"`
}

// SortKey orders rows inside a group.
type SortKey string

const (
	SortSales SortKey = "sales"
	SortStock SortKey = "stock"
	SortName  SortKey = "name"
	SortCode  SortKey = "code"
)

// Valid reports whether k is a known sort key. The empty key is valid
// and means the default (sales).
func (k SortKey) Valid() bool {
	switch k {
	case "", SortSales, SortStock, SortName, SortCode:
		return true
	}
	return false
}

// Filters narrow a search inside a group.
type Filters struct {
	// Text is a whitespace-separated list of fragments that must all
	// appear in the name or secondary name.
	Text  string
	Sort  SortKey
	Limit int
}

// ErrSemanticUnavailable is returned by SemanticSearch when no embedding
// backend is configured.
var ErrSemanticUnavailable = errors.New("semantic search is not available")

// Service is the search contract consumed by the matcher. Implementations
// are read-only from the matcher's point of view.
type Service interface {
	// SearchByCodes returns the rows for the given exact codes. Unknown
	// codes are omitted.
	SearchByCodes(ctx context.Context, codes []string) ([]Row, error)

	// WildcardSearch matches a pattern against code, name and secondary
	// name. '%' and '*' match any run of characters.
	WildcardSearch(ctx context.Context, pattern string) ([]Row, error)

	// SemanticSearch returns the k rows nearest to text by embedding
	// similarity.
	SemanticSearch(ctx context.Context, text string, k int) ([]Row, error)

	// EnterGroup lists the best-selling rows of a group and its
	// subgroups.
	EnterGroup(ctx context.Context, code string) ([]Row, error)

	// SearchInGroup lists rows of a group narrowed by filters.
	SearchInGroup(ctx context.Context, code string, f Filters) ([]Row, error)
}

// Suggestion maps a term fragment to a search pattern that found the
// right product for an earlier request.
type Suggestion struct {
	Fragment string `json:"fragment"`
	Pattern  string `json:"pattern"`
	Hits     int    `json:"hits,omitempty"`
}

// Rank orders rows with confirmed mappings first, otherwise preserving
// the input order.
func Rank(rows []Row) []Row {
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Provenance == ProvenanceConfirmed && rows[j].Provenance != ProvenanceConfirmed
	})
	return rows
}

// Dedupe drops later rows repeating an earlier row's code. A confirmed
// duplicate upgrades the earlier row's provenance.
func Dedupe(rows []Row) []Row {
	seen := make(map[string]int, len(rows))
	out := rows[:0:0]
	for _, r := range rows {
		if i, ok := seen[r.Code]; ok {
			if r.Provenance == ProvenanceConfirmed {
				out[i].Provenance = ProvenanceConfirmed
			}
			continue
		}
		seen[r.Code] = len(out)
		out = append(out, r)
	}
	return out
}

// NormalizePattern converts user-facing wildcards to SQL LIKE syntax and
// wraps a bare term in wildcards. Only * and % are wildcards; _ and the
// escape character match literally, so queries must use ESCAPE '\'.
func NormalizePattern(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = strings.ReplaceAll(escapeLike(p), "*", "%")
	if !strings.Contains(p, "%") {
		p = "%" + p + "%"
	}
	return p
}

// escapeLike makes _ and \ literal in a LIKE pattern.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `_`, `\_`)
