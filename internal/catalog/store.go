package catalog

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/nugget/catalogmatch/internal/embeddings"
)

// driverName is the SQLite driver registered with the casefold function.
const driverName = "sqlite3_catalog"

var registerOnce sync.Once

// registerDriver installs a SQLite driver whose connections know
// casefold(), a Unicode-aware lower(). SQLite's built-in lower() and LIKE
// only fold ASCII, which misses product names such as "Hätäsuihku".
func registerDriver() {
	registerOnce.Do(func() {
		sql.Register(driverName, &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				return conn.RegisterFunc("casefold", strings.ToLower, true)
			},
		})
	})
}

const (
	defaultLimit      = 30
	defaultGroupLimit = 50
	maxLimit          = 200
)

// Embedder produces query vectors for semantic search.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float32, error)
}

// BatchEmbedder is an Embedder that can vectorize several texts in one
// call. Import uses it when available.
type BatchEmbedder interface {
	Embedder
	GenerateBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Store is the SQLite catalog. It holds products, accepted term-to-code
// mappings, historical search patterns and product embeddings.
type Store struct {
	db       *sql.DB
	embedder Embedder
	model    string
	logger   *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithEmbedder enables semantic search. model names the embedding model
// whose stored vectors are compared.
func WithEmbedder(e Embedder, model string) StoreOption {
	return func(s *Store) {
		s.embedder = e
		s.model = model
	}
}

// NewStore opens (creating if needed) the catalog database at dbPath.
func NewStore(dbPath string, logger *slog.Logger, opts ...StoreOption) (*Store, error) {
	registerDriver()
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open(driverName, dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open catalog database: %w", err)
	}

	s := &Store{db: db, logger: logger.With("component", "catalog")}
	for _, o := range opts {
		o(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate catalog schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS products (
		code           TEXT PRIMARY KEY,
		name           TEXT NOT NULL,
		secondary_name TEXT NOT NULL DEFAULT '',
		group_code     TEXT NOT NULL DEFAULT '',
		stock          REAL NOT NULL DEFAULT 0,
		sales_12m      REAL NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_products_group ON products(group_code);

	CREATE TABLE IF NOT EXISTS mappings (
		term TEXT NOT NULL,
		code TEXT NOT NULL,
		PRIMARY KEY (term, code)
	);

	CREATE TABLE IF NOT EXISTS search_patterns (
		fragment TEXT NOT NULL,
		pattern  TEXT NOT NULL,
		hits     INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (fragment, pattern)
	);

	CREATE TABLE IF NOT EXISTS product_embeddings (
		code   TEXT NOT NULL,
		model  TEXT NOT NULL,
		vector BLOB NOT NULL,
		PRIMARY KEY (code, model)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

const productColumns = `p.code, p.name, p.secondary_name, p.group_code, p.stock, p.sales_12m`

func scanRows(rows *sql.Rows, prov Provenance) ([]Row, error) {
	defer rows.Close()
	var out []Row
	for rows.Next() {
		r := Row{Provenance: prov}
		if err := rows.Scan(&r.Code, &r.Name, &r.SecondaryName, &r.Group, &r.Stock, &r.Sales12M); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SearchByCodes implements [Service].
func (s *Store) SearchByCodes(ctx context.Context, codes []string) ([]Row, error) {
	var args []any
	for _, c := range codes {
		if c = strings.TrimSpace(c); c != "" {
			args = append(args, c)
		}
	}
	if len(args) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(args)), ",")
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+productColumns+` FROM products p WHERE p.code IN (`+placeholders+`) ORDER BY p.code`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("query codes: %w", err)
	}
	return scanRows(rows, ProvenanceCatalog)
}

// WildcardSearch implements [Service]. Rows reached through an accepted
// mapping whose term matches the pattern come first.
func (s *Store) WildcardSearch(ctx context.Context, pattern string) ([]Row, error) {
	p := NormalizePattern(pattern)
	if p == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT `+productColumns+`
		 FROM mappings m JOIN products p ON p.code = m.code
		 WHERE casefold(m.term) LIKE casefold(?) ESCAPE '\'
		 ORDER BY p.sales_12m DESC
		 LIMIT ?`, p, defaultLimit)
	if err != nil {
		return nil, fmt.Errorf("query mappings: %w", err)
	}
	confirmed, err := scanRows(rows, ProvenanceConfirmed)
	if err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT `+productColumns+`
		 FROM products p
		 WHERE casefold(p.name) LIKE casefold(?1) ESCAPE '\'
		    OR casefold(p.secondary_name) LIKE casefold(?1) ESCAPE '\'
		    OR casefold(p.code) LIKE casefold(?1) ESCAPE '\'
		 ORDER BY p.sales_12m DESC, p.code
		 LIMIT ?2`, p, defaultLimit)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	live, err := scanRows(rows, ProvenanceCatalog)
	if err != nil {
		return nil, err
	}
	return Rank(Dedupe(append(confirmed, live...))), nil
}

// SemanticSearch implements [Service].
func (s *Store) SemanticSearch(ctx context.Context, text string, k int) ([]Row, error) {
	if s.embedder == nil {
		return nil, ErrSemanticUnavailable
	}
	if k <= 0 {
		k = 10
	}
	query, err := s.embedder.Generate(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+productColumns+`, e.vector
		 FROM product_embeddings e JOIN products p ON p.code = e.code
		 WHERE e.model = ?`, s.model)
	if err != nil {
		return nil, fmt.Errorf("query embeddings: %w", err)
	}
	defer rows.Close()

	var (
		candidates []Row
		vectors    [][]float32
	)
	for rows.Next() {
		var r Row
		var blob []byte
		if err := rows.Scan(&r.Code, &r.Name, &r.SecondaryName, &r.Group, &r.Stock, &r.Sales12M, &blob); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		r.Provenance = ProvenanceCatalog
		candidates = append(candidates, r)
		vectors = append(vectors, decodeVector(blob))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ranked := embeddings.Rank(query, vectors, k)
	out := make([]Row, 0, len(ranked))
	for _, sc := range ranked {
		r := candidates[sc.Index]
		r.Similarity = float64(sc.Score)
		out = append(out, r)
	}
	return out, nil
}

// EnterGroup implements [Service]. code matches the group and every
// subgroup whose code it prefixes.
func (s *Store) EnterGroup(ctx context.Context, code string) ([]Row, error) {
	return s.SearchInGroup(ctx, code, Filters{Limit: defaultGroupLimit})
}

// SearchInGroup implements [Service].
func (s *Store) SearchInGroup(ctx context.Context, code string, f Filters) ([]Row, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("group code is required")
	}
	if !f.Sort.Valid() {
		return nil, fmt.Errorf("unknown sort key %q", f.Sort)
	}

	var (
		where = []string{"(p.group_code = ? OR p.group_code LIKE ? ESCAPE '\\')"}
		args  = []any{code, escapeLike(code) + "%"}
	)
	for _, frag := range strings.Fields(f.Text) {
		where = append(where, `(casefold(p.name) LIKE casefold(?) ESCAPE '\' OR casefold(p.secondary_name) LIKE casefold(?) ESCAPE '\')`)
		like := NormalizePattern(frag)
		args = append(args, like, like)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultGroupLimit
	}
	limit = min(limit, maxLimit)
	args = append(args, limit)

	query := `SELECT ` + productColumns + ` FROM products p WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY ` + orderBy(f.Sort) + ` LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query group %s: %w", code, err)
	}
	return scanRows(rows, ProvenanceCatalog)
}

// orderBy maps a validated sort key to its ORDER BY clause.
func orderBy(k SortKey) string {
	switch k {
	case SortStock:
		return "p.stock DESC, p.code"
	case SortName:
		return "p.name COLLATE NOCASE, p.code"
	case SortCode:
		return "p.code"
	default:
		return "p.sales_12m DESC, p.code"
	}
}

// Suggestions returns stored search patterns whose fragment occurs in
// any of the given terms, most used first.
func (s *Store) Suggestions(ctx context.Context, terms []string) ([]Suggestion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fragment, pattern, hits FROM search_patterns ORDER BY hits DESC, fragment`)
	if err != nil {
		return nil, fmt.Errorf("query search patterns: %w", err)
	}
	defer rows.Close()

	folded := make([]string, len(terms))
	for i, t := range terms {
		folded[i] = strings.ToLower(t)
	}

	var out []Suggestion
	for rows.Next() {
		var sg Suggestion
		if err := rows.Scan(&sg.Fragment, &sg.Pattern, &sg.Hits); err != nil {
			return nil, fmt.Errorf("scan search pattern: %w", err)
		}
		frag := strings.ToLower(sg.Fragment)
		for _, t := range folded {
			if frag != "" && strings.Contains(t, frag) {
				out = append(out, sg)
				break
			}
		}
	}
	return out, rows.Err()
}

// ProductCount returns the number of products in the catalog.
func (s *Store) ProductCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM products`).Scan(&n)
	return n, err
}

func encodeVector(v []float32) []byte {
	b := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(f))
	}
	return b
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
