package catalog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
)

const fixture = `{
  "products": [
    {"code": "100234", "name": "Kupariputki 22mm 5m", "secondary_name": "Copper pipe 22mm", "group": "1201", "stock": 40, "sales_12m": 900},
    {"code": "100235", "name": "Kupariputki 15mm 5m", "secondary_name": "Copper pipe 15mm", "group": "1201", "stock": 120, "sales_12m": 1500},
    {"code": "100400", "name": "Kupariputki 22mm 3m", "group": "1201", "stock": 5, "sales_12m": 30},
    {"code": "200100", "name": "Palloventtiili DN25", "secondary_name": "Ball valve 1\"", "group": "1305", "stock": 18, "sales_12m": 210},
    {"code": "200101", "name": "Palloventtiili DN20", "group": "1305", "stock": 60, "sales_12m": 340},
    {"code": "300001", "name": "Hätäsuihku seinämalli", "group": "20", "stock": 2, "sales_12m": 4}
  ],
  "mappings": [
    {"term": "cu-putki 22", "code": "100400"}
  ],
  "patterns": [
    {"fragment": "kupariputki", "pattern": "%kupariputki%22%", "hits": 3},
    {"fragment": "venttiili", "pattern": "%venttiili%DN%"}
  ]
}`

type vectorEmbedder struct {
	calls int
}

// Generate maps text to a crude two-dimensional vector: copper pipes
// point one way, valves the other.
func (e *vectorEmbedder) Generate(_ context.Context, text string) ([]float32, error) {
	e.calls++
	t := strings.ToLower(text)
	switch {
	case strings.Contains(t, "putki") || strings.Contains(t, "pipe"):
		return []float32{1, 0.1}, nil
	case strings.Contains(t, "venttiili") || strings.Contains(t, "valve"):
		return []float32{0.1, 1}, nil
	default:
		return []float32{0.5, 0.5}, nil
	}
}

func newTestStore(t *testing.T, opts ...StoreOption) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "catalog.db"), slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if _, err := s.Import(context.Background(), strings.NewReader(fixture)); err != nil {
		t.Fatalf("Import: %v", err)
	}
	return s
}

func codes(rows []Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Code
	}
	return out
}

func TestSearchByCodes(t *testing.T) {
	s := newTestStore(t)
	rows, err := s.SearchByCodes(context.Background(), []string{"200100", "nope", " 100234 "})
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(codes(rows), ","); got != "100234,200100" {
		t.Errorf("codes = %s", got)
	}
	if rows[0].Name != "Kupariputki 22mm 5m" || rows[0].Group != "1201" || rows[0].Stock != 40 {
		t.Errorf("row = %+v", rows[0])
	}

	rows, err = s.SearchByCodes(context.Background(), nil)
	if err != nil || len(rows) != 0 {
		t.Errorf("empty input = %v, %v", rows, err)
	}
}

func TestWildcardSearch(t *testing.T) {
	s := newTestStore(t)
	rows, err := s.WildcardSearch(context.Background(), "%kupariputki%22%")
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(codes(rows), ","); got != "100234,100400" {
		t.Errorf("codes = %s, want sales order", got)
	}
}

func TestWildcardSearch_StarAndBareTerms(t *testing.T) {
	s := newTestStore(t)
	rows, err := s.WildcardSearch(context.Background(), "palloventtiili*DN25")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Code != "200100" {
		t.Errorf("star pattern = %v", codes(rows))
	}

	rows, err = s.WildcardSearch(context.Background(), "copper pipe")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Errorf("bare term on secondary name = %v", codes(rows))
	}
}

func TestWildcardSearch_UnicodeCaseFolding(t *testing.T) {
	s := newTestStore(t)
	rows, err := s.WildcardSearch(context.Background(), "%HÄTÄSUIHKU%")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Code != "300001" {
		t.Errorf("codes = %v", codes(rows))
	}
}

func TestWildcardSearch_ConfirmedMappingsRankFirst(t *testing.T) {
	s := newTestStore(t)
	rows, err := s.WildcardSearch(context.Background(), "%putki%22%")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) == 0 || rows[0].Code != "100400" || rows[0].Provenance != ProvenanceConfirmed {
		t.Fatalf("first row = %+v", rows)
	}
	seen := map[string]int{}
	for _, r := range rows {
		seen[r.Code]++
	}
	if seen["100400"] != 1 {
		t.Error("confirmed row should not repeat as a catalog row")
	}
}

func TestEnterGroupIncludesSubgroups(t *testing.T) {
	s := newTestStore(t)
	rows, err := s.EnterGroup(context.Background(), "12")
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(codes(rows), ","); got != "100235,100234,100400" {
		t.Errorf("codes = %s", got)
	}
	rows, err = s.EnterGroup(context.Background(), "99")
	if err != nil || len(rows) != 0 {
		t.Errorf("unknown group = %v, %v", rows, err)
	}
}

func TestSearchInGroup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		f    Filters
		want string
	}{
		{"text", Filters{Text: "22mm"}, "100234,100400"},
		{"all fragments", Filters{Text: "22mm 3m"}, "100400"},
		{"by stock", Filters{Sort: SortStock}, "100235,100234,100400"},
		{"by code", Filters{Sort: SortCode}, "100234,100235,100400"},
		{"limit", Filters{Sort: SortCode, Limit: 1}, "100234"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := s.SearchInGroup(ctx, "1201", tt.f)
			if err != nil {
				t.Fatal(err)
			}
			if got := strings.Join(codes(rows), ","); got != tt.want {
				t.Errorf("codes = %s, want %s", got, tt.want)
			}
		})
	}

	if _, err := s.SearchInGroup(ctx, "1201", Filters{Sort: "price"}); err == nil {
		t.Error("expected unknown sort key to fail")
	}
	if _, err := s.SearchInGroup(ctx, "", Filters{}); err == nil {
		t.Error("expected missing group code to fail")
	}
}

func TestSemanticSearch(t *testing.T) {
	emb := &vectorEmbedder{}
	s := newTestStore(t, WithEmbedder(emb, "test-embed"))
	if emb.calls != 6 {
		t.Fatalf("import embedded %d products, want 6", emb.calls)
	}

	rows, err := s.SemanticSearch(context.Background(), "ball valve one inch", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %v", codes(rows))
	}
	for _, r := range rows {
		if !strings.HasPrefix(r.Code, "2001") {
			t.Errorf("unexpected nearest row %s", r.Code)
		}
		if r.Similarity <= 0.9 {
			t.Errorf("similarity = %f", r.Similarity)
		}
	}

	// A second import only embeds what is missing.
	before := emb.calls
	if _, err := s.Import(context.Background(), strings.NewReader(`{"products":[{"code":"400","name":"Putkitiiviste","group":"40"}]}`)); err != nil {
		t.Fatal(err)
	}
	if emb.calls-before != 1 {
		t.Errorf("re-import embedded %d products, want 1", emb.calls-before)
	}
}

// batchEmbedder answers GenerateBatch with vectorEmbedder's vectors.
type batchEmbedder struct {
	vectorEmbedder
	batches []int
}

func (e *batchEmbedder) GenerateBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.batches = append(e.batches, len(texts))
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = e.Generate(ctx, t)
	}
	return out, nil
}

func TestImportUsesBatchEmbedder(t *testing.T) {
	emb := &batchEmbedder{}
	s := newTestStore(t, WithEmbedder(emb, "test-embed"))
	if len(emb.batches) != 1 || emb.batches[0] != 6 {
		t.Fatalf("batches = %v, want one batch of 6", emb.batches)
	}

	rows, err := s.SemanticSearch(context.Background(), "copper pipe", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || !strings.HasPrefix(rows[0].Code, "100") {
		t.Errorf("nearest = %v", codes(rows))
	}
}

func TestSemanticSearchUnavailable(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.SemanticSearch(context.Background(), "x", 3); !errors.Is(err, ErrSemanticUnavailable) {
		t.Errorf("expected ErrSemanticUnavailable, got %v", err)
	}
}

func TestSuggestions(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Suggestions(context.Background(), []string{"Kupariputki 22mm 5m", "Jokin muu"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Pattern != "%kupariputki%22%" || got[0].Hits != 3 {
		t.Errorf("suggestions = %+v", got)
	}
}

func TestImportRejectsIncompleteProducts(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "c.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	_, err = s.Import(context.Background(), strings.NewReader(`{"products":[{"code":"1"}]}`))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if n, _ := s.ProductCount(context.Background()); n != 0 {
		t.Errorf("failed import left %d products", n)
	}
}

func TestNormalizePattern(t *testing.T) {
	tests := map[string]string{
		"kupari":       "%kupari%",
		"*kupari*22*":  "%kupari%22%",
		" %venttiili ": "%venttiili",
		"DN_25":        `%DN\_25%`,
		"*DN_25":       `%DN\_25`,
		`a\b`:          `%a\\b%`,
		"":             "",
	}
	for in, want := range tests {
		if got := NormalizePattern(in); got != want {
			t.Errorf("NormalizePattern(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWildcardSearch_UnderscoreIsLiteral(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "catalog.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	const products = `{"products": [
	  {"code": "500001", "name": "Venttiili DN_25", "group": "13"},
	  {"code": "500002", "name": "Venttiili DNX25", "group": "13"}
	]}`
	if _, err := s.Import(context.Background(), strings.NewReader(products)); err != nil {
		t.Fatal(err)
	}

	for _, pattern := range []string{"DN_25", "*venttiili*DN_25"} {
		rows, err := s.WildcardSearch(context.Background(), pattern)
		if err != nil {
			t.Fatal(err)
		}
		if got := strings.Join(codes(rows), ","); got != "500001" {
			t.Errorf("WildcardSearch(%q) = %s, want 500001", pattern, got)
		}
	}
	rows, err := s.SearchInGroup(context.Background(), "13", Filters{Text: "dn_25"})
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(codes(rows), ","); got != "500001" {
		t.Errorf("SearchInGroup = %s, want 500001", got)
	}
}

func TestRankAndDedupe(t *testing.T) {
	rows := []Row{
		{Code: "a", Provenance: ProvenanceCatalog},
		{Code: "b", Provenance: ProvenanceCatalog},
		{Code: "a", Provenance: ProvenanceConfirmed},
		{Code: "c", Provenance: ProvenanceConfirmed},
	}
	got := Rank(Dedupe(rows))
	if s := strings.Join(codes(got), ","); s != "a,c,b" {
		t.Errorf("order = %s", s)
	}
}

func TestVectorRoundTrip(t *testing.T) {
	v := []float32{0.25, -1.5, 3}
	got := decodeVector(encodeVector(v))
	for i := range v {
		if got[i] != v[i] {
			t.Fatalf("got %v", got)
		}
	}
}
