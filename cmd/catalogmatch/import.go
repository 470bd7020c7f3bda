package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/nugget/catalogmatch/internal/ratelimit"
)

// runImport handles "catalogmatch import <catalog.json>". It upserts
// products, accepted mappings and search patterns into the catalog
// database and, when embeddings are enabled, embeds new products.
func runImport(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, path string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	limiter := ratelimit.New(cfg.RateLimits.Map(), logger)
	store, err := openCatalog(cfg, limiter, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open import file: %w", err)
	}
	defer f.Close()

	logger.Info("importing catalog", "file", path)
	stats, err := store.Import(ctx, f)
	if err != nil {
		return fmt.Errorf("import %s: %w", path, err)
	}
	logger.Info("import complete",
		"products", stats.Products,
		"mappings", stats.Mappings,
		"patterns", stats.Patterns,
		"embeddings", stats.Embeddings,
	)

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}
	fmt.Fprintf(stdout, "Imported %d products, %d mappings, %d patterns and %d embeddings into %s\n",
		stats.Products, stats.Mappings, stats.Patterns, stats.Embeddings, cfg.DataPath(cfg.Catalog.Path))
	return nil
}
