package retrieval

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/components/embedding"

	"studybuddy/internal/apperr"
	"studybuddy/internal/config"
	"studybuddy/internal/log"
)

const (
	placeholderText = "initialization"

	chunkSize    = 1000
	chunkOverlap = 100
	embedBatch   = 32
)

// Bootstrap loads the index snapshot, or builds one when none exists: from
// the seed directory if configured, otherwise from a single placeholder so
// the index is never empty on disk.
func Bootstrap(ctx context.Context, cfg config.IndexConfig, embedder embedding.Embedder) (*Index, error) {
	logger := log.FromCtx(ctx)

	ix, err := LoadFromDisk(cfg.Path)
	if err == nil {
		logger.Info().Str("path", cfg.Path).Int("entries", ix.Len()).Msg("vector index loaded")
		return ix, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, apperr.Startup("load vector index", err)
	}

	ix = NewIndex()
	seedDir := cfg.SeedDir
	if seedDir != "" {
		if _, err := os.Stat(seedDir); errors.Is(err, os.ErrNotExist) {
			logger.Warn().Str("seed_dir", seedDir).Msg("seed directory not found, starting with an empty index")
			seedDir = ""
		}
	}
	if seedDir != "" {
		loader, err := newFileLoader(ctx)
		if err != nil {
			return nil, apperr.Startup("init document loader", err)
		}
		if err := seedFromDir(ctx, ix, loader, embedder, seedDir); err != nil {
			return nil, apperr.Startup("seed vector index", err)
		}
	}
	if ix.Len() == 0 {
		vecs, err := embedder.EmbedStrings(ctx, []string{placeholderText})
		if err != nil {
			return nil, apperr.Startup("embed placeholder passage", err)
		}
		if len(vecs) != 1 {
			return nil, apperr.Startup("embed placeholder passage: unexpected embedding count", nil)
		}
		ix.Add(Entry{ID: placeholderText, Content: placeholderText, Vector: vecs[0], Placeholder: true})
	}

	if err := ix.PersistToDisk(cfg.Path); err != nil {
		return nil, apperr.Startup("persist vector index", err)
	}
	logger.Info().Str("path", cfg.Path).Int("entries", ix.Len()).Msg("vector index created")
	return ix, nil
}

func newFileLoader(ctx context.Context) (document.Loader, error) {
	parserExt, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		return nil, err
	}
	return file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      parserExt,
	})
}

func seedFromDir(ctx context.Context, ix *Index, loader document.Loader, embedder embedding.Embedder, dir string) error {
	logger := log.FromCtx(ctx)

	var pending []Entry
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		texts := make([]string, len(pending))
		for i, e := range pending {
			texts[i] = e.Content
		}
		vecs, err := embedder.EmbedStrings(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed chunks: %w", err)
		}
		if len(vecs) != len(pending) {
			return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vecs), len(pending))
		}
		for i := range pending {
			pending[i].Vector = vecs[i]
		}
		ix.Add(pending...)
		pending = pending[:0]
		return nil
	}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && path != dir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		docs, err := loader.Load(ctx, document.Source{URI: path})
		if err != nil {
			logger.Warn().Err(err).Str("file", path).Msg("skipping unreadable seed file")
			return nil
		}
		rel, _ := filepath.Rel(dir, path)
		n := 0
		for _, doc := range docs {
			for _, chunk := range splitText(doc.Content, chunkSize, chunkOverlap) {
				pending = append(pending, Entry{
					ID:      fmt.Sprintf("%s#%d", rel, n),
					Content: chunk,
					Source:  rel,
				})
				n++
				if len(pending) >= embedBatch {
					if err := flush(); err != nil {
						return err
					}
				}
			}
		}
		logger.Debug().Str("file", rel).Int("chunks", n).Msg("seed file indexed")
		return nil
	})
	if err != nil {
		return err
	}
	return flush()
}

// splitText cuts text into overlapping windows of at most size runes.
func splitText(text string, size, overlap int) []string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}
	if overlap >= size {
		overlap = 0
	}
	var chunks []string
	for start := 0; start < len(runes); {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(runes) {
			break
		}
		start = end - overlap
	}
	return chunks
}
