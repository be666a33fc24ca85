package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/eino/components/embedding"
	"google.golang.org/genai"

	"studybuddy/internal/log"
	"studybuddy/internal/redis"
)

// GenaiEmbedder embeds text with the Gemini embedding API.
type GenaiEmbedder struct {
	client *genai.Client
	model  string
}

func NewGenaiEmbedder(client *genai.Client, model string) *GenaiEmbedder {
	return &GenaiEmbedder{client: client, model: model}
}

func (e *GenaiEmbedder) EmbedStrings(ctx context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, 0, len(texts))
	for _, t := range texts {
		contents = append(contents, genai.NewContentFromText(t, genai.RoleUser))
	}
	resp, err := e.client.Models.EmbedContent(ctx, e.model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("embed content: %w", err)
	}
	if resp == nil || len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embed content: expected %d embeddings", len(texts))
	}
	out := make([][]float64, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		vec := make([]float64, len(emb.Values))
		for j, v := range emb.Values {
			vec[j] = float64(v)
		}
		out[i] = vec
	}
	return out, nil
}

// CachedEmbedder memoizes embeddings in redis. Cache failures degrade to a
// direct call.
type CachedEmbedder struct {
	next  embedding.Embedder
	cache *redis.Client
	model string
	ttl   time.Duration
}

func NewCachedEmbedder(next embedding.Embedder, cache *redis.Client, model string, ttl time.Duration) *CachedEmbedder {
	return &CachedEmbedder{next: next, cache: cache, model: model, ttl: ttl}
}

func (c *CachedEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error) {
	logger := log.FromCtx(ctx)
	out := make([][]float64, len(texts))
	var (
		missing []string
		slots   []int
	)
	for i, t := range texts {
		raw, err := c.cache.Get(ctx, c.key(t))
		if err == nil {
			var vec []float64
			if json.Unmarshal(raw, &vec) == nil {
				out[i] = vec
				continue
			}
		} else if !errors.Is(err, redis.ErrCacheMiss) {
			logger.Warn().Err(err).Msg("embedding cache read failed")
		}
		missing = append(missing, t)
		slots = append(slots, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vecs, err := c.next.EmbedStrings(ctx, missing, opts...)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missing) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(missing))
	}
	for j, vec := range vecs {
		out[slots[j]] = vec
		raw, err := json.Marshal(vec)
		if err != nil {
			continue
		}
		if err := c.cache.Set(ctx, c.key(missing[j]), raw, c.ttl); err != nil {
			logger.Warn().Err(err).Msg("embedding cache write failed")
		}
	}
	return out, nil
}

func (c *CachedEmbedder) key(text string) string {
	sum := sha256.Sum256([]byte(c.model + "\x00" + text))
	return "studybuddy:embedding:" + hex.EncodeToString(sum[:])
}
