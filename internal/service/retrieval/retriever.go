// Package retrieval finds indexed passages relevant to a question.
package retrieval

import (
	"context"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"

	"studybuddy/internal/apperr"
	"studybuddy/internal/models"
)

const (
	DefaultTopK = 4

	metaSource = "source"
)

// Retriever embeds the query and runs a nearest-neighbour search.
type Retriever struct {
	embedder embedding.Embedder
	index    VectorSearcher
	topK     int
}

var _ retriever.Retriever = (*Retriever)(nil)

func NewRetriever(embedder embedding.Embedder, index VectorSearcher, topK int) *Retriever {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Retriever{embedder: embedder, index: index, topK: topK}
}

// Retrieve returns up to TopK documents with their similarity attached as
// the document score. An empty index returns no documents.
func (r *Retriever) Retrieve(ctx context.Context, query string, opts ...retriever.Option) ([]*schema.Document, error) {
	topK := r.topK
	options := retriever.GetCommonOptions(&retriever.Options{TopK: &topK}, opts...)
	k := r.topK
	if options.TopK != nil && *options.TopK > 0 {
		k = *options.TopK
	}

	if r.index.Searchable() == 0 {
		return []*schema.Document{}, nil
	}

	vecs, err := r.embedder.EmbedStrings(ctx, []string{query})
	if err != nil {
		return nil, apperr.Upstream("embed query", err)
	}
	if len(vecs) != 1 {
		return nil, apperr.Upstream("embed query: unexpected embedding count", nil)
	}

	hits := r.index.Search(vecs[0], k)
	docs := make([]*schema.Document, 0, len(hits))
	for _, h := range hits {
		doc := &schema.Document{
			ID:       h.ID,
			Content:  h.Content,
			MetaData: map[string]any{metaSource: h.Source},
		}
		docs = append(docs, doc.WithScore(h.Score))
	}
	return docs, nil
}

// Passages is Retrieve with an explicit k, converted for the prompt composer.
func (r *Retriever) Passages(ctx context.Context, query string, k int) ([]models.Passage, error) {
	var opts []retriever.Option
	if k > 0 {
		opts = append(opts, retriever.WithTopK(k))
	}
	docs, err := r.Retrieve(ctx, query, opts...)
	if err != nil {
		return nil, err
	}
	out := make([]models.Passage, 0, len(docs))
	for _, d := range docs {
		source, _ := d.MetaData[metaSource].(string)
		out = append(out, models.Passage{
			ID:      d.ID,
			Content: d.Content,
			Source:  source,
			Score:   d.Score(),
		})
	}
	return out, nil
}
