package retrieval

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Entry is one indexed passage with its embedding.
type Entry struct {
	ID          string    `json:"id"`
	Content     string    `json:"content"`
	Source      string    `json:"source,omitempty"`
	Vector      []float64 `json:"vector"`
	Placeholder bool      `json:"placeholder,omitempty"`
}

// Hit is an entry scored against a query vector.
type Hit struct {
	Entry
	Score float64
}

// VectorSearcher is the nearest-neighbour lookup the retriever relies on.
type VectorSearcher interface {
	Search(query []float64, k int) []Hit
	Searchable() int
}

// Index is an exact cosine-similarity index held in memory.
type Index struct {
	mu      sync.RWMutex
	entries []Entry
}

type snapshot struct {
	Entries []Entry `json:"entries"`
}

func NewIndex() *Index {
	return &Index{}
}

func (ix *Index) Add(entries ...Entry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.entries = append(ix.entries, entries...)
}

// Len counts every entry, placeholders included.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Searchable counts entries that can be returned from Search.
func (ix *Index) Searchable() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	n := 0
	for _, e := range ix.entries {
		if !e.Placeholder {
			n++
		}
	}
	return n
}

// Search returns at most k entries by descending similarity. Equal scores
// keep insertion order. Placeholder entries never match.
func (ix *Index) Search(query []float64, k int) []Hit {
	if k <= 0 {
		return nil
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	hits := make([]Hit, 0, len(ix.entries))
	for _, e := range ix.entries {
		if e.Placeholder {
			continue
		}
		hits = append(hits, Hit{Entry: e, Score: cosineSimilarity(query, e.Vector)})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// LoadFromDisk reads a snapshot written by PersistToDisk. A missing file
// yields an error matching os.ErrNotExist.
func LoadFromDisk(path string) (*Index, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode index snapshot %s: %w", path, err)
	}
	return &Index{entries: snap.Entries}, nil
}

// PersistToDisk atomically replaces the snapshot at path.
func (ix *Index) PersistToDisk(path string) error {
	ix.mu.RLock()
	raw, err := json.Marshal(snapshot{Entries: ix.entries})
	ix.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode index snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create index directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write index snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace index snapshot: %w", err)
	}
	return nil
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
