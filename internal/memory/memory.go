// Package memory implements the durable, user-scoped fact store backing the
// rememberUser and recallMemory tools.
//
// Facts are embedded and written to a vector index; recall is top-K nearest
// neighbor filtered by user id and a minimum similarity score, then sorted by
// recency. Storage is append-only: the same key for the same user accumulates
// vectors over time and the newest wins through the recency sort.
package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pagemate/pagemate/internal/log"
)

// Defaults for recall.
const (
	DefaultTopK         = 5
	DefaultMinScore     = 0.65
	metadataTimeLayout  = time.RFC3339Nano
	defaultStoreTimeout = 10 * time.Second
)

// Fact is a single remembered statement about a user.
type Fact struct {
	UserID    string
	Key       string
	Value     string
	Timestamp time.Time
	Score     float64
}

// Vector is one embedded entry written to the index.
type Vector struct {
	ID       string
	Values   []float32
	Metadata map[string]string
}

// Match is one nearest-neighbor result returned by the index.
type Match struct {
	Score    float64
	Metadata map[string]string
}

// Embedder produces embedding vectors for texts.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Index is a vector index supporting upsert and filtered similarity search.
type Index interface {
	Upsert(ctx context.Context, vectors []Vector) error
	Query(ctx context.Context, vector []float32, topK int, filter map[string]string) ([]Match, error)
}

// Store combines an embedder and an index into the fact store.
// Safe for concurrent use.
type Store struct {
	embedder Embedder
	index    Index
	logger   log.Logger

	topK     int
	minScore float64
	now      func() time.Time
}

// Config configures a Store. Zero values fall back to the defaults.
type Config struct {
	TopK     int
	MinScore float64
}

// New creates a fact store over the given embedder and index.
func New(embedder Embedder, index Index, cfg Config, logger log.Logger) *Store {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = DefaultMinScore
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{
		embedder: embedder,
		index:    index,
		logger:   logger,
		topK:     cfg.TopK,
		minScore: cfg.MinScore,
		now:      time.Now,
	}
}

// Remember embeds "{key}: {value}" and upserts it scoped to userID.
//
// The id encodes the write time zero-padded to a fixed width so ids for the
// same user and key sort chronologically. Entries are never overwritten;
// Recall prefers the newest through its recency sort.
func (s *Store) Remember(ctx context.Context, userID, key, value string) error {
	if userID == "" || key == "" || value == "" {
		return fmt.Errorf("remember: userID, key and value are required")
	}

	ctx, cancel := context.WithTimeout(ctx, defaultStoreTimeout)
	defer cancel()

	content := key + ": " + value
	vecs, err := s.embedder.Embed(ctx, []string{content})
	if err != nil {
		return fmt.Errorf("embed fact: %w", err)
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return fmt.Errorf("empty embedding for fact %q", key)
	}

	ts := s.now()
	entry := Vector{
		ID:     fmt.Sprintf("%s:%s:%013d", userID, key, ts.UnixMilli()),
		Values: vecs[0],
		Metadata: map[string]string{
			"userId":    userID,
			"key":       key,
			"value":     value,
			"timestamp": ts.UTC().Format(metadataTimeLayout),
		},
	}

	if err := s.index.Upsert(ctx, []Vector{entry}); err != nil {
		return fmt.Errorf("upsert fact: %w", err)
	}

	s.logger.Debug("stored fact", "user_id", userID, "key", key)
	return nil
}

// Recall embeds the query and returns the user's facts above the similarity
// floor, newest first. A different user's facts are never returned.
func (s *Store) Recall(ctx context.Context, userID, query string) ([]Fact, error) {
	if userID == "" {
		return nil, fmt.Errorf("recall: userID is required")
	}

	ctx, cancel := context.WithTimeout(ctx, defaultStoreTimeout)
	defer cancel()

	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("empty embedding for query")
	}

	matches, err := s.index.Query(ctx, vecs[0], s.topK, map[string]string{"userId": userID})
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}

	facts := make([]Fact, 0, len(matches))
	for _, m := range matches {
		if m.Score < s.minScore {
			continue
		}
		f := Fact{
			UserID: m.Metadata["userId"],
			Key:    m.Metadata["key"],
			Value:  m.Metadata["value"],
			Score:  m.Score,
		}
		if raw := m.Metadata["timestamp"]; raw != "" {
			if ts, parseErr := time.Parse(metadataTimeLayout, raw); parseErr == nil {
				f.Timestamp = ts
			}
		}
		facts = append(facts, f)
	}

	// Recency wins over similarity once the floor is applied.
	sort.Slice(facts, func(i, j int) bool {
		return facts[i].Timestamp.After(facts[j].Timestamp)
	})

	s.logger.Debug("recalled facts", "user_id", userID, "count", len(facts))
	return facts, nil
}
