package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/pagemate/pagemate/internal/log"
)

// fakeEmbedder returns a deterministic vector per text so similarity can be
// simulated by the fake index.
type fakeEmbedder struct {
	err   error
	calls int
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i])), 1, 0}
	}
	return out, nil
}

// fakeIndex stores vectors in memory and scores matches by exact metadata
// inspection rather than actual vector math.
type fakeIndex struct {
	vectors  []Vector
	scoreFor func(v Vector) float64
	queryErr error
}

func (f *fakeIndex) Upsert(_ context.Context, vectors []Vector) error {
	f.vectors = append(f.vectors, vectors...)
	return nil
}

func (f *fakeIndex) Query(_ context.Context, _ []float32, topK int, filter map[string]string) ([]Match, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	var matches []Match
	for _, v := range f.vectors {
		ok := true
		for k, want := range filter {
			if v.Metadata[k] != want {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		score := 0.9
		if f.scoreFor != nil {
			score = f.scoreFor(v)
		}
		matches = append(matches, Match{Score: score, Metadata: v.Metadata})
		if len(matches) == topK {
			break
		}
	}
	return matches, nil
}

func TestStore_RememberAndRecall(t *testing.T) {
	t.Parallel()

	idx := &fakeIndex{}
	store := New(&fakeEmbedder{}, idx, Config{}, log.NewNop())

	if err := store.Remember(context.Background(), "u1", "name", "Max"); err != nil {
		t.Fatalf("Remember() error: %v", err)
	}

	facts, err := store.Recall(context.Background(), "u1", "name")
	if err != nil {
		t.Fatalf("Recall() error: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("Recall() returned %d facts, want 1", len(facts))
	}
	if facts[0].Key != "name" || facts[0].Value != "Max" {
		t.Errorf("recalled fact = %q=%q, want name=Max", facts[0].Key, facts[0].Value)
	}
	if facts[0].Score < DefaultMinScore {
		t.Errorf("score %v below threshold %v", facts[0].Score, DefaultMinScore)
	}
}

func TestStore_RecallNeverCrossesUsers(t *testing.T) {
	t.Parallel()

	idx := &fakeIndex{}
	store := New(&fakeEmbedder{}, idx, Config{}, log.NewNop())

	if err := store.Remember(context.Background(), "u1", "name", "Max"); err != nil {
		t.Fatalf("Remember() error: %v", err)
	}

	facts, err := store.Recall(context.Background(), "u2", "name")
	if err != nil {
		t.Fatalf("Recall() error: %v", err)
	}
	if len(facts) != 0 {
		t.Fatalf("Recall() for another user returned %d facts, want 0", len(facts))
	}
}

func TestStore_RecallDropsBelowThreshold(t *testing.T) {
	t.Parallel()

	idx := &fakeIndex{
		scoreFor: func(v Vector) float64 {
			if v.Metadata["key"] == "weak" {
				return 0.4
			}
			return 0.8
		},
	}
	store := New(&fakeEmbedder{}, idx, Config{MinScore: 0.65}, log.NewNop())

	ctx := context.Background()
	if err := store.Remember(ctx, "u1", "weak", "barely related"); err != nil {
		t.Fatal(err)
	}
	if err := store.Remember(ctx, "u1", "strong", "clearly related"); err != nil {
		t.Fatal(err)
	}

	facts, err := store.Recall(ctx, "u1", "anything")
	if err != nil {
		t.Fatalf("Recall() error: %v", err)
	}
	if len(facts) != 1 || facts[0].Key != "strong" {
		t.Fatalf("Recall() = %+v, want only the strong fact", facts)
	}
}

func TestStore_RecallSortsByRecencyNotScore(t *testing.T) {
	t.Parallel()

	idx := &fakeIndex{
		scoreFor: func(v Vector) float64 {
			// The older fact scores higher; recency must still win.
			if v.Metadata["value"] == "old" {
				return 0.99
			}
			return 0.7
		},
	}
	store := New(&fakeEmbedder{}, idx, Config{}, log.NewNop())

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }
	if err := store.Remember(context.Background(), "u1", "city", "old"); err != nil {
		t.Fatal(err)
	}
	store.now = func() time.Time { return base.Add(time.Hour) }
	if err := store.Remember(context.Background(), "u1", "city", "new"); err != nil {
		t.Fatal(err)
	}

	facts, err := store.Recall(context.Background(), "u1", "city")
	if err != nil {
		t.Fatalf("Recall() error: %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("Recall() returned %d facts, want 2", len(facts))
	}
	if facts[0].Value != "new" {
		t.Errorf("first fact = %q, want the newest", facts[0].Value)
	}
}

func TestStore_IDIsTimeSortable(t *testing.T) {
	t.Parallel()

	idx := &fakeIndex{}
	store := New(&fakeEmbedder{}, idx, Config{}, log.NewNop())

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		offset := time.Duration(i) * time.Second
		store.now = func() time.Time { return base.Add(offset) }
		if err := store.Remember(context.Background(), "u1", "k", fmt.Sprintf("v%d", i)); err != nil {
			t.Fatal(err)
		}
	}

	for i := 1; i < len(idx.vectors); i++ {
		if !(idx.vectors[i-1].ID < idx.vectors[i].ID) {
			t.Errorf("ids not sortable by time: %q !< %q", idx.vectors[i-1].ID, idx.vectors[i].ID)
		}
	}
	if !strings.HasPrefix(idx.vectors[0].ID, "u1:k:") {
		t.Errorf("id %q missing user/key prefix", idx.vectors[0].ID)
	}
}

func TestStore_EmbedFailureSurfacesError(t *testing.T) {
	t.Parallel()

	embErr := errors.New("embedding backend down")
	store := New(&fakeEmbedder{err: embErr}, &fakeIndex{}, Config{}, log.NewNop())

	if err := store.Remember(context.Background(), "u1", "k", "v"); !errors.Is(err, embErr) {
		t.Errorf("Remember() error = %v, want wrapped embed error", err)
	}
	if _, err := store.Recall(context.Background(), "u1", "k"); !errors.Is(err, embErr) {
		t.Errorf("Recall() error = %v, want wrapped embed error", err)
	}
}

func TestStore_RememberValidatesInput(t *testing.T) {
	t.Parallel()

	store := New(&fakeEmbedder{}, &fakeIndex{}, Config{}, log.NewNop())

	tests := []struct {
		name               string
		userID, key, value string
	}{
		{"missing user", "", "k", "v"},
		{"missing key", "u", "", "v"},
		{"missing value", "u", "k", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := store.Remember(context.Background(), tt.userID, tt.key, tt.value); err == nil {
				t.Error("Remember() should reject incomplete input")
			}
		})
	}
}
