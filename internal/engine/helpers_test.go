package engine

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/quivertree/invoicemem/internal/memory"
	"github.com/quivertree/invoicemem/internal/store"
	"go.uber.org/zap"
)

func newTestEngine(t *testing.T) (*Engine, *store.InMem) {
	t.Helper()
	s := store.NewInMem()
	return New(s, zap.NewNop()), s
}

// seedLearned stores a learned memory and returns its id.
func seedLearned(t *testing.T, s memory.Store, id string, content *memory.LearnedContent) string {
	t.Helper()
	encoded, err := content.Encode()
	if err != nil {
		t.Fatalf("encode content: %v", err)
	}
	now := time.Now().UTC()
	err = s.Save(context.Background(), &memory.Memory{
		ID:        id,
		Kind:      memory.KindLongTerm,
		Content:   encoded,
		Source:    "test",
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("save memory %s: %v", id, err)
	}
	return id
}

// seedRaw stores a memory with arbitrary (possibly non-learned) content.
func seedRaw(t *testing.T, s memory.Store, id, content string) {
	t.Helper()
	now := time.Now().UTC()
	err := s.Save(context.Background(), &memory.Memory{
		ID:        id,
		Kind:      memory.KindLongTerm,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("save memory %s: %v", id, err)
	}
}

// vendorScored builds a recall-time vendor memory with a chosen score,
// bypassing the store. Used by Apply unit tests.
func vendorScored(id, field, proposedValue string, score float64) ScoredMemory {
	content := &memory.LearnedContent{
		Category:   memory.CategoryVendor,
		Field:      field,
		Confidence: score,
		UsageCount: 1,
	}
	if proposedValue != "" {
		content.Metadata = map[string]interface{}{"proposedValue": proposedValue}
	}
	return ScoredMemory{
		Memory:  &memory.Memory{ID: id, Kind: memory.KindLongTerm},
		Content: content,
		Score:   score,
	}
}

func recallWith(vendor ...ScoredMemory) *RecallSummary {
	return &RecallSummary{VendorMemories: vendor, All: vendor}
}

// closeTo compares floats with a tolerance; confidence arithmetic sums
// constants that are not exactly representable.
func closeTo(got, want float64) bool {
	return math.Abs(got-want) < 1e-9
}
