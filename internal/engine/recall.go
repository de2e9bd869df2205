package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/quivertree/invoicemem/internal/memory"
	"go.uber.org/zap"
)

const (
	defaultRecallLimit = 50
	dateLayout         = "2006-01-02"

	// duplicateReason is the fixed explanation attached when a stored
	// resolution matches vendor, invoice number and date.
	duplicateReason = "A previously resolved invoice with the same vendor and invoice number exists"
)

// Recall retrieves candidate memories for the queried vendor/invoice,
// re-scores them, partitions them by category and runs duplicate detection.
// Best-effort lookup: false negatives just prompt human review.
func (e *Engine) Recall(ctx context.Context, q RecallQuery) (*RecallSummary, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = e.recallLimit
	}
	if limit <= 0 {
		limit = defaultRecallLimit
	}

	candidates, err := e.searchCandidates(ctx, q, limit)
	if err != nil {
		return nil, err
	}

	summary := &RecallSummary{}
	for _, m := range candidates {
		content, err := memory.ParseLearned(m.Content)
		if errors.Is(err, memory.ErrNotLearned) {
			summary.SkippedLegacy++
			e.logger.Debug("skipping non-learned memory", zap.String("id", m.ID))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("parse memory %s: %w", m.ID, err)
		}
		summary.All = append(summary.All, ScoredMemory{
			Memory:  m,
			Content: content,
			Score:   scoreMemory(content, q),
		})
	}

	for _, sm := range summary.All {
		switch sm.Content.Category {
		case memory.CategoryVendor:
			summary.VendorMemories = append(summary.VendorMemories, sm)
		case memory.CategoryCorrection:
			summary.CorrectionMemories = append(summary.CorrectionMemories, sm)
		case memory.CategoryResolution:
			summary.ResolutionMemories = append(summary.ResolutionMemories, sm)
		}
	}
	sortByScore(summary.VendorMemories)
	sortByScore(summary.CorrectionMemories)
	sortByScore(summary.ResolutionMemories)

	e.detectDuplicate(summary, q)

	e.logger.Debug("recall complete",
		zap.String("vendor", q.VendorName),
		zap.String("invoice", q.InvoiceNumber),
		zap.Int("scored", len(summary.All)),
		zap.Int("skipped", summary.SkippedLegacy),
		zap.Bool("duplicate", summary.DuplicateDetected))
	return summary, nil
}

// searchCandidates unions the vendor-name and invoice-number substring
// searches, de-duplicated by id in retrieval order.
func (e *Engine) searchCandidates(ctx context.Context, q RecallQuery, limit int) ([]*memory.Memory, error) {
	var out []*memory.Memory
	seen := make(map[string]bool)

	for _, query := range []string{q.VendorName, q.InvoiceNumber} {
		if query == "" {
			continue
		}
		batch, err := e.store.SearchByText(ctx, query, limit)
		if err != nil {
			return nil, fmt.Errorf("search memories %q: %w", query, err)
		}
		for _, m := range batch {
			if !seen[m.ID] {
				seen[m.ID] = true
				out = append(out, m)
			}
		}
	}
	return out, nil
}

// scoreMemory starts from stored confidence and adds a small bonus per
// matching recall signal, clamped to [0, 1].
func scoreMemory(c *memory.LearnedContent, q RecallQuery) float64 {
	score := c.Confidence
	if c.VendorName != "" && strings.EqualFold(c.VendorName, q.VendorName) {
		score += matchBonus
	}
	if c.InvoiceNumber != "" && c.InvoiceNumber == q.InvoiceNumber {
		score += matchBonus
	}
	if datesWithin(c.InvoiceDate, q.InvoiceDate, 2) {
		score += matchBonus
	}
	return memory.Clamp01(score)
}

// datesWithin reports whether two ISO dates are at most maxDays apart.
// Unparseable or empty dates never match.
func datesWithin(a, b string, maxDays int) bool {
	ta, errA := time.Parse(dateLayout, a)
	tb, errB := time.Parse(dateLayout, b)
	if errA != nil || errB != nil {
		return false
	}
	diff := ta.Sub(tb)
	if diff < 0 {
		diff = -diff
	}
	return diff <= time.Duration(maxDays)*24*time.Hour
}

// detectDuplicate flags the invoice when a resolution memory matches vendor
// (case-insensitive), invoice number (exact) and carries a stored date.
// The triple-match requirement keeps false positives rare.
func (e *Engine) detectDuplicate(summary *RecallSummary, q RecallQuery) {
	var best *ScoredMemory
	for i := range summary.ResolutionMemories {
		sm := &summary.ResolutionMemories[i]
		c := sm.Content
		if !strings.EqualFold(c.VendorName, q.VendorName) {
			continue
		}
		if c.InvoiceNumber == "" || c.InvoiceNumber != q.InvoiceNumber {
			continue
		}
		if c.InvoiceDate == "" {
			continue
		}
		if best == nil || sm.Score > best.Score {
			best = sm
		}
	}
	if best != nil {
		summary.DuplicateDetected = true
		summary.DuplicateScore = best.Score
		summary.DuplicateReason = duplicateReason
	}
}

// sortByScore orders descending, keeping retrieval order for ties.
func sortByScore(memories []ScoredMemory) {
	sort.SliceStable(memories, func(i, j int) bool {
		return memories[i].Score > memories[j].Score
	})
}
