package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/quivertree/invoicemem/internal/memory"
	"go.uber.org/zap"
)

// Confidence assigned to a freshly created memory, by verdict.
const (
	initialApprovedConfidence = 0.8
	initialRejectedConfidence = 0.5

	// legacyConfidence/legacyUsage are the documented defaults when a
	// stored payload turns out not to be a learned memory.
	legacyConfidence = 0.7
	legacyUsage      = 0

	// confidenceStep scales the per-feedback adjustment.
	confidenceStep = 0.05
)

// LearnSignal is the flattened human-feedback event consumed by Learn.
// Approved is required: a signal without a verdict is a no-op.
type LearnSignal struct {
	MemoryID         string                  `json:"memory_id,omitempty"`
	Approved         *bool                   `json:"approved"`
	Field            string                  `json:"field"`
	Value            string                  `json:"value,omitempty"`
	VendorName       string                  `json:"vendor_name,omitempty"`
	InvoiceNumber    string                  `json:"invoice_number,omitempty"`
	InvoiceDate      string                  `json:"invoice_date,omitempty"`
	ResolutionStatus memory.ResolutionStatus `json:"resolution_status,omitempty"`
	IsDuplicate      bool                    `json:"is_duplicate,omitempty"`
	FeedbackScore    float64                 `json:"feedback_score,omitempty"`
}

// Learn folds one human verdict into the memory store: it reinforces or
// decays an existing memory, or creates one, and emits a collateral
// resolution record when the signal carries a disposition. Returns nil
// (not an error) when the signal has no verdict.
func (e *Engine) Learn(ctx context.Context, sig LearnSignal) (*memory.Memory, error) {
	if sig.Approved == nil {
		e.logger.Debug("learn signal without verdict, skipping",
			zap.String("field", sig.Field))
		return nil, nil
	}
	approved := *sig.Approved

	id := sig.MemoryID
	if id == "" {
		id = uuid.New().String()
	}

	existing, err := e.store.GetByID(ctx, id)
	var mem *memory.Memory
	switch {
	case errors.Is(err, memory.ErrNotFound):
		mem, err = e.createMemory(ctx, id, approved, sig)
	case err != nil:
		return nil, fmt.Errorf("load memory %s: %w", id, err)
	default:
		mem, err = e.updateMemory(ctx, existing, approved, sig)
	}
	if err != nil {
		return nil, err
	}

	if sig.ResolutionStatus != "" || sig.IsDuplicate {
		if err := e.recordResolution(ctx, approved, sig); err != nil {
			return nil, err
		}
	}
	return mem, nil
}

// createMemory stores a first-time memory for the corrected field.
func (e *Engine) createMemory(ctx context.Context, id string, approved bool, sig LearnSignal) (*memory.Memory, error) {
	confidence := initialRejectedConfidence
	if approved {
		confidence = initialApprovedConfidence
	}

	category, field, special := inferCategory(sig.Field)
	content := &memory.LearnedContent{
		Category:      category,
		VendorName:    sig.VendorName,
		InvoiceNumber: sig.InvoiceNumber,
		InvoiceDate:   sig.InvoiceDate,
		Field:         field,
		Confidence:    confidence,
		UsageCount:    1,
	}
	if special && field == FieldFreightSKU && sig.Value != "" {
		content.Metadata = map[string]interface{}{"proposedValue": sig.Value}
	}

	mem, err := e.saveContent(ctx, id, content, time.Time{})
	if err != nil {
		return nil, err
	}
	e.logger.Info("memory created",
		zap.String("id", id),
		zap.String("field", field),
		zap.Bool("approved", approved),
		zap.Float64("confidence", confidence))
	return mem, nil
}

// updateMemory applies the reinforcement/decay rule to a stored memory.
func (e *Engine) updateMemory(ctx context.Context, mem *memory.Memory, approved bool, sig LearnSignal) (*memory.Memory, error) {
	content, err := memory.ParseLearned(mem.Content)
	if errors.Is(err, memory.ErrNotLearned) {
		// Legacy payload: start from the documented defaults rather
		// than failing the feedback.
		e.logger.Warn("updating memory with non-learned payload",
			zap.String("id", mem.ID))
		content = &memory.LearnedContent{
			Confidence: legacyConfidence,
			UsageCount: legacyUsage,
			Category:   memory.CategoryCorrection,
			Field:      sig.Field,
		}
	} else if err != nil {
		return nil, fmt.Errorf("parse memory %s: %w", mem.ID, err)
	}

	delta := confidenceStep * feedbackScore(sig)
	if approved {
		content.Confidence = math.Min(content.Confidence+delta, ReinforceCeiling)
	} else {
		content.Confidence = math.Max(content.Confidence-delta, 0)
	}
	content.UsageCount++

	// Re-inference only overrides when the incoming field triggers one of
	// the special mappings; otherwise stored context is preserved and only
	// filled where absent.
	if category, field, special := inferCategory(sig.Field); special {
		content.Category = category
		content.Field = field
		if field == FieldFreightSKU && sig.Value != "" {
			if content.Metadata == nil {
				content.Metadata = map[string]interface{}{}
			}
			content.Metadata["proposedValue"] = sig.Value
		}
	}
	if content.VendorName == "" {
		content.VendorName = sig.VendorName
	}
	if content.InvoiceNumber == "" {
		content.InvoiceNumber = sig.InvoiceNumber
	}
	if content.InvoiceDate == "" {
		content.InvoiceDate = sig.InvoiceDate
	}

	updated, err := e.saveContent(ctx, mem.ID, content, mem.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.logger.Info("memory updated",
		zap.String("id", mem.ID),
		zap.Bool("approved", approved),
		zap.Float64("confidence", content.Confidence),
		zap.Int("usage_count", content.UsageCount))
	return updated, nil
}

// recordResolution emits the independent resolution memory that feeds
// future duplicate detection. Never mutated afterwards.
func (e *Engine) recordResolution(ctx context.Context, approved bool, sig LearnSignal) error {
	confidence := initialRejectedConfidence
	if approved {
		confidence = initialApprovedConfidence
	}
	status := sig.ResolutionStatus
	if status == "" {
		status = memory.ResolutionRejected
		if approved {
			status = memory.ResolutionApproved
		}
	}

	content := &memory.LearnedContent{
		Category:         memory.CategoryResolution,
		VendorName:       sig.VendorName,
		InvoiceNumber:    sig.InvoiceNumber,
		InvoiceDate:      sig.InvoiceDate,
		Field:            sig.Field,
		ResolutionStatus: status,
		Confidence:       confidence,
		UsageCount:       1,
		Metadata:         map[string]interface{}{"isDuplicate": sig.IsDuplicate},
	}

	if _, err := e.saveContent(ctx, uuid.New().String(), content, time.Time{}); err != nil {
		return fmt.Errorf("save resolution record: %w", err)
	}
	return nil
}

// saveContent encodes the payload and upserts the record. A zero createdAt
// marks a new record.
func (e *Engine) saveContent(ctx context.Context, id string, content *memory.LearnedContent, createdAt time.Time) (*memory.Memory, error) {
	encoded, err := content.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode memory content: %w", err)
	}

	now := time.Now().UTC()
	if createdAt.IsZero() {
		createdAt = now
	}
	mem := &memory.Memory{
		ID:        id,
		Kind:      memory.KindLongTerm,
		Content:   encoded,
		Source:    "learn",
		CreatedAt: createdAt,
		UpdatedAt: now,
	}
	if err := e.store.Save(ctx, mem); err != nil {
		return nil, fmt.Errorf("save memory %s: %w", id, err)
	}
	return mem, nil
}

// inferCategory maps a correction target onto the memory category and
// canonical rule field. Tax and gross corrections teach the VAT rule;
// line-item SKU corrections teach the freight rule; everything else stays
// a plain correction memory.
func inferCategory(field string) (memory.Category, string, bool) {
	switch field {
	case FieldTaxAmount, FieldGrossAmount:
		return memory.CategoryVendor, FieldVATIncluded, true
	}
	if t := ParseTarget(field); t.IsLineItem() && t.Field == "sku" {
		return memory.CategoryVendor, FieldFreightSKU, true
	}
	return memory.CategoryCorrection, field, false
}

// feedbackScore defaults to 1 when the signal does not carry one.
func feedbackScore(sig LearnSignal) float64 {
	if sig.FeedbackScore <= 0 {
		return 1
	}
	return sig.FeedbackScore
}
