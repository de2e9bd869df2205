package engine

import (
	"context"
	"time"

	"github.com/quivertree/invoicemem/internal/invoice"
	"github.com/quivertree/invoicemem/internal/memory"
	"go.uber.org/zap"
)

// Engine sequences the four pipeline stages for one invoice:
// recall → apply → decide → learn. Stages run strictly in order; the only
// suspension points are memory-store calls, whose failures abort the run.
type Engine struct {
	store       memory.Store
	logger      *zap.Logger
	recallLimit int
}

// New creates an engine on top of a memory store.
func New(store memory.Store, logger *zap.Logger) *Engine {
	return &Engine{store: store, logger: logger}
}

// SetRecallLimit overrides the default number of recall candidates per
// search. Non-positive values are ignored.
func (e *Engine) SetRecallLimit(n int) {
	if n > 0 {
		e.recallLimit = n
	}
}

// Process runs the full pipeline for one invoice. The learn stage only
// runs when human feedback is supplied; its absence is recorded in the
// audit trail rather than silently skipped.
func (e *Engine) Process(ctx context.Context, inv *invoice.NormalizedInvoice, rawText string, feedback *HumanFeedback) (*OutputContract, error) {
	var trail []AuditEntry

	rec, err := e.Recall(ctx, RecallQuery{
		VendorName:    inv.VendorName,
		InvoiceNumber: inv.InvoiceNumber,
		InvoiceDate:   inv.InvoiceDate,
		RawText:       rawText,
	})
	if err != nil {
		return nil, err
	}
	trail = append(trail, auditEntry("recall", map[string]interface{}{
		"candidates":          len(rec.All),
		"vendor_memories":     len(rec.VendorMemories),
		"correction_memories": len(rec.CorrectionMemories),
		"resolution_memories": len(rec.ResolutionMemories),
		"skipped_legacy":      rec.SkippedLegacy,
		"duplicate_detected":  rec.DuplicateDetected,
	}))

	res := e.Apply(inv, rawText, rec)
	autoApplied := 0
	for _, c := range res.Corrections {
		if c.Applied {
			autoApplied++
		}
	}
	trail = append(trail, auditEntry("apply", map[string]interface{}{
		"corrections":          len(res.Corrections),
		"auto_applied":         autoApplied,
		"aggregate_confidence": res.AggregateConfidence,
	}))

	dec := Decide(res)
	trail = append(trail, auditEntry("decide", map[string]interface{}{
		"requires_human_review": dec.RequiresHumanReview,
		"confidence_score":      dec.ConfidenceScore,
	}))

	updates, learnDetails, err := e.learnFromFeedback(ctx, inv, res, feedback)
	if err != nil {
		return nil, err
	}
	trail = append(trail, auditEntry("learn", learnDetails))

	return &OutputContract{
		Invoice:             res.Invoice,
		Corrections:         res.Corrections,
		RequiresHumanReview: dec.RequiresHumanReview,
		Reasoning:           dec.Reasoning,
		ConfidenceScore:     dec.ConfidenceScore,
		MemoryUpdates:       updates,
		AuditTrail:          trail,
	}, nil
}

// learnFromFeedback walks the proposed corrections, matches each against the
// reviewer's approved/rejected lists and invokes Learn per verdict. Targets
// on neither list produce no learning signal.
func (e *Engine) learnFromFeedback(ctx context.Context, inv *invoice.NormalizedInvoice, res *ApplyResult, feedback *HumanFeedback) ([]MemoryUpdate, map[string]interface{}, error) {
	if feedback == nil {
		return nil, map[string]interface{}{
			"performed": false,
			"reason":    "no human feedback provided",
		}, nil
	}

	approvedSet := toSet(feedback.ApprovedFields)
	rejectedSet := toSet(feedback.RejectedFields)

	var updates []MemoryUpdate
	for _, c := range res.Corrections {
		fieldKey := c.Target.String()

		var approved bool
		switch {
		case approvedSet[fieldKey]:
			approved = true
		case rejectedSet[fieldKey]:
			approved = false
		default:
			continue
		}

		previous := e.contentBefore(ctx, c.MemoryID)

		mem, err := e.Learn(ctx, LearnSignal{
			MemoryID:      c.MemoryID,
			Approved:      &approved,
			Field:         fieldKey,
			Value:         c.ProposedValue,
			VendorName:    inv.VendorName,
			InvoiceNumber: inv.InvoiceNumber,
			InvoiceDate:   inv.InvoiceDate,
		})
		if err != nil {
			return nil, nil, err
		}
		if mem == nil {
			continue
		}

		update := MemoryUpdate{
			MemoryID: mem.ID,
			Field:    fieldKey,
			Action:   ActionCreate,
		}
		if previous != nil {
			update.PreviousConfidence = previous.Confidence
			update.Action = ActionDecay
			if approved {
				update.Action = ActionReinforce
			}
		}
		if current, err := memory.ParseLearned(mem.Content); err == nil {
			update.NewConfidence = current.Confidence
			update.UsageCount = current.UsageCount
		}
		updates = append(updates, update)
	}

	return updates, map[string]interface{}{
		"performed": true,
		"updates":   len(updates),
	}, nil
}

// contentBefore snapshots a memory's parsed payload ahead of a Learn call
// so the confidence delta can be reported. Absent or unparseable memories
// yield nil, which reads as "created this run".
func (e *Engine) contentBefore(ctx context.Context, id string) *memory.LearnedContent {
	if id == "" {
		return nil
	}
	mem, err := e.store.GetByID(ctx, id)
	if err != nil {
		return nil
	}
	content, err := memory.ParseLearned(mem.Content)
	if err != nil {
		return nil
	}
	return content
}

func auditEntry(stage string, details map[string]interface{}) AuditEntry {
	return AuditEntry{Stage: stage, Timestamp: time.Now().UTC(), Details: details}
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
