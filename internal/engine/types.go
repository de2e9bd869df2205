package engine

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/quivertree/invoicemem/internal/invoice"
	"github.com/quivertree/invoicemem/internal/memory"
)

// Confidence bands. High auto-applies, medium proposes, below medium the
// heuristic stays silent.
const (
	HighConfidence   = 0.8
	MediumConfidence = 0.7

	// ReinforceCeiling caps confidence growth under repeated approval.
	ReinforceCeiling = 0.95

	// matchBonus is added per matching recall signal (vendor, number, date).
	matchBonus = 0.05
)

// Invoice scalar fields a correction can target.
const (
	FieldServiceDate  = "serviceDate"
	FieldTaxAmount    = "taxAmount"
	FieldGrossAmount  = "grossAmount"
	FieldCurrency     = "currency"
	FieldPaymentTerms = "paymentTermsNormalized"
)

// Vendor-memory rule fields that do not map 1:1 onto an invoice scalar.
const (
	FieldVATIncluded = "vatIncluded"
	FieldFreightSKU  = "freightSku"
	FieldSkonto      = "skonto"
)

// Target identifies what a correction writes to: either an invoice scalar
// field, or a field on one line item. Its canonical string form
// ("lineItem:<id>:sku") is what gets persisted and matched in feedback.
type Target struct {
	Field      string `json:"field"`
	LineItemID string `json:"line_item_id,omitempty"`
}

// IsLineItem reports whether the target addresses a line-item field.
func (t Target) IsLineItem() bool { return t.LineItemID != "" }

// String renders the canonical form.
func (t Target) String() string {
	if t.IsLineItem() {
		return "lineItem:" + t.LineItemID + ":" + t.Field
	}
	return t.Field
}

// ParseTarget decodes a canonical target string.
func ParseTarget(s string) Target {
	if rest, ok := strings.CutPrefix(s, "lineItem:"); ok {
		if id, field, ok := strings.Cut(rest, ":"); ok && id != "" && field != "" {
			return Target{Field: field, LineItemID: id}
		}
	}
	return Target{Field: s}
}

// MarshalJSON renders the target as its canonical string.
func (t Target) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON accepts the canonical string form.
func (t *Target) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*t = ParseTarget(s)
	return nil
}

// ScoredMemory pairs a stored memory with its parsed payload and recall
// score. Recall-time only, never persisted.
type ScoredMemory struct {
	Memory  *memory.Memory         `json:"memory"`
	Content *memory.LearnedContent `json:"content"`
	Score   float64                `json:"score"`
}

// RecallQuery selects candidate memories for one invoice.
type RecallQuery struct {
	VendorName    string `json:"vendor_name"`
	InvoiceNumber string `json:"invoice_number"`
	InvoiceDate   string `json:"invoice_date"`
	RawText       string `json:"raw_text,omitempty"`
	Limit         int    `json:"limit,omitempty"`
}

// RecallSummary is the scored, partitioned recall output.
type RecallSummary struct {
	VendorMemories     []ScoredMemory `json:"vendor_memories"`
	CorrectionMemories []ScoredMemory `json:"correction_memories"`
	ResolutionMemories []ScoredMemory `json:"resolution_memories"`
	All                []ScoredMemory `json:"all"`
	DuplicateDetected  bool           `json:"duplicate_detected"`
	DuplicateScore     float64        `json:"duplicate_score,omitempty"`
	DuplicateReason    string         `json:"duplicate_reason,omitempty"`

	// SkippedLegacy counts candidates whose content was not a learned
	// payload. They are inert, not errors.
	SkippedLegacy int `json:"skipped_legacy,omitempty"`
}

// ProposedCorrection is one field-level change produced by Apply.
type ProposedCorrection struct {
	Target        Target  `json:"field"`
	ProposedValue string  `json:"proposed_value"`
	Reason        string  `json:"reason"`
	Confidence    float64 `json:"confidence"`
	MemoryID      string  `json:"memory_id,omitempty"`
	Applied       bool    `json:"applied"`
}

// AppliedMemoryRecord is the audit trace of a memory influencing a field.
type AppliedMemoryRecord struct {
	MemoryID    string  `json:"memory_id"`
	Target      Target  `json:"field"`
	Confidence  float64 `json:"confidence"`
	AutoApplied bool    `json:"auto_applied"`
}

// ApplyResult is Apply's output and Decide's input.
type ApplyResult struct {
	Invoice             *invoice.NormalizedInvoice `json:"normalized_invoice"`
	Corrections         []ProposedCorrection       `json:"proposed_corrections"`
	AppliedMemories     []AppliedMemoryRecord      `json:"applied_memories"`
	AggregateConfidence float64                    `json:"aggregate_confidence"`
	Recall              *RecallSummary             `json:"-"`
}

// Decision is Decide's verdict for one invoice run.
type Decision struct {
	RequiresHumanReview bool    `json:"requires_human_review"`
	ConfidenceScore     float64 `json:"confidence_score"`
	Reasoning           string  `json:"reasoning"`
}

// HumanFeedback lists the correction targets a reviewer approved or
// rejected, in canonical string form. A target on neither list is skipped.
type HumanFeedback struct {
	ApprovedFields []string `json:"approved_fields"`
	RejectedFields []string `json:"rejected_fields"`
}

// MemoryUpdateAction describes what Learn did to a memory.
type MemoryUpdateAction string

const (
	ActionReinforce MemoryUpdateAction = "reinforce"
	ActionDecay     MemoryUpdateAction = "decay"
	ActionCreate    MemoryUpdateAction = "create"
)

// MemoryUpdate is one confidence delta applied during a run.
type MemoryUpdate struct {
	MemoryID           string             `json:"memory_id"`
	Field              string             `json:"field"`
	PreviousConfidence float64            `json:"previous_confidence"`
	NewConfidence      float64            `json:"new_confidence"`
	UsageCount         int                `json:"usage_count"`
	Action             MemoryUpdateAction `json:"action"`
}

// AuditEntry records one pipeline stage for the output contract.
type AuditEntry struct {
	Stage     string                 `json:"stage"` // recall | apply | decide | learn
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// OutputContract is the pipeline's public result for one invoice.
type OutputContract struct {
	Invoice             *invoice.NormalizedInvoice `json:"normalized_invoice"`
	Corrections         []ProposedCorrection       `json:"proposed_corrections"`
	RequiresHumanReview bool                       `json:"requires_human_review"`
	Reasoning           string                     `json:"reasoning"`
	ConfidenceScore     float64                    `json:"confidence_score"`
	MemoryUpdates       []MemoryUpdate             `json:"memory_updates"`
	AuditTrail          []AuditEntry               `json:"audit_trail"`
}
