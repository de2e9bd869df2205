package memory

import (
	"encoding/json"
	"errors"
	"time"
)

// Kind classifies how long a memory is meant to live.
type Kind string

const (
	KindEphemeral Kind = "ephemeral"
	KindLongTerm  Kind = "long_term"
	KindSystem    Kind = "system"
)

// Category tags the learned payload inside a memory record.
type Category string

const (
	CategoryVendor     Category = "vendor"     // reusable rule scoped to one supplier
	CategoryCorrection Category = "correction" // single human-approved field fix
	CategoryResolution Category = "resolution" // historical disposition, duplicate detection only
	CategoryDuplicate  Category = "duplicate"
)

// ResolutionStatus is the human disposition recorded on a resolution memory.
type ResolutionStatus string

const (
	ResolutionApproved ResolutionStatus = "approved"
	ResolutionRejected ResolutionStatus = "rejected"
)

// Memory is the durable record owned by the store. Content carries an
// opaque JSON payload; learned memories serialize LearnedContent there.
type Memory struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Content   string    `json:"content"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LearnedContent is the structured payload of a learned memory.
type LearnedContent struct {
	Category         Category               `json:"category"`
	VendorName       string                 `json:"vendor_name,omitempty"`
	InvoiceNumber    string                 `json:"invoice_number,omitempty"`
	InvoiceDate      string                 `json:"invoice_date,omitempty"`
	Field            string                 `json:"field,omitempty"`
	Pattern          string                 `json:"pattern,omitempty"`
	ResolutionStatus ResolutionStatus       `json:"resolution_status,omitempty"`
	Confidence       float64                `json:"confidence"`
	UsageCount       int                    `json:"usage_count"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// ProposedValue returns the replacement value this memory supplies, if any.
func (c *LearnedContent) ProposedValue() (string, bool) {
	if c.Metadata == nil {
		return "", false
	}
	v, ok := c.Metadata["proposedValue"].(string)
	return v, ok && v != ""
}

// ErrNotLearned marks content that is not a learned-memory payload:
// malformed JSON, or a payload missing category/confidence/usage_count.
// Legacy and foreign records hit this path; it is not a failure.
var ErrNotLearned = errors.New("memory: content is not a learned payload")

// ParseLearned decodes a memory's content as LearnedContent. Payloads that
// do not carry the required category, confidence and usage_count fields
// return ErrNotLearned so callers can treat them as inert.
func ParseLearned(content string) (*LearnedContent, error) {
	var probe struct {
		Category   *Category `json:"category"`
		Confidence *float64  `json:"confidence"`
		UsageCount *int      `json:"usage_count"`
	}
	if err := json.Unmarshal([]byte(content), &probe); err != nil {
		return nil, ErrNotLearned
	}
	if probe.Category == nil || probe.Confidence == nil || probe.UsageCount == nil {
		return nil, ErrNotLearned
	}

	var lc LearnedContent
	if err := json.Unmarshal([]byte(content), &lc); err != nil {
		return nil, ErrNotLearned
	}
	lc.Confidence = Clamp01(lc.Confidence)
	if lc.UsageCount < 0 {
		lc.UsageCount = 0
	}
	return &lc, nil
}

// Encode serializes the payload for storage in Memory.Content.
func (c *LearnedContent) Encode() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Clamp01 caps a confidence-like value to [0, 1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
