package engine

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/quivertree/invoicemem/internal/invoice"
	"go.uber.org/zap"
)

// defaultHeuristicConfidence is used when a heuristic fires on textual
// evidence alone, with no vendor memory backing it. Medium band: the
// correction is proposed, never auto-applied.
const defaultHeuristicConfidence = 0.75

// currencyDetectConfidence applies when a currency token is found directly
// in the document text. High band: direct textual evidence.
const currencyDetectConfidence = 0.85

// vatRate is the German standard rate backed into gross amounts.
const vatRate = 1.19

// vatIncludedPhrases mark a gross total that already contains VAT.
var vatIncludedPhrases = []string{
	"mwst. inkl",
	"mwst inkl",
	"inkl. mwst",
	"inkl mwst",
	"prices incl. vat",
	"incl. vat",
	"including vat",
}

// freightTokens mark a line item as a freight position.
var freightTokens = []string{"seefracht", "shipping", "fracht", "freight"}

// defaultFreightSKU is proposed when no vendor memory supplies one.
const defaultFreightSKU = "FREIGHT"

var skontoPercentRe = regexp.MustCompile(`(\d{1,2})\s?%`)

// fillableFields lists invoice scalar fields that may be filled from a
// vendor memory when the extraction left them empty.
var fillableFields = []struct {
	field string
	empty func(*invoice.NormalizedInvoice) bool
	set   func(*invoice.NormalizedInvoice, string)
}{
	{
		field: FieldServiceDate,
		empty: func(inv *invoice.NormalizedInvoice) bool { return inv.ServiceDate == "" },
		set:   func(inv *invoice.NormalizedInvoice, v string) { inv.ServiceDate = v },
	},
}

// Apply runs every correction heuristic over a cloned invoice. The caller's
// invoice is never touched; high-band corrections are written into the
// clone, medium-band ones are proposed only.
func (e *Engine) Apply(inv *invoice.NormalizedInvoice, rawText string, rec *RecallSummary) *ApplyResult {
	a := &applier{
		inv:    inv.Clone(),
		lower:  strings.ToLower(rawText),
		recall: rec,
		result: &ApplyResult{},
	}

	a.fillMissingFields()
	a.detectVATIncluded()
	a.inferCurrency(rawText)
	a.mapFreightSKUs()
	a.normalizeSkontoTerms()

	e.logger.Debug("apply complete",
		zap.String("vendor", inv.VendorName),
		zap.Int("corrections", len(a.result.Corrections)),
		zap.Float64("aggregate_confidence", a.result.AggregateConfidence))

	a.result.Invoice = a.inv
	a.result.Recall = rec
	return a.result
}

// applier carries the working state of one Apply pass.
type applier struct {
	inv    *invoice.NormalizedInvoice
	lower  string
	recall *RecallSummary
	result *ApplyResult
}

// emit applies confidence-band logic for one candidate correction.
// High band writes the value (via apply) and marks it applied; medium band
// proposes only; below medium nothing is emitted.
func (a *applier) emit(target Target, value, reason string, confidence float64, memoryID string, apply func()) {
	if confidence < MediumConfidence {
		return
	}

	applied := confidence >= HighConfidence
	if applied {
		apply()
	}
	a.result.Corrections = append(a.result.Corrections, ProposedCorrection{
		Target:        target,
		ProposedValue: value,
		Reason:        reason,
		Confidence:    confidence,
		MemoryID:      memoryID,
		Applied:       applied,
	})
	if memoryID != "" {
		a.result.AppliedMemories = append(a.result.AppliedMemories, AppliedMemoryRecord{
			MemoryID:    memoryID,
			Target:      target,
			Confidence:  confidence,
			AutoApplied: applied,
		})
	}
	if confidence > a.result.AggregateConfidence {
		a.result.AggregateConfidence = confidence
	}
}

// vendorMemoryFor returns the highest-scored vendor memory governing the
// given rule field, if any. The vendor bucket is already sorted descending.
func (a *applier) vendorMemoryFor(field string) *ScoredMemory {
	if a.recall == nil {
		return nil
	}
	for i := range a.recall.VendorMemories {
		if a.recall.VendorMemories[i].Content.Field == field {
			return &a.recall.VendorMemories[i]
		}
	}
	return nil
}

// fillMissingFields fills declared scalar fields from vendor memories that
// carry a proposed value.
func (a *applier) fillMissingFields() {
	for _, f := range fillableFields {
		if !f.empty(a.inv) {
			continue
		}
		mem := a.vendorMemoryFor(f.field)
		if mem == nil {
			continue
		}
		value, ok := mem.Content.ProposedValue()
		if !ok {
			continue
		}
		field, set := f.field, f.set
		a.emit(Target{Field: field}, value,
			fmt.Sprintf("Vendor memory supplies %s", field),
			mem.Score, mem.Memory.ID,
			func() { set(a.inv, value) })
	}
}

// detectVATIncluded recomputes the tax amount when the document text states
// that the gross total already includes VAT.
func (a *applier) detectVATIncluded() {
	if a.inv.GrossAmount <= 0 || !containsAny(a.lower, vatIncludedPhrases) {
		return
	}

	confidence := defaultHeuristicConfidence
	memoryID := ""
	if mem := a.vendorMemoryFor(FieldVATIncluded); mem != nil {
		confidence = mem.Score
		memoryID = mem.Memory.ID
	}

	gross := a.inv.GrossAmount
	tax := round2(gross - gross/vatRate)
	a.emit(Target{Field: FieldTaxAmount}, formatAmount(tax),
		"Document text indicates gross total includes VAT",
		confidence, memoryID,
		func() {
			a.inv.TaxAmount = tax
			a.inv.GrossAmount = round2(gross)
		})
}

// inferCurrency fills an empty currency from a token in the document text,
// falling back to a vendor memory.
func (a *applier) inferCurrency(rawText string) {
	if a.inv.Currency != "" {
		return
	}

	if code, ok := detectCurrency(rawText); ok {
		a.emit(Target{Field: FieldCurrency}, code,
			"Currency token detected in document text",
			currencyDetectConfidence, "",
			func() { a.inv.Currency = code })
		return
	}

	mem := a.vendorMemoryFor(FieldCurrency)
	if mem == nil {
		return
	}
	code, ok := mem.Content.ProposedValue()
	if !ok {
		return
	}
	a.emit(Target{Field: FieldCurrency}, code,
		"Vendor memory supplies the invoice currency",
		mem.Score, mem.Memory.ID,
		func() { a.inv.Currency = code })
}

// mapFreightSKUs proposes a SKU for every line item that reads like a
// freight position.
func (a *applier) mapFreightSKUs() {
	for i := range a.inv.LineItems {
		item := &a.inv.LineItems[i]
		if item.SKU != "" || !containsAny(strings.ToLower(item.Description), freightTokens) {
			continue
		}

		confidence := defaultHeuristicConfidence
		memoryID := ""
		sku := defaultFreightSKU
		if mem := a.vendorMemoryFor(FieldFreightSKU); mem != nil {
			confidence = mem.Score
			memoryID = mem.Memory.ID
			if v, ok := mem.Content.ProposedValue(); ok {
				sku = v
			}
		}

		idx := i
		value := sku
		a.emit(Target{Field: "sku", LineItemID: item.ID}, value,
			fmt.Sprintf("Line item %q reads like a freight position", item.Description),
			confidence, memoryID,
			func() { a.inv.LineItems[idx].SKU = value })
	}
}

// normalizeSkontoTerms extracts cash-discount terms from the document text
// and writes them to the normalized payment terms field.
func (a *applier) normalizeSkontoTerms() {
	idx := strings.Index(a.lower, "skonto")
	if idx < 0 {
		return
	}

	// Look for a percentage near the match.
	start := idx - 40
	if start < 0 {
		start = 0
	}
	end := idx + 80
	if end > len(a.lower) {
		end = len(a.lower)
	}
	window := a.lower[start:end]

	terms := "Skonto terms detected"
	if m := skontoPercentRe.FindStringSubmatch(window); m != nil {
		terms = m[1] + "% skonto detected"
	}

	confidence := defaultHeuristicConfidence
	memoryID := ""
	value := terms
	if mem := a.vendorMemoryFor(FieldSkonto); mem != nil {
		confidence = mem.Score
		memoryID = mem.Memory.ID
		if v, ok := mem.Content.ProposedValue(); ok {
			value = v
		}
	}

	a.emit(Target{Field: FieldPaymentTerms}, value,
		"Cash discount terms found in document text",
		confidence, memoryID,
		func() { a.inv.PaymentTermsNormalized = value })
}

// currencyTokens maps textual evidence to ISO codes, checked in order.
var currencyTokens = []struct {
	token string
	code  string
}{
	{"eur", "EUR"},
	{"€", "EUR"},
	{"usd", "USD"},
	{"$", "USD"},
	{"chf", "CHF"},
	{"gbp", "GBP"},
	{"£", "GBP"},
}

// detectCurrency finds the first currency token or symbol in the text.
func detectCurrency(rawText string) (string, bool) {
	lower := strings.ToLower(rawText)
	for _, ct := range currencyTokens {
		if strings.Contains(lower, ct.token) {
			return ct.code, true
		}
	}
	return "", false
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
