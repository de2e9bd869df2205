package engine

import (
	"context"
	"testing"

	"github.com/quivertree/invoicemem/internal/invoice"
	"github.com/quivertree/invoicemem/internal/memory"
)

func findCorrection(t *testing.T, out *OutputContract, target string) *ProposedCorrection {
	t.Helper()
	for i := range out.Corrections {
		if out.Corrections[i].Target.String() == target {
			return &out.Corrections[i]
		}
	}
	t.Fatalf("no correction for %s in %+v", target, out.Corrections)
	return nil
}

// Scenario A: the VAT learn loop. A proposed tax correction becomes an
// auto-applied one after a single human approval.
func TestProcessVATLearnLoop(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	inv := &invoice.NormalizedInvoice{
		VendorName:    "Acme GmbH",
		InvoiceNumber: "RE-1001",
		InvoiceDate:   "2024-03-10",
		Currency:      "EUR",
		GrossAmount:   119.00,
	}
	rawText := "Gesamt 119,00 inkl. MwSt."

	// First pass: no prior memory, the VAT heuristic proposes at 0.75.
	out, err := eng.Process(ctx, inv, rawText, nil)
	if err != nil {
		t.Fatalf("first process: %v", err)
	}
	c := findCorrection(t, out, FieldTaxAmount)
	if c.Applied || !closeTo(c.Confidence, 0.75) || c.ProposedValue != "19.00" {
		t.Fatalf("unexpected first-pass correction: %+v", c)
	}
	if !out.RequiresHumanReview {
		t.Fatal("first pass must require review")
	}

	// Human approves the tax correction; the engine learns a vendor rule.
	out, err = eng.Process(ctx, inv, rawText, &HumanFeedback{
		ApprovedFields: []string{FieldTaxAmount},
	})
	if err != nil {
		t.Fatalf("feedback process: %v", err)
	}
	if len(out.MemoryUpdates) != 1 {
		t.Fatalf("got %d memory updates, want 1", len(out.MemoryUpdates))
	}
	u := out.MemoryUpdates[0]
	if u.Action != ActionCreate || u.NewConfidence != 0.8 || u.UsageCount != 1 {
		t.Fatalf("unexpected memory update: %+v", u)
	}

	// Second pass: the learned rule recalls with match bonuses and
	// auto-applies; the invoice clears review.
	out, err = eng.Process(ctx, inv, rawText, nil)
	if err != nil {
		t.Fatalf("second process: %v", err)
	}
	c = findCorrection(t, out, FieldTaxAmount)
	if !c.Applied {
		t.Fatalf("learned VAT rule did not auto-apply: %+v", c)
	}
	if out.Invoice.TaxAmount != 19.00 {
		t.Errorf("got tax %v, want 19.00", out.Invoice.TaxAmount)
	}
	if out.RequiresHumanReview {
		t.Errorf("second pass should clear review, reasoning: %s", out.Reasoning)
	}
}

// Scenario B: a high-confidence vendor memory fills an empty service date.
func TestProcessFillsServiceDateFromVendorMemory(t *testing.T) {
	eng, s := newTestEngine(t)
	seedLearned(t, s, "m1", &memory.LearnedContent{
		Category:   memory.CategoryVendor,
		VendorName: "Acme GmbH",
		Field:      FieldServiceDate,
		Confidence: 0.85,
		UsageCount: 3,
		Metadata:   map[string]interface{}{"proposedValue": "2024-03-01"},
	})

	inv := &invoice.NormalizedInvoice{
		VendorName:    "Acme GmbH",
		InvoiceNumber: "RE-2002",
		InvoiceDate:   "2024-03-10",
		Currency:      "EUR",
	}
	out, err := eng.Process(context.Background(), inv, "Rechnung RE-2002", nil)
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	c := findCorrection(t, out, FieldServiceDate)
	if !c.Applied || c.MemoryID != "m1" {
		t.Fatalf("unexpected correction: %+v", c)
	}
	if out.Invoice.ServiceDate != "2024-03-01" {
		t.Errorf("got service date %q, want 2024-03-01", out.Invoice.ServiceDate)
	}
	if inv.ServiceDate != "" {
		t.Error("caller's invoice was mutated")
	}
	if out.RequiresHumanReview {
		t.Errorf("high-band fill should clear review, reasoning: %s", out.Reasoning)
	}
}

// Scenario C: a freight line item with no prior memory yields a
// medium-band SKU proposal.
func TestProcessProposesFreightSKUWithoutMemory(t *testing.T) {
	eng, _ := newTestEngine(t)

	inv := &invoice.NormalizedInvoice{
		VendorName:    "Hansecargo Logistik GmbH",
		InvoiceNumber: "RE-3003",
		InvoiceDate:   "2024-04-02",
		Currency:      "EUR",
		LineItems: []invoice.LineItem{
			{ID: "1", Description: "Seefracht Hamburg-Rotterdam", Amount: 450},
		},
	}
	out, err := eng.Process(context.Background(), inv, "Rechnung RE-3003", nil)
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	c := findCorrection(t, out, "lineItem:1:sku")
	if c.Applied || c.ProposedValue != "FREIGHT" || !closeTo(c.Confidence, 0.75) {
		t.Fatalf("unexpected correction: %+v", c)
	}
	if out.Invoice.LineItems[0].SKU != "" {
		t.Error("proposed-only SKU was written")
	}
	if !out.RequiresHumanReview {
		t.Error("medium-band proposal must require review")
	}
}

func TestProcessDuplicateForcesReview(t *testing.T) {
	eng, s := newTestEngine(t)
	seedLearned(t, s, "r1", &memory.LearnedContent{
		Category:      memory.CategoryResolution,
		VendorName:    "Acme GmbH",
		InvoiceNumber: "RE-1001",
		InvoiceDate:   "2024-03-09",
		Confidence:    0.8,
		UsageCount:    1,
	})

	inv := &invoice.NormalizedInvoice{
		VendorName:    "Acme GmbH",
		InvoiceNumber: "RE-1001",
		InvoiceDate:   "2024-03-10",
		Currency:      "EUR",
	}
	out, err := eng.Process(context.Background(), inv, "Rechnung RE-1001", nil)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !out.RequiresHumanReview {
		t.Error("duplicate detection must force review")
	}
}

func TestProcessAuditTrailCoversAllStages(t *testing.T) {
	eng, _ := newTestEngine(t)

	inv := &invoice.NormalizedInvoice{
		VendorName:    "Acme GmbH",
		InvoiceNumber: "RE-1001",
		Currency:      "EUR",
	}
	out, err := eng.Process(context.Background(), inv, "", nil)
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	want := []string{"recall", "apply", "decide", "learn"}
	if len(out.AuditTrail) != len(want) {
		t.Fatalf("got %d audit entries, want %d", len(out.AuditTrail), len(want))
	}
	for i, stage := range want {
		if out.AuditTrail[i].Stage != stage {
			t.Errorf("audit[%d] = %s, want %s", i, out.AuditTrail[i].Stage, stage)
		}
	}

	// No feedback: the learn entry is explicit about not learning.
	learn := out.AuditTrail[3]
	if performed, _ := learn.Details["performed"].(bool); performed {
		t.Error("learn stage should report performed=false without feedback")
	}
	if learn.Details["reason"] != "no human feedback provided" {
		t.Errorf("unexpected learn details: %v", learn.Details)
	}
}

func TestProcessSkipsFieldsWithoutVerdict(t *testing.T) {
	eng, s := newTestEngine(t)

	inv := &invoice.NormalizedInvoice{
		VendorName:    "Acme GmbH",
		InvoiceNumber: "RE-1001",
		Currency:      "EUR",
		GrossAmount:   119.00,
		LineItems: []invoice.LineItem{
			{ID: "1", Description: "Seefracht", Amount: 50},
		},
	}
	rawText := "inkl. MwSt."

	// Two proposals (taxAmount, lineItem:1:sku); feedback only covers one.
	out, err := eng.Process(context.Background(), inv, rawText, &HumanFeedback{
		ApprovedFields: []string{FieldTaxAmount},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out.Corrections) != 2 {
		t.Fatalf("got %d corrections, want 2", len(out.Corrections))
	}
	if len(out.MemoryUpdates) != 1 {
		t.Fatalf("got %d memory updates, want 1", len(out.MemoryUpdates))
	}
	if out.MemoryUpdates[0].Field != FieldTaxAmount {
		t.Errorf("learned the wrong field: %s", out.MemoryUpdates[0].Field)
	}
	if s.Len() != 1 {
		t.Errorf("got %d stored memories, want 1", s.Len())
	}
}

func TestProcessRejectionDecaysConfidence(t *testing.T) {
	eng, s := newTestEngine(t)
	seedLearned(t, s, "m1", &memory.LearnedContent{
		Category:   memory.CategoryVendor,
		VendorName: "Acme GmbH",
		Field:      FieldServiceDate,
		Confidence: 0.7,
		UsageCount: 2,
		Metadata:   map[string]interface{}{"proposedValue": "2024-03-01"},
	})

	inv := &invoice.NormalizedInvoice{
		VendorName:    "Acme GmbH",
		InvoiceNumber: "RE-1001",
		Currency:      "EUR",
	}
	// Score 0.75 with the vendor bonus: proposed, not applied.
	out, err := eng.Process(context.Background(), inv, "", &HumanFeedback{
		RejectedFields: []string{FieldServiceDate},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out.MemoryUpdates) != 1 {
		t.Fatalf("got %d memory updates, want 1", len(out.MemoryUpdates))
	}
	u := out.MemoryUpdates[0]
	if u.Action != ActionDecay {
		t.Errorf("got action %s, want decay", u.Action)
	}
	if !closeTo(u.PreviousConfidence, 0.7) || !closeTo(u.NewConfidence, 0.65) {
		t.Errorf("got %v -> %v, want 0.7 -> 0.65", u.PreviousConfidence, u.NewConfidence)
	}
}

func TestProcessReinforceActionOnApproval(t *testing.T) {
	eng, s := newTestEngine(t)
	seedLearned(t, s, "m1", &memory.LearnedContent{
		Category:   memory.CategoryVendor,
		VendorName: "Acme GmbH",
		Field:      FieldServiceDate,
		Confidence: 0.7,
		UsageCount: 2,
		Metadata:   map[string]interface{}{"proposedValue": "2024-03-01"},
	})

	inv := &invoice.NormalizedInvoice{
		VendorName:    "Acme GmbH",
		InvoiceNumber: "RE-1001",
		Currency:      "EUR",
	}
	out, err := eng.Process(context.Background(), inv, "", &HumanFeedback{
		ApprovedFields: []string{FieldServiceDate},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	u := out.MemoryUpdates[0]
	if u.Action != ActionReinforce || u.MemoryID != "m1" {
		t.Errorf("unexpected update: %+v", u)
	}
	if !closeTo(u.NewConfidence, 0.75) {
		t.Errorf("got new confidence %v, want 0.75", u.NewConfidence)
	}
}
