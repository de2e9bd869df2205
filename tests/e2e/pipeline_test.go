package e2e

import (
	"context"
	"testing"

	"github.com/quivertree/invoicemem/internal/engine"
	"github.com/quivertree/invoicemem/internal/invoice"
	"github.com/quivertree/invoicemem/internal/memory"
)

// TestLearnThenRecallLoop drives the full pipeline against real Postgres and
// Redis: a proposed VAT correction is approved once, the learned rule lands
// in the database, and the next run for the same vendor auto-applies it.
func TestLearnThenRecallLoop(t *testing.T) {
	ctx := context.Background()
	inv := &invoice.NormalizedInvoice{
		VendorName:    "Baltic Trade OHG",
		InvoiceNumber: "BT-2024-001",
		InvoiceDate:   "2024-05-02",
		Currency:      "EUR",
		GrossAmount:   238.00,
	}
	rawText := "Rechnungsbetrag 238,00 EUR inkl. MwSt."

	out, err := testEngine.Process(ctx, inv, rawText, nil)
	if err != nil {
		t.Fatalf("first process: %v", err)
	}
	if !out.RequiresHumanReview {
		t.Fatal("first-seen invoice must require review")
	}
	var taxProposal *engine.ProposedCorrection
	for i := range out.Corrections {
		if out.Corrections[i].Target.Field == "taxAmount" {
			taxProposal = &out.Corrections[i]
		}
	}
	if taxProposal == nil || taxProposal.Applied {
		t.Fatalf("expected a pending tax proposal, got %+v", out.Corrections)
	}
	if taxProposal.ProposedValue != "38.00" {
		t.Fatalf("got proposed tax %q, want 38.00", taxProposal.ProposedValue)
	}

	out, err = testEngine.Process(ctx, inv, rawText, &engine.HumanFeedback{
		ApprovedFields: []string{"taxAmount"},
	})
	if err != nil {
		t.Fatalf("feedback process: %v", err)
	}
	if len(out.MemoryUpdates) != 1 || out.MemoryUpdates[0].Action != engine.ActionCreate {
		t.Fatalf("expected a single create update, got %+v", out.MemoryUpdates)
	}
	memID := out.MemoryUpdates[0].MemoryID

	// The learned rule is durably stored and parseable.
	stored, err := testStore.GetByID(ctx, memID)
	if err != nil {
		t.Fatalf("load learned memory: %v", err)
	}
	content, err := memory.ParseLearned(stored.Content)
	if err != nil {
		t.Fatalf("parse learned memory: %v", err)
	}
	if content.Category != memory.CategoryVendor || content.Confidence != 0.8 {
		t.Fatalf("unexpected learned content: %+v", content)
	}

	out, err = testEngine.Process(ctx, inv, rawText, nil)
	if err != nil {
		t.Fatalf("second process: %v", err)
	}
	if out.RequiresHumanReview {
		t.Errorf("learned rule should clear review, reasoning: %s", out.Reasoning)
	}
	if out.Invoice.TaxAmount != 38.00 {
		t.Errorf("got tax %v, want 38.00", out.Invoice.TaxAmount)
	}
}

// TestDuplicateDetectionAcrossRuns records an explicit resolution through
// Learn and verifies the next run for the same invoice is flagged.
func TestDuplicateDetectionAcrossRuns(t *testing.T) {
	ctx := context.Background()
	approved := true

	if _, err := testEngine.Learn(ctx, engine.LearnSignal{
		Approved:         &approved,
		Field:            "serviceDate",
		Value:            "2024-06-01",
		VendorName:       "Nordwind Spedition GmbH",
		InvoiceNumber:    "NW-77",
		InvoiceDate:      "2024-06-03",
		ResolutionStatus: memory.ResolutionApproved,
	}); err != nil {
		t.Fatalf("learn: %v", err)
	}

	out, err := testEngine.Process(ctx, &invoice.NormalizedInvoice{
		VendorName:    "Nordwind Spedition GmbH",
		InvoiceNumber: "NW-77",
		InvoiceDate:   "2024-06-03",
		Currency:      "EUR",
	}, "Rechnung NW-77", nil)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !out.RequiresHumanReview {
		t.Error("resubmitted resolved invoice must require review")
	}
}

// TestGetByIDServedThroughCache exercises the Redis read-through path.
func TestGetByIDServedThroughCache(t *testing.T) {
	ctx := context.Background()
	approved := true

	mem, err := testEngine.Learn(ctx, engine.LearnSignal{
		Approved:   &approved,
		Field:      "paymentTermsNormalized",
		Value:      "14 days 2% discount",
		VendorName: "Cache Probe AG",
	})
	if err != nil {
		t.Fatalf("learn: %v", err)
	}

	// First read fills the cache, second read must agree with it.
	first, err := testStore.GetByID(ctx, mem.ID)
	if err != nil {
		t.Fatalf("first get: %v", err)
	}
	second, err := testStore.GetByID(ctx, mem.ID)
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if first.Content != second.Content || first.ID != second.ID {
		t.Error("cached read diverged from store read")
	}
}
