package invoice

// LineItem is a single billed position on an invoice.
type LineItem struct {
	ID          string  `json:"id"`
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	Amount      float64 `json:"amount"`
	SKU         string  `json:"sku,omitempty"`
}

// NormalizedInvoice is the working copy of an extracted invoice.
// Each pipeline run owns exactly one instance; Apply clones before writing.
type NormalizedInvoice struct {
	VendorName            string     `json:"vendor_name"`
	InvoiceNumber         string     `json:"invoice_number"`
	InvoiceDate           string     `json:"invoice_date"`
	ServiceDate           string     `json:"service_date,omitempty"`
	Currency              string     `json:"currency,omitempty"`
	NetAmount             float64    `json:"net_amount"`
	TaxAmount             float64    `json:"tax_amount"`
	GrossAmount           float64    `json:"gross_amount"`
	PaymentTerms          string     `json:"payment_terms,omitempty"`
	PaymentTermsNormalized string     `json:"payment_terms_normalized,omitempty"`
	LineItems             []LineItem `json:"line_items,omitempty"`
}

// Clone returns a deep copy. Line items are copied so the caller's
// slice is never aliased by a pipeline run.
func (inv *NormalizedInvoice) Clone() *NormalizedInvoice {
	out := *inv
	if len(inv.LineItems) > 0 {
		out.LineItems = make([]LineItem, len(inv.LineItems))
		copy(out.LineItems, inv.LineItems)
	}
	return &out
}
