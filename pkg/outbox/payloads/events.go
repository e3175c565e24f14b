package payloads

// EditionChange describes one line item whose edition fields moved in a pass.
type EditionChange struct {
	LineItemID        string `json:"lineItemId"`
	OrderID           string `json:"orderId"`
	Status            string `json:"status"`
	EditionNumber     *int   `json:"editionNumber"`
	EditionTotal      *int   `json:"editionTotal"`
	CertificateIssued bool   `json:"certificateIssued,omitempty"`
}

// EditionsResequencedEvent announces a committed resequencing pass so read
// paths can invalidate cached edition numbers for the product.
type EditionsResequencedEvent struct {
	ProductID string          `json:"productId"`
	Total     int             `json:"total"`
	Changes   []EditionChange `json:"changes"`
}

// OrderSupersededEvent announces that a provisional order record was folded
// into its platform-canonical counterpart.
type OrderSupersededEvent struct {
	OrderName          string   `json:"orderName"`
	ProvisionalOrderID string   `json:"provisionalOrderId"`
	CanonicalOrderID   string   `json:"canonicalOrderId"`
	RekeyedLineItemIDs []string `json:"rekeyedLineItemIds"`
	DroppedLineItemIDs []string `json:"droppedLineItemIds,omitempty"`
}
