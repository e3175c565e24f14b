package editions

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/edition-ledger/pkg/db/models"
)

// Issuer stamps write-once certificate identities onto line items.
type Issuer struct {
	baseURL string
	now     func() time.Time
	token   func() string
}

// IssuerOption customizes an Issuer.
type IssuerOption func(*Issuer)

// WithClock overrides the issuance clock.
func WithClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) {
		if now != nil {
			i.now = now
		}
	}
}

// WithTokenSource overrides random token generation.
func WithTokenSource(token func() string) IssuerOption {
	return func(i *Issuer) {
		if token != nil {
			i.token = token
		}
	}
}

// NewIssuer builds an issuer whose certificate URLs live under baseURL.
func NewIssuer(baseURL string, opts ...IssuerOption) (*Issuer, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse certificate base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("certificate base url must be absolute, got %q", baseURL)
	}
	i := &Issuer{
		baseURL: strings.TrimRight(parsed.String(), "/"),
		now:     time.Now,
		token:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// URLFor returns the certificate URL for a line item id.
func (i *Issuer) URLFor(lineItemID string) string {
	return i.baseURL + "/" + url.PathEscape(lineItemID)
}

// Issue assigns a certificate when the item has none and reports whether it did.
// An existing certificate is never touched.
func (i *Issuer) Issue(item *models.LedgerLineItem) bool {
	if item == nil || item.HasCertificate() {
		return false
	}
	token := i.token()
	link := i.URLFor(item.LineItemID)
	issuedAt := i.now().UTC()
	item.CertificateToken = &token
	item.CertificateURL = &link
	item.CertificateIssuedAt = &issuedAt
	return true
}
