package checkout

import (
	"net/mail"
	"strings"
)

// BillingIdentity is the name and email a payment is made under.
type BillingIdentity struct {
	Name  string
	Email string
}

// Validate checks that the name is present and the email is a bare address.
func (b BillingIdentity) Validate() error {
	if strings.TrimSpace(b.Name) == "" {
		return &ValidationError{Field: "name", Message: "name is required"}
	}
	email := strings.TrimSpace(b.Email)
	if email == "" {
		return &ValidationError{Field: "email", Message: "email is required"}
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@"):], ".") {
		return &ValidationError{Field: "email", Message: "email is not a valid address"}
	}
	return nil
}

// normalized returns b with surrounding spaces removed.
func (b BillingIdentity) normalized() BillingIdentity {
	return BillingIdentity{Name: strings.TrimSpace(b.Name), Email: strings.TrimSpace(b.Email)}
}
