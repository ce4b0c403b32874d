package models

// Contact is one address-book entry learned from message participants.
// Keyed by the normalized email; the empty key is never stored. Refs
// counts how often the user has addressed the contact, which ranks
// autocomplete.
type Contact struct {
	ID        string `json:"id"`
	AccountID string `json:"aid"`
	Version   int    `json:"v"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	Refs      int    `json:"refs"`
}

// NewContact builds a contact for a normalized email key.
func NewContact(accountID, email, name string) *Contact {
	return &Contact{
		ID:        deterministicID("contact", accountID, email),
		AccountID: accountID,
		Email:     email,
		Name:      name,
	}
}

func (c *Contact) TableName() string      { return TableContact }
func (c *Contact) ModelID() string        { return c.ID }
func (c *Contact) ModelAccountID() string { return c.AccountID }
func (c *Contact) ModelVersion() int      { return c.Version }
func (c *Contact) SetModelVersion(v int)  { c.Version = v }

func (c *Contact) ProjectedColumns() []string { return []string{"email", "refs"} }
func (c *Contact) ProjectedValues() []any     { return []any{c.Email, c.Refs} }

// SearchContent is the text indexed for contact autocomplete.
func (c *Contact) SearchContent() string {
	if c.Name == "" {
		return c.Email
	}
	return c.Name + " " + c.Email
}
