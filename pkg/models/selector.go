package models

// Selector locates a person from partial identity information.
// Fields are tried in order of reliability: ID, Email, Phone, Username, ContactID, MemoryURL, then Name.
type Selector struct {
	ID        string `json:"id,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Username  string `json:"username,omitempty"`
	ContactID string `json:"contact_id,omitempty"`
	MemoryURL string `json:"memory_url,omitempty"`
	Name      string `json:"name,omitempty"`
}

func (s Selector) IsEmpty() bool {
	return s == Selector{}
}

// SelectorField is one exact identity lookup within a selector.
type SelectorField struct {
	Kind  IdentityKind
	Value string
}

// IdentityFields returns the exact-match fields in priority order, skipping empty ones.
func (s Selector) IdentityFields() []SelectorField {
	ordered := []SelectorField{
		{KindEmail, s.Email},
		{KindPhone, s.Phone},
		{KindUsername, s.Username},
		{KindContactID, s.ContactID},
		{KindMemoryURL, s.MemoryURL},
	}
	out := ordered[:0]
	for _, f := range ordered {
		if f.Value != "" {
			out = append(out, f)
		}
	}
	return out
}
