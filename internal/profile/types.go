package profile

// Persona is the voice a tenant speaks with (the SCODE). The pipeline only
// reads it.
type Persona struct {
	Register        string   `json:"register" yaml:"register"` // "informal" or "formal"
	Tone            string   `json:"tone" yaml:"tone"`
	VocabularyHints []string `json:"vocabularyHints,omitempty" yaml:"vocabulary_hints"`
	Signature       string   `json:"signature,omitempty" yaml:"signature"`
	DisplayName     string   `json:"displayName,omitempty" yaml:"display_name"`
}

// PriceItem is one line of a tenant's price list.
type PriceItem struct {
	Name        string   `json:"name" yaml:"name"`
	Slug        string   `json:"slug,omitempty" yaml:"slug"`
	Synonyms    []string `json:"synonyms,omitempty" yaml:"synonyms"`
	AmountBRL   float64  `json:"amountBRL" yaml:"amount_brl"`
	DurationMin int      `json:"durationMin,omitempty" yaml:"duration_min"`
}

// FAQEntry is a structured question and answer. Keywords, when set, are
// matched instead of the question text.
type FAQEntry struct {
	Question string   `json:"question" yaml:"question"`
	Answer   string   `json:"answer" yaml:"answer"`
	Keywords []string `json:"keywords,omitempty" yaml:"keywords"`
}

// TenantProfile is the structured configuration of one tenant's business.
type TenantProfile struct {
	TenantID       string      `json:"tenantId" yaml:"id"`
	WhatsApp       string      `json:"whatsapp,omitempty" yaml:"whatsapp"` // business number replies are sent from
	Persona        Persona     `json:"persona" yaml:"persona"`
	Prices         []PriceItem `json:"prices,omitempty" yaml:"prices"`
	FAQ            []FAQEntry  `json:"faq,omitempty" yaml:"faq"`
	BusinessHours  string      `json:"businessHours,omitempty" yaml:"business_hours"`
	BookingLink    string      `json:"bookingLink,omitempty" yaml:"booking_link"`
	ClosingIntents []string    `json:"closingIntents,omitempty" yaml:"closing_intents"`
	Voice          string      `json:"voice,omitempty" yaml:"voice"`
}

// DefaultClosingIntents applies when a profile does not name its own.
var DefaultClosingIntents = []string{"scheduling", "closing"}

// IsClosing reports whether intent belongs to the profile's closing set.
func (p TenantProfile) IsClosing(intent string) bool {
	set := p.ClosingIntents
	if len(set) == 0 {
		set = DefaultClosingIntents
	}
	for _, c := range set {
		if c == intent {
			return true
		}
	}
	return false
}

// Formal reports whether the persona asks for a formal register.
func (p Persona) Formal() bool {
	return p.Register == "formal"
}
