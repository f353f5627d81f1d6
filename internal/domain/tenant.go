package domain

// DefaultLocale is used when a tenant has not chosen one.
const DefaultLocale = "pl"

// TenantContext carries per-request tenant information into the flow.
type TenantContext struct {
	TenantID string
	Locale   string
	// Context is an externally built conversational context string passed to enhanced backends.
	Context string
}

// LocaleOrDefault returns the tenant locale, falling back to DefaultLocale.
func (t TenantContext) LocaleOrDefault() string {
	if t.Locale == "" {
		return DefaultLocale
	}
	return t.Locale
}
