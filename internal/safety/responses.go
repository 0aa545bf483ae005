package safety

import "strings"

// Locale selects crisis resources by the sender's country.
type Locale string

// Supported locales.
const (
	LocaleUS Locale = "us"
	LocaleUK Locale = "uk"
	LocaleAU Locale = "au"
)

// Canned responses.
const (
	HoldResponse      = "Your account is under review and messaging is paused. Our team will follow up with you."
	RateLimitResponse = "You're sending messages too fast. Please wait a minute and try again."
)

var crisisResponses = map[Locale]string{
	LocaleUS: "It sounds like you're going through something really hard, and you don't have to face it alone. " +
		"Call or text 988 (Suicide & Crisis Lifeline) any time, or call 911 if you're in immediate danger.",
	LocaleUK: "It sounds like you're going through something really hard, and you don't have to face it alone. " +
		"Call Samaritans free on 116 123 any time, or call 999 if you're in immediate danger.",
	LocaleAU: "It sounds like you're going through something really hard, and you don't have to face it alone. " +
		"Call Lifeline on 13 11 14 any time, or call 000 if you're in immediate danger.",
}

var severityResponses = map[Severity]string{
	SeverityLow:    "Let's keep things friendly.",
	SeverityMedium: "That message goes against our community guidelines. Please keep conversations respectful.",
	SeverityHigh:   "That message was flagged as threatening. Further violations will pause your account.",
}

// LocaleForPhone maps an E.164 number to a locale. Unknown prefixes use US resources.
func LocaleForPhone(phone string) Locale {
	p := strings.TrimSpace(phone)
	switch {
	case strings.HasPrefix(p, "+44"):
		return LocaleUK
	case strings.HasPrefix(p, "+61"):
		return LocaleAU
	default:
		return LocaleUS
	}
}

// CrisisResponse returns the crisis-resources message for locale.
func CrisisResponse(locale Locale) string {
	if msg, ok := crisisResponses[locale]; ok {
		return msg
	}
	return crisisResponses[LocaleUS]
}

// SeverityResponse returns the intercept text for a non-crisis tier.
func SeverityResponse(sev Severity) string {
	return severityResponses[sev]
}
