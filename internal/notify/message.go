package notify

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Formatter renders event text. Numbers are grouped for the configured
// language.
type Formatter struct {
	printer *message.Printer
}

// NewFormatter creates a Formatter for the given BCP 47 tag. An unparsable
// tag falls back to English.
func NewFormatter(lang string) *Formatter {
	tag, err := language.Parse(lang)
	if err != nil {
		tag = language.English
	}
	return &Formatter{printer: message.NewPrinter(tag)}
}

// Text returns the message body for event.
func (f *Formatter) Text(event Event) string {
	p := f.printer

	switch event.Kind {
	case KindPremiumExpired:
		return "Your premium subscription has expired. Aadhaar and vehicle lookups are locked again."
	case KindPremiumGranted:
		if event.PremiumExpiry != nil {
			return p.Sprintf("Premium activated until %s (UTC).", event.PremiumExpiry.UTC().Format("2006-01-02 15:04"))
		}
		return "Premium activated."
	case KindCreditsAdded:
		return p.Sprintf("%d credits added. Balance: %d credits.", event.CreditsAdded, event.CreditsTotal)
	case KindReferralJoined:
		if event.ReferralsNeeded == 0 {
			return p.Sprintf("A new user joined with your referral link. Pending referrals: %d. Your next bonus batch is ready.", event.PendingReferrals)
		}
		return p.Sprintf("A new user joined with your referral link. Pending referrals: %d. %d more to unlock a bonus batch.", event.PendingReferrals, event.ReferralsNeeded)
	default:
		return string(event.Kind)
	}
}
