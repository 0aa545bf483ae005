package moderation

import "fmt"

// Standing responses.
const (
	UnsupportedTargetMessage = "I can only block or report someone from a recent meet-up. " +
		"If you met more than one person, add their first name, like \"block Sam\"."
	ReasonMenuMessage = "Sorry that happened. What best describes it? Reply with a letter:\n" +
		"A) Harassment or threats\n" +
		"B) Inappropriate or sexual\n" +
		"C) Made me feel unsafe\n" +
		"D) Something else"
	ClarifierMessage = "I didn't catch that. Reply A, B, C or D, or tell us in your own words what happened."
	BlockedPairMessage = "This conversation can't continue because one of you has blocked the other."
)

// BlockConfirmation confirms a block using the target's first name.
func BlockConfirmation(target Counterpart) string {
	return fmt.Sprintf("Done. You won't be matched with or hear from %s again.", target.DisplayName())
}

// ReportConfirmation confirms a filed report with a short reference.
func ReportConfirmation(incidentID string) string {
	ref := incidentID
	if len(ref) > 8 {
		ref = ref[:8]
	}
	return fmt.Sprintf("Thank you for telling us. Your report has been filed and our safety team will review it. Reference: %s", ref)
}
