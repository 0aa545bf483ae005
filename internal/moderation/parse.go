// Package moderation parses block and report commands sent over SMS and derives
// the stable keys used to de-duplicate reports.
package moderation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"safeline/internal/models"
	"safeline/internal/safety"

	"github.com/google/uuid"
)

// CommandKind is a moderation command.
type CommandKind string

// Supported commands.
const (
	CommandBlock  CommandKind = "block"
	CommandReport CommandKind = "report"
)

// Command is a parsed block or report request with an optional name hint.
type Command struct {
	Kind CommandKind
	Hint string
}

var commandPrefixes = []struct {
	prefix string
	kind   CommandKind
}{
	{"i want to block", CommandBlock},
	{"i want to report", CommandReport},
	{"block", CommandBlock},
	{"report", CommandReport},
}

// ParseCommand recognizes "block", "i want to block", "report" and "i want to report",
// case-insensitively with punctuation ignored. Any trailing words become the hint.
func ParseCommand(text string) (Command, bool) {
	normalized := safety.Normalize(text)
	for _, p := range commandPrefixes {
		if normalized == p.prefix {
			return Command{Kind: p.kind}, true
		}
		if strings.HasPrefix(normalized, p.prefix+" ") {
			return Command{Kind: p.kind, Hint: strings.TrimSpace(normalized[len(p.prefix):])}, true
		}
	}
	return Command{}, false
}

var reasonLetters = map[string]models.ReportCategory{
	"a": models.ReportHarassment,
	"b": models.ReportInappropriate,
	"c": models.ReportSafetyConcern,
	"d": models.ReportOther,
}

var reasonKeywords = []struct {
	stem     string
	category models.ReportCategory
}{
	{"harass", models.ReportHarassment},
	{"threat", models.ReportHarassment},
	{"inappropriate", models.ReportInappropriate},
	{"sexual", models.ReportInappropriate},
	{"unsafe", models.ReportSafetyConcern},
	{"scared", models.ReportSafetyConcern},
	{"other", models.ReportOther},
}

// ParseReason maps a reply to the reason menu onto a category. It accepts a bare
// letter (A-D, optionally wrapped as "A)" or "(a)") or a recognizable keyword.
func ParseReason(text string) (models.ReportCategory, bool) {
	normalized := safety.Normalize(text)
	if normalized == "" {
		return "", false
	}
	if cat, ok := reasonLetters[normalized]; ok {
		return cat, true
	}
	if normalized == "something else" {
		return models.ReportOther, true
	}
	for _, tok := range strings.Fields(normalized) {
		for _, kw := range reasonKeywords {
			if strings.HasPrefix(tok, kw.stem) {
				return kw.category, true
			}
		}
	}
	return "", false
}

// Counterpart is a user the sender may act on.
type Counterpart struct {
	UserID    uint
	FirstName string
	LastName  string
}

// DisplayName is the first name or "this person".
func (c Counterpart) DisplayName() string {
	if name := strings.TrimSpace(c.FirstName); name != "" {
		return name
	}
	return "this person"
}

// ConversationContext is the sender's eligible counterparts and the group they share.
type ConversationContext struct {
	GroupID      string
	Counterparts []Counterpart
}

// ResolveTarget picks the single counterpart a command refers to. Without a hint
// there must be exactly one counterpart; with a hint exactly one counterpart's
// first, last or full name must contain it.
func ResolveTarget(counterparts []Counterpart, hint string) (Counterpart, bool) {
	hint = strings.ToLower(strings.TrimSpace(hint))
	if hint == "" {
		if len(counterparts) == 1 {
			return counterparts[0], true
		}
		return Counterpart{}, false
	}

	var found []Counterpart
	for _, c := range counterparts {
		first := strings.ToLower(strings.TrimSpace(c.FirstName))
		last := strings.ToLower(strings.TrimSpace(c.LastName))
		full := strings.TrimSpace(first + " " + last)
		if (first != "" && strings.Contains(first, hint)) ||
			(last != "" && strings.Contains(last, hint)) ||
			(full != "" && strings.Contains(full, hint)) {
			found = append(found, c)
		}
	}
	if len(found) != 1 {
		return Counterpart{}, false
	}
	return found[0], true
}

var promptNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("safeline.report-prompt"))

// PromptToken derives the report prompt token from the inbound message that opened it.
func PromptToken(providerMessageID string) string {
	return uuid.NewSHA1(promptNamespace, []byte(providerMessageID)).String()
}

// IncidentKey is the idempotency key for a report: one incident per reporter,
// reported user, group, category and UTC day.
func IncidentKey(reporterID, reportedID uint, groupID string, category models.ReportCategory, at time.Time) string {
	raw := fmt.Sprintf("%d|%d|%s|%s|%s", reporterID, reportedID, groupID, category, at.UTC().Format("2006-01-02"))
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
