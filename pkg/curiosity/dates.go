package curiosity

import (
	"fmt"
	"regexp"
	"strings"
)

// Date-shaped patterns, tried in order. These are deliberately loose: the
// point is to notice that a date was mentioned, not to parse it.
var datePatterns = []*regexp.Regexp{
	// month-name dates: "March 3", "3rd of March", "Aug 12th"
	regexp.MustCompile(`(?i)\b(?:jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|jun(?:e)?|jul(?:y)?|aug(?:ust)?|sep(?:tember)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)\.? \d{1,2}(?:st|nd|rd|th)?\b`),
	regexp.MustCompile(`(?i)\b\d{1,2}(?:st|nd|rd|th)? (?:of )?(?:jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|jun(?:e)?|jul(?:y)?|aug(?:ust)?|sep(?:tember)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)\b`),
	// numeric dates: "3/14", "14.03.2026", "2026-03-14"
	regexp.MustCompile(`\b\d{4}-\d{1,2}-\d{1,2}\b`),
	regexp.MustCompile(`\b\d{1,2}[/.]\d{1,2}(?:[/.]\d{2,4})?\b`),
	// "on/by" framing: "on Friday", "by next week", "on the 12th"
	regexp.MustCompile(`(?i)\b(?:on|by) (?:mon|tues|wednes|thurs|fri|satur|sun)day\b`),
	regexp.MustCompile(`(?i)\b(?:on|by) (?:next (?:week|month)|tomorrow|the \d{1,2}(?:st|nd|rd|th)?)\b`),
}

// DetectDate scans a message for an explicit date mention and returns the
// matched fragment. False when nothing date-shaped appears.
func DetectDate(text string) (string, bool) {
	for _, re := range datePatterns {
		if m := re.FindString(text); m != "" {
			return strings.TrimSpace(m), true
		}
	}
	return "", false
}

// DateFollowUp offers a one-off question when the message mentions a date.
// This is opportunistic, not goal-driven: it bypasses the cooldown and
// quota machinery entirely and touches no goal state.
func (s *Scheduler) DateFollowUp(text string) (string, bool) {
	mention, ok := DetectDate(text)
	if !ok {
		return "", false
	}
	return fmt.Sprintf("You mentioned %q — is that a date I should remember?", mention), true
}
