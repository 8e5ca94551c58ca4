package extract

import (
	"regexp"
	"strings"
)

// logLineRe matches one conversation log line: "[timestamp] speaker: message".
var logLineRe = regexp.MustCompile(`^\[([^\]]+)\] ([^:]+): (.*)$`)

// LogMessage is one parsed line of a conversation log.
type LogMessage struct {
	Timestamp string
	Speaker   string
	Text      string
}

// DefaultSpeaker is used when no human participant can be identified in a
// log. Records created under it carry a placeholder name, which later
// extraction is allowed to replace.
const DefaultSpeaker = "User"

// ParseLog parses a conversation log into an ordered message sequence.
// Lines that don't match the log format are skipped; a well-formed line
// following garbage still parses.
func ParseLog(content string) []LogMessage {
	var msgs []LogMessage
	for _, line := range strings.Split(content, "\n") {
		m := logLineRe.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil {
			continue
		}
		msgs = append(msgs, LogMessage{
			Timestamp: strings.TrimSpace(m[1]),
			Speaker:   strings.TrimSpace(m[2]),
			Text:      m[3],
		})
	}
	return msgs
}

// DetectSpeaker identifies the human participant of a log: the most
// frequent speaker label that is not the assistant. Best-effort by nature:
// falls back to DefaultSpeaker when every line belongs to the assistant or
// the log is empty.
func DetectSpeaker(msgs []LogMessage, assistantName string) string {
	counts := map[string]int{}
	for _, m := range msgs {
		if strings.EqualFold(m.Speaker, assistantName) {
			continue
		}
		counts[m.Speaker]++
	}

	best := DefaultSpeaker
	bestCount := 0
	for speaker, n := range counts {
		if n > bestCount {
			best, bestCount = speaker, n
		}
	}
	return best
}

// Transcript renders a message sequence back into plain "speaker: text"
// lines for the completion prompt.
func Transcript(msgs []LogMessage) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.Speaker)
		b.WriteString(": ")
		b.WriteString(m.Text)
		b.WriteString("\n")
	}
	return b.String()
}
