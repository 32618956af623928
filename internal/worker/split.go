package worker

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"minutes-relay/internal/domain"
)

// SplitMessage cuts text into chunks of at most limit characters, breaking on
// line boundaries where possible. Lines longer than limit are cut hard.
// The newline at each break point is dropped.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var (
		chunks []string
		cur    strings.Builder
		curLen int
	)
	flush := func() {
		if curLen > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curLen = 0
		}
	}

	for _, line := range strings.Split(text, "\n") {
		lineLen := utf8.RuneCountInString(line)
		for lineLen > limit {
			flush()
			runes := []rune(line)
			chunks = append(chunks, string(runes[:limit]))
			line = string(runes[limit:])
			lineLen -= limit
		}

		need := lineLen
		if curLen > 0 {
			need++
		}
		if curLen+need > limit {
			flush()
			need = lineLen
		}
		if curLen > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(line)
		curLen += need
	}
	flush()
	return chunks
}

// FormatMinutes wraps a generated document in the chat markup used for delivery.
func FormatMinutes(job domain.Job, document string) string {
	var b strings.Builder
	b.WriteString("[info][title]Meeting minutes[/title]\n")
	fmt.Fprintf(&b, "Meeting ID: %s\n", job.WorkID)
	if job.Label != "" {
		fmt.Fprintf(&b, "Topic: %s\n", job.Label)
	}
	b.WriteString("\n")
	b.WriteString(strings.TrimSpace(document))
	b.WriteString("\n[/info]")
	return b.String()
}

// summarize returns the first n characters of s.
func summarize(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "…"
}
