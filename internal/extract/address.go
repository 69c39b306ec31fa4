package extract

import (
	"runtime"
	"strings"
)

var addressLabels = []string{"Address:", "Address :"}

// lineSeparator is the platform line separator used to rejoin address lines.
var lineSeparator = func() string {
	if runtime.GOOS == "windows" {
		return "\r\n"
	}
	return "\n"
}()

// ExtractAddress cleans address-profile OCR text: the "Address:" labels are
// removed, blank lines dropped and the remaining lines rejoined in order.
// It returns nil when nothing is left.
func ExtractAddress(rawText string) *string {
	text := stripLabels(rawText)

	var kept []string
	for _, line := range splitLines(text) {
		line = strings.Trim(line, " \t")
		if strings.TrimSpace(line) == "" {
			continue
		}
		kept = append(kept, line)
	}
	if len(kept) == 0 {
		return nil
	}

	address := strings.Join(kept, lineSeparator)
	return &address
}

// stripLabels removes labels until none remain, so removals that splice a new
// label together are caught as well.
func stripLabels(text string) string {
	for {
		before := text
		for _, label := range addressLabels {
			text = strings.ReplaceAll(text, label, "")
		}
		if text == before {
			return text
		}
	}
}

func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.Split(text, "\n")
}
