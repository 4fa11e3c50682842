package synth

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/keiyaku/internal/model"
)

// FillerLine is repeated inside the inserted "Additional Context" section
// until an under-length body reaches its hard minimum word count.
const FillerLine = "Further intake detail will refine this section as the founder confirms open decisions."

// CountWords counts whitespace-separated words in a body.
func CountWords(body string) int {
	return len(strings.Fields(body))
}

// FitBudget returns body adjusted to land inside [hardMin, hardMax] words.
//
// Under-length bodies gain an "Additional Context" section, inserted before
// "Builder Notes" when that section exists, repeating the filler line until
// the minimum is met. Over-length bodies are hard-truncated to exactly
// hardMax words; truncation may end mid-sentence, an accepted trade-off
// favoring budget compliance over prose quality.
func FitBudget(body string, hardMin, hardMax int) string {
	words := CountWords(body)

	if words < hardMin {
		var filler strings.Builder
		filler.WriteString("## " + model.AdditionalContextHeader + "\n")
		for words < hardMin {
			filler.WriteString(FillerLine + "\n")
			words += CountWords(FillerLine)
		}
		body = insertBeforeBuilderNotes(body, filler.String())
		words = CountWords(body)
	}

	if words > hardMax {
		fields := strings.Fields(body)
		body = strings.Join(fields[:hardMax], " ")
	}

	return body
}

// insertBeforeBuilderNotes places section before the "## Builder Notes"
// header, or appends it when the header is absent.
func insertBeforeBuilderNotes(body, section string) string {
	marker := "## Builder Notes"
	if idx := strings.Index(body, marker); idx >= 0 {
		return body[:idx] + section + "\n" + body[idx:]
	}
	return strings.TrimRight(body, "\n") + "\n\n" + section
}

// bulletLine renders one markdown bullet.
func bulletLine(text string) string {
	return fmt.Sprintf("- %s", text)
}
