package extract

import (
	"fmt"
	"strings"
)

var sections = []string{
	"Main topics discussed",
	"Patient problems and concerns",
	"Feelings and emotions expressed",
	"Suggestions and approaches raised",
	"Important points for the next sessions",
}

// BuildPrompt wraps a transcript in the extraction instructions. The answer
// language defaults to Persian.
func BuildPrompt(transcript, language string) string {
	if language == "" {
		language = "Persian"
	}
	var b strings.Builder
	b.WriteString("Extract the following important information from this psychotherapy session transcript ")
	b.WriteString("and present it as a concise, structured summary:\n\n")
	for i, s := range sections {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}
	b.WriteString("\nTranscript:\n")
	b.WriteString(transcript)
	fmt.Fprintf(&b, "\n\nAnswer in %s, organized so the clinician can use it directly.", language)
	return b.String()
}
