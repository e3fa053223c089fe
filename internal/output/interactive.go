package output

import "regexp"

var interactivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\[Y/n\]`),
	regexp.MustCompile(`(?i)\(yes/no\)`),
	regexp.MustCompile(`(?i)password\s*:`),
	regexp.MustCompile(`(?i)\[sudo\]`),
	regexp.MustCompile(`(?i)press any key`),
	regexp.MustCompile(`(?i)press enter`),
	regexp.MustCompile(`(?i)continue\?`),
	regexp.MustCompile(`(?i)proceed\?`),
}

// Labels put in front of monitor updates.
const (
	LabelInteractive = "[action required]"
	LabelUpdated     = "[screen updated]"
)

// DetectInteractivePrompt reports whether text looks like it waits for input:
// confirmations, password and sudo prompts, "press any key" and similar.
func DetectInteractivePrompt(text string) bool {
	for _, re := range interactivePatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// UpdateLabel picks the label for a changed screen.
func UpdateLabel(content string) string {
	if DetectInteractivePrompt(content) {
		return LabelInteractive
	}
	return LabelUpdated
}
