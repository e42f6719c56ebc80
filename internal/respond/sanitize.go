package respond

import (
	"regexp"
	"strings"
)

// Sanitizer rules run in a fixed order so that applying Clean to its own
// output changes nothing. Each rule removes structural markup while keeping
// the prose it wraps.
var (
	fencedCodePattern    = regexp.MustCompile("(?s)```.*?```")
	danglingFencePattern = regexp.MustCompile("(?s)```.*$")
	inlineCodePattern    = regexp.MustCompile("`+([^`]*)`+")
	imagePattern         = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	linkPattern          = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	urlPattern           = regexp.MustCompile(`https?://[^\s<>"')\]]+`)
	wwwPattern           = regexp.MustCompile(`\bwww\.[^\s<>"')\]]+`)
	headingPattern       = regexp.MustCompile(`(?m)^[ \t]*#{1,6}[ \t]+`)
	blockquotePattern    = regexp.MustCompile(`(?m)^[ \t]*(>[ \t]?)+`)
	bulletPattern        = regexp.MustCompile(`(?m)^[ \t]*[-*+][ \t]+`)
	orderedListPattern   = regexp.MustCompile(`(?m)^[ \t]*\d{1,3}[.)][ \t]+`)
	ruleLinePattern      = regexp.MustCompile(`(?m)^[ \t]*[-*_]{3,}[ \t]*$`)
	tableSepPattern      = regexp.MustCompile(`(?m)^[ \t]*\|[-:| \t]+\|?[ \t]*$`)
	boldItalicPattern    = regexp.MustCompile(`\*+`)
	doubleUnderPattern   = regexp.MustCompile(`__+`)
	italicUnderPattern   = regexp.MustCompile(`(^|\s)_([^_\n]+)_([\s.,!?;:]|$)`)
	loneUnderPattern     = regexp.MustCompile(`(^|\s)_+(\s|$)`)
	strikePattern        = regexp.MustCompile(`~~([^~]*)~~`)
	hashtagPattern       = regexp.MustCompile(`(^|\s)#[\w-]+`)
	spaceRunPattern      = regexp.MustCompile(`[ \t]{2,}`)
	blankRunPattern      = regexp.MustCompile(`\n{3,}`)
)

// Clean strips markdown and other non-speakable markup from text. It is
// pure and idempotent: Clean(Clean(s)) == Clean(s) for any input, and word
// tokens that are not markup pass through unchanged.
func Clean(text string) string {
	if text == "" {
		return ""
	}

	text = fencedCodePattern.ReplaceAllString(text, " ")
	text = danglingFencePattern.ReplaceAllString(text, " ")
	text = inlineCodePattern.ReplaceAllString(text, "$1")

	text = imagePattern.ReplaceAllString(text, "$1")
	text = linkPattern.ReplaceAllString(text, "$1")
	text = urlPattern.ReplaceAllString(text, "")
	text = wwwPattern.ReplaceAllString(text, "")

	text = headingPattern.ReplaceAllString(text, "")
	text = blockquotePattern.ReplaceAllString(text, "")
	text = bulletPattern.ReplaceAllString(text, "")
	text = orderedListPattern.ReplaceAllString(text, "")
	text = ruleLinePattern.ReplaceAllString(text, "")
	text = tableSepPattern.ReplaceAllString(text, "")

	text = boldItalicPattern.ReplaceAllString(text, "")
	text = doubleUnderPattern.ReplaceAllString(text, "")
	// Twice: adjacent emphasis pairs share the separator the first pass
	// consumes.
	text = italicUnderPattern.ReplaceAllString(text, "$1$2$3")
	text = italicUnderPattern.ReplaceAllString(text, "$1$2$3")
	text = loneUnderPattern.ReplaceAllString(text, " ")
	text = strikePattern.ReplaceAllString(text, "$1")
	text = hashtagPattern.ReplaceAllString(text, "$1")

	text = strings.ReplaceAll(text, "|", " ")
	text = spaceRunPattern.ReplaceAllString(text, " ")
	text = blankRunPattern.ReplaceAllString(text, "\n\n")

	return strings.TrimSpace(text)
}
