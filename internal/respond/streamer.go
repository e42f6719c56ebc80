// Package respond turns a streamed agent reply into speakable units.
package respond

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxBuffered caps how many characters accumulate without a sentence
// boundary before a unit is forced out.
const DefaultMaxBuffered = 280

// Unit is a sentence-sized slice of the response text. Seq starts at 1 and
// increases strictly; Last marks the end of the source stream. The
// concatenation of all unit texts reproduces the source exactly.
type Unit struct {
	Seq  int
	Text string
	Last bool
}

// Streamer splits streamed text fragments into units at sentence
// boundaries. It is consumed once per turn and is not safe for concurrent
// use.
type Streamer struct {
	maxBuffered int
	pending     string
	seq         int
	flushed     bool
}

func NewStreamer(maxBuffered int) *Streamer {
	if maxBuffered <= 0 {
		maxBuffered = DefaultMaxBuffered
	}
	return &Streamer{maxBuffered: maxBuffered}
}

// Add appends a fragment of source text and returns the units whose
// boundary was reached, in order. Trailing whitespace after terminal
// punctuation stays with the unit it closes.
func (s *Streamer) Add(fragment string) []Unit {
	if s.flushed || fragment == "" {
		return nil
	}

	s.pending += fragment

	var units []Unit
	for {
		cut := boundaryCut(s.pending)
		if cut < 0 {
			if len(s.pending) < s.maxBuffered {
				break
			}
			cut = forcedCut(s.pending, s.maxBuffered)
			if cut <= 0 {
				break
			}
		}
		units = append(units, s.emit(s.pending[:cut], false))
		s.pending = s.pending[cut:]
	}
	return units
}

// Flush ends the stream, returning the final unit flagged Last. The text
// may be empty when the source ended exactly on a boundary; the unit still
// marks the end of the sequence.
func (s *Streamer) Flush() Unit {
	if s.flushed {
		return Unit{Seq: s.seq, Last: true}
	}
	s.flushed = true
	u := s.emit(s.pending, true)
	s.pending = ""
	return u
}

func (s *Streamer) emit(text string, last bool) Unit {
	s.seq++
	return Unit{Seq: s.seq, Text: text, Last: last}
}

// boundaryCut returns the index just past a completed sentence: terminal
// punctuation, optional closing quotes or brackets, then at least one
// whitespace character, which is included. Returns -1 when no boundary has
// completed yet; punctuation at the very end of the buffer waits for the
// next fragment.
func boundaryCut(text string) int {
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c != '.' && c != '!' && c != '?' {
			continue
		}
		if c == '.' && isAbbreviation(text[:i]) {
			continue
		}

		j := i + 1
		for j < len(text) && isClosing(text[j]) {
			j++
		}
		if j >= len(text) {
			return -1
		}
		if !isSpaceByte(text[j]) {
			continue
		}
		for j < len(text) && isSpaceByte(text[j]) {
			j++
		}
		return j
	}
	return -1
}

// forcedCut picks a cut at or below limit: the last whitespace inside the
// window when present, otherwise a rune boundary at the limit.
func forcedCut(text string, limit int) int {
	if len(text) <= limit {
		return len(text)
	}

	window := text[:limit]
	if i := strings.LastIndexFunc(window, unicode.IsSpace); i > 0 {
		_, size := utf8.DecodeRuneInString(text[i:])
		return i + size
	}

	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return cut
}

func isSpaceByte(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isClosing(c byte) bool {
	return c == '"' || c == '\'' || c == ')' || c == ']'
}

var abbreviations = []string{
	"mr", "mrs", "ms", "dr", "prof", "sr", "jr", "st",
	"vs", "etc", "e.g", "i.e", "inc", "ltd", "co",
}

// isAbbreviation reports whether the text before a period ends in a common
// abbreviation or a single-letter initial, where the period does not close
// a sentence.
func isAbbreviation(before string) bool {
	end := len(before)
	start := end
	for start > 0 {
		c := before[start-1]
		if c == ' ' || c == '\t' || c == '\n' {
			break
		}
		start--
	}
	word := strings.ToLower(before[start:end])
	if word == "" {
		return false
	}

	// Single capital letter reads as an initial: "J. Smith".
	if len(word) == 1 && word[0] >= 'a' && word[0] <= 'z' {
		return unicode.IsUpper(rune(before[start]))
	}

	for _, abbr := range abbreviations {
		if word == abbr {
			return true
		}
	}
	return false
}
