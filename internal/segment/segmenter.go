// Package segment splits an incrementally generated reply into sentences
// that can be spoken as soon as they are complete.
package segment

import (
	"strings"
	"unicode"
)

// Segmenter accumulates text fragments and emits complete sentences. A
// sentence ends at '.', '!' or '?' followed by whitespace; a terminator at
// the very end of the buffer is held back since the next fragment may
// continue it ("3." followed by "14").
//
// The zero value is ready to use. A Segmenter is not safe for concurrent use.
type Segmenter struct {
	tail    string
	emitted strings.Builder
}

// Feed appends fragment to the held tail and returns the sentences it
// completed, in input order. Returned sentences are trimmed of surrounding
// whitespace.
func (s *Segmenter) Feed(fragment string) []string {
	if fragment == "" {
		return nil
	}
	s.tail += fragment

	var sentences []string
	for {
		end, next := boundary(s.tail)
		if end < 0 {
			break
		}
		if sentence := strings.TrimSpace(s.tail[:end]); sentence != "" {
			sentences = append(sentences, sentence)
		}
		s.emitted.WriteString(s.tail[:next])
		s.tail = s.tail[next:]
	}
	return sentences
}

// Flush returns the held tail as a final sentence and empties the buffer.
// ok is false when nothing but whitespace was pending.
func (s *Segmenter) Flush() (sentence string, ok bool) {
	raw := s.tail
	s.tail = ""
	s.emitted.WriteString(raw)
	sentence = strings.TrimSpace(raw)
	return sentence, sentence != ""
}

// Pending returns the text that has not been classified yet.
func (s *Segmenter) Pending() string {
	return s.tail
}

// Emitted returns the raw text consumed by emitted sentences, including the
// whitespace that separated them. Emitted()+Pending() always equals the
// concatenation of every fed fragment.
func (s *Segmenter) Emitted() string {
	return s.emitted.String()
}

// Reset discards all state.
func (s *Segmenter) Reset() {
	s.tail = ""
	s.emitted.Reset()
}

// boundary finds the first sentence end in text. end is the index just past
// the terminator run; next is the index past the whitespace that follows it.
// Both are -1 when text holds no complete sentence.
func boundary(text string) (end, next int) {
	prevTerminator := false
	for i, r := range text {
		if prevTerminator && unicode.IsSpace(r) {
			end = i
			next = i
			for _, ws := range text[i:] {
				if !unicode.IsSpace(ws) {
					break
				}
				next += len(string(ws))
			}
			return end, next
		}
		prevTerminator = isTerminator(r)
	}
	return -1, -1
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// Split segments a complete text in one pass, as if it had been fed as a
// single fragment and then flushed.
func Split(text string) []string {
	var s Segmenter
	sentences := s.Feed(text)
	if last, ok := s.Flush(); ok {
		sentences = append(sentences, last)
	}
	return sentences
}
