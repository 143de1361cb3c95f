// Package textseg segments streaming text into speakable sentences. Inline
// markup regions like <happy>...</happy> are preserved by re-wrapping each
// sentence of the region in its tag, so downstream synthesis can keep the
// emotion span per sentence.
package textseg

import (
	"regexp"
	"strings"
	"unicode"

	log "github.com/inconshreveable/log15"
)

var tagPattern = regexp.MustCompile(`<\s*/?\s*[a-zA-Z]+\s*>`)

// Splitter accumulates streamed text fragments and emits complete sentences
// as they materialize. The trailing, possibly incomplete sentence stays
// buffered until more text arrives or EOS is signaled.
type Splitter struct {
	buf string
	log.Logger
}

// NewSplitter returns an empty splitter.
func NewSplitter() *Splitter {
	return &Splitter{Logger: log.New("obj", "textseg")}
}

type taggedRun struct {
	tag     string // empty for untagged text
	content string
}

// Push appends a fragment and returns every sentence completed by it.
func (s *Splitter) Push(chunk string) []string {
	s.buf += chunk

	runs := s.scanRuns(s.buf)

	var sentences []string
	for _, run := range runs[:len(runs)-1] {
		for _, sent := range splitSentences(run.content) {
			sentences = append(sentences, wrapTag(run.tag, sent))
		}
	}

	last := runs[len(runs)-1]
	complete := splitSentences(last.content)
	for i := 0; i+1 < len(complete); i++ {
		sentences = append(sentences, wrapTag(last.tag, complete[i]))
	}
	switch {
	case len(complete) == 0 && last.tag != "":
		s.buf = "<" + last.tag + ">"
	case len(complete) == 0:
		s.buf = ""
	case last.tag != "":
		s.buf = "<" + last.tag + ">" + complete[len(complete)-1]
	default:
		s.buf = complete[len(complete)-1]
	}
	return sentences
}

// EOS flushes the buffered remainder as final sentences and resets the
// splitter.
func (s *Splitter) EOS() []string {
	// A synthetic opening tag forces the current run out of trailing
	// position, so everything buffered is flushed as complete.
	sentences := s.Push("<eos>")
	s.buf = ""
	return sentences
}

// scanRuns splits buffered text into tag-delimited runs. The final run is
// the one still open for more input.
func (s *Splitter) scanRuns(text string) []taggedRun {
	runs := []taggedRun{{}}
	current := &runs[0]

	pos := 0
	for _, loc := range tagPattern.FindAllStringIndex(text, -1) {
		if part := text[pos:loc[0]]; part != "" {
			current.content = part
		}
		tag := text[loc[0]:loc[1]]
		name := tagName(tag)
		if strings.HasPrefix(strings.TrimLeft(tag, "< \t"), "/") {
			if current.tag != name {
				s.Warn("closing tag does not match opening tag",
					"open", current.tag, "close", name)
			}
			runs = append(runs, taggedRun{})
		} else {
			runs = append(runs, taggedRun{tag: name})
		}
		current = &runs[len(runs)-1]
		pos = loc[1]
	}
	if part := text[pos:]; part != "" {
		current.content = part
	}
	return runs
}

func wrapTag(tag, sentence string) string {
	if tag == "" {
		return sentence
	}
	return "<" + tag + ">" + sentence + "</" + tag + ">"
}

var tagNamePattern = regexp.MustCompile(`<\s*/?\s*([a-zA-Z]+)\s*>`)

func tagName(tag string) string {
	m := tagNamePattern.FindStringSubmatch(tag)
	if m == nil {
		return ""
	}
	return m[1]
}

// splitSentences breaks text on sentence-final punctuation followed by
// whitespace or end of text. Sentences come back trimmed; text without any
// terminator is returned whole.
func splitSentences(text string) []string {
	var out []string
	runes := []rune(text)
	start := 0
	for i := 0; i < len(runes); i++ {
		if !isTerminator(runes[i]) {
			continue
		}
		j := i
		for j+1 < len(runes) && isTerminator(runes[j+1]) {
			j++
		}
		if j+1 >= len(runes) || unicode.IsSpace(runes[j+1]) {
			if sent := strings.TrimSpace(string(runes[start : j+1])); sent != "" {
				out = append(out, sent)
			}
			start = j + 1
		}
		i = j
	}
	if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
		out = append(out, tail)
	}
	return out
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
