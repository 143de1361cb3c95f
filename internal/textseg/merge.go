package textseg

import "strings"

type segment struct {
	tag  string
	text string
}

// MergeSentences collapses adjacent same-tag regions into one region, so
// "<happy>hello</happy><happy>yo</happy>" becomes "<happy>hello yo</happy>".
// Differently-tagged regions and plain text are left in place.
func MergeSentences(content string) string {
	if content == "" {
		return ""
	}

	var segments []segment
	currentTag := ""
	pos := 0
	appendText := func(tag, text string) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		if n := len(segments); n > 0 && segments[n-1].tag == tag {
			segments[n-1].text += " " + text
			return
		}
		segments = append(segments, segment{tag: tag, text: text})
	}
	for _, loc := range tagPattern.FindAllStringIndex(content, -1) {
		appendText(currentTag, content[pos:loc[0]])
		tag := content[loc[0]:loc[1]]
		if strings.HasPrefix(strings.TrimLeft(tag, "< \t"), "/") {
			currentTag = ""
		} else {
			currentTag = tagName(tag)
		}
		pos = loc[1]
	}
	appendText(currentTag, content[pos:])

	var sb strings.Builder
	for i, seg := range segments {
		rendered := wrapTag(seg.tag, seg.text)
		if i > 0 && !(seg.tag != "" && segments[i-1].tag != "") {
			sb.WriteString(" ")
		}
		sb.WriteString(rendered)
	}
	return sb.String()
}
