package textseg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitterBuffersUntilSentenceComplete(t *testing.T) {
	splitter := NewSplitter()

	assert.Empty(t, splitter.Push("Hello world"))
	assert.Empty(t, splitter.Push(" this is a test."))

	sentences := splitter.Push(" <happy>Feeling good!")
	assert.Equal(t, []string{"Hello world this is a test."}, sentences)

	sentences = splitter.Push(" Still happy. So happy to be here. </happy>")
	assert.Equal(t, []string{
		"<happy>Feeling good!</happy>",
		"<happy>Still happy.</happy>",
		"<happy>So happy to be here.</happy>",
	}, sentences)

	splitter.Push("<foo>partial sentence")
	sentences = splitter.EOS()
	assert.Equal(t, []string{"<foo>partial sentence</foo>"}, sentences)
}

func TestSplitterHoldsTrailingSentence(t *testing.T) {
	splitter := NewSplitter()
	splitter.Push(
		"ok well it's kind of working. Just missing the last sentence right? Not any other sentences? test 12",
	)
	assert.Equal(t, []string{"test 12"}, splitter.EOS())
}

func TestSplitterEmitsCompletedLeadingSentences(t *testing.T) {
	splitter := NewSplitter()
	sentences := splitter.Push("One done. Two done! Three pending")
	assert.Equal(t, []string{"One done.", "Two done!"}, sentences)
	assert.Equal(t, []string{"Three pending"}, splitter.EOS())
}

func TestSplitterReusableAfterEOS(t *testing.T) {
	splitter := NewSplitter()
	splitter.Push("first stream")
	assert.Equal(t, []string{"first stream"}, splitter.EOS())
	splitter.Push("second stream")
	assert.Equal(t, []string{"second stream"}, splitter.EOS())
}

func TestMergeSentences(t *testing.T) {
	cases := []struct{ in, want string }{
		{"<happy>hello</happy><happy>yo</happy>", "<happy>hello yo</happy>"},
		{"<happy>hello</happy> <happy>yo</happy>", "<happy>hello yo</happy>"},
		{"hello <happy>world</happy>", "hello <happy>world</happy>"},
		{"<happy>hello</happy><sad>yo</sad>", "<happy>hello</happy><sad>yo</sad>"},
		{"plain text here", "plain text here"},
		{"<happy>hello</happy> between <happy>world</happy>", "<happy>hello</happy> between <happy>world</happy>"},
		{"", ""},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, MergeSentences(c.in), "input %q", c.in)
	}
}
