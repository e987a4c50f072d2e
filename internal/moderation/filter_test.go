package moderation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilter_Censor(t *testing.T) {
	req := require.New(t)
	f, err := NewFilter([]string{"spam", "scam"}, DefaultMask)
	req.NoError(err)
	req.True(f.Enabled())

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "plain word", input: "no spam here", want: "no **** here"},
		{name: "case insensitive", input: "SPAM and Scam", want: "**** and ****"},
		{name: "separators inside a match", input: "s.p.a.m!", want: "*******!"},
		{name: "unicode around a match", input: "été spam été", want: "été **** été"},
		{name: "clean text", input: "hello world", want: "hello world"},
		{name: "empty", input: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, f.Censor(tt.input))
		})
	}
}

func TestFilter_CensorOnlyWholeWords(t *testing.T) {
	f, err := NewFilter([]string{"bad", "he"}, DefaultMask)
	require.NoError(t, err)

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "match spanning two words", input: "cab add", want: "cab add"},
		{name: "inside a word", input: "the badge", want: "the badge"},
		{name: "word at the end", input: "too bad", want: "too ***"},
		{name: "spelled out", input: "b a d luck", want: "***** luck"},
		{name: "standalone short word", input: "he said", want: "** said"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, f.Censor(tt.input))
		})
	}
}

func TestFilter_Disabled(t *testing.T) {
	req := require.New(t)

	f, err := NewFilter([]string{"", "  "}, DefaultMask)
	req.NoError(err)
	req.False(f.Enabled())
	req.Equal("spam", f.Censor("spam"))

	var nilFilter *Filter
	req.False(nilFilter.Enabled())
	req.Equal("spam", nilFilter.Censor("spam"))
}
