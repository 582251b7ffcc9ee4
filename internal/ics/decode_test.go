package ics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"newline escapes", `Line one\nLine two\NLine three`, "Line one\nLine two\nLine three"},
		{"carriage return escape", `a\rb`, "a\nb"},
		{"punctuation escapes", `a\,b\;c\:d`, "a,b;c:d"},
		{"escaped backslash is literal", `C:\\path\\new`, `C:\path\new`},
		{"escaped backslash before n", `x\\ny`, `x\ny`},
		{"html tags stripped", `<p>Read <b>chapter</b> 4</p>`, "Read chapter 4"},
		{"blank runs collapse", "a\n\n\n\nb", "a\n\nb"},
		{"escaped blank runs collapse", `a\n\n\n\nb`, "a\n\nb"},
		{"trimmed", "  padded \n", "padded"},
		{"unknown escape kept", `50\% off`, `50\% off`},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeText(tt.in))
		})
	}
}

func TestDecodeTextIdempotentOnPlainText(t *testing.T) {
	inputs := []string{
		"Lab Report due Friday",
		"Two paragraphs.\n\nSecond one.",
		"Chapter 4, questions 1-10; show work",
		"",
	}
	for _, in := range inputs {
		once := DecodeText(in)
		assert.Equal(t, once, DecodeText(once), "input %q", in)
	}
}

func TestDecodeEntities(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"named", "Tom &amp; Jerry &lt;3&gt;", "Tom & Jerry <3>"},
		{"quotes", "&ldquo;Hamlet&rdquo; &lsquo;act&rsquo; &quot;1&quot;", "“Hamlet” ‘act’ \"1\""},
		{"dashes and nbsp", "a&ndash;b&mdash;c&nbsp;d", "a–b—c d"},
		{"decimal", "It&#39;s", "It's"},
		{"hex", "caf&#xE9; &#X41;", "café A"},
		{"single pass", "&amp;lt;", "&lt;"},
		{"unknown named kept", "&copy; &bogus;", "&copy; &bogus;"},
		{"case sensitive names", "&AMP;", "&AMP;"},
		{"malformed kept", "&#; &#xZZ; & amp;", "&#; &#xZZ; & amp;"},
		{"invalid code points kept", "&#0; &#xD800; &#x110000;", "&#0; &#xD800; &#x110000;"},
		{"no ampersand", "plain", "plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeEntities(tt.in))
		})
	}
}
