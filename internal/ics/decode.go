package ics

import (
	"regexp"
	"strconv"
	"strings"
)

// backslashPlaceholder stands in for an escaped backslash while the other
// escape rules run, so "\\n" stays a literal backslash followed by "n".
const backslashPlaceholder = "\x00BSL\x00"

var (
	htmlTagRe      = regexp.MustCompile(`<[^>]*>`)
	blankRunRe     = regexp.MustCompile(`\n{3,}`)
	numericEntRe   = regexp.MustCompile(`&#(?:[xX]([0-9a-fA-F]+)|([0-9]+));`)
	namedEntRe     = regexp.MustCompile(`&[a-zA-Z]+;`)
	escapeReplacer = strings.NewReplacer(
		`\n`, "\n",
		`\N`, "\n",
		`\r`, "\n",
		`\,`, ",",
		`\;`, ";",
		`\:`, ":",
	)
)

var namedEntities = map[string]string{
	"&amp;":   "&",
	"&lt;":    "<",
	"&gt;":    ">",
	"&quot;":  `"`,
	"&nbsp;":  " ",
	"&ndash;": "–",
	"&mdash;": "—",
	"&ldquo;": "“",
	"&rdquo;": "”",
	"&lsquo;": "‘",
	"&rsquo;": "’",
}

// DecodeText undoes calendar text escaping: escaped backslashes are
// protected, \n \N \r become line breaks, \, \; \: are unescaped, HTML tags
// are stripped, runs of three or more line breaks collapse to two and the
// result is trimmed. Unknown escapes are left as they are.
func DecodeText(raw string) string {
	s := strings.ReplaceAll(raw, `\\`, backslashPlaceholder)
	s = escapeReplacer.Replace(s)
	s = htmlTagRe.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, backslashPlaceholder, `\`)
	s = blankRunRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// DecodeEntities replaces numeric character references and a fixed table of
// named entities, in that order. Malformed or unknown entities stay literal.
// The named pass runs once over the text, so "&amp;lt;" yields "&lt;".
func DecodeEntities(s string) string {
	if !strings.Contains(s, "&") {
		return s
	}
	s = numericEntRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := numericEntRe.FindStringSubmatch(m)
		var (
			n   uint64
			err error
		)
		if sub[1] != "" {
			n, err = strconv.ParseUint(sub[1], 16, 32)
		} else {
			n, err = strconv.ParseUint(sub[2], 10, 32)
		}
		if err != nil || n == 0 || n > 0x10FFFF || (n >= 0xD800 && n <= 0xDFFF) {
			return m
		}
		return string(rune(n))
	})
	return namedEntRe.ReplaceAllStringFunc(s, func(m string) string {
		if r, ok := namedEntities[m]; ok {
			return r
		}
		return m
	})
}
