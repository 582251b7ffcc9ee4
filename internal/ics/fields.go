package ics

import (
	"regexp"
	"strconv"
	"strings"
)

// Property is one unfolded content line of a record block.
type Property struct {
	Name   string
	Params map[string][]string
	Value  string
}

// Param returns the first value of the named parameter, or "".
func (p Property) Param(name string) string {
	if vs := p.Params[name]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

var mailtoRe = regexp.MustCompile(`(?i)mailto:([^\s;,"]+)`)

// normalizeNewlines turns CRLF and bare CR line endings into LF.
func normalizeNewlines(s string) string {
	if !strings.Contains(s, "\r") {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// Unfold joins folded lines: a line break followed by a single space or tab
// is removed entirely, without inserting a space.
func Unfold(text string) string {
	lines := strings.Split(normalizeNewlines(text), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if len(out) > 0 && line != "" && (line[0] == ' ' || line[0] == '\t') {
			out[len(out)-1] += line[1:]
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// splitProperties tokenizes already-unfolded lines into properties. A line
// that does not start with a property name is treated as more text for the
// previous property. Nested components (BEGIN:VALARM ... END:VALARM) are
// skipped so their properties never leak into the record.
func splitProperties(lines []string) []Property {
	props := make([]Property, 0, len(lines))
	nested := 0
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		p, ok := parseContentLine(line)
		if ok && p.Name == "BEGIN" {
			nested++
			continue
		}
		if ok && p.Name == "END" {
			if nested > 0 {
				nested--
			}
			continue
		}
		if nested > 0 {
			continue
		}
		if ok {
			props = append(props, p)
			continue
		}
		if len(props) > 0 {
			props[len(props)-1].Value += "\n" + line
		}
	}
	return props
}

// parseContentLine splits "NAME;PARAM=V:value" into its parts. The name must
// be uppercase letters and hyphens immediately followed by ':' or ';'.
// Parameter values may be double-quoted and contain ':' or ';'.
func parseContentLine(line string) (Property, bool) {
	i := 0
	for i < len(line) && (line[i] >= 'A' && line[i] <= 'Z' || line[i] == '-') {
		i++
	}
	if i == 0 || i >= len(line) || (line[i] != ':' && line[i] != ';') {
		return Property{}, false
	}

	p := Property{Name: line[:i]}
	if line[i] == ':' {
		p.Value = line[i+1:]
		return p, true
	}

	// Parameters run to the first ':' outside double quotes.
	rest := line[i+1:]
	inQuote := false
	end := -1
	for j := 0; j < len(rest); j++ {
		switch rest[j] {
		case '"':
			inQuote = !inQuote
		case ':':
			if !inQuote {
				end = j
			}
		}
		if end >= 0 {
			break
		}
	}
	if end < 0 {
		// Truncated: parameters but no value.
		p.Params = parseParams(rest)
		return p, true
	}
	p.Params = parseParams(rest[:end])
	p.Value = rest[end+1:]
	return p, true
}

func parseParams(s string) map[string][]string {
	params := make(map[string][]string)
	for _, part := range splitUnquoted(s, ';') {
		k, v, found := strings.Cut(part, "=")
		if !found || k == "" {
			continue
		}
		key := strings.ToUpper(strings.TrimSpace(k))
		for _, val := range splitUnquoted(v, ',') {
			params[key] = append(params[key], strings.Trim(val, `"`))
		}
	}
	return params
}

func splitUnquoted(s string, sep byte) []string {
	var out []string
	inQuote := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuote = !inQuote
		case sep:
			if !inQuote {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	return append(out, s[start:])
}

// fieldSet indexes the properties of one record block by name.
type fieldSet map[string][]Property

func newFieldSet(props []Property) fieldSet {
	fs := make(fieldSet, len(props))
	for _, p := range props {
		fs[p.Name] = append(fs[p.Name], p)
	}
	return fs
}

// value returns the first non-empty value among the given property names,
// in the order the names are listed.
func (fs fieldSet) value(names ...string) (string, bool) {
	for _, n := range names {
		for _, p := range fs[n] {
			if v := strings.TrimSpace(p.Value); v != "" {
				return p.Value, true
			}
		}
	}
	return "", false
}

func (fs fieldSet) token(names ...string) string {
	v, _ := fs.value(names...)
	return strings.TrimSpace(v)
}

func (fs fieldSet) integer(name string) *int {
	v, ok := fs.value(name)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return nil
	}
	return &n
}

func (fs fieldSet) addresses(name string) []string {
	var out []string
	for _, p := range fs[name] {
		if v := strings.TrimSpace(p.Value); v != "" {
			out = append(out, extractEmail(v))
		}
	}
	return out
}

// extractEmail reduces a calendar address to the mailto target, or returns
// the value unchanged when there is none.
func extractEmail(v string) string {
	if m := mailtoRe.FindStringSubmatch(v); m != nil {
		return m[1]
	}
	return v
}
