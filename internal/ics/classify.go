package ics

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DefaultKeywords are the whole-word title keywords that mark a record as an
// assignment.
var DefaultKeywords = []string{
	"due", "assignment", "homework", "test", "quiz", "exam", "project",
	"paper", "lab", "presentation", "read", "watch", "complete", "finish", "study",
}

// DefaultClassPrefixPattern matches course-and-section labels such as
// "ADV. BIOLOGY - B:" or "AP US HISTORY/GOV - 3A:" at the start of a title.
const DefaultClassPrefixPattern = `^(?:ADV\.\s+)?[A-Z][A-Z0-9/:&.' ]*?\s*-\s*[A-Za-z0-9]{1,4}:`

// timeHintRe finds clock times such as "8:55 a.m.", "11:59PM" or "3 pm".
var timeHintRe = regexp.MustCompile(`(?i)\b(\d{1,2})(?::(\d{2}))?\s*([ap])\.?\s?m\b\.?`)

// Rules is the classifier rule set. The defaults are tuned to one school's
// calendar export and can be replaced from config.
type Rules struct {
	Keywords           []string `yaml:"keywords" json:"keywords"`
	ClassPrefixPattern string   `yaml:"class_prefix_pattern" json:"class_prefix_pattern"`
}

// DefaultRules returns the built-in rule set.
func DefaultRules() Rules {
	kw := make([]string, len(DefaultKeywords))
	copy(kw, DefaultKeywords)
	return Rules{Keywords: kw, ClassPrefixPattern: DefaultClassPrefixPattern}
}

// Classification is the classifier output for one title.
type Classification struct {
	IsAssignment bool
	TimeHint     string
}

// Classifier decides whether a title describes an assignment.
type Classifier struct {
	keywordRe     *regexp.Regexp
	classPrefixRe *regexp.Regexp
}

// NewClassifier compiles a rule set. An empty keyword list or pattern
// disables that rule.
func NewClassifier(r Rules) (*Classifier, error) {
	c := &Classifier{}

	words := make([]string, 0, len(r.Keywords))
	for _, k := range r.Keywords {
		if k = strings.TrimSpace(k); k != "" {
			words = append(words, regexp.QuoteMeta(k))
		}
	}
	if len(words) > 0 {
		re, err := regexp.Compile(`(?i)\b(?:` + strings.Join(words, "|") + `)\b`)
		if err != nil {
			return nil, fmt.Errorf("classifier keywords: %w", err)
		}
		c.keywordRe = re
	}

	if r.ClassPrefixPattern != "" {
		re, err := regexp.Compile(r.ClassPrefixPattern)
		if err != nil {
			return nil, fmt.Errorf("classifier class prefix pattern: %w", err)
		}
		c.classPrefixRe = re
	}
	return c, nil
}

// Classify reports whether title is an assignment and, if so, the first
// inline clock time found in it.
func (c *Classifier) Classify(title string) Classification {
	var out Classification
	if c.keywordRe != nil && c.keywordRe.MatchString(title) {
		out.IsAssignment = true
	} else if c.classPrefixRe != nil && c.classPrefixRe.MatchString(title) {
		out.IsAssignment = true
	}
	if out.IsAssignment {
		out.TimeHint = ExtractTimeHint(title)
	}
	return out
}

// ExtractTimeHint returns the first clock-time token in s, or "".
func ExtractTimeHint(s string) string {
	return timeHintRe.FindString(s)
}

// ParseTimeHint converts a hint like "11:59 p.m." to 24-hour clock values.
func ParseTimeHint(hint string) (hour, minute int, ok bool) {
	m := timeHintRe.FindStringSubmatch(hint)
	if m == nil {
		return 0, 0, false
	}
	hour, err := strconv.Atoi(m[1])
	if err != nil || hour < 1 || hour > 12 {
		return 0, 0, false
	}
	if m[2] != "" {
		minute, err = strconv.Atoi(m[2])
		if err != nil || minute > 59 {
			return 0, 0, false
		}
	}
	pm := strings.EqualFold(m[3], "p")
	switch {
	case pm && hour != 12:
		hour += 12
	case !pm && hour == 12:
		hour = 0
	}
	return hour, minute, true
}
