package skills

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultBlockedPattern is the speech pattern rejected when no filter is
// configured.
const DefaultBlockedPattern = `(?i)profanity|slur|explicit`

// FilterConfig lists blocked keywords (case-insensitive substrings) and
// regular expressions.
type FilterConfig struct {
	Keywords []string `yaml:"keywords" mapstructure:"keywords"`
	Patterns []string `yaml:"patterns" mapstructure:"patterns"`
}

// ContentFilter checks agent speech before it reaches players.
type ContentFilter struct {
	keywords []string
	patterns []*regexp.Regexp
}

// NewContentFilter compiles cfg.
func NewContentFilter(cfg FilterConfig) (*ContentFilter, error) {
	patterns := make([]*regexp.Regexp, 0, len(cfg.Patterns))
	for _, p := range cfg.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %s: %w", p, err)
		}
		patterns = append(patterns, re)
	}
	keywords := make([]string, 0, len(cfg.Keywords))
	for _, kw := range cfg.Keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			keywords = append(keywords, strings.ToLower(kw))
		}
	}
	return &ContentFilter{keywords: keywords, patterns: patterns}, nil
}

// DefaultContentFilter blocks DefaultBlockedPattern.
func DefaultContentFilter() *ContentFilter {
	return &ContentFilter{patterns: []*regexp.Regexp{regexp.MustCompile(DefaultBlockedPattern)}}
}

// Check returns an error when text contains blocked content. A nil filter
// allows everything.
func (f *ContentFilter) Check(text string) error {
	if f == nil {
		return nil
	}
	normalized := strings.ToLower(text)
	for _, kw := range f.keywords {
		if strings.Contains(normalized, kw) {
			return fmt.Errorf("message contains blocked keyword: %s", kw)
		}
	}
	for i, re := range f.patterns {
		if re.MatchString(text) {
			return fmt.Errorf("message matches blocked pattern #%d", i+1)
		}
	}
	return nil
}
