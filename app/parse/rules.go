package parse

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Rules holds the configurable half of deal extraction: the deny-list of
// giveaway/raffle aggregator domains we never treat as store links, and the
// title patterns used for the low-confidence heuristic path. URL structure
// matching for the storefronts themselves is a hard contract and stays in
// code.
type Rules struct {
	DenyDomains   []string `yaml:"deny_domains"`
	TitlePatterns []string `yaml:"title_patterns"`

	titleRes []*regexp.Regexp
}

var defaultDenyDomains = []string{
	"givee.club",
	"gleam.io",
	"indiegala.com",
	"rafflecopter.com",
	"woobox.com",
	"onstove.com",
}

// Default title patterns follow the feed's posting conventions:
// "[Platform] (Game) Title is free" and "[PSA] Title is complimentary".
// Each pattern must capture the title in group 1.
var defaultTitlePatterns = []string{
	`(?im)^[\[(].*?[\])]\s*(?:\(.*?\)\s*)?(.+?) is free`,
	`(?im)^\[PSA\]\s*(.+?)\s*(?:are|is) complimentary`,
}

// DefaultRules returns the built-in rule set.
func DefaultRules() *Rules {
	r := &Rules{
		DenyDomains:   append([]string(nil), defaultDenyDomains...),
		TitlePatterns: append([]string(nil), defaultTitlePatterns...),
	}
	if err := r.compile(); err != nil {
		panic(err) // built-in patterns are tested
	}
	return r
}

// LoadRules reads a YAML rules file. An empty path yields the defaults.
// Omitted fields fall back to the built-ins.
func LoadRules(path string) (*Rules, error) {
	if path == "" {
		return DefaultRules(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}

	if len(r.DenyDomains) == 0 {
		r.DenyDomains = append([]string(nil), defaultDenyDomains...)
	}
	if len(r.TitlePatterns) == 0 {
		r.TitlePatterns = append([]string(nil), defaultTitlePatterns...)
	}

	if err := r.compile(); err != nil {
		return nil, fmt.Errorf("invalid rules file %s: %w", path, err)
	}

	return &r, nil
}

func (r *Rules) compile() error {
	r.titleRes = r.titleRes[:0]
	for _, pattern := range r.TitlePatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("title pattern %q: %w", pattern, err)
		}
		if re.NumSubexp() < 1 {
			return fmt.Errorf("title pattern %q has no capture group", pattern)
		}
		r.titleRes = append(r.titleRes, re)
	}
	return nil
}
