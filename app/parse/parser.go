package parse

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/unicode/norm"

	"github.com/lootwatch/lootwatch/app/deal"
	"github.com/lootwatch/lootwatch/app/feed"
)

// Storefront URL patterns. A match here is the high-confidence path: the
// store-native identifier comes straight out of the URL structure.
var (
	steamRe = regexp.MustCompile(`store\.steampowered\.com/app/(\d+)`)
	epicRe  = regexp.MustCompile(`store\.epicgames\.com/(?:[^/\s]+/)?p/([A-Za-z0-9-]+)`)
	gogRe   = regexp.MustCompile(`(?:www\.)?gog\.com/(?:[a-z]{2}/)?game/([A-Za-z0-9_]+)`)
	itchRe  = regexp.MustCompile(`https?://([A-Za-z0-9-]+)\.itch\.io/([A-Za-z0-9-]+)`)
	psRe    = regexp.MustCompile(`store\.playstation\.com/(?:[^/\s]+/)?product/([A-Za-z0-9_-]+)`)

	urlRe = regexp.MustCompile(`https?://[^\s"'<>)\]]+`)
)

// Parser extracts candidate deals from raw feed entries. Pure: no network or
// persistent I/O.
type Parser struct {
	rules *Rules
}

func NewParser(rules *Rules) *Parser {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Parser{rules: rules}
}

// Extract returns zero or more candidates for one entry. Links matching a
// known storefront pattern yield structural candidates; when no link matches,
// the title heuristics may yield a single low-confidence candidate with
// platform unknown. Malformed markup never aborts extraction.
func (p *Parser) Extract(entry feed.Entry) []deal.Candidate {
	title := normalizeText(entry.Title)
	bodyText, anchors := flattenBody(entry.Body)

	links := collectLinks(entry, anchors, bodyText)

	guessed := p.guessTitle(title + "\n" + bodyText)
	displayTitle := guessed
	if displayTitle == "" {
		displayTitle = title
	}

	var candidates []deal.Candidate
	seen := make(map[deal.Key]bool)
	for _, link := range links {
		if p.denied(link) {
			continue
		}
		c, ok := matchStoreLink(link)
		if !ok {
			continue
		}
		c.EntryID = entry.ID
		c.Title = displayTitle
		if key, ok := deal.CandidateKey(c); ok && !seen[key] {
			seen[key] = true
			candidates = append(candidates, c)
		}
	}

	if len(candidates) > 0 {
		return candidates
	}

	// Low-confidence path: no structural match, fall back to the guessed
	// title as a search string.
	if guessed != "" {
		return []deal.Candidate{{
			EntryID:    entry.ID,
			Platform:   deal.PlatformUnknown,
			Identifier: guessed,
			Title:      guessed,
			Degraded:   true,
		}}
	}

	return nil
}

// flattenBody renders an HTML body to plain text and collects anchor hrefs.
// Malformed markup degrades to treating the body as plain text.
func flattenBody(body string) (text string, anchors []string) {
	if body == "" {
		return "", nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return normalizeText(body), nil
	}

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok && href != "" {
			anchors = append(anchors, href)
		}
	})

	return normalizeText(doc.Text()), anchors
}

func collectLinks(entry feed.Entry, anchors []string, bodyText string) []string {
	var links []string
	dedup := make(map[string]bool)
	add := func(l string) {
		l = strings.TrimRight(l, ".,;")
		if l != "" && !dedup[l] {
			dedup[l] = true
			links = append(links, l)
		}
	}

	for _, l := range entry.Links {
		add(l)
	}
	for _, l := range anchors {
		add(l)
	}
	// Bare URLs pasted into the text, common in the feed's bodies.
	for _, l := range urlRe.FindAllString(bodyText, -1) {
		add(l)
	}
	for _, l := range urlRe.FindAllString(entry.Title, -1) {
		add(l)
	}

	return links
}

func matchStoreLink(link string) (deal.Candidate, bool) {
	if m := steamRe.FindStringSubmatch(link); m != nil {
		return deal.Candidate{Platform: deal.PlatformSteam, Identifier: m[1]}, true
	}
	if m := epicRe.FindStringSubmatch(link); m != nil {
		return deal.Candidate{Platform: deal.PlatformEpic, Identifier: m[1]}, true
	}
	if m := gogRe.FindStringSubmatch(link); m != nil {
		return deal.Candidate{Platform: deal.PlatformGOG, Identifier: m[1]}, true
	}
	if m := itchRe.FindStringSubmatch(link); m != nil {
		return deal.Candidate{Platform: deal.PlatformItch, Identifier: m[1] + "/" + m[2]}, true
	}
	if m := psRe.FindStringSubmatch(link); m != nil {
		return deal.Candidate{Platform: deal.PlatformPlayStation, Identifier: m[1]}, true
	}
	return deal.Candidate{}, false
}

func (p *Parser) denied(link string) bool {
	lower := strings.ToLower(link)
	for _, domain := range p.rules.DenyDomains {
		if strings.Contains(lower, domain) {
			return true
		}
	}
	return false
}

// guessTitle applies the configured title patterns and returns the first
// captured game title, or "".
func (p *Parser) guessTitle(text string) string {
	for _, re := range p.rules.titleRes {
		if m := re.FindStringSubmatch(text); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

// normalizeText trims and NFC-normalizes untrusted feed text so that
// combining characters survive extraction unchanged.
func normalizeText(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
