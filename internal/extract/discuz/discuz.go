// Package discuz extracts thread links and magnets from Discuz!-style forums.
// Listing pages yield thread links; thread pages yield magnet items.
package discuz

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/magnet-crawler/internal/crawler"
	"github.com/JakeFAU/magnet-crawler/internal/extract"
)

// Name is the registry key for this extractor.
const Name = "discuz"

var (
	tidPatterns = []*regexp.Regexp{
		regexp.MustCompile(`thread-(\d+)`),
		regexp.MustCompile(`[?&]tid=(\d+)`),
	}
	threadLinkSelector = "a[href*='thread-'], a[href*='mod=viewthread']"
	titleSelectors     = []string{"#thread_subject", "h1.ts", "h1", "title"}
	contentSelector    = "td.t_f, div.t_msgfont, div.postmessage"
	breadcrumbSelector = "#pt .z a"

	defaultAdKeywords = []string{
		"广告", "推广", "赞助", "招商", "代理", "加盟", "兼职", "招聘",
		"博彩", "彩票", "贷款", "刷单", "办证",
		"advertisement", "sponsor", "promotion", "casino",
	}
)

// Extractor implements extract.Extractor for Discuz! forums.
type Extractor struct {
	adKeywords []string
	minTitle   int
}

// Option customizes the extractor.
type Option func(*Extractor)

// WithAdKeywords replaces the advert keyword list.
func WithAdKeywords(words []string) Option {
	return func(e *Extractor) {
		e.adKeywords = words
	}
}

// New builds an extractor.
func New(opts ...Option) *Extractor {
	e := &Extractor{adKeywords: defaultAdKeywords, minTitle: 5}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns the registry key.
func (e *Extractor) Name() string {
	return Name
}

// Extract returns thread links (deduplicated by thread id within the page)
// and every magnet found in post bodies.
func (e *Extractor) Extract(page crawler.RawPage, site string) (extract.Result, error) {
	doc, err := extract.Document(page)
	if err != nil {
		return extract.Result{}, err
	}
	var res extract.Result
	e.threadLinks(doc, page, &res)
	e.magnets(doc, page, site, &res)
	return res, nil
}

func (e *Extractor) threadLinks(doc *goquery.Document, page crawler.RawPage, res *extract.Result) {
	seen := make(map[string]struct{})
	doc.Find(threadLinkSelector).Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		tid := threadID(href)
		if tid == "" {
			return
		}
		if _, dup := seen[tid]; dup {
			return
		}
		title := linkTitle(a)
		if title == "" || e.IsAdvert(title) {
			return
		}
		abs, err := extract.Resolve(page, href)
		if err != nil {
			res.Warnings = append(res.Warnings, extract.Warning{Fragment: href, Err: err})
			return
		}
		seen[tid] = struct{}{}
		res.Links = append(res.Links, extract.Link{URL: abs, Title: title})
	})
}

func (e *Extractor) magnets(doc *goquery.Document, page crawler.RawPage, site string, res *extract.Result) {
	title := threadTitle(doc)
	category := ""
	if crumbs := doc.Find(breadcrumbSelector); crumbs.Length() > 0 {
		category = extract.CleanText(crumbs.Last().Text())
	}
	scopes := doc.Find(contentSelector).FilterFunction(func(_ int, s *goquery.Selection) bool {
		return s.ParentsFiltered(contentSelector).Length() == 0
	})
	if scopes.Length() == 0 {
		scopes = doc.Find("body")
	}
	scopes.Each(func(_ int, post *goquery.Selection) {
		size, _ := extract.ParseSize(post.Text())
		extract.ScanMagnets(post, func(occ extract.MagnetOccurrence) {
			item, err := extract.NewItem(page, site, occ.URI, title, size)
			if err != nil {
				res.Warnings = append(res.Warnings, extract.Warning{Fragment: occ.URI, Err: err})
				return
			}
			item.Category = category
			res.Items = append(res.Items, item)
		})
	})
}

// IsAdvert applies the forum's spam heuristics to a thread title.
func (e *Extractor) IsAdvert(title string) bool {
	title = strings.TrimSpace(title)
	if len([]rune(title)) < e.minTitle {
		return true
	}
	lower := strings.ToLower(title)
	for _, kw := range e.adKeywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	var letters, digits, total int
	for _, r := range title {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		switch {
		case unicode.IsDigit(r):
			digits++
		case unicode.IsLetter(r):
			letters++
		}
	}
	if letters+digits == 0 {
		return true
	}
	return float64(digits) > float64(total)*0.3
}

func threadID(href string) string {
	for _, re := range tidPatterns {
		if m := re.FindStringSubmatch(href); m != nil {
			return m[1]
		}
	}
	return ""
}

func linkTitle(a *goquery.Selection) string {
	if t, ok := a.Attr("title"); ok && strings.TrimSpace(t) != "" {
		return extract.CleanText(t)
	}
	if t := extract.CleanText(a.Text()); t != "" {
		return t
	}
	for _, attr := range []string{"alt", "data-title"} {
		if t, ok := a.Attr(attr); ok && strings.TrimSpace(t) != "" {
			return extract.CleanText(t)
		}
	}
	return ""
}

func threadTitle(doc *goquery.Document) string {
	for _, sel := range titleSelectors {
		if t := extract.CleanText(doc.Find(sel).First().Text()); t != "" {
			return t
		}
	}
	return ""
}
