package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/magnet-crawler/internal/crawler"
)

// Document parses the page body.
func Document(page crawler.RawPage) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: parse html: %v", crawler.ErrParse, err)
	}
	return doc, nil
}

// MagnetOccurrence is one magnet found while walking a subtree.
type MagnetOccurrence struct {
	URI    string
	Anchor *goquery.Selection
	Node   *goquery.Selection
}

// ScanMagnets walks sel in document order and reports each magnet exactly
// where it occurs: once per magnet anchor (its text is not rescanned) and once
// per magnet URI found in plain text.
func ScanMagnets(sel *goquery.Selection, visit func(MagnetOccurrence)) {
	sel.Contents().Each(func(_ int, child *goquery.Selection) {
		switch goquery.NodeName(child) {
		case "#text":
			for _, uri := range FindMagnets(child.Text()) {
				visit(MagnetOccurrence{URI: uri, Node: child})
			}
		case "a":
			if href, ok := child.Attr("href"); ok && isMagnetHref(href) {
				visit(MagnetOccurrence{URI: strings.TrimSpace(href), Anchor: child, Node: child})
				return
			}
			ScanMagnets(child, visit)
		case "script", "style":
		default:
			ScanMagnets(child, visit)
		}
	})
}

func isMagnetHref(href string) bool {
	href = strings.TrimSpace(href)
	return len(href) >= 7 && strings.EqualFold(href[:7], "magnet:")
}

// CleanText collapses whitespace runs to single spaces.
func CleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NewItem builds a candidate from a magnet occurrence. fallbackTitle and
// fallbackSize are used when the magnet lacks dn/xl.
func NewItem(page crawler.RawPage, site, uri, fallbackTitle string, fallbackSize int64) (crawler.CandidateItem, error) {
	m, err := ParseMagnet(uri)
	if err != nil {
		return crawler.CandidateItem{}, err
	}
	title := m.DisplayName
	if title == "" {
		title = fallbackTitle
	}
	size := m.Size
	if size == 0 {
		size = fallbackSize
	}
	return crawler.CandidateItem{
		Hash:         m.Hash,
		MagnetURI:    m.URI,
		Title:        CleanText(title),
		SizeBytes:    size,
		Site:         site,
		SourceURL:    page.URL,
		DiscoveredAt: page.FetchedAt,
	}, nil
}
