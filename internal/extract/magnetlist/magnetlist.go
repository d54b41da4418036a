// Package magnetlist extracts magnets from flat index pages where each row
// carries its own magnet link, such as tracker listings and RSS-to-HTML
// mirrors. It follows no links.
package magnetlist

import (
	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/magnet-crawler/internal/crawler"
	"github.com/JakeFAU/magnet-crawler/internal/extract"
)

// Name is the registry key for this extractor.
const Name = "magnetlist"

const rowSelector = "tr, li, article, .item, .torrent"

// Extractor implements extract.Extractor for flat magnet listings.
type Extractor struct{}

// New builds an extractor.
func New() *Extractor {
	return &Extractor{}
}

// Name returns the registry key.
func (Extractor) Name() string {
	return Name
}

// Extract returns one item per magnet occurrence in document order. Titles
// come from the magnet's dn, else the row's first ordinary link, else the
// anchor text. Sizes come from xl, else the row text.
func (Extractor) Extract(page crawler.RawPage, site string) (extract.Result, error) {
	doc, err := extract.Document(page)
	if err != nil {
		return extract.Result{}, err
	}
	var res extract.Result
	extract.ScanMagnets(doc.Selection, func(occ extract.MagnetOccurrence) {
		row := occ.Node.Closest(rowSelector)
		title, size := rowContext(row, occ)
		item, err := extract.NewItem(page, site, occ.URI, title, size)
		if err != nil {
			res.Warnings = append(res.Warnings, extract.Warning{Fragment: occ.URI, Err: err})
			return
		}
		res.Items = append(res.Items, item)
	})
	return res, nil
}

func rowContext(row *goquery.Selection, occ extract.MagnetOccurrence) (string, int64) {
	var title string
	var size int64
	if row.Length() > 0 {
		row.Find("a").EachWithBreak(func(_ int, a *goquery.Selection) bool {
			href, _ := a.Attr("href")
			if len(href) >= 7 && href[:7] == "magnet:" {
				return true
			}
			if t := extract.CleanText(a.Text()); t != "" {
				title = t
				return false
			}
			return true
		})
		size, _ = extract.ParseSize(row.Text())
	}
	if title == "" && occ.Anchor != nil {
		if t, ok := occ.Anchor.Attr("title"); ok {
			title = extract.CleanText(t)
		}
		if title == "" {
			title = extract.CleanText(occ.Anchor.Text())
		}
	}
	return title, size
}
