// Package extract turns fetched pages into candidate magnet items and follow
// links. Extractors are pure functions of the page bytes: the same page always
// yields the same items in the same order. Duplicates are left for the dedup
// cache to resolve.
package extract

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/JakeFAU/magnet-crawler/internal/crawler"
)

// Link is a follow-up page discovered on a listing page.
type Link struct {
	URL   string
	Title string
}

// Warning records a fragment that could not be turned into an item.
type Warning struct {
	Fragment string
	Err      error
}

func (w Warning) Error() string {
	return fmt.Sprintf("%v: %q", w.Err, truncate(w.Fragment, 120))
}

// Result is everything an extractor found on one page.
type Result struct {
	Items    []crawler.CandidateItem
	Links    []Link
	Warnings []Warning
}

// Extractor parses pages for one site layout.
type Extractor interface {
	Name() string
	Extract(page crawler.RawPage, site string) (Result, error)
}

// Registry maps site keys to extractors.
type Registry struct {
	mu         sync.RWMutex
	extractors map[string]Extractor
}

// NewRegistry registers each extractor under its Name.
func NewRegistry(extractors ...Extractor) *Registry {
	r := &Registry{extractors: make(map[string]Extractor)}
	for _, e := range extractors {
		r.Register(e.Name(), e)
	}
	return r
}

// Register binds key to e, replacing any previous binding.
func (r *Registry) Register(key string, e Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extractors[strings.ToLower(key)] = e
}

// Get returns the extractor for key or ErrExtractorUnavailable.
func (r *Registry) Get(key string) (Extractor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.extractors[strings.ToLower(key)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", crawler.ErrExtractorUnavailable, key)
	}
	return e, nil
}

// Keys lists registered keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.extractors))
	for k := range r.extractors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Resolve makes href absolute against the page's final URL.
func Resolve(page crawler.RawPage, href string) (string, error) {
	baseRaw := page.FinalURL
	if baseRaw == "" {
		baseRaw = page.URL
	}
	base, err := url.Parse(baseRaw)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("parse href: %w", err)
	}
	resolved := base.ResolveReference(ref)
	resolved.Fragment = ""
	return resolved.String(), nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
