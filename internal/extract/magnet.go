package extract

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/JakeFAU/magnet-crawler/internal/crawler"
)

// magnetPattern finds magnet URIs embedded in free text.
var magnetPattern = regexp.MustCompile(`(?i)magnet:\?xt=urn:btih:(?:[0-9a-f]{40}|[a-z2-7]{32})(?:&[\w.~%+\-=:/@!$*,;]*)*`)

// Magnet is a parsed magnet URI.
type Magnet struct {
	URI         string
	Hash        string
	DisplayName string
	Size        int64
	Trackers    []string
}

// FindMagnets returns every magnet URI in text, in order of appearance.
func FindMagnets(text string) []string {
	return magnetPattern.FindAllString(text, -1)
}

// ParseMagnet validates uri and returns its normalized infohash (lowercase
// hex) plus display name and exact length when present. Base32 infohashes are
// converted to hex so both spellings of a torrent share one dedup key.
func ParseMagnet(uri string) (Magnet, error) {
	uri = strings.TrimSpace(uri)
	u, err := url.Parse(uri)
	if err != nil {
		return Magnet{}, fmt.Errorf("%w: %v", crawler.ErrParse, err)
	}
	if !strings.EqualFold(u.Scheme, "magnet") {
		return Magnet{}, fmt.Errorf("%w: not a magnet uri", crawler.ErrParse)
	}
	q, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return Magnet{}, fmt.Errorf("%w: %v", crawler.ErrParse, err)
	}
	var hash string
	for _, xt := range q["xt"] {
		if len(xt) > 9 && strings.EqualFold(xt[:9], "urn:btih:") {
			hash, err = NormalizeHash(xt[9:])
			if err != nil {
				return Magnet{}, err
			}
			break
		}
	}
	if hash == "" {
		return Magnet{}, fmt.Errorf("%w: missing btih infohash", crawler.ErrParse)
	}
	m := Magnet{
		URI:         uri,
		Hash:        hash,
		DisplayName: strings.TrimSpace(q.Get("dn")),
		Trackers:    q["tr"],
	}
	if xl := q.Get("xl"); xl != "" {
		if n, convErr := strconv.ParseInt(xl, 10, 64); convErr == nil && n > 0 {
			m.Size = n
		}
	}
	return m, nil
}

// NormalizeHash converts a 40-char hex or 32-char base32 infohash to
// lowercase hex.
func NormalizeHash(raw string) (string, error) {
	switch len(raw) {
	case 40:
		if _, err := hex.DecodeString(raw); err != nil {
			return "", fmt.Errorf("%w: invalid hex infohash %q", crawler.ErrParse, raw)
		}
		return strings.ToLower(raw), nil
	case 32:
		decoded, err := base32.StdEncoding.DecodeString(strings.ToUpper(raw))
		if err != nil {
			return "", fmt.Errorf("%w: invalid base32 infohash %q", crawler.ErrParse, raw)
		}
		return hex.EncodeToString(decoded), nil
	default:
		return "", fmt.Errorf("%w: infohash %q has length %d", crawler.ErrParse, raw, len(raw))
	}
}
