package extract

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	labeledSizePattern = regexp.MustCompile(`(?i)(?:容量|大小|size|filesize)\s*[：:]?\s*(\d+(?:\.\d+)?)\s*([KMGT]i?B|[KMGT])`)
	bareSizePattern    = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*([KMGT]i?B|[KMGT])\b`)
)

var sizeUnits = map[byte]float64{
	'K': 1 << 10,
	'M': 1 << 20,
	'G': 1 << 30,
	'T': 1 << 40,
}

// ParseSize finds the first size expression in text and returns it in bytes.
// Labelled sizes ("容量：4.2G", "Size: 700 MB") win over bare ones.
func ParseSize(text string) (int64, bool) {
	for _, re := range []*regexp.Regexp{labeledSizePattern, bareSizePattern} {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		value, err := strconv.ParseFloat(m[1], 64)
		if err != nil || value <= 0 {
			continue
		}
		unit := sizeUnits[strings.ToUpper(m[2])[0]]
		return int64(value * unit), true
	}
	return 0, false
}
