package settings

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/JakeFAU/magnet-crawler/internal/crawler"
)

// ProxyURL picks the proxy for target on the given attempt (1-based),
// rotating through the profile's URLs. It returns nil when the request should
// go direct: the profile is direct, the host is loopback or private, or the
// host matches the profile's no_proxy list.
func ProxyURL(profile crawler.ProxyProfile, target string, attempt int) (*url.URL, error) {
	if profile.Direct || len(profile.URLs) == 0 {
		return nil, nil
	}
	host := crawler.HostOf(target)
	if Bypass(host, profile.NoProxy) {
		return nil, nil
	}
	if attempt < 1 {
		attempt = 1
	}
	raw := profile.URLs[(attempt-1)%len(profile.URLs)]
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid proxy url %q", crawler.ErrConfigurationMissing, raw)
	}
	return u, nil
}

// Bypass reports whether host should skip the proxy.
func Bypass(host string, noProxy []string) bool {
	if host == "" || host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() {
			return true
		}
	}
	for _, entry := range noProxy {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if entry == "*" || host == entry || strings.HasSuffix(host, "."+strings.TrimPrefix(entry, ".")) {
			return true
		}
	}
	return false
}
