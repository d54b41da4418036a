package settings

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/magnet-crawler/internal/crawler"
)

func TestProxyURLRotatesAndBypasses(t *testing.T) {
	t.Parallel()

	profile := crawler.ProxyProfile{
		URLs:    []string{"http://p1:3128", "socks5://p2:1080"},
		NoProxy: []string{".internal.example"},
	}

	u, err := ProxyURL(profile, "https://forum.example/list", 1)
	require.NoError(t, err)
	require.Equal(t, "p1:3128", u.Host)

	u, err = ProxyURL(profile, "https://forum.example/list", 2)
	require.NoError(t, err)
	require.Equal(t, "p2:1080", u.Host)

	u, err = ProxyURL(profile, "https://forum.example/list", 3)
	require.NoError(t, err)
	require.Equal(t, "p1:3128", u.Host)

	for _, target := range []string{
		"http://127.0.0.1:8080/",
		"http://192.168.1.20/",
		"http://localhost/",
		"https://api.internal.example/",
	} {
		u, err = ProxyURL(profile, target, 1)
		require.NoError(t, err)
		require.Nil(t, u, target)
	}

	u, err = ProxyURL(crawler.ProxyProfile{Direct: true, URLs: profile.URLs}, "https://forum.example", 1)
	require.NoError(t, err)
	require.Nil(t, u)
}

func TestProxyURLRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := ProxyURL(crawler.ProxyProfile{URLs: []string{"::not a url"}}, "https://forum.example", 1)
	require.ErrorIs(t, err, crawler.ErrConfigurationMissing)
}
