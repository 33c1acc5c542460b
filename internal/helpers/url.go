// Package helpers holds small text and URL utilities shared by the tool
// adapters.
package helpers

import (
	"errors"
	"net/url"
	"path"
	"sort"
	"strings"
)

var trackingParams = map[string]bool{
	"utm_source": true, "utm_medium": true, "utm_campaign": true, "utm_term": true,
	"utm_content": true, "utm_id": true, "gclid": true, "fbclid": true,
	"msclkid": true, "igshid": true, "guccounter": true, "ncid": true,
}

// CanonicalURL normalises a link so syndicated copies of the same article
// compare equal: lower-case scheme and host, no default port, no "www."
// prefix, a cleaned path, no fragment, no tracking parameters and sorted
// query keys. A missing scheme becomes https.
func CanonicalURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" && u.Host == "" {
		if u, err = url.Parse("https://" + strings.TrimPrefix(raw, "//")); err != nil {
			return "", err
		}
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme == "" {
		u.Scheme = "https"
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", errors.New("url missing host")
	}
	host = strings.TrimPrefix(host, "www.")
	if port := u.Port(); port != "" && !(u.Scheme == "http" && port == "80") && !(u.Scheme == "https" && port == "443") {
		host += ":" + port
	}
	u.Host = host
	u.User = nil
	u.Fragment = ""

	p := path.Clean("/" + u.Path)
	if p != "/" && strings.HasSuffix(u.Path, "/") {
		p += "/"
	}
	u.Path, u.RawPath = p, ""

	q := u.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		if trackingParams[strings.ToLower(k)] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		vals := append([]string(nil), q[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			if v != "" {
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
	}
	u.RawQuery = b.String()
	return u.String(), nil
}

// URLKey is CanonicalURL for dedup maps; unparsable links key on their
// trimmed lower-case text.
func URLKey(raw string) string {
	if c, err := CanonicalURL(raw); err == nil {
		return c
	}
	return strings.ToLower(strings.TrimSpace(raw))
}
