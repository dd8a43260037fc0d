package webdav

import (
	"errors"
	"net/url"
	"strings"
)

var (
	// ErrOutsideRoot is returned when a ".." segment would climb above the root.
	ErrOutsideRoot = errors.New("webdav: path escapes root")
	// ErrInvalidPath reports a path that cannot be represented in the store.
	ErrInvalidPath = errors.New("webdav: invalid path")
)

// Normalize returns the canonical form of p: slash separated, rooted at "/",
// without empty, "." or ".." segments and without a trailing slash.
func Normalize(p string) (string, error) {
	if strings.IndexByte(p, 0) >= 0 {
		return "", ErrInvalidPath
	}

	p = strings.ReplaceAll(p, "\\", "/")
	segments := make([]string, 0, strings.Count(p, "/")+1)
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".":
		case "..":
			if len(segments) == 0 {
				return "", ErrOutsideRoot
			}
			segments = segments[:len(segments)-1]
		default:
			segments = append(segments, seg)
		}
	}

	return "/" + strings.Join(segments, "/"), nil
}

// ResolveDestination turns a Destination header into a store path. The header
// may be an absolute URL or a path optionally preceded by the request host.
// The servlet prefix is removed from the result.
func ResolveDestination(header, host, prefix string) (string, error) {
	if header == "" {
		return "", errInvalidDestination
	}

	dst := header
	if i := strings.Index(dst, "://"); i >= 0 {
		dst = dst[i+3:]
		if j := strings.IndexByte(dst, '/'); j >= 0 {
			dst = dst[j:]
		} else {
			dst = "/"
		}
	} else if host != "" {
		hostname := host
		if i := strings.LastIndexByte(hostname, ':'); i >= 0 && !strings.Contains(hostname[i:], "]") {
			hostname = hostname[:i]
		}
		if strings.HasPrefix(dst, hostname) {
			dst = dst[len(hostname):]
			if strings.HasPrefix(dst, ":") {
				if j := strings.IndexByte(dst, '/'); j >= 0 {
					dst = dst[j:]
				} else {
					dst = "/"
				}
			}
		}
	}

	if i := strings.IndexByte(dst, '?'); i >= 0 {
		dst = dst[:i]
	}

	unescaped, err := url.PathUnescape(dst)
	if err != nil {
		return "", errInvalidDestination
	}

	normalized, err := Normalize(unescaped)
	if err != nil {
		return "", err
	}

	return stripPrefix(normalized, prefix)
}

// stripPrefix removes the servlet prefix from a normalized path on a segment
// boundary.
func stripPrefix(p, prefix string) (string, error) {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return p, nil
	}

	if p == prefix {
		return "/", nil
	}
	if strings.HasPrefix(p, prefix+"/") {
		return p[len(prefix):], nil
	}
	return "", errPrefixMismatch
}
