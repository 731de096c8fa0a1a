package download

import (
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// sanitizeFileName reduces name to a bare file name. When name is empty the
// last path segment of rawURL is used; when it has no extension the URL's
// extension is appended.
func sanitizeFileName(name, rawURL string) string {
	urlBase := ""
	if u, err := url.Parse(rawURL); err == nil {
		urlBase = path.Base(u.Path)
		if unescaped, err := url.PathUnescape(urlBase); err == nil {
			urlBase = unescaped
		}
	}

	name = baseName(name)
	if name == "" {
		name = baseName(urlBase)
	}
	if name == "" {
		return "download"
	}
	if !hasExt(name) {
		if ext := filepath.Ext(baseName(urlBase)); hasExt(ext) {
			name += ext
		}
	}
	return name
}

// hasExt reports whether name ends in something shaped like a file
// extension. "Super Mario Bros. (USA)" does not.
func hasExt(name string) bool {
	ext := filepath.Ext(name)
	return len(ext) > 1 && len(ext) <= 8 && !strings.ContainsAny(ext, " ()[]")
}

func baseName(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexAny(s, `/\`); i >= 0 {
		s = s[i+1:]
	}
	s = strings.Map(func(r rune) rune {
		if r < 0x20 || strings.ContainsRune(`<>:"|?*`, r) {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	if s == "." || s == ".." {
		return ""
	}
	return s
}
