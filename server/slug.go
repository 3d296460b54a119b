package server

import (
	"regexp"
	"strings"
)

var (
	slugStrip    = regexp.MustCompile(`[^\s\w-]`)
	slugCollapse = regexp.MustCompile(`[\s_-]+`)
)

// slugify lowercases s and reduces it to letters, digits, and single dashes.
func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = slugStrip.ReplaceAllString(s, "")
	s = slugCollapse.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// slugFilename renders a URL-safe filename, slugging the base name and
// keeping the extension. Names that slug away to nothing become "getfile".
func slugFilename(name string) string {
	base := name
	ext := ""
	if i := strings.LastIndex(name, "."); i > 0 {
		base, ext = name[:i], name[i+1:]
	}

	slug := slugify(base)
	if slug == "" {
		slug = "getfile"
	}
	if ext == "" {
		return slug
	}
	return slug + "." + ext
}
