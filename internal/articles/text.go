package articles

import (
	"regexp"
	"strings"
)

// DefaultExcerptLength is the cut-off used for article previews.
const DefaultExcerptLength = 150

// PlaceholderImage is shown for articles without an image.
const PlaceholderImage = "/images/placeholder.jpg"

// Truncate shortens text to at most n runes, appending "..." when cut.
func Truncate(text string, n int) string {
	if n < 0 {
		n = 0
	}
	r := []rune(text)
	if len(r) <= n {
		return text
	}
	return string(r[:n]) + "..."
}

var (
	slugStrip  = regexp.MustCompile(`[^a-z0-9 -]`)
	slugSpaces = regexp.MustCompile(`\s+`)
	slugDashes = regexp.MustCompile(`-+`)
	emailRe    = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	htmlTagRe  = regexp.MustCompile(`<[^>]*>`)
)

// Slug derives a URL slug from a title.
func Slug(title string) string {
	s := strings.ToLower(title)
	s = slugStrip.ReplaceAllString(s, "")
	s = slugSpaces.ReplaceAllString(s, "-")
	s = slugDashes.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// ValidEmail is a loose syntactic check.
func ValidEmail(email string) bool {
	return emailRe.MatchString(email)
}

// PlainText strips markup from article content for terminal display.
func PlainText(html string) string {
	s := htmlTagRe.ReplaceAllString(html, " ")
	s = strings.NewReplacer("&nbsp;", " ", "&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

// ImageURL resolves an article image against the API base URL.
func ImageURL(baseURL, imageURL string) string {
	switch {
	case imageURL == "":
		return PlaceholderImage
	case strings.HasPrefix(imageURL, "http"):
		return imageURL
	}
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(imageURL, "/")
}
