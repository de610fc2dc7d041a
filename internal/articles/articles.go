// Package articles is the client for the news portal's article endpoints,
// both the public reader API and the admin API.
package articles

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// DefaultPageSize matches the portal's page size.
const DefaultPageSize = 10

// MaxTitleLength is the longest title the API accepts.
const MaxTitleLength = 255

// Categories is the fixed category list offered when writing an article.
var Categories = []string{
	"Politics",
	"Technology",
	"Sports",
	"Entertainment",
	"Business",
	"Health",
	"Environment",
	"Education",
}

// Article is a news article as served by the API.
type Article struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	Slug      string `json:"slug,omitempty"`
	Content   string `json:"content,omitempty"`
	Excerpt   string `json:"excerpt,omitempty"`
	Category  string `json:"category"`
	Author    string `json:"author"`
	ImageURL  string `json:"imageUrl,omitempty"`
	Tags      string `json:"tags,omitempty"`
	Featured  bool   `json:"featured"`
	Published bool   `json:"published"`
	ViewCount int64  `json:"viewCount"`
	CreatedAt string `json:"createdAt,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// TagList splits the comma-separated tags.
func (a Article) TagList() []string {
	var out []string
	for _, t := range strings.Split(a.Tags, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Page is one page of a paginated listing.
type Page[T any] struct {
	Content       []T   `json:"content"`
	TotalPages    int   `json:"totalPages"`
	TotalElements int64 `json:"totalElements"`
	Number        int   `json:"number"`
	Size          int   `json:"size"`
}

// Last reports whether this is the final page.
func (p Page[T]) Last() bool {
	return p.Number+1 >= p.TotalPages
}

// Draft is the payload for creating or updating an article.
type Draft struct {
	Title     string `json:"title"`
	Content   string `json:"content"`
	Excerpt   string `json:"excerpt"`
	Category  string `json:"category"`
	Author    string `json:"author"`
	ImageURL  string `json:"imageUrl"`
	Featured  bool   `json:"featured"`
	Published bool   `json:"published"`
	Tags      string `json:"tags"`
}

// NewDraft returns an empty published draft credited to author.
func NewDraft(author string) Draft {
	return Draft{Author: author, Published: true}
}

// DraftFrom copies an existing article into a draft for editing.
func DraftFrom(a Article) Draft {
	return Draft{
		Title:     a.Title,
		Content:   a.Content,
		Excerpt:   a.Excerpt,
		Category:  a.Category,
		Author:    a.Author,
		ImageURL:  a.ImageURL,
		Featured:  a.Featured,
		Published: a.Published,
		Tags:      a.Tags,
	}
}

// ValidationError lists invalid draft fields.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = e.Fields[k]
	}
	return "invalid article: " + strings.Join(parts, "; ")
}

// Validate checks the fields the API requires.
func (d Draft) Validate() error {
	fields := map[string]string{}

	switch {
	case strings.TrimSpace(d.Title) == "":
		fields["title"] = "Title is required"
	case utf8.RuneCountInString(d.Title) > MaxTitleLength:
		fields["title"] = fmt.Sprintf("Title must be less than %d characters", MaxTitleLength)
	}
	if strings.TrimSpace(d.Content) == "" {
		fields["content"] = "Content is required"
	}
	if d.Category == "" {
		fields["category"] = "Category is required"
	}
	if strings.TrimSpace(d.Author) == "" {
		fields["author"] = "Author is required"
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// IsValidation reports whether err came from Draft.Validate.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
