package articles

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/szaher/newsdesk/internal/apiclient"
)

// QuickSearchSize is the number of results a quick search returns.
const QuickSearchSize = 5

// minQuickSearchLength is the shortest trimmed query worth sending.
const minQuickSearchLength = 3

// Service calls the article endpoints.
type Service struct {
	api *apiclient.Client
}

// NewService creates an article client.
func NewService(api *apiclient.Client) *Service {
	return &Service{api: api}
}

func pageQuery(page, size int) url.Values {
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	return url.Values{
		"page": {strconv.Itoa(page)},
		"size": {strconv.Itoa(size)},
	}
}

func (s *Service) page(ctx context.Context, path string, q url.Values) (Page[Article], error) {
	var p Page[Article]
	if err := s.api.Get(ctx, path, &p, apiclient.WithQuery(q)); err != nil {
		return Page[Article]{}, err
	}
	return p, nil
}

// list fetches endpoints that answer with either a bare array or a page.
func (s *Service) list(ctx context.Context, path string) ([]Article, error) {
	var raw json.RawMessage
	if err := s.api.Get(ctx, path, &raw); err != nil {
		return nil, err
	}
	return decodeList(raw)
}

func decodeList(raw json.RawMessage) ([]Article, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '[' {
		var out []Article
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode articles: %w", err)
		}
		return out, nil
	}
	var p Page[Article]
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode articles: %w", err)
	}
	return p.Content, nil
}

// List returns a page of published articles.
func (s *Service) List(ctx context.Context, page, size int) (Page[Article], error) {
	p, err := s.page(ctx, "/v1/user/articles", pageQuery(page, size))
	if err != nil {
		return p, fmt.Errorf("list articles: %w", err)
	}
	return p, nil
}

// Get returns one article.
func (s *Service) Get(ctx context.Context, id int64) (Article, error) {
	var a Article
	if err := s.api.Get(ctx, fmt.Sprintf("/v1/user/article/%d", id), &a); err != nil {
		return Article{}, fmt.Errorf("get article %d: %w", id, err)
	}
	return a, nil
}

// ByCategory returns a page of articles in category.
func (s *Service) ByCategory(ctx context.Context, category string, page, size int) (Page[Article], error) {
	p, err := s.page(ctx, "/v1/user/articles/category/"+url.PathEscape(category), pageQuery(page, size))
	if err != nil {
		return p, fmt.Errorf("list category %q: %w", category, err)
	}
	return p, nil
}

// Search returns a page of articles matching query.
func (s *Service) Search(ctx context.Context, query string, page, size int) (Page[Article], error) {
	q := pageQuery(page, size)
	q.Set("q", query)
	p, err := s.page(ctx, "/v1/user/search", q)
	if err != nil {
		return p, fmt.Errorf("search %q: %w", query, err)
	}
	return p, nil
}

// QuickSearch is the search-as-you-type lookup: queries of two characters
// or fewer after trimming return nothing without calling the API.
func (s *Service) QuickSearch(ctx context.Context, query string) ([]Article, error) {
	query = strings.TrimSpace(query)
	if len([]rune(query)) < minQuickSearchLength {
		return nil, nil
	}
	p, err := s.Search(ctx, query, 0, QuickSearchSize)
	if err != nil {
		return nil, err
	}
	return p.Content, nil
}

// Featured returns the featured articles.
func (s *Service) Featured(ctx context.Context) ([]Article, error) {
	out, err := s.list(ctx, "/v1/user/featured")
	if err != nil {
		return nil, fmt.Errorf("featured articles: %w", err)
	}
	return out, nil
}

// Latest returns the most recent articles.
func (s *Service) Latest(ctx context.Context) ([]Article, error) {
	out, err := s.list(ctx, "/v1/user/latest")
	if err != nil {
		return nil, fmt.Errorf("latest articles: %w", err)
	}
	return out, nil
}

// Popular returns the most viewed articles.
func (s *Service) Popular(ctx context.Context) ([]Article, error) {
	out, err := s.list(ctx, "/v1/user/most-viewed")
	if err != nil {
		return nil, fmt.Errorf("popular articles: %w", err)
	}
	return out, nil
}

// Categories returns the categories known to the API, accepting either a
// bare array or {"categories": [...]}. An empty answer falls back to the
// built-in list.
func (s *Service) Categories(ctx context.Context) ([]string, error) {
	var raw json.RawMessage
	if err := s.api.Get(ctx, "/v1/user/categories", &raw); err != nil {
		return nil, fmt.Errorf("categories: %w", err)
	}

	var out []string
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode categories: %w", err)
		}
	} else if len(raw) > 0 {
		var wrapped struct {
			Categories []string `json:"categories"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, fmt.Errorf("decode categories: %w", err)
		}
		out = wrapped.Categories
	}

	if len(out) == 0 {
		return append([]string(nil), Categories...), nil
	}
	return out, nil
}

// IncrementView records a read of article id.
func (s *Service) IncrementView(ctx context.Context, id int64) error {
	if err := s.api.Post(ctx, fmt.Sprintf("/v1/user/%d/view", id), nil, nil); err != nil {
		return fmt.Errorf("increment view of %d: %w", id, err)
	}
	return nil
}

// AdminList returns a page of all articles, drafts included.
func (s *Service) AdminList(ctx context.Context, page, size int) (Page[Article], error) {
	p, err := s.page(ctx, "/api/articles/admin/all", pageQuery(page, size))
	if err != nil {
		return p, fmt.Errorf("list all articles: %w", err)
	}
	return p, nil
}

// Create validates and publishes a new article.
func (s *Service) Create(ctx context.Context, d Draft) (Article, error) {
	if err := d.Validate(); err != nil {
		return Article{}, err
	}
	var a Article
	if err := s.api.Post(ctx, "/api/articles", d, &a); err != nil {
		return Article{}, fmt.Errorf("create article: %w", err)
	}
	return a, nil
}

// Update validates and replaces article id.
func (s *Service) Update(ctx context.Context, id int64, d Draft) (Article, error) {
	if err := d.Validate(); err != nil {
		return Article{}, err
	}
	var a Article
	if err := s.api.Put(ctx, fmt.Sprintf("/api/articles/%d", id), d, &a); err != nil {
		return Article{}, fmt.Errorf("update article %d: %w", id, err)
	}
	return a, nil
}

// Delete removes article id.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.api.Delete(ctx, fmt.Sprintf("/api/articles/%d", id), nil); err != nil {
		return fmt.Errorf("delete article %d: %w", id, err)
	}
	return nil
}

// ToggleFeatured flips the featured flag of article id. The returned
// article is zero when the API answers without a body.
func (s *Service) ToggleFeatured(ctx context.Context, id int64) (Article, error) {
	a, err := s.toggle(ctx, fmt.Sprintf("/api/articles/%d/featured", id))
	if err != nil {
		return Article{}, fmt.Errorf("toggle featured on %d: %w", id, err)
	}
	return a, nil
}

// TogglePublished flips the published flag of article id.
func (s *Service) TogglePublished(ctx context.Context, id int64) (Article, error) {
	a, err := s.toggle(ctx, fmt.Sprintf("/api/articles/%d/publish", id))
	if err != nil {
		return Article{}, fmt.Errorf("toggle published on %d: %w", id, err)
	}
	return a, nil
}

func (s *Service) toggle(ctx context.Context, path string) (Article, error) {
	var raw []byte
	if err := s.api.Put(ctx, path, nil, &raw); err != nil {
		return Article{}, err
	}
	var a Article
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &a); err != nil {
			return Article{}, fmt.Errorf("decode article: %w", err)
		}
	}
	return a, nil
}
