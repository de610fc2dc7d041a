package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/szaher/newsdesk/internal/articles"
)

const (
	outputTable = "table"
	outputJSON  = "json"
)

func checkOutputFormat() error {
	switch outputFormat {
	case outputTable, outputJSON:
		return nil
	default:
		return fmt.Errorf("unknown output format %q (expected %s or %s)", outputFormat, outputTable, outputJSON)
	}
}

func jsonOutput() bool {
	return outputFormat == outputJSON
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// printArticles writes list as a table, or as JSON when requested.
func printArticles(w io.Writer, list []articles.Article) error {
	if jsonOutput() {
		if list == nil {
			list = []articles.Article{}
		}
		return printJSON(w, list)
	}
	if len(list) == 0 {
		fmt.Fprintln(w, "No articles found.")
		return nil
	}

	fmt.Fprintf(w, "%-6s %-50s %-14s %-20s %s\n", "ID", "TITLE", "CATEGORY", "AUTHOR", "VIEWS")
	fmt.Fprintln(w, strings.Repeat("-", 100))
	for _, a := range list {
		fmt.Fprintf(w, "%-6d %-50s %-14s %-20s %d\n",
			a.ID, articles.Truncate(a.Title, 46), a.Category, articles.Truncate(a.Author, 16), a.ViewCount)
	}
	return nil
}

// printPage writes one page of articles followed by a position footer.
func printPage(w io.Writer, p articles.Page[articles.Article]) error {
	if jsonOutput() {
		return printJSON(w, p)
	}
	if err := printArticles(w, p.Content); err != nil {
		return err
	}
	if p.TotalPages > 0 {
		fmt.Fprintf(w, "\nPage %d of %d (%d articles)\n", p.Number+1, p.TotalPages, p.TotalElements)
	}
	return nil
}

// printArticle writes the full article with its content as plain text.
func printArticle(w io.Writer, baseURL string, a articles.Article) error {
	if jsonOutput() {
		return printJSON(w, a)
	}
	fmt.Fprintf(w, "%s\n", a.Title)
	fmt.Fprintln(w, strings.Repeat("=", len([]rune(a.Title))))
	fmt.Fprintf(w, "ID:        %d\n", a.ID)
	fmt.Fprintf(w, "Author:    %s\n", a.Author)
	fmt.Fprintf(w, "Category:  %s\n", a.Category)
	if a.CreatedAt != "" {
		fmt.Fprintf(w, "Published: %s\n", a.CreatedAt)
	}
	if tags := a.TagList(); len(tags) > 0 {
		fmt.Fprintf(w, "Tags:      %s\n", strings.Join(tags, ", "))
	}
	fmt.Fprintf(w, "Views:     %d\n", a.ViewCount)
	fmt.Fprintf(w, "Image:     %s\n", articles.ImageURL(baseURL, a.ImageURL))
	if a.Excerpt != "" {
		fmt.Fprintf(w, "\n%s\n", articles.PlainText(a.Excerpt))
	}
	if body := articles.PlainText(a.Content); body != "" {
		fmt.Fprintf(w, "\n%s\n", body)
	}
	return nil
}
