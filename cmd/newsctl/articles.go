package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/szaher/newsdesk/internal/articles"
)

func newArticlesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "articles",
		Aliases: []string{"article", "a"},
		Short:   "Read published articles",
	}

	cmd.AddCommand(newArticlesListCmd())
	cmd.AddCommand(newArticlesGetCmd())
	cmd.AddCommand(newArticlesSearchCmd())
	cmd.AddCommand(newArticlesCategoryCmd())
	cmd.AddCommand(newArticlesCategoriesCmd())
	cmd.AddCommand(newArticlesFixedListCmd("featured", "Show featured articles", (*articles.Service).Featured))
	cmd.AddCommand(newArticlesFixedListCmd("latest", "Show the latest articles", (*articles.Service).Latest))
	cmd.AddCommand(newArticlesFixedListCmd("popular", "Show the most viewed articles", (*articles.Service).Popular))

	return cmd
}

// pageFlags binds --page and --size. Pages are numbered from 1 on the
// command line and from 0 by the API.
func pageFlags(cmd *cobra.Command, page, size *int) {
	cmd.Flags().IntVar(page, "page", 1, "Page number, starting at 1")
	cmd.Flags().IntVar(size, "size", articles.DefaultPageSize, "Articles per page")
}

func apiPage(page int) int {
	if page < 1 {
		return 0
	}
	return page - 1
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid article id %q", s)
	}
	return id, nil
}

func newArticlesListCmd() *cobra.Command {
	var page, size int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List published articles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				p, err := a.articles.List(ctx, apiPage(page), size)
				if err != nil {
					return err
				}
				return printPage(a.out, p)
			})
		},
	}
	pageFlags(cmd, &page, &size)
	return cmd
}

func newArticlesGetCmd() *cobra.Command {
	var noCount bool

	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one article",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				art, err := a.articles.Get(ctx, id)
				if err != nil {
					return err
				}
				if !noCount {
					if err := a.articles.IncrementView(ctx, id); err != nil {
						a.logger.Debug("recording article view", "id", id, "error", err)
					}
				}
				return printArticle(a.out, a.api.BaseURL(), art)
			})
		},
	}
	cmd.Flags().BoolVar(&noCount, "no-count", false, "Do not record a view")
	return cmd
}

func newArticlesSearchCmd() *cobra.Command {
	var (
		page, size int
		quick      bool
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search articles",
		Long: `Search articles by title and content.

With --quick the search behaves like the portal's search-as-you-type box:
at most five results, and nothing for queries shorter than three characters.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if quick {
					list, err := a.articles.QuickSearch(ctx, query)
					if err != nil {
						return err
					}
					return printArticles(a.out, list)
				}
				p, err := a.articles.Search(ctx, query, apiPage(page), size)
				if err != nil {
					return err
				}
				return printPage(a.out, p)
			})
		},
	}
	pageFlags(cmd, &page, &size)
	cmd.Flags().BoolVar(&quick, "quick", false, "Quick search (top five results)")
	return cmd
}

func newArticlesCategoryCmd() *cobra.Command {
	var page, size int

	cmd := &cobra.Command{
		Use:   "category <name>",
		Short: "List articles in a category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				p, err := a.articles.ByCategory(ctx, args[0], apiPage(page), size)
				if err != nil {
					return err
				}
				return printPage(a.out, p)
			})
		},
	}
	pageFlags(cmd, &page, &size)
	return cmd
}

func newArticlesCategoriesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "categories",
		Short: "List article categories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				cats, err := a.articles.Categories(ctx)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(a.out, cats)
				}
				for _, c := range cats {
					fmt.Fprintln(a.out, c)
				}
				return nil
			})
		},
	}
}

func newArticlesFixedListCmd(use, short string, fetch func(*articles.Service, context.Context) ([]articles.Article, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				list, err := fetch(a.articles, ctx)
				if err != nil {
					return err
				}
				return printArticles(a.out, list)
			})
		},
	}
}
