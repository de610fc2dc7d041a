package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/szaher/newsdesk/internal/articles"
)

type homeOutput struct {
	Featured []articles.Article `json:"featured"`
	Latest   []articles.Article `json:"latest"`
	Popular  []articles.Article `json:"popular"`
}

func newHomeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "home",
		Short: "Show the front page: featured, latest and most viewed articles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				home, err := fetchHome(ctx, a.articles)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(a.out, home)
				}

				sections := []struct {
					title string
					list  []articles.Article
				}{
					{"Featured", home.Featured},
					{"Latest", home.Latest},
					{"Most viewed", home.Popular},
				}
				for i, s := range sections {
					if i > 0 {
						fmt.Fprintln(a.out)
					}
					fmt.Fprintf(a.out, "== %s ==\n", s.title)
					if err := printArticles(a.out, s.list); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

// fetchHome loads the three front-page lists concurrently. The first
// failure cancels the others.
func fetchHome(ctx context.Context, svc *articles.Service) (homeOutput, error) {
	var out homeOutput
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		out.Featured, err = svc.Featured(ctx)
		return err
	})
	g.Go(func() error {
		var err error
		out.Latest, err = svc.Latest(ctx)
		return err
	})
	g.Go(func() error {
		var err error
		out.Popular, err = svc.Popular(ctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return homeOutput{}, err
	}
	return out, nil
}
