package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/szaher/newsdesk/internal/articles"
	"github.com/szaher/newsdesk/internal/authapi"
)

// Admin routes checked against the guard rules before a command runs.
const (
	routeAdminDashboard = "/admin/dashboard"
	routeAdminArticles  = "/admin/articles"
	routeAdminNew       = "/admin/articles/new"
	routeAdminEdit      = "/admin/articles/edit"
	routeAdminProfile   = "/admin/profile"
)

func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage articles and the admin profile (requires login)",
	}

	cmd.AddCommand(newAdminListCmd())
	cmd.AddCommand(newAdminCreateCmd())
	cmd.AddCommand(newAdminUpdateCmd())
	cmd.AddCommand(newAdminDeleteCmd())
	cmd.AddCommand(newAdminToggleCmd("feature", "Toggle the featured flag of an article", (*articles.Service).ToggleFeatured))
	cmd.AddCommand(newAdminToggleCmd("publish", "Toggle the published flag of an article", (*articles.Service).TogglePublished))
	cmd.AddCommand(newAdminStatsCmd())
	cmd.AddCommand(newAdminProfileCmd())

	return cmd
}

// withAdmin is withApp for commands behind an admin route.
func withAdmin(cmd *cobra.Command, route string, fn func(ctx context.Context, a *app) error) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if err := a.requireRoute(route); err != nil {
			return err
		}
		return fn(ctx, a)
	})
}

func newAdminListCmd() *cobra.Command {
	var page, size int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all articles, drafts included",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, routeAdminArticles, func(ctx context.Context, a *app) error {
				p, err := a.articles.AdminList(ctx, apiPage(page), size)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(a.out, p)
				}
				if len(p.Content) == 0 {
					fmt.Fprintln(a.out, "No articles found.")
					return nil
				}
				fmt.Fprintf(a.out, "%-6s %-46s %-14s %-9s %-9s %s\n", "ID", "TITLE", "CATEGORY", "FEATURED", "STATE", "VIEWS")
				fmt.Fprintln(a.out, strings.Repeat("-", 100))
				for _, art := range p.Content {
					state := "draft"
					if art.Published {
						state = "published"
					}
					fmt.Fprintf(a.out, "%-6d %-46s %-14s %-9s %-9s %d\n",
						art.ID, articles.Truncate(art.Title, 42), art.Category, yesNo(art.Featured), state, art.ViewCount)
				}
				if p.TotalPages > 0 {
					fmt.Fprintf(a.out, "\nPage %d of %d (%d articles)\n", p.Number+1, p.TotalPages, p.TotalElements)
				}
				return nil
			})
		},
	}
	pageFlags(cmd, &page, &size)
	return cmd
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// draftFlags holds the article fields settable from the command line.
type draftFlags struct {
	title, content, contentFile, excerpt string
	category, author, image, tags        string
	featured, draft                      bool
}

func (f *draftFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.title, "title", "", "Article title")
	cmd.Flags().StringVar(&f.content, "content", "", "Article content (HTML)")
	cmd.Flags().StringVar(&f.contentFile, "content-file", "", "Read the content from a file ('-' for stdin)")
	cmd.Flags().StringVar(&f.excerpt, "excerpt", "", "Short summary")
	cmd.Flags().StringVar(&f.category, "category", "", "Category (see 'newsctl articles categories')")
	cmd.Flags().StringVar(&f.author, "author", "", "Author (default: the logged-in admin)")
	cmd.Flags().StringVar(&f.image, "image", "", "Image URL")
	cmd.Flags().StringVar(&f.tags, "tags", "", "Comma-separated tags")
	cmd.Flags().BoolVar(&f.featured, "featured", false, "Feature the article")
	cmd.Flags().BoolVar(&f.draft, "draft", false, "Save without publishing")
}

// apply copies every flag the user set onto d.
func (f *draftFlags) apply(cmd *cobra.Command, d *articles.Draft) error {
	set := cmd.Flags().Changed
	if set("title") {
		d.Title = f.title
	}
	if set("content") {
		d.Content = f.content
	}
	if set("content-file") {
		data, err := readContentFile(cmd, f.contentFile)
		if err != nil {
			return err
		}
		d.Content = data
	}
	if set("excerpt") {
		d.Excerpt = f.excerpt
	}
	if set("category") {
		d.Category = f.category
	}
	if set("author") {
		d.Author = f.author
	}
	if set("image") {
		d.ImageURL = f.image
	}
	if set("tags") {
		d.Tags = f.tags
	}
	if set("featured") {
		d.Featured = f.featured
	}
	if set("draft") {
		d.Published = !f.draft
	}
	return nil
}

func readContentFile(cmd *cobra.Command, path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("reading content from stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading content: %w", err)
	}
	return string(data), nil
}

func printSaved(a *app, verb string, art articles.Article) error {
	if jsonOutput() {
		return printJSON(a.out, art)
	}
	slug := art.Slug
	if slug == "" {
		slug = articles.Slug(art.Title)
	}
	fmt.Fprintf(a.out, "%s article %d: %s (%s)\n", verb, art.ID, art.Title, slug)
	return nil
}

func newAdminCreateCmd() *cobra.Command {
	var f draftFlags

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Write a new article",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, routeAdminNew, func(ctx context.Context, a *app) error {
				d := articles.NewDraft(a.principalName())
				if err := f.apply(cmd, &d); err != nil {
					return err
				}
				art, err := a.articles.Create(ctx, d)
				if err != nil {
					return err
				}
				return printSaved(a, "Created", art)
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func newAdminUpdateCmd() *cobra.Command {
	var f draftFlags

	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit an article; unset flags keep their current value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withAdmin(cmd, routeAdminEdit, func(ctx context.Context, a *app) error {
				current, err := a.articles.Get(ctx, id)
				if err != nil {
					return err
				}
				d := articles.DraftFrom(current)
				if d.Author == "" {
					d.Author = a.principalName()
				}
				if err := f.apply(cmd, &d); err != nil {
					return err
				}
				art, err := a.articles.Update(ctx, id, d)
				if err != nil {
					return err
				}
				if art.ID == 0 {
					art.ID = id
				}
				if art.Title == "" {
					art.Title = d.Title
				}
				return printSaved(a, "Updated", art)
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func newAdminDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an article",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withAdmin(cmd, routeAdminArticles, func(ctx context.Context, a *app) error {
				if err := a.articles.Delete(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Deleted article %d\n", id)
				return nil
			})
		},
	}
}

func newAdminToggleCmd(use, short string, toggle func(*articles.Service, context.Context, int64) (articles.Article, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withAdmin(cmd, routeAdminArticles, func(ctx context.Context, a *app) error {
				art, err := toggle(a.articles, ctx, id)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(a.out, art)
				}
				if art.ID == 0 {
					fmt.Fprintf(a.out, "Toggled %s on article %d\n", use, id)
					return nil
				}
				fmt.Fprintf(a.out, "Article %d: featured=%s published=%s\n", art.ID, yesNo(art.Featured), yesNo(art.Published))
				return nil
			})
		},
	}
}

func newAdminStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show dashboard counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, routeAdminDashboard, func(ctx context.Context, a *app) error {
				s, err := a.auth.Stats(ctx)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(a.out, s)
				}
				fmt.Fprintf(a.out, "Total articles:     %d\n", s.TotalArticles)
				fmt.Fprintf(a.out, "Published articles: %d\n", s.PublishedArticles)
				fmt.Fprintf(a.out, "Total views:        %d\n", s.TotalViews)
				fmt.Fprintf(a.out, "Views today:        %d\n", s.ViewsToday)
				return nil
			})
		},
	}
}

func newAdminProfileCmd() *cobra.Command {
	var fullName, username, email string

	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Show or update the admin profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			set := cmd.Flags().Changed
			update := set("full-name") || set("username") || set("email")
			if set("email") && !articles.ValidEmail(email) {
				return fmt.Errorf("invalid email address %q", email)
			}
			if set("full-name") && strings.TrimSpace(fullName) == "" {
				return errors.New("full name cannot be empty")
			}

			return withAdmin(cmd, routeAdminProfile, func(ctx context.Context, a *app) error {
				p, err := a.auth.Profile(ctx)
				if err != nil {
					return err
				}
				if update {
					if set("full-name") {
						p.FullName = strings.TrimSpace(fullName)
					}
					if set("username") {
						p.Username = username
					}
					if set("email") {
						p.Email = email
					}
					if p, err = a.auth.UpdateProfile(ctx, p); err != nil {
						return err
					}
				}
				return printProfile(a, p, update)
			})
		},
	}

	cmd.Flags().StringVar(&fullName, "full-name", "", "New full name")
	cmd.Flags().StringVar(&username, "username", "", "New username")
	cmd.Flags().StringVar(&email, "email", "", "New email address")

	return cmd
}

func printProfile(a *app, p authapi.Profile, updated bool) error {
	if jsonOutput() {
		return printJSON(a.out, p)
	}
	if updated {
		fmt.Fprintln(a.out, "Profile updated.")
	}
	fmt.Fprintf(a.out, "Name:     %s\n", p.DisplayName())
	if p.Username != "" {
		fmt.Fprintf(a.out, "Username: %s\n", p.Username)
	}
	if p.Email != "" {
		fmt.Fprintf(a.out, "Email:    %s\n", p.Email)
	}
	return nil
}
