package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/persona-curator/internal/backend"
	"github.com/ChuLiYu/persona-curator/internal/store"
	"github.com/ChuLiYu/persona-curator/pkg/types"
)

// ============================================================================
// search
// ============================================================================

func buildSearchCommand() *cobra.Command {
	var q backend.SearchQuery
	var industry string

	cmd := &cobra.Command{
		Use:   "search QUERY",
		Short: "Search the service's articles and keep the hits",
		Long:  "Run a similarity search on the service, print the hits and add them to the article snapshot so the next personalize run scores them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			if industry != "" {
				ind, err := types.ParseIndustry(industry)
				if err != nil {
					return err
				}
				q.Industry = ind
			}
			q.Text = strings.Join(args, " ")
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return a.search(ctx, q)
		},
	}

	cmd.Flags().IntVarP(&q.Limit, "limit", "n", 20, "maximum number of hits (1-100)")
	cmd.Flags().IntVar(&q.Offset, "offset", 0, "skip this many hits")
	cmd.Flags().StringVar(&industry, "industry", "", "only search this industry")
	return cmd
}

func (a *app) search(ctx context.Context, q backend.SearchQuery) error {
	hits, err := a.client.SearchArticles(ctx, q)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}
	if len(hits) == 0 {
		fmt.Fprintf(a.out, "No articles match %q\n", q.Text)
		return nil
	}

	found := make([]types.Article, 0, len(hits))
	rows := make([][]string, 0, len(hits))
	for i, h := range hits {
		found = append(found, h.Article)
		rows = append(rows, []string{
			fmt.Sprintf("%d", i+1),
			string(h.Article.ID),
			truncate(h.Article.Title, 60),
			fmt.Sprintf("%.4f", h.Similarity),
			strings.Join(h.Article.Categories, ","),
		})
	}

	var added int
	err = a.update(ctx, func(st *store.ArticleStore, _ *types.StoreSnapshot) error {
		added = st.UpsertBatch(found)
		return nil
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(a.out, renderTable(
		[]string{"#", "ID", "Title", "Similarity", "Categories"},
		rows,
		[]columnAlignment{alignRight, alignRight, alignLeft, alignRight, alignLeft},
	))
	fmt.Fprintf(a.out, "%d hits, %d new articles\n", len(hits), added)
	return nil
}

// ============================================================================
// message
// ============================================================================

type messageOptions struct {
	platform   string
	ids        []string
	top        int
	regenerate bool
}

func buildMessageCommand() *cobra.Command {
	var pf personaFlags
	var opts messageOptions

	cmd := &cobra.Command{
		Use:   "message",
		Short: "Draft an outreach message from the top ranked articles",
		Long: `Ask the service for a platform-specific message (email, linkedin, twitter, slack)
about the top ranked articles, or about the articles given with --id.
Without --name the message is written for the persona the articles are ranked for.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return a.message(ctx, pf.persona(), opts)
		},
	}

	pf.bind(cmd)
	cmd.Flags().StringVarP(&opts.platform, "platform", "p", string(types.PlatformEmail), "email, linkedin, twitter (x) or slack")
	cmd.Flags().StringSliceVar(&opts.ids, "id", nil, "article ids to write about (default: top ranked)")
	cmd.Flags().IntVarP(&opts.top, "top", "n", 3, "number of top ranked articles to use")
	cmd.Flags().BoolVar(&opts.regenerate, "regenerate", false, "bypass the service's message cache")
	return cmd
}

func (a *app) message(ctx context.Context, persona types.Persona, opts messageOptions) error {
	platform, err := types.ParsePlatform(opts.platform)
	if err != nil {
		return err
	}
	st, _, err := a.loadStore()
	if err != nil {
		return err
	}

	articles, err := selectArticles(st, opts)
	if err != nil {
		return err
	}

	req := backend.MessageRequest{Articles: articles, Platform: platform, Regenerate: opts.regenerate}
	switch {
	case persona.Valid():
		req.Persona = &persona
	default:
		if id, ok := st.RankedFor(); ok {
			p := types.Persona{RecipientName: id.RecipientName, JobTitle: id.JobTitle, Company: id.Company}
			req.Persona = &p
		}
	}

	msg, err := a.client.GenerateMessage(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to generate message: %w", err)
	}

	fmt.Fprintln(a.out, msg.Text)
	if msg.Cached {
		fmt.Fprintln(a.out, "\n(cached; use --regenerate for a new draft)")
	}
	return nil
}

// selectArticles 依 --id 挑選文章，否則取排序最前的 top 篇
func selectArticles(st *store.ArticleStore, opts messageOptions) ([]types.Article, error) {
	if len(opts.ids) > 0 {
		out := make([]types.Article, 0, len(opts.ids))
		for _, raw := range opts.ids {
			art, err := st.Get(types.ArticleID(strings.TrimSpace(raw)))
			if err != nil {
				return nil, fmt.Errorf("article %s: %w", raw, err)
			}
			out = append(out, art)
		}
		return out, nil
	}

	ranked := st.Ranked()
	if len(ranked) == 0 {
		return nil, errors.New("no articles stored yet, run 'persona-curator fetch' first")
	}
	n := opts.top
	if n <= 0 || n > len(ranked) {
		n = len(ranked)
	}
	return ranked[:n], nil
}
