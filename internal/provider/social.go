package provider

import (
	"context"
	"regexp"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/market-pulse/internal/model"
	"github.com/sells-group/market-pulse/pkg/social"
)

// DefaultSocialAccounts is the curated list of market news accounts
// followed when none are configured.
var DefaultSocialAccounts = []string{
	"Bloomberg", "Reuters", "CNBC", "SeekingAlpha", "WSJ", "FT",
	"theinformation", "faststocknews", "mingchikuo", "ivanaspear",
	"rihardjarc", "semianalysis_", "wallstengine", "stockmktnewz",
	"zephyr_z9", "ap", "aistocksavvy", "trendspider",
}

// SocialTimeline is the part of the social client the adapter needs.
type SocialTimeline interface {
	UserPosts(ctx context.Context, account string, since time.Time, limit int) ([]social.Post, error)
}

var cashtag = regexp.MustCompile(`\$([A-Za-z]{1,6}(?:\.[A-Za-z]{1,2})?)\b`)

const socialTitleRunes = 140

// Social collects recent posts from a curated account list. It is global:
// one call per cycle walks every account.
type Social struct {
	client     SocialTimeline
	accounts   []string
	perAccount int
}

// NewSocial creates the social adapter. Leading @ is stripped from
// accounts; an empty list uses DefaultSocialAccounts. perAccount caps the
// posts requested per account and defaults to 10.
func NewSocial(c SocialTimeline, accounts []string, perAccount int) *Social {
	if len(accounts) == 0 {
		accounts = DefaultSocialAccounts
	}
	seen := make(map[string]bool, len(accounts))
	var clean []string
	for _, a := range accounts {
		a = strings.TrimPrefix(strings.TrimSpace(a), "@")
		if a == "" || seen[strings.ToLower(a)] {
			continue
		}
		seen[strings.ToLower(a)] = true
		clean = append(clean, a)
	}
	if perAccount <= 0 {
		perAccount = 10
	}
	return &Social{client: c, accounts: clean, perAccount: perAccount}
}

func (s *Social) Name() string { return "social" }

func (s *Social) Scope() Scope { return ScopeGlobal }

// Fetch walks the account list. A rate limit, auth failure or outage from
// the gateway stops the walk and discards what was collected so the next
// cycle retries the same window. An account the gateway rejects on its own
// (unknown or suspended) counts as one dropped row.
func (s *Social) Fetch(ctx context.Context, _ string, since time.Time, limit int) ([]model.RawItem, error) {
	drops := rowDrops{provider: s.Name()}
	var items []model.RawItem

	for _, account := range s.accounts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		posts, err := s.client.UserPosts(ctx, account, since, s.perAccount)
		if err = drops.absorb(err); err != nil {
			err = Classify(s.Name(), err)
			if KindOf(err) != KindMalformed {
				return nil, err
			}
			zap.L().Warn("provider: skipping social account",
				zap.String("provider", s.Name()),
				zap.String("account", account),
				zap.Error(err),
			)
			drops.add(err)
			continue
		}

		for _, p := range posts {
			if p.CreatedAt.IsZero() || p.CreatedAt.Before(since) {
				continue
			}
			items = append(items, s.toItem(account, p))
		}
	}

	// Newest first so a limit keeps the freshest posts across accounts.
	slices.SortStableFunc(items, func(a, b model.RawItem) int {
		return b.PublishedAt.Compare(a.PublishedAt)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, drops.err()
}

func (s *Social) toItem(account string, p social.Post) model.RawItem {
	author := p.Author
	if author == "" {
		author = account
	}
	text := strings.Join(strings.Fields(p.Text), " ")

	var tickers []string
	for _, m := range cashtag.FindAllStringSubmatch(text, -1) {
		tickers = append(tickers, m[1])
	}

	return model.RawItem{
		Provider:    s.Name(),
		ExternalID:  p.ID,
		Kind:        model.ItemKindSocial,
		EntityRefs:  model.UnionEntities(tickers),
		PublishedAt: p.CreatedAt.UTC(),
		Title:       "@" + author + ": " + truncateRunes(text, socialTitleRunes),
		Body:        text,
		URL:         p.Permalink(author),
		Engagement: map[string]float64{
			"likes":    float64(p.Likes),
			"retweets": float64(p.Retweets),
			"replies":  float64(p.Replies),
		},
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "…"
}
