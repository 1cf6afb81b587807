// Package sample provides a leaderboard game module that tallies audience
// engagement per user.
package sample

import (
	"cmp"
	"slices"
	"sync"

	"cohort/server/internal/audience"
	"cohort/server/internal/session"
)

// Name identifies the module in diagnostics.
const Name = "leaderboard"

const topN = 10

// UserScore is one leaderboard row.
type UserScore struct {
	UserID   string `json:"userId"`
	Likes    int    `json:"likes"`
	Gifts    int    `json:"gifts"`
	Comments int    `json:"comments"`
}

// State is the snapshot payload.
type State struct {
	TickID        int64       `json:"tickId"`
	TotalLikes    int         `json:"totalLikes"`
	TotalGifts    int         `json:"totalGifts"`
	TotalComments int         `json:"totalComments"`
	TopLikers     []UserScore `json:"topLikers"`
	TopGifters    []UserScore `json:"topGifters"`
	LastComment   string      `json:"lastComment,omitempty"`
}

// Game counts likes, gifts and comments. Snapshots are immutable copies.
type Game struct {
	mu          sync.Mutex
	tickID      int64
	users       map[string]*UserScore
	likes       int
	gifts       int
	comments    int
	lastComment string
}

// New constructs an empty leaderboard.
func New() *Game {
	return &Game{users: make(map[string]*UserScore)}
}

// Factory creates a fresh leaderboard per session.
func Factory() session.GameModuleFactory {
	return session.GameModuleFactoryFunc(func(string) (session.GameModule, error) {
		return New(), nil
	})
}

func (g *Game) Name() string {
	return Name
}

// ApplyEvents tallies events in order.
func (g *Game) ApplyEvents(tickID int64, events []audience.Event) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tickID = tickID
	for _, event := range events {
		user := g.user(event.UserID)
		switch event.Kind {
		case audience.KindLike:
			n := audience.LikeCount(event)
			user.Likes += n
			g.likes += n
		case audience.KindGift:
			n := event.Count()
			user.Gifts += n
			g.gifts += n
		case audience.KindComment:
			user.Comments++
			g.comments++
			g.lastComment = event.Text
		}
	}
	return nil
}

func (g *Game) user(id string) *UserScore {
	score, ok := g.users[id]
	if !ok {
		score = &UserScore{UserID: id}
		g.users[id] = score
	}
	return score
}

// StateSnapshot returns the current totals and leaderboards.
func (g *Game) StateSnapshot() (any, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return State{
		TickID:        g.tickID,
		TotalLikes:    g.likes,
		TotalGifts:    g.gifts,
		TotalComments: g.comments,
		TopLikers:     g.top(func(s UserScore) int { return s.Likes }),
		TopGifters:    g.top(func(s UserScore) int { return s.Gifts }),
		LastComment:   g.lastComment,
	}, nil
}

func (g *Game) top(score func(UserScore) int) []UserScore {
	rows := make([]UserScore, 0, len(g.users))
	for _, u := range g.users {
		if score(*u) > 0 {
			rows = append(rows, *u)
		}
	}
	slices.SortFunc(rows, func(a, b UserScore) int {
		if c := cmp.Compare(score(b), score(a)); c != 0 {
			return c
		}
		return cmp.Compare(a.UserID, b.UserID)
	})
	if len(rows) > topN {
		rows = rows[:topN]
	}
	return rows
}

func (g *Game) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.users = make(map[string]*UserScore)
	return nil
}
