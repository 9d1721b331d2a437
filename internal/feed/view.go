package feed

import (
	"time"

	"github.com/fathomfeed/fathom/internal/models"
	"github.com/fathomfeed/fathom/internal/store"
)

// PostView is the externally visible post representation: denormalized
// counters merged with the requesting user's own engagement state. The my_*
// fields are nil for anonymous callers and for absent rows.
type PostView struct {
	ID           uint       `json:"id"`
	Topic        string     `json:"topic"`
	Text         string     `json:"text"`
	Timestamp    time.Time  `json:"timestamp"`
	ExpandedText *string    `json:"expanded_text"`
	ExpandedAt   *time.Time `json:"expanded_at"`

	Score     int  `json:"score"`
	Upvotes   int  `json:"upvotes"`
	Downvotes int  `json:"downvotes"`
	MyVote    *int `json:"my_vote"`

	LearnedCount   int   `json:"learned_count"`
	SurprisedCount int   `json:"surprised_count"`
	MyLearned      *bool `json:"my_learned"`
	MySurprised    *bool `json:"my_surprised"`

	PowerCount int   `json:"power_count"`
	MyPowered  *bool `json:"my_powered"`

	ParentID *uint `json:"parent_id,omitempty"`
	RootID   *uint `json:"root_id,omitempty"`
	Depth    int   `json:"depth,omitempty"`
}

// PowerView extends PostView with the outcome of a power toggle.
type PowerView struct {
	PostView
	PowerThreshold int   `json:"power_threshold"`
	PowerTriggered bool  `json:"power_triggered"`
	NewPostID      *uint `json:"new_post_id"`
}

// composeView merges a post with one user's state. state is nil for
// anonymous callers, leaving every my_* field nil.
func composeView(p *models.Post, state *store.UserState) PostView {
	view := PostView{
		ID:             p.ID,
		Topic:          p.Topic,
		Text:           p.Text,
		Timestamp:      p.Timestamp,
		ExpandedText:   p.ExpandedText,
		ExpandedAt:     p.ExpandedAt,
		Score:          p.Score,
		Upvotes:        p.Upvotes,
		Downvotes:      p.Downvotes,
		LearnedCount:   p.LearnedCount,
		SurprisedCount: p.SurprisedCount,
		PowerCount:     p.PowerCount,
		ParentID:       p.ParentID,
		RootID:         p.RootID,
		Depth:          p.Depth,
	}
	if state == nil {
		return view
	}
	if v, ok := state.Votes[p.ID]; ok {
		view.MyVote = &v
	}
	if r, ok := state.Reactions[p.ID]; ok {
		learned, surprised := r.Learned, r.Surprised
		view.MyLearned = &learned
		view.MySurprised = &surprised
	}
	if pw, ok := state.Powers[p.ID]; ok {
		powered := pw
		view.MyPowered = &powered
	}
	return view
}

func composeViews(posts []models.Post, state *store.UserState) []PostView {
	views := make([]PostView, 0, len(posts))
	for i := range posts {
		views = append(views, composeView(&posts[i], state))
	}
	return views
}

func postIDs(posts []models.Post) []uint {
	ids := make([]uint, 0, len(posts))
	for i := range posts {
		ids = append(ids, posts[i].ID)
	}
	return ids
}
