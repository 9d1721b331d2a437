// Package store defines the persistence contract for posts and per-user
// engagement rows, with two implementations: a GORM-backed transactional
// store and an in-memory store that snapshots to a JSON file.
package store

import (
	"context"
	"errors"
	"math/rand/v2"

	"github.com/fathomfeed/fathom/internal/models"
)

var (
	// ErrNotFound is returned for lookups of unknown post IDs.
	ErrNotFound = errors.New("post not found")
	// ErrConflict is returned when a post's text duplicates an existing
	// post. Bulk generation callers treat this as "skip", not a failure.
	ErrConflict = errors.New("duplicate post text")
)

// ListOptions filters and pages a post listing. When Random is set the
// offset is ignored: there is no stable cursor, every page is a fresh draw.
type ListOptions struct {
	Topic      string
	Limit      int
	Offset     int
	Random     bool
	ExcludeIDs []uint
}

// ReactionState mirrors the two independent reaction flags of one row.
type ReactionState struct {
	Learned   bool
	Surprised bool
}

// UserState carries one user's engagement rows across a batch of posts.
// A missing key means the user has no row for that post.
type UserState struct {
	Votes     map[uint]int
	Reactions map[uint]ReactionState
	Powers    map[uint]bool
}

// Store is the single persistence contract shared by the database-backed
// and in-memory implementations. Every mutating method persists
// synchronously before returning, and each engagement mutation executes as
// one atomic unit (transaction or critical section).
type Store interface {
	// CreatePost inserts a post; parentID is set for spawned children.
	CreatePost(ctx context.Context, topic, text string, parentID *uint) (*models.Post, error)
	GetPost(ctx context.Context, id uint) (*models.Post, error)
	ListPosts(ctx context.Context, opts ListOptions) ([]models.Post, error)
	// MixedPosts round-robins across topics to interleave variety instead
	// of returning a single topic's recent run.
	MixedPosts(ctx context.Context, count int, random bool, excludeIDs []uint) ([]models.Post, error)
	SaveExpansion(ctx context.Context, id uint, text string) (*models.Post, error)

	// ApplyVote sets the caller's vote to value (-1, 0 or 1), reversing
	// the old value's counter contribution and applying the new one.
	// Setting the stored value again is a no-op that still succeeds.
	ApplyVote(ctx context.Context, postID uint, userID string, value int) (*models.Post, error)
	// ApplyReaction updates each flag independently; nil leaves a flag
	// unchanged. Counters move in lockstep with the flags, floored at 0.
	ApplyReaction(ctx context.Context, postID uint, userID string, learned, surprised *bool) (*models.Post, error)
	// ApplyPower sets the caller's power toggle. The returned bool reports
	// whether the counter actually moved; callers evaluate the threshold
	// trigger only when it did.
	ApplyPower(ctx context.Context, postID uint, userID string, enabled bool) (*models.Post, bool, error)
	// SpawnChild atomically creates a child post under parentID, resets
	// the parent's power counter to zero and deletes every per-user power
	// row for the parent.
	SpawnChild(ctx context.Context, parentID uint, text string) (*models.Post, error)

	// UserState performs one bounded lookup per engagement kind across all
	// given post IDs.
	UserState(ctx context.Context, userID string, postIDs []uint) (*UserState, error)
}

// recalcScore keeps Score consistent with the clamped counters after any
// vote mutation.
func recalcScore(p *models.Post) {
	p.Score = p.Upvotes - p.Downvotes
}

// applyVoteDelta reverses prev's counter contribution and applies next's.
func applyVoteDelta(p *models.Post, prev, next int) {
	switch prev {
	case 1:
		p.Upvotes = max(0, p.Upvotes-1)
	case -1:
		p.Downvotes = max(0, p.Downvotes-1)
	}
	switch next {
	case 1:
		p.Upvotes++
	case -1:
		p.Downvotes++
	}
	recalcScore(p)
}

// roundRobinByTopic interleaves posts across topics: topic order is
// shuffled, then one post per topic is pulled in turn until count is
// reached or every topic runs dry. Posts keep their relative order within
// a topic.
func roundRobinByTopic(posts []models.Post, count int) []models.Post {
	byTopic := make(map[string][]models.Post)
	var topics []string
	for _, p := range posts {
		if _, ok := byTopic[p.Topic]; !ok {
			topics = append(topics, p.Topic)
		}
		byTopic[p.Topic] = append(byTopic[p.Topic], p)
	}
	rand.Shuffle(len(topics), func(i, j int) {
		topics[i], topics[j] = topics[j], topics[i]
	})

	out := make([]models.Post, 0, count)
	for len(out) < count {
		progressed := false
		for _, t := range topics {
			if len(out) >= count {
				break
			}
			if lst := byTopic[t]; len(lst) > 0 {
				out = append(out, lst[0])
				byTopic[t] = lst[1:]
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	return out
}

func excludeSet(ids []uint) map[uint]struct{} {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[uint]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
