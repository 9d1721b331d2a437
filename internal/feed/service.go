// Package feed implements the engagement aggregation and content-spawning
// logic on top of a store.Store and a gen.Generator.
package feed

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/fathomfeed/fathom/internal/gen"
	"github.com/fathomfeed/fathom/internal/models"
	"github.com/fathomfeed/fathom/internal/store"
)

const (
	maxGenerateCount = 50
	maxSubjectCount  = 100
)

// Service coordinates engagement writes, the power threshold trigger and
// view composition. The threshold is a positive, process-wide setting.
type Service struct {
	store     store.Store
	gen       gen.Generator
	threshold int
}

func NewService(st store.Store, g gen.Generator, threshold int) *Service {
	return &Service{store: st, gen: g, threshold: threshold}
}

func (s *Service) Threshold() int { return s.threshold }

// PostInput is one topic/text pair for direct or bulk creation.
type PostInput struct {
	Topic string `json:"topic" binding:"required"`
	Text  string `json:"text" binding:"required"`
}

// TopicCount is one item of a multi-topic generation batch.
type TopicCount struct {
	Topic string `json:"topic" binding:"required"`
	Count int    `json:"count"`
}

// userState fetches one user's rows for the given posts; anonymous callers
// get nil back without a lookup.
func (s *Service) userState(ctx context.Context, userID string, ids []uint) (*store.UserState, error) {
	if userID == "" {
		return nil, nil
	}
	return s.store.UserState(ctx, userID, ids)
}

// viewOf composes a single post for userID, including the caller's own
// engagement rows.
func (s *Service) viewOf(ctx context.Context, userID string, post *models.Post) (*PostView, error) {
	state, err := s.userState(ctx, userID, []uint{post.ID})
	if err != nil {
		return nil, err
	}
	view := composeView(post, state)
	return &view, nil
}

func (s *Service) GetPost(ctx context.Context, userID string, id uint) (*PostView, error) {
	post, err := s.store.GetPost(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.viewOf(ctx, userID, post)
}

func (s *Service) ListPosts(ctx context.Context, userID string, opts store.ListOptions) ([]PostView, error) {
	posts, err := s.store.ListPosts(ctx, opts)
	if err != nil {
		return nil, err
	}
	state, err := s.userState(ctx, userID, postIDs(posts))
	if err != nil {
		return nil, err
	}
	return composeViews(posts, state), nil
}

func (s *Service) MixedPosts(ctx context.Context, userID string, count int, random bool, excludeIDs []uint) ([]PostView, error) {
	posts, err := s.store.MixedPosts(ctx, count, random, excludeIDs)
	if err != nil {
		return nil, err
	}
	state, err := s.userState(ctx, userID, postIDs(posts))
	if err != nil {
		return nil, err
	}
	return composeViews(posts, state), nil
}

// CreatePost inserts one post directly; duplicate text surfaces as
// store.ErrConflict.
func (s *Service) CreatePost(ctx context.Context, in PostInput) (*models.Post, error) {
	if strings.TrimSpace(in.Topic) == "" || strings.TrimSpace(in.Text) == "" {
		return nil, ErrInvalidArgument
	}
	return s.store.CreatePost(ctx, in.Topic, in.Text, nil)
}

// CreatePosts inserts many posts, silently skipping duplicates.
func (s *Service) CreatePosts(ctx context.Context, items []PostInput) ([]models.Post, error) {
	created := make([]models.Post, 0, len(items))
	for _, in := range items {
		post, err := s.CreatePost(ctx, in)
		if err != nil {
			if errors.Is(err, store.ErrConflict) || errors.Is(err, ErrInvalidArgument) {
				continue
			}
			return nil, err
		}
		created = append(created, *post)
	}
	return created, nil
}

// Vote sets the caller's vote to value (-1, 0 or 1). Repeating the stored
// value is a no-op that still returns the current state.
func (s *Service) Vote(ctx context.Context, userID string, postID uint, value int) (*PostView, error) {
	if userID == "" {
		return nil, ErrIdentityRequired
	}
	if value < -1 || value > 1 {
		return nil, ErrInvalidArgument
	}
	post, err := s.store.ApplyVote(ctx, postID, userID, value)
	if err != nil {
		return nil, err
	}
	return s.viewOf(ctx, userID, post)
}

// React updates the learned/surprised flags independently; a nil flag is
// left unchanged. At least one flag must be supplied.
func (s *Service) React(ctx context.Context, userID string, postID uint, learned, surprised *bool) (*PostView, error) {
	if userID == "" {
		return nil, ErrIdentityRequired
	}
	if learned == nil && surprised == nil {
		return nil, ErrInvalidArgument
	}
	post, err := s.store.ApplyReaction(ctx, postID, userID, learned, surprised)
	if err != nil {
		return nil, err
	}
	return s.viewOf(ctx, userID, post)
}

// Power sets the caller's power toggle and evaluates the threshold trigger
// exactly once when this request actually moved the counter. A trigger
// failure never fails the toggle: the committed counter stays put and the
// crossing can retry on the next toggle.
func (s *Service) Power(ctx context.Context, userID string, postID uint, enabled bool) (*PowerView, error) {
	if userID == "" {
		return nil, ErrIdentityRequired
	}
	post, changed, err := s.store.ApplyPower(ctx, postID, userID, enabled)
	if err != nil {
		return nil, err
	}

	triggered := false
	var newPostID *uint
	if changed && post.PowerCount >= s.threshold {
		child, err := s.spawnFollowup(ctx, post)
		if err != nil {
			log.Printf("power trigger failed post_id=%d: %v", post.ID, err)
		} else {
			triggered = true
			newPostID = &child.ID
			// Re-read the parent: the spawn reset its counter.
			post, err = s.store.GetPost(ctx, postID)
			if err != nil {
				return nil, err
			}
		}
	}

	view, err := s.viewOf(ctx, userID, post)
	if err != nil {
		return nil, err
	}
	out := &PowerView{
		PostView:       *view,
		PowerThreshold: s.threshold,
		PowerTriggered: triggered,
		NewPostID:      newPostID,
	}
	log.Printf("power post_id=%d user=%s count=%d threshold=%d triggered=%v",
		postID, userID, out.PowerCount, s.threshold, triggered)
	return out, nil
}

// spawnFollowup generates one follow-up line and atomically creates the
// child while resetting the parent's gauge. Any failure leaves the parent
// untouched.
func (s *Service) spawnFollowup(ctx context.Context, parent *models.Post) (*models.Post, error) {
	line, err := s.gen.Followup(ctx, parent.Topic, parent.Text)
	if err != nil {
		return nil, err
	}
	return s.store.SpawnChild(ctx, parent.ID, line)
}

// Expand returns the post's long-form text, generating and caching it on
// first request. force regenerates even when a cached expansion exists.
func (s *Service) Expand(ctx context.Context, userID string, postID uint, force bool, style string) (*PostView, error) {
	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	if force || post.ExpandedText == nil || *post.ExpandedText == "" {
		longer, err := s.gen.Expansion(ctx, post.Topic, post.Text, style)
		if err != nil {
			return nil, err
		}
		post, err = s.store.SaveExpansion(ctx, postID, longer)
		if err != nil {
			return nil, err
		}
	}
	return s.viewOf(ctx, userID, post)
}

// Generate produces count facts about topic and stores them, skipping any
// whose text already exists.
func (s *Service) Generate(ctx context.Context, topic string, count int) ([]models.Post, error) {
	return s.generate(ctx, topic, count, maxGenerateCount)
}

// GenerateForSubject is the per-subject batch variant with a higher cap.
func (s *Service) GenerateForSubject(ctx context.Context, topic string, count int) ([]models.Post, error) {
	return s.generate(ctx, topic, count, maxSubjectCount)
}

func (s *Service) generate(ctx context.Context, topic string, count, limit int) ([]models.Post, error) {
	if strings.TrimSpace(topic) == "" || count <= 0 || count > limit {
		return nil, ErrInvalidArgument
	}
	facts, err := s.gen.Facts(ctx, topic, count)
	if err != nil {
		return nil, err
	}
	return s.saveUniqueFacts(ctx, topic, facts)
}

// GenerateMulti runs one generation per item, isolating failures: a bad
// count or a failed generation skips that item without aborting the rest.
func (s *Service) GenerateMulti(ctx context.Context, items []TopicCount) ([]models.Post, error) {
	if len(items) == 0 {
		return nil, ErrInvalidArgument
	}
	var created []models.Post
	for _, item := range items {
		posts, err := s.generate(ctx, item.Topic, item.Count, maxGenerateCount)
		if err != nil {
			log.Printf("batch generation skipped topic=%q: %v", item.Topic, err)
			continue
		}
		created = append(created, posts...)
	}
	return created, nil
}

func (s *Service) saveUniqueFacts(ctx context.Context, topic string, facts []string) ([]models.Post, error) {
	created := make([]models.Post, 0, len(facts))
	for _, f := range facts {
		post, err := s.store.CreatePost(ctx, topic, f, nil)
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return nil, err
		}
		created = append(created, *post)
	}
	return created, nil
}
