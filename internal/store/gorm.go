package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/fathomfeed/fathom/internal/models"
)

// mixedCandidateCap bounds how many recent rows the mixed feed considers
// before round-robining in memory.
const mixedCandidateCap = 400

// GormStore persists through GORM (SQLite or Postgres). Each engagement
// mutation runs inside a transaction so a concurrent write for the same
// (user, post) pair cannot interleave; uniqueness constraints on the
// engagement tables are the backstop.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

var _ Store = (*GormStore)(nil)

// Migrate creates or updates the schema for all entities.
func (s *GormStore) Migrate() error {
	return s.db.AutoMigrate(&models.Post{}, &models.Vote{}, &models.Reaction{}, &models.Power{})
}

func (s *GormStore) CreatePost(ctx context.Context, topic, text string, parentID *uint) (*models.Post, error) {
	post := models.Post{
		Topic:     topic,
		Text:      text,
		Timestamp: time.Now().UTC(),
		ParentID:  parentID,
	}
	if err := s.db.WithContext(ctx).Create(&post).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrConflict
		}
		return nil, err
	}
	return &post, nil
}

func (s *GormStore) GetPost(ctx context.Context, id uint) (*models.Post, error) {
	var post models.Post
	if err := s.db.WithContext(ctx).First(&post, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &post, nil
}

func (s *GormStore) ListPosts(ctx context.Context, opts ListOptions) ([]models.Post, error) {
	q := s.db.WithContext(ctx).Model(&models.Post{})
	if opts.Topic != "" {
		q = q.Where("topic = ?", opts.Topic)
	}
	if len(opts.ExcludeIDs) > 0 {
		q = q.Where("id NOT IN ?", opts.ExcludeIDs)
	}
	if opts.Random {
		// No stable cursor under random order; every page is a fresh draw.
		q = q.Order("RANDOM()")
	} else {
		q = q.Order("timestamp DESC").Offset(opts.Offset)
	}
	var posts []models.Post
	if err := q.Limit(opts.Limit).Find(&posts).Error; err != nil {
		return nil, err
	}
	return posts, nil
}

func (s *GormStore) MixedPosts(ctx context.Context, count int, random bool, excludeIDs []uint) ([]models.Post, error) {
	q := s.db.WithContext(ctx).Model(&models.Post{})
	if len(excludeIDs) > 0 {
		q = q.Where("id NOT IN ?", excludeIDs)
	}
	if random {
		q = q.Order("RANDOM()")
	} else {
		q = q.Order("timestamp DESC")
	}
	var candidates []models.Post
	if err := q.Limit(mixedCandidateCap).Find(&candidates).Error; err != nil {
		return nil, err
	}
	return roundRobinByTopic(candidates, count), nil
}

func (s *GormStore) SaveExpansion(ctx context.Context, id uint, text string) (*models.Post, error) {
	var post models.Post
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&post, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		now := time.Now().UTC()
		post.ExpandedText = &text
		post.ExpandedAt = &now
		return tx.Save(&post).Error
	})
	if err != nil {
		return nil, err
	}
	return &post, nil
}

func (s *GormStore) ApplyVote(ctx context.Context, postID uint, userID string, value int) (*models.Post, error) {
	var post models.Post
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&post, postID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		var vote models.Vote
		old := 0
		err := tx.Where("post_id = ? AND user_id = ?", postID, userID).First(&vote).Error
		switch {
		case err == nil:
			old = vote.Value
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}

		if old == value {
			return nil
		}

		applyVoteDelta(&post, old, value)
		if err := tx.Save(&post).Error; err != nil {
			return err
		}

		if value == 0 {
			if vote.ID != 0 {
				return tx.Delete(&vote).Error
			}
			return nil
		}
		vote.PostID = postID
		vote.UserID = userID
		vote.Value = value
		vote.Timestamp = time.Now().UTC()
		return tx.Save(&vote).Error
	})
	if err != nil {
		return nil, err
	}
	return &post, nil
}

func (s *GormStore) ApplyReaction(ctx context.Context, postID uint, userID string, learned, surprised *bool) (*models.Post, error) {
	var post models.Post
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&post, postID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		var react models.Reaction
		err := tx.Where("post_id = ? AND user_id = ?", postID, userID).First(&react).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			react = models.Reaction{PostID: postID, UserID: userID}
		} else if err != nil {
			return err
		}

		if learned != nil && react.Learned != *learned {
			react.Learned = *learned
			if *learned {
				post.LearnedCount++
			} else {
				post.LearnedCount = max(0, post.LearnedCount-1)
			}
		}
		if surprised != nil && react.Surprised != *surprised {
			react.Surprised = *surprised
			if *surprised {
				post.SurprisedCount++
			} else {
				post.SurprisedCount = max(0, post.SurprisedCount-1)
			}
		}

		react.Timestamp = time.Now().UTC()
		if err := tx.Save(&react).Error; err != nil {
			return err
		}
		return tx.Save(&post).Error
	})
	if err != nil {
		return nil, err
	}
	return &post, nil
}

func (s *GormStore) ApplyPower(ctx context.Context, postID uint, userID string, enabled bool) (*models.Post, bool, error) {
	var post models.Post
	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&post, postID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		var power models.Power
		old := false
		err := tx.Where("post_id = ? AND user_id = ?", postID, userID).First(&power).Error
		switch {
		case err == nil:
			old = power.Enabled
		case errors.Is(err, gorm.ErrRecordNotFound):
			power = models.Power{PostID: postID, UserID: userID}
		default:
			return err
		}

		if old == enabled {
			return nil
		}
		changed = true

		if enabled {
			post.PowerCount++
		} else {
			post.PowerCount = max(0, post.PowerCount-1)
		}
		power.Enabled = enabled
		power.Timestamp = time.Now().UTC()
		if err := tx.Save(&power).Error; err != nil {
			return err
		}
		return tx.Save(&post).Error
	})
	if err != nil {
		return nil, false, err
	}
	return &post, changed, nil
}

func (s *GormStore) SpawnChild(ctx context.Context, parentID uint, text string) (*models.Post, error) {
	var child models.Post
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var parent models.Post
		if err := tx.First(&parent, parentID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		rootID := parent.ID
		if parent.RootID != nil {
			rootID = *parent.RootID
		}
		child = models.Post{
			Topic:     parent.Topic,
			Text:      text,
			Timestamp: time.Now().UTC(),
			ParentID:  &parent.ID,
			RootID:    &rootID,
			Depth:     parent.Depth + 1,
		}
		if err := tx.Create(&child).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrConflict
			}
			return err
		}

		parent.PowerCount = 0
		if err := tx.Save(&parent).Error; err != nil {
			return err
		}
		// Clear every user's toggle so the gauge can refill from zero.
		return tx.Where("post_id = ?", parentID).Delete(&models.Power{}).Error
	})
	if err != nil {
		return nil, err
	}
	return &child, nil
}

func (s *GormStore) UserState(ctx context.Context, userID string, postIDs []uint) (*UserState, error) {
	state := &UserState{
		Votes:     make(map[uint]int),
		Reactions: make(map[uint]ReactionState),
		Powers:    make(map[uint]bool),
	}
	if len(postIDs) == 0 {
		return state, nil
	}

	var votes []models.Vote
	if err := s.db.WithContext(ctx).Where("user_id = ? AND post_id IN ?", userID, postIDs).Find(&votes).Error; err != nil {
		return nil, err
	}
	for _, v := range votes {
		state.Votes[v.PostID] = v.Value
	}

	var reacts []models.Reaction
	if err := s.db.WithContext(ctx).Where("user_id = ? AND post_id IN ?", userID, postIDs).Find(&reacts).Error; err != nil {
		return nil, err
	}
	for _, r := range reacts {
		state.Reactions[r.PostID] = ReactionState{Learned: r.Learned, Surprised: r.Surprised}
	}

	var powers []models.Power
	if err := s.db.WithContext(ctx).Where("user_id = ? AND post_id IN ?", userID, postIDs).Find(&powers).Error; err != nil {
		return nil, err
	}
	for _, p := range powers {
		state.Powers[p.PostID] = p.Enabled
	}
	return state, nil
}
