package models

import (
	"time"
)

// Post is a single generated fact card. Counters are denormalized onto the
// row so feeds can sort without joining the engagement tables; they are only
// mutated through the store's engagement operations.
type Post struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	Topic     string    `gorm:"not null;index" json:"topic"`
	Text      string    `gorm:"not null;uniqueIndex" json:"text"`
	Timestamp time.Time `gorm:"not null" json:"timestamp"`

	// Expansion cache, filled lazily by the expand endpoint.
	ExpandedText *string    `json:"expanded_text"`
	ExpandedAt   *time.Time `json:"expanded_at"`

	// Denormalized counters. Invariant: Score == Upvotes - Downvotes,
	// and none of these ever go negative.
	Score          int `gorm:"not null;default:0" json:"score"`
	Upvotes        int `gorm:"not null;default:0" json:"upvotes"`
	Downvotes      int `gorm:"not null;default:0" json:"downvotes"`
	LearnedCount   int `gorm:"not null;default:0" json:"learned_count"`
	SurprisedCount int `gorm:"not null;default:0" json:"surprised_count"`
	PowerCount     int `gorm:"not null;default:0" json:"power_count"`

	// Lineage: set on posts spawned by the power trigger. A removed parent
	// nulls out ParentID rather than cascading.
	ParentID *uint `gorm:"index" json:"parent_id,omitempty"`
	Parent   *Post `gorm:"foreignKey:ParentID;constraint:OnDelete:SET NULL" json:"-"`
	RootID   *uint `json:"root_id,omitempty"`
	Depth    int   `gorm:"not null;default:0" json:"depth,omitempty"`
}

// Vote is one user's vote on one post. Value is -1, 0, or 1; a neutral vote
// is normally represented by deleting the row.
type Vote struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	PostID    uint      `gorm:"not null;uniqueIndex:uq_vote_post_user" json:"post_id"`
	UserID    string    `gorm:"not null;uniqueIndex:uq_vote_post_user" json:"user_id"`
	Value     int       `gorm:"not null;default:0" json:"value"`
	Timestamp time.Time `gorm:"not null" json:"timestamp"`
	Post      *Post     `gorm:"foreignKey:PostID;constraint:OnDelete:CASCADE" json:"-"`
}

// Reaction holds both per-user reaction flags for one post. Rows are created
// lazily on the first explicit write.
type Reaction struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	PostID    uint      `gorm:"not null;uniqueIndex:uq_reaction_post_user" json:"post_id"`
	UserID    string    `gorm:"not null;uniqueIndex:uq_reaction_post_user" json:"user_id"`
	Learned   bool      `gorm:"not null;default:false" json:"learned"`
	Surprised bool      `gorm:"not null;default:false" json:"surprised"`
	Timestamp time.Time `gorm:"not null" json:"timestamp"`
	Post      *Post     `gorm:"foreignKey:PostID;constraint:OnDelete:CASCADE" json:"-"`
}

// Power is one user's power toggle on one post. All rows for a post are
// cleared when the threshold trigger fires so the gauge can refill.
type Power struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	PostID    uint      `gorm:"not null;uniqueIndex:uq_power_post_user" json:"post_id"`
	UserID    string    `gorm:"not null;uniqueIndex:uq_power_post_user" json:"user_id"`
	Enabled   bool      `gorm:"not null;default:false" json:"enabled"`
	Timestamp time.Time `gorm:"not null" json:"timestamp"`
	Post      *Post     `gorm:"foreignKey:PostID;constraint:OnDelete:CASCADE" json:"-"`
}
