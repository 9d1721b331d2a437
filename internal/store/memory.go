package store

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/fathomfeed/fathom/internal/models"
)

type engageKey struct {
	PostID uint
	UserID string
}

// MemoryStore is the offline-development implementation: all data lives in
// process and every mutation snapshots to a JSON file so state survives
// restarts. One mutex is the critical section standing in for the database
// transaction.
type MemoryStore struct {
	mu     sync.Mutex
	path   string
	nextID uint

	posts  map[uint]*models.Post
	texts  map[string]uint
	votes  map[engageKey]*models.Vote
	reacts map[engageKey]*models.Reaction
	powers map[engageKey]*models.Power
}

var _ Store = (*MemoryStore)(nil)

// snapshot is the on-disk layout of a MemoryStore.
type snapshot struct {
	NextID    uint              `json:"next_id"`
	Posts     []models.Post     `json:"posts"`
	Votes     []models.Vote     `json:"votes"`
	Reactions []models.Reaction `json:"reactions"`
	Powers    []models.Power    `json:"powers"`
	SavedAt   time.Time         `json:"saved_at"`
}

// NewMemoryStore opens (or creates) a file-backed in-memory store. A
// missing snapshot file starts the store empty.
func NewMemoryStore(path string) (*MemoryStore, error) {
	s := &MemoryStore{
		path:   path,
		nextID: 1,
		posts:  make(map[uint]*models.Post),
		texts:  make(map[string]uint),
		votes:  make(map[engageKey]*models.Vote),
		reacts: make(map[engageKey]*models.Reaction),
		powers: make(map[engageKey]*models.Power),
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	if err := s.load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return s, nil
}

func (s *MemoryStore) load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return err
	}
	for i := range snap.Posts {
		p := snap.Posts[i]
		s.posts[p.ID] = &p
		s.texts[p.Text] = p.ID
		if p.ID >= s.nextID {
			s.nextID = p.ID + 1
		}
	}
	for i := range snap.Votes {
		v := snap.Votes[i]
		s.votes[engageKey{v.PostID, v.UserID}] = &v
	}
	for i := range snap.Reactions {
		r := snap.Reactions[i]
		s.reacts[engageKey{r.PostID, r.UserID}] = &r
	}
	for i := range snap.Powers {
		p := snap.Powers[i]
		s.powers[engageKey{p.PostID, p.UserID}] = &p
	}
	if snap.NextID > s.nextID {
		s.nextID = snap.NextID
	}
	return nil
}

// save writes the snapshot through a temp file and rename so a crash never
// leaves a torn state file. Callers hold the mutex.
func (s *MemoryStore) save() error {
	snap := snapshot{NextID: s.nextID, SavedAt: time.Now().UTC()}
	for _, p := range s.posts {
		snap.Posts = append(snap.Posts, *p)
	}
	sort.Slice(snap.Posts, func(i, j int) bool { return snap.Posts[i].ID < snap.Posts[j].ID })
	for _, v := range s.votes {
		snap.Votes = append(snap.Votes, *v)
	}
	for _, r := range s.reacts {
		snap.Reactions = append(snap.Reactions, *r)
	}
	for _, p := range s.powers {
		snap.Powers = append(snap.Powers, *p)
	}

	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *MemoryStore) CreatePost(ctx context.Context, topic, text string, parentID *uint) (*models.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createPostLocked(topic, text, parentID)
}

func (s *MemoryStore) createPostLocked(topic, text string, parentID *uint) (*models.Post, error) {
	if _, dup := s.texts[text]; dup {
		return nil, ErrConflict
	}
	post := &models.Post{
		ID:        s.nextID,
		Topic:     topic,
		Text:      text,
		Timestamp: time.Now().UTC(),
		ParentID:  parentID,
	}
	s.nextID++
	s.posts[post.ID] = post
	s.texts[text] = post.ID
	if err := s.save(); err != nil {
		return nil, err
	}
	out := *post
	return &out, nil
}

func (s *MemoryStore) GetPost(ctx context.Context, id uint) (*models.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	post, ok := s.posts[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *post
	return &out, nil
}

// recentFirst returns copies of all posts, newest first, minus exclusions.
// Callers hold the mutex.
func (s *MemoryStore) recentFirst(topic string, excludeIDs []uint) []models.Post {
	excluded := excludeSet(excludeIDs)
	out := make([]models.Post, 0, len(s.posts))
	for _, p := range s.posts {
		if topic != "" && p.Topic != topic {
			continue
		}
		if _, skip := excluded[p.ID]; skip {
			continue
		}
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b models.Post) int {
		if !a.Timestamp.Equal(b.Timestamp) {
			return b.Timestamp.Compare(a.Timestamp)
		}
		return int(b.ID) - int(a.ID)
	})
	return out
}

func (s *MemoryStore) ListPosts(ctx context.Context, opts ListOptions) ([]models.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	posts := s.recentFirst(opts.Topic, opts.ExcludeIDs)
	if opts.Random {
		rand.Shuffle(len(posts), func(i, j int) { posts[i], posts[j] = posts[j], posts[i] })
		if len(posts) > opts.Limit {
			posts = posts[:opts.Limit]
		}
		return posts, nil
	}

	if opts.Offset >= len(posts) {
		return []models.Post{}, nil
	}
	posts = posts[opts.Offset:]
	if len(posts) > opts.Limit {
		posts = posts[:opts.Limit]
	}
	return posts, nil
}

func (s *MemoryStore) MixedPosts(ctx context.Context, count int, random bool, excludeIDs []uint) ([]models.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	posts := s.recentFirst("", excludeIDs)
	if random {
		rand.Shuffle(len(posts), func(i, j int) { posts[i], posts[j] = posts[j], posts[i] })
	}
	return roundRobinByTopic(posts, count), nil
}

func (s *MemoryStore) SaveExpansion(ctx context.Context, id uint, text string) (*models.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	post, ok := s.posts[id]
	if !ok {
		return nil, ErrNotFound
	}
	now := time.Now().UTC()
	post.ExpandedText = &text
	post.ExpandedAt = &now
	if err := s.save(); err != nil {
		return nil, err
	}
	out := *post
	return &out, nil
}

func (s *MemoryStore) ApplyVote(ctx context.Context, postID uint, userID string, value int) (*models.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	post, ok := s.posts[postID]
	if !ok {
		return nil, ErrNotFound
	}

	key := engageKey{postID, userID}
	old := 0
	if v, ok := s.votes[key]; ok {
		old = v.Value
	}

	if old != value {
		applyVoteDelta(post, old, value)
		if value == 0 {
			delete(s.votes, key)
		} else {
			s.votes[key] = &models.Vote{
				PostID:    postID,
				UserID:    userID,
				Value:     value,
				Timestamp: time.Now().UTC(),
			}
		}
		if err := s.save(); err != nil {
			return nil, err
		}
	}
	out := *post
	return &out, nil
}

func (s *MemoryStore) ApplyReaction(ctx context.Context, postID uint, userID string, learned, surprised *bool) (*models.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	post, ok := s.posts[postID]
	if !ok {
		return nil, ErrNotFound
	}

	key := engageKey{postID, userID}
	react, ok := s.reacts[key]
	if !ok {
		react = &models.Reaction{PostID: postID, UserID: userID}
		s.reacts[key] = react
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

	if err := s.save(); err != nil {
		return nil, err
	}
	out := *post
	return &out, nil
}

func (s *MemoryStore) ApplyPower(ctx context.Context, postID uint, userID string, enabled bool) (*models.Post, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	post, ok := s.posts[postID]
	if !ok {
		return nil, false, ErrNotFound
	}

	key := engageKey{postID, userID}
	old := false
	if p, ok := s.powers[key]; ok {
		old = p.Enabled
	}

	changed := old != enabled
	if changed {
		if enabled {
			post.PowerCount++
		} else {
			post.PowerCount = max(0, post.PowerCount-1)
		}
		s.powers[key] = &models.Power{
			PostID:    postID,
			UserID:    userID,
			Enabled:   enabled,
			Timestamp: time.Now().UTC(),
		}
		if err := s.save(); err != nil {
			return nil, false, err
		}
	}
	out := *post
	return &out, changed, nil
}

func (s *MemoryStore) SpawnChild(ctx context.Context, parentID uint, text string) (*models.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.posts[parentID]
	if !ok {
		return nil, ErrNotFound
	}
	if _, dup := s.texts[text]; dup {
		return nil, ErrConflict
	}

	rootID := parent.ID
	if parent.RootID != nil {
		rootID = *parent.RootID
	}
	child := &models.Post{
		ID:        s.nextID,
		Topic:     parent.Topic,
		Text:      text,
		Timestamp: time.Now().UTC(),
		ParentID:  &parent.ID,
		RootID:    &rootID,
		Depth:     parent.Depth + 1,
	}
	s.nextID++
	s.posts[child.ID] = child
	s.texts[text] = child.ID

	parent.PowerCount = 0
	for key := range s.powers {
		if key.PostID == parentID {
			delete(s.powers, key)
		}
	}

	if err := s.save(); err != nil {
		return nil, err
	}
	out := *child
	return &out, nil
}

func (s *MemoryStore) UserState(ctx context.Context, userID string, postIDs []uint) (*UserState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := &UserState{
		Votes:     make(map[uint]int),
		Reactions: make(map[uint]ReactionState),
		Powers:    make(map[uint]bool),
	}
	for _, id := range postIDs {
		key := engageKey{id, userID}
		if v, ok := s.votes[key]; ok {
			state.Votes[id] = v.Value
		}
		if r, ok := s.reacts[key]; ok {
			state.Reactions[id] = ReactionState{Learned: r.Learned, Surprised: r.Surprised}
		}
		if p, ok := s.powers[key]; ok {
			state.Powers[id] = p.Enabled
		}
	}
	return state, nil
}
