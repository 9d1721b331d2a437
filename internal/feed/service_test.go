package feed

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathomfeed/fathom/internal/gen"
	"github.com/fathomfeed/fathom/internal/store"
)

// fakeGenerator lets each test script the collaborator's behavior.
type fakeGenerator struct {
	facts     func(topic string, count int) ([]string, error)
	expansion func(topic, brief, style string) (string, error)
	followup  func(topic, text string) (string, error)
}

func (f *fakeGenerator) Facts(_ context.Context, topic string, count int) ([]string, error) {
	if f.facts == nil {
		return nil, gen.ErrGeneration
	}
	return f.facts(topic, count)
}

func (f *fakeGenerator) Expansion(_ context.Context, topic, brief, style string) (string, error) {
	if f.expansion == nil {
		return "", gen.ErrGeneration
	}
	return f.expansion(topic, brief, style)
}

func (f *fakeGenerator) Followup(_ context.Context, topic, text string) (string, error) {
	if f.followup == nil {
		return "", gen.ErrGeneration
	}
	return f.followup(topic, text)
}

func newTestService(t *testing.T, threshold int) (*Service, *fakeGenerator, store.Store) {
	t.Helper()
	st, err := store.NewMemoryStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	g := &fakeGenerator{}
	return NewService(st, g, threshold), g, st
}

func seedPost(t *testing.T, svc *Service, topic, text string) *PostView {
	t.Helper()
	post, err := svc.CreatePost(context.Background(), PostInput{Topic: topic, Text: text})
	require.NoError(t, err)
	view, err := svc.GetPost(context.Background(), "", post.ID)
	require.NoError(t, err)
	return view
}

func boolPtr(b bool) *bool { return &b }

func TestVoteScoreInvariant(t *testing.T) {
	svc, _, _ := newTestService(t, 5)
	ctx := context.Background()
	post := seedPost(t, svc, "space", "The Sun accounts for 99.8% of the solar system's mass.")

	sequence := []int{1, -1, 0, 1, 1, -1, 0, 0, 1}
	for _, value := range sequence {
		view, err := svc.Vote(ctx, "u1", post.ID, value)
		require.NoError(t, err)
		assert.Equal(t, view.Upvotes-view.Downvotes, view.Score)
		assert.GreaterOrEqual(t, view.Upvotes, 0)
		assert.GreaterOrEqual(t, view.Downvotes, 0)
	}
}

func TestVoteIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t, 5)
	ctx := context.Background()
	post := seedPost(t, svc, "space", "Neutron stars can spin 700 times per second.")

	first, err := svc.Vote(ctx, "u1", post.ID, 1)
	require.NoError(t, err)
	second, err := svc.Vote(ctx, "u1", post.ID, 1)
	require.NoError(t, err)

	assert.Equal(t, first.Upvotes, second.Upvotes)
	assert.Equal(t, first.Downvotes, second.Downvotes)
	assert.Equal(t, first.Score, second.Score)
	require.NotNil(t, second.MyVote)
	assert.Equal(t, 1, *second.MyVote)
}

func TestVoteRoundTripRestoresCounters(t *testing.T) {
	svc, _, _ := newTestService(t, 5)
	ctx := context.Background()
	post := seedPost(t, svc, "biology", "Octopuses have three hearts.")

	_, err := svc.Vote(ctx, "u1", post.ID, 1)
	require.NoError(t, err)
	_, err = svc.Vote(ctx, "u1", post.ID, 0)
	require.NoError(t, err)
	view, err := svc.Vote(ctx, "u1", post.ID, 1)
	require.NoError(t, err)

	assert.Equal(t, 1, view.Upvotes)
	assert.Equal(t, 0, view.Downvotes)
	assert.Equal(t, 1, view.Score)
}

func TestVoteExampleSequence(t *testing.T) {
	svc, _, _ := newTestService(t, 5)
	ctx := context.Background()
	post := seedPost(t, svc, "history", "The Library of Alexandria declined over centuries, not in one fire.")

	view, err := svc.Vote(ctx, "ua", post.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, view.Upvotes)
	assert.Equal(t, 1, view.Score)
	require.NotNil(t, view.MyVote)
	assert.Equal(t, 1, *view.MyVote)

	view, err = svc.Vote(ctx, "ua", post.ID, -1)
	require.NoError(t, err)
	assert.Equal(t, 0, view.Upvotes)
	assert.Equal(t, 1, view.Downvotes)
	assert.Equal(t, -1, view.Score)
	require.NotNil(t, view.MyVote)
	assert.Equal(t, -1, *view.MyVote)

	view, err = svc.Vote(ctx, "ua", post.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, view.Upvotes)
	assert.Equal(t, 0, view.Downvotes)
	assert.Equal(t, 0, view.Score)
	assert.Nil(t, view.MyVote)
}

func TestVoteValidation(t *testing.T) {
	svc, _, _ := newTestService(t, 5)
	ctx := context.Background()
	post := seedPost(t, svc, "space", "Venus rotates backwards.")

	_, err := svc.Vote(ctx, "", post.ID, 1)
	assert.ErrorIs(t, err, ErrIdentityRequired)

	_, err = svc.Vote(ctx, "u1", post.ID, 2)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.Vote(ctx, "u1", 9999, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReactionLockstep(t *testing.T) {
	svc, _, _ := newTestService(t, 5)
	ctx := context.Background()
	post := seedPost(t, svc, "art", "Vermeer likely used a camera obscura.")

	view, err := svc.React(ctx, "u1", post.ID, boolPtr(true), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, view.LearnedCount)
	assert.Equal(t, 0, view.SurprisedCount)
	require.NotNil(t, view.MyLearned)
	assert.True(t, *view.MyLearned)

	// Enabling twice is a no-op on the second call.
	view, err = svc.React(ctx, "u1", post.ID, boolPtr(true), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, view.LearnedCount)

	// Toggling off decrements by exactly 1, floored at 0.
	view, err = svc.React(ctx, "u1", post.ID, boolPtr(false), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, view.LearnedCount)
	view, err = svc.React(ctx, "u1", post.ID, boolPtr(false), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, view.LearnedCount)
}

func TestReactionIndependentFlags(t *testing.T) {
	svc, _, _ := newTestService(t, 5)
	ctx := context.Background()
	post := seedPost(t, svc, "art", "Ultramarine was once more expensive than gold.")

	view, err := svc.React(ctx, "u1", post.ID, boolPtr(true), boolPtr(true))
	require.NoError(t, err)
	assert.Equal(t, 1, view.LearnedCount)
	assert.Equal(t, 1, view.SurprisedCount)

	// Omitted flag stays untouched.
	view, err = svc.React(ctx, "u1", post.ID, nil, boolPtr(false))
	require.NoError(t, err)
	assert.Equal(t, 1, view.LearnedCount)
	assert.Equal(t, 0, view.SurprisedCount)
	require.NotNil(t, view.MyLearned)
	assert.True(t, *view.MyLearned)
	require.NotNil(t, view.MySurprised)
	assert.False(t, *view.MySurprised)

	_, err = svc.React(ctx, "u1", post.ID, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = svc.React(ctx, "", post.ID, boolPtr(true), nil)
	assert.ErrorIs(t, err, ErrIdentityRequired)
}

func TestPowerThresholdSpawnsChildAndResets(t *testing.T) {
	svc, g, st := newTestService(t, 5)
	ctx := context.Background()
	post := seedPost(t, svc, "energy", "Heat loss dominates small greenhouses.")

	g.followup = func(topic, text string) (string, error) {
		return "Thermal mass smooths day/night swings with little complexity.", nil
	}

	users := []string{"u1", "u2", "u3", "u4", "u5"}
	for i, u := range users[:4] {
		view, err := svc.Power(ctx, u, post.ID, true)
		require.NoError(t, err)
		assert.False(t, view.PowerTriggered)
		assert.Equal(t, i+1, view.PowerCount)
	}

	view, err := svc.Power(ctx, "u5", post.ID, true)
	require.NoError(t, err)
	assert.True(t, view.PowerTriggered)
	assert.Equal(t, 0, view.PowerCount)
	require.NotNil(t, view.NewPostID)

	child, err := st.GetPost(ctx, *view.NewPostID)
	require.NoError(t, err)
	require.NotNil(t, child.ParentID)
	assert.Equal(t, post.ID, *child.ParentID)
	assert.Equal(t, "energy", child.Topic)
	require.NotNil(t, child.RootID)
	assert.Equal(t, post.ID, *child.RootID)
	assert.Equal(t, 1, child.Depth)

	// Every user's toggle was cleared with the reset.
	for _, u := range users {
		state, err := st.UserState(ctx, u, []uint{post.ID})
		require.NoError(t, err)
		_, hasRow := state.Powers[post.ID]
		assert.False(t, hasRow, "user %s should have no power row after trigger", u)
	}

	// A fresh enable after the reset counts from 1 again, even for a user
	// who powered before.
	view, err = svc.Power(ctx, "u1", post.ID, true)
	require.NoError(t, err)
	assert.False(t, view.PowerTriggered)
	assert.Equal(t, 1, view.PowerCount)
}

func TestPowerNoOpNeverTriggers(t *testing.T) {
	svc, g, _ := newTestService(t, 2)
	ctx := context.Background()
	post := seedPost(t, svc, "space", "Saturn would float in water.")

	calls := 0
	g.followup = func(topic, text string) (string, error) {
		calls++
		return "", gen.ErrGeneration
	}

	_, err := svc.Power(ctx, "u1", post.ID, true)
	require.NoError(t, err)
	view, err := svc.Power(ctx, "u2", post.ID, true)
	require.NoError(t, err)
	assert.False(t, view.PowerTriggered)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, view.PowerCount)

	// Re-enabling while already enabled sits at threshold but must not
	// re-evaluate the trigger.
	view, err = svc.Power(ctx, "u2", post.ID, true)
	require.NoError(t, err)
	assert.False(t, view.PowerTriggered)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, view.PowerCount)
}

func TestPowerDisableNeverEnabledIsNoOp(t *testing.T) {
	svc, _, _ := newTestService(t, 5)
	ctx := context.Background()
	post := seedPost(t, svc, "space", "A day on Mercury outlasts its year.")

	view, err := svc.Power(ctx, "u1", post.ID, false)
	require.NoError(t, err)
	assert.False(t, view.PowerTriggered)
	assert.Equal(t, 0, view.PowerCount)
}

func TestPowerTriggerFailureRetries(t *testing.T) {
	svc, g, st := newTestService(t, 2)
	ctx := context.Background()
	post := seedPost(t, svc, "biology", "Tardigrades survive in space.")

	g.followup = func(topic, text string) (string, error) {
		return "", fmt.Errorf("%w: backend unreachable", gen.ErrGeneration)
	}

	_, err := svc.Power(ctx, "u1", post.ID, true)
	require.NoError(t, err)
	view, err := svc.Power(ctx, "u2", post.ID, true)
	require.NoError(t, err)
	assert.False(t, view.PowerTriggered)
	assert.Equal(t, 2, view.PowerCount, "failed trigger must leave the counter at threshold")

	state, err := st.UserState(ctx, "u1", []uint{post.ID})
	require.NoError(t, err)
	assert.True(t, state.Powers[post.ID], "power rows stay intact after a failed trigger")

	// The next toggle that moves the counter retries the crossing without
	// needing an extra increment past the threshold.
	g.followup = func(topic, text string) (string, error) {
		return "Some tardigrades shrug off 1000x the radiation a human can take.", nil
	}
	view, err = svc.Power(ctx, "u3", post.ID, true)
	require.NoError(t, err)
	assert.True(t, view.PowerTriggered)
	assert.Equal(t, 0, view.PowerCount)
	require.NotNil(t, view.NewPostID)
}

func TestPowerSpawnConflictLeavesStateCommitted(t *testing.T) {
	svc, g, _ := newTestService(t, 1)
	ctx := context.Background()
	post := seedPost(t, svc, "space", "Jupiter's Great Red Spot is shrinking.")
	// The follow-up duplicates an existing post's text, so the spawn
	// conflicts and the trigger aborts as a whole.
	g.followup = func(topic, text string) (string, error) {
		return "Jupiter's Great Red Spot is shrinking.", nil
	}

	view, err := svc.Power(ctx, "u1", post.ID, true)
	require.NoError(t, err)
	assert.False(t, view.PowerTriggered)
	assert.Equal(t, 1, view.PowerCount)
}

func TestAnonymousReadsAndRejectedWrites(t *testing.T) {
	svc, _, _ := newTestService(t, 5)
	ctx := context.Background()
	post := seedPost(t, svc, "space", "Olympus Mons is about 2.5x Everest's height.")

	view, err := svc.GetPost(ctx, "", post.ID)
	require.NoError(t, err)
	assert.Nil(t, view.MyVote)
	assert.Nil(t, view.MyLearned)
	assert.Nil(t, view.MySurprised)
	assert.Nil(t, view.MyPowered)

	_, err = svc.Vote(ctx, "", post.ID, 1)
	assert.ErrorIs(t, err, ErrIdentityRequired)
	_, err = svc.React(ctx, "", post.ID, boolPtr(true), nil)
	assert.ErrorIs(t, err, ErrIdentityRequired)
	_, err = svc.Power(ctx, "", post.ID, true)
	assert.ErrorIs(t, err, ErrIdentityRequired)
}

func TestExpandCachesAndForce(t *testing.T) {
	svc, g, _ := newTestService(t, 5)
	ctx := context.Background()
	post := seedPost(t, svc, "computers", "Paging bug pattern: increment offset by returned length.")

	calls := 0
	g.expansion = func(topic, brief, style string) (string, error) {
		calls++
		return fmt.Sprintf("expansion %d", calls), nil
	}

	view, err := svc.Expand(ctx, "u1", post.ID, false, "")
	require.NoError(t, err)
	require.NotNil(t, view.ExpandedText)
	assert.Equal(t, "expansion 1", *view.ExpandedText)
	require.NotNil(t, view.ExpandedAt)

	// Cached: no second generation call.
	view, err = svc.Expand(ctx, "u1", post.ID, false, "")
	require.NoError(t, err)
	assert.Equal(t, "expansion 1", *view.ExpandedText)
	assert.Equal(t, 1, calls)

	// Force regenerates.
	view, err = svc.Expand(ctx, "u1", post.ID, true, "playful")
	require.NoError(t, err)
	assert.Equal(t, "expansion 2", *view.ExpandedText)
	assert.Equal(t, 2, calls)
}

func TestExpandGenerationErrorSurfaces(t *testing.T) {
	svc, _, _ := newTestService(t, 5)
	ctx := context.Background()
	post := seedPost(t, svc, "computers", "Log the shape of your JSON before you trust it.")

	_, err := svc.Expand(ctx, "u1", post.ID, false, "")
	assert.ErrorIs(t, err, gen.ErrGeneration)
}

func TestGenerateSkipsDuplicates(t *testing.T) {
	svc, g, _ := newTestService(t, 5)
	ctx := context.Background()
	seedPost(t, svc, "space", "Venus rotates backwards.")

	g.facts = func(topic string, count int) ([]string, error) {
		return []string{
			"Venus rotates backwards.",
			"A Venusian day is longer than its year.",
		}, nil
	}

	created, err := svc.Generate(ctx, "space", 5)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, "A Venusian day is longer than its year.", created[0].Text)
}

func TestGenerateValidation(t *testing.T) {
	svc, _, _ := newTestService(t, 5)
	ctx := context.Background()

	_, err := svc.Generate(ctx, "space", 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = svc.Generate(ctx, "space", 51)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = svc.Generate(ctx, "   ", 5)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	// The per-subject batch allows up to 100.
	_, err = svc.GenerateForSubject(ctx, "space", 101)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestGenerateMultiIsolatesFailures(t *testing.T) {
	svc, g, _ := newTestService(t, 5)
	ctx := context.Background()

	g.facts = func(topic string, count int) ([]string, error) {
		if topic == "broken" {
			return nil, errors.New("boom")
		}
		return []string{fmt.Sprintf("A fact about %s.", topic)}, nil
	}

	created, err := svc.GenerateMulti(ctx, []TopicCount{
		{Topic: "space", Count: 1},
		{Topic: "broken", Count: 1},
		{Topic: "oversized", Count: 999},
		{Topic: "art", Count: 1},
	})
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.Equal(t, "A fact about space.", created[0].Text)
	assert.Equal(t, "A fact about art.", created[1].Text)

	_, err = svc.GenerateMulti(ctx, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
