package bandit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	assert.ErrorIs(t, err, ErrNoArms)

	b, err := New([]string{"gpt", "claude", "gemini"})
	require.NoError(t, err)
	assert.Equal(t, []string{"claude", "gemini", "gpt"}, b.Arms(), "arms kept in stable sorted order")
}

func TestNew_DuplicateArmsCollapsed(t *testing.T) {
	t.Parallel()

	b, err := New([]string{"a", "a", "b"})
	require.NoError(t, err)
	assert.Len(t, b.Arms(), 2)
}

func TestSelect_DeterministicForFixedSeed(t *testing.T) {
	t.Parallel()

	arms := []string{"claude", "gemini", "gpt"}

	first, err := New(arms, WithSeed(42))
	require.NoError(t, err)

	second, err := New(arms, WithSeed(42))
	require.NoError(t, err)

	for range 50 {
		assert.Equal(t, first.Select(nil), second.Select(nil))
	}
}

func TestSelect_ConvergesToRewardedArm(t *testing.T) {
	t.Parallel()

	b, err := New([]string{"good", "bad"}, WithSeed(7))
	require.NoError(t, err)

	for range 200 {
		require.NoError(t, b.Update("good", nil, 1.0, nil))
		require.NoError(t, b.Update("bad", nil, 0.0, nil))
	}

	wins := 0

	for range 100 {
		if b.Select(nil) == "good" {
			wins++
		}
	}

	assert.Greater(t, wins, 90, "heavily rewarded arm should dominate selection")
}

func TestUpdate_UnknownArm(t *testing.T) {
	t.Parallel()

	b, err := New([]string{"a"})
	require.NoError(t, err)

	assert.ErrorIs(t, b.Update("missing", nil, 1, nil), ErrUnknownArm)
}

func TestUpdate_PosteriorIncrements(t *testing.T) {
	t.Parallel()

	b, err := New([]string{"a"})
	require.NoError(t, err)

	require.NoError(t, b.Update("a", nil, 0.75, nil))

	stats := b.Snapshot()
	require.Len(t, stats, 1)
	assert.InDelta(t, 1.75, stats[0].Alpha, 1e-9)
	assert.InDelta(t, 1.25, stats[0].Beta, 1e-9)
	assert.Equal(t, int64(1), stats[0].Pulls)
	assert.InDelta(t, 0.75, stats[0].MeanReward, 1e-9)
}

func TestUpdate_RewardClamped(t *testing.T) {
	t.Parallel()

	b, err := New([]string{"a"})
	require.NoError(t, err)

	require.NoError(t, b.Update("a", nil, 5.0, nil))

	stats := b.Snapshot()
	assert.InDelta(t, 2.0, stats[0].Alpha, 1e-9)
	assert.InDelta(t, 1.0, stats[0].Beta, 1e-9)
}

func TestEffectiveReward_NoFeedbackPassesThrough(t *testing.T) {
	t.Parallel()

	blend := DefaultBlend()
	assert.InDelta(t, 0.42, blend.EffectiveReward(0.42, nil), 1e-9)
}

func TestEffectiveReward_BlendsBetweenSignals(t *testing.T) {
	t.Parallel()

	blend := DefaultBlend()

	fb := &TrajectoryFeedback{Accuracy: 0.9, Efficiency: 0.9, ErrorHandling: 0.9}
	quality := blend.Quality(*fb)
	immediate := 0.2

	effective := blend.EffectiveReward(immediate, fb)

	// When the two signals differ, the blend lies strictly between them.
	assert.Greater(t, effective, immediate)
	assert.Less(t, effective, quality)

	// Exact value: 0.6*0.2 + 0.4*(0.5*0.9 + 0.3*0.9 + 0.2*0.9)
	assert.InDelta(t, 0.6*0.2+0.4*0.9, effective, 1e-9)
}

func TestEffectiveReward_CustomBlend(t *testing.T) {
	t.Parallel()

	blend := Blend{Immediate: 0.5, Trajectory: 0.5, Accuracy: 1, Efficiency: 0, ErrorHandling: 0}
	fb := &TrajectoryFeedback{Accuracy: 0.8}

	assert.InDelta(t, 0.5*0.4+0.5*0.8, blend.EffectiveReward(0.4, fb), 1e-9)
}

func TestRewardHistoryIsBounded(t *testing.T) {
	t.Parallel()

	b, err := New([]string{"a"}, WithRewardHistorySize(4))
	require.NoError(t, err)

	// Fill with zeros, then overwrite with ones; the mean must reflect only
	// the most recent window.
	for range 4 {
		require.NoError(t, b.Update("a", nil, 0, nil))
	}

	for range 4 {
		require.NoError(t, b.Update("a", nil, 1, nil))
	}

	stats := b.Snapshot()
	assert.InDelta(t, 1.0, stats[0].MeanReward, 1e-9)
	assert.Equal(t, int64(8), stats[0].Pulls)
}

func TestSampleBeta_Bounds(t *testing.T) {
	t.Parallel()

	b, err := New([]string{"a"}, WithSeed(1))
	require.NoError(t, err)

	for range 1000 {
		v := sampleBeta(b.rng, 2.5, 3.5)
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
}

func TestSampleGamma_SubUnitShape(t *testing.T) {
	t.Parallel()

	b, err := New([]string{"a"}, WithSeed(2))
	require.NoError(t, err)

	for range 1000 {
		v := sampleGamma(b.rng, 0.3)
		assert.GreaterOrEqual(t, v, 0.0)
	}
}
