package bandit

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/LerianStudio/lib-resilience/log"
)

var (
	// ErrNoArms indicates the bandit was constructed without arms.
	ErrNoArms = errors.New("bandit: at least one arm is required")
	// ErrUnknownArm indicates an update referenced an unregistered arm.
	ErrUnknownArm = errors.New("bandit: unknown arm")
)

// Blend holds the reward-shaping weights.
//
// Immediate and Trajectory weigh the observable outcome against the delayed
// trajectory-quality signal; Accuracy, Efficiency and ErrorHandling weigh the
// trajectory sub-scores. The defaults come straight from operating experience
// and were never formally tuned, hence configurable.
type Blend struct {
	Immediate     float64
	Trajectory    float64
	Accuracy      float64
	Efficiency    float64
	ErrorHandling float64
}

// DefaultBlend returns the standard reward-shaping weights.
func DefaultBlend() Blend {
	return Blend{
		Immediate:     0.6,
		Trajectory:    0.4,
		Accuracy:      0.5,
		Efficiency:    0.3,
		ErrorHandling: 0.2,
	}
}

// Quality collapses a trajectory's sub-scores into a single [0,1] score.
func (b Blend) Quality(fb TrajectoryFeedback) float64 {
	return b.Accuracy*fb.Accuracy + b.Efficiency*fb.Efficiency + b.ErrorHandling*fb.ErrorHandling
}

// EffectiveReward blends the immediate reward with trajectory quality.
// With no feedback the immediate reward passes through unchanged.
func (b Blend) EffectiveReward(immediate float64, fb *TrajectoryFeedback) float64 {
	if fb == nil {
		return immediate
	}

	return b.Immediate*immediate + b.Trajectory*b.Quality(*fb)
}

// ArmStats is a read-only snapshot of one arm's learned state.
type ArmStats struct {
	ArmID      string
	Pulls      int64
	Alpha      float64
	Beta       float64
	MeanReward float64
}

// armState holds the Beta posterior and bounded reward history for one arm.
type armState struct {
	alpha       float64
	beta        float64
	pulls       int64
	rewards     []float64
	rewardNext  int
	rewardCount int
	rewardSum   float64
}

func (a *armState) pushReward(reward float64) {
	if a.rewardCount == len(a.rewards) {
		a.rewardSum -= a.rewards[a.rewardNext]
	} else {
		a.rewardCount++
	}

	a.rewards[a.rewardNext] = reward
	a.rewardSum += reward
	a.rewardNext = (a.rewardNext + 1) % len(a.rewards)
}

func (a *armState) meanReward() float64 {
	if a.rewardCount == 0 {
		return 0
	}

	return a.rewardSum / float64(a.rewardCount)
}

const defaultRewardHistorySize = 256

// ThompsonBandit selects among backend arms by Thompson sampling over a
// Beta posterior per arm. All mutation is serialized under a single lock;
// selection takes a brief consistent snapshot under the same lock because
// the shared RNG is not safe for concurrent use.
type ThompsonBandit struct {
	mu          sync.Mutex
	arms        map[string]*armState
	order       []string // sorted arm ids, the stable tie-break order
	blend       Blend
	rng         *rand.Rand
	historySize int
	logger      log.Logger
}

// Option customizes a ThompsonBandit.
type Option func(*ThompsonBandit)

// WithBlend overrides the reward-shaping weights.
func WithBlend(blend Blend) Option {
	return func(b *ThompsonBandit) {
		b.blend = blend
	}
}

// WithSeed makes arm selection deterministic for a fixed parameter state.
func WithSeed(seed uint64) Option {
	return func(b *ThompsonBandit) {
		b.rng = rand.New(rand.NewPCG(seed, seed))
	}
}

// WithRewardHistorySize bounds the per-arm reward history.
func WithRewardHistorySize(size int) Option {
	return func(b *ThompsonBandit) {
		if size > 0 {
			b.historySize = size
		}
	}
}

// WithLogger sets the bandit's logger.
func WithLogger(logger log.Logger) Option {
	return func(b *ThompsonBandit) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New creates a bandit over the given arm ids with uniform Beta(1,1) priors.
func New(armIDs []string, opts ...Option) (*ThompsonBandit, error) {
	if len(armIDs) == 0 {
		return nil, ErrNoArms
	}

	b := &ThompsonBandit{
		arms:        make(map[string]*armState, len(armIDs)),
		blend:       DefaultBlend(),
		rng:         rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		historySize: defaultRewardHistorySize,
		logger:      log.NewNop(),
	}

	for _, opt := range opts {
		opt(b)
	}

	for _, id := range armIDs {
		if _, dup := b.arms[id]; dup {
			continue
		}

		b.arms[id] = &armState{
			alpha:   1,
			beta:    1,
			rewards: make([]float64, b.historySize),
		}
		b.order = append(b.order, id)
	}

	sort.Strings(b.order)

	return b, nil
}

// Select draws a posterior sample per arm and returns the arm with the
// highest sample. Ties break in stable order by arm id. The context vector
// is recorded by the caller alongside the decision so delayed feedback can
// be replayed through Update with the same context.
func (b *ThompsonBandit) Select(_ []float64) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	best := b.order[0]
	bestSample := -1.0

	for _, id := range b.order {
		arm := b.arms[id]

		sample := sampleBeta(b.rng, arm.alpha, arm.beta)
		if sample > bestSample {
			best = id
			bestSample = sample
		}
	}

	return best
}

// Update applies the online Beta posterior update for the chosen arm.
//
// When trajectory feedback is present the effective reward is the blend of
// the immediate reward and the trajectory quality score; the clamped
// effective reward contributes success mass to alpha and its complement
// failure mass to beta.
func (b *ThompsonBandit) Update(armID string, _ []float64, immediateReward float64, fb *TrajectoryFeedback) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	arm, ok := b.arms[armID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownArm, armID)
	}

	effective := clamp01(b.blend.EffectiveReward(immediateReward, fb))

	arm.alpha += effective
	arm.beta += 1 - effective
	arm.pulls++
	arm.pushReward(effective)

	if b.logger.Enabled(log.LevelDebug) {
		b.logger.Log(context.Background(), log.LevelDebug, "bandit updated",
			log.String("arm", armID),
			log.Float64("immediate_reward", immediateReward),
			log.Float64("effective_reward", effective),
			log.Bool("trajectory", fb != nil))
	}

	return nil
}

// Snapshot returns per-arm learned state for the observability surface.
func (b *ThompsonBandit) Snapshot() []ArmStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := make([]ArmStats, 0, len(b.order))

	for _, id := range b.order {
		arm := b.arms[id]
		stats = append(stats, ArmStats{
			ArmID:      id,
			Pulls:      arm.pulls,
			Alpha:      arm.alpha,
			Beta:       arm.beta,
			MeanReward: arm.meanReward(),
		})
	}

	return stats
}

// Arms returns the registered arm ids in stable order.
func (b *ThompsonBandit) Arms() []string {
	return append([]string(nil), b.order...)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
