package affinity

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"realmd/internal/model"
	"realmd/internal/ratelimit"
	"realmd/internal/store"
)

const (
	lockTTL = time.Second

	// Anti-abuse ceiling on a single award.
	maxSingleAward = 10_000
)

var (
	// ErrAmountTooLarge rejects a single award above the abuse ceiling.
	ErrAmountTooLarge = errors.New("affinity award exceeds single-award ceiling")

	// ErrUnknownAffinity is returned for names not in the catalogue.
	ErrUnknownAffinity = errors.New("unknown affinity")
)

// RateLimitedError carries the retry hint from a denied award.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string { return "affinity award rate limited" }

// Store is the persistence slice the engine consumes.
type Store interface {
	GetAffinityByName(ctx context.Context, name string) (*model.Affinity, error)
	ListAffinities(ctx context.Context) ([]*model.Affinity, error)
	GetCharacterAffinity(ctx context.Context, characterID, affinityID uuid.UUID) (*model.CharacterAffinity, error)
	ListCharacterAffinities(ctx context.Context, characterID uuid.UUID) ([]*store.CharacterAffinityView, error)
	ApplyAffinityAward(ctx context.Context, m *store.AffinityAwardMutation) error
}

// Locker serializes awards per (character, affinity) pair across replicas.
type Locker interface {
	WithLock(ctx context.Context, resource string, ttl time.Duration, fn func(ctx context.Context) error) error
}

// Publisher emits tier-change events to the character's room.
type Publisher interface {
	Publish(ctx context.Context, room, event string, payload any) error
}

// RateLimiter applies the burst and sustained award windows.
type RateLimiter interface {
	CheckProfile(ctx context.Context, p ratelimit.Profile, subject string) (ratelimit.Result, error)
}

// Engine applies affinity experience and answers tier queries.
type Engine struct {
	store  Store
	locks  Locker
	bus    Publisher
	limits RateLimiter
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine builds the affinity engine.
func NewEngine(st Store, locks Locker, bus Publisher, limits RateLimiter, logger *zap.Logger) *Engine {
	return &Engine{store: st, locks: locks, bus: bus, limits: limits, logger: logger, now: time.Now}
}

// AwardResult describes what an award changed.
type AwardResult struct {
	CharacterID uuid.UUID `json:"character_id"`
	Affinity    string    `json:"affinity"`
	Amount      int64     `json:"amount"`
	TierBefore  int       `json:"tier_before"`
	Tier        int       `json:"tier"`
	TierChanged bool      `json:"tier_changed"`
	Experience  string    `json:"experience"`
}

// tierChangedEvent is the payload published on a tier transition.
type tierChangedEvent struct {
	CharacterID uuid.UUID `json:"character_id"`
	Name        string    `json:"name"`
	Tier        int       `json:"tier"`
}

// Award applies amount experience to the character's track for the named
// affinity. Both award windows must admit the event; the (character,
// affinity) lock serializes the read-modify-write across replicas.
func (e *Engine) Award(ctx context.Context, characterID uuid.UUID, name string, amount int64, source string) (*AwardResult, error) {
	if amount < 0 {
		return nil, errors.New("award amount must be non-negative")
	}
	if amount > maxSingleAward {
		return nil, ErrAmountTooLarge
	}

	subject := characterID.String() + ":" + name
	for _, profile := range []ratelimit.Profile{ratelimit.AffinityBurst, ratelimit.AffinityRate} {
		res, err := e.limits.CheckProfile(ctx, profile, subject)
		if err != nil {
			return nil, err
		}
		if !res.Allowed {
			return nil, &RateLimitedError{RetryAfter: res.RetryAfter}
		}
	}

	aff, err := e.store.GetAffinityByName(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnknownAffinity
		}
		return nil, err
	}

	var result *AwardResult
	err = e.locks.WithLock(ctx, "affinity:"+subject, lockTTL, func(ctx context.Context) error {
		exp := new(big.Int)
		tierBefore := 1
		current, err := e.store.GetCharacterAffinity(ctx, characterID, aff.ID)
		switch {
		case err == nil:
			exp.Set(current.Experience)
			tierBefore = current.Tier
		case errors.Is(err, store.ErrNotFound):
			// Fresh track: tier 1, zero experience.
		default:
			return err
		}

		exp.Add(exp, big.NewInt(amount))
		tier := TierForExperience(exp, aff.MaxTier)

		mutation := &store.AffinityAwardMutation{
			CharacterID: characterID,
			AffinityID:  aff.ID,
			Experience:  exp,
			Tier:        tier,
			UpdatedAt:   e.now(),
			Log: &model.AffinityExperienceLog{
				CharacterID:  characterID,
				AffinityID:   aff.ID,
				Amount:       amount,
				Source:       source,
				PreviousTier: tierBefore,
				NewTier:      tier,
			},
		}
		if err := e.store.ApplyAffinityAward(ctx, mutation); err != nil {
			return err
		}

		result = &AwardResult{
			CharacterID: characterID,
			Affinity:    name,
			Amount:      amount,
			TierBefore:  tierBefore,
			Tier:        tier,
			TierChanged: tier != tierBefore,
			Experience:  exp.String(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.TierChanged {
		room := "character:" + characterID.String()
		event := tierChangedEvent{CharacterID: characterID, Name: name, Tier: result.Tier}
		if err := e.bus.Publish(ctx, room, "affinity:tier_changed", event); err != nil {
			e.logger.Warn("failed to publish tier change",
				zap.String("character_id", characterID.String()),
				zap.String("affinity", name), zap.Error(err))
		}
		e.logger.Info("affinity tier changed",
			zap.String("character_id", characterID.String()),
			zap.String("affinity", name),
			zap.Int("from", result.TierBefore),
			zap.Int("to", result.Tier))
	}
	return result, nil
}

// TrackView is the read model for one character's track.
type TrackView struct {
	Name       string             `json:"name"`
	Type       model.AffinityType `json:"type"`
	Tier       int                `json:"tier"`
	MaxTier    int                `json:"max_tier"`
	Experience string             `json:"experience"`
	ToNextTier string             `json:"to_next_tier,omitempty"`
	BonusBP    int                `json:"bonus_bp"`
}

// Get returns one character's progress in the named affinity. A character
// with no progress row reads as tier 1 with zero experience.
func (e *Engine) Get(ctx context.Context, characterID uuid.UUID, name string) (*TrackView, error) {
	aff, err := e.store.GetAffinityByName(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnknownAffinity
		}
		return nil, err
	}
	exp := new(big.Int)
	tier := 1
	current, err := e.store.GetCharacterAffinity(ctx, characterID, aff.ID)
	switch {
	case err == nil:
		exp.Set(current.Experience)
		tier = current.Tier
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, err
	}
	return e.view(aff.Name, aff.Type, aff.MaxTier, tier, exp), nil
}

// List returns the character's tracks with progress, joined with catalogue
// metadata.
func (e *Engine) List(ctx context.Context, characterID uuid.UUID) ([]*TrackView, error) {
	rows, err := e.store.ListCharacterAffinities(ctx, characterID)
	if err != nil {
		return nil, err
	}
	out := make([]*TrackView, 0, len(rows))
	for _, r := range rows {
		out = append(out, e.view(r.Name, r.Type, r.MaxTier, r.Tier, r.Experience))
	}
	return out, nil
}

// All returns the affinity catalogue.
func (e *Engine) All(ctx context.Context) ([]*model.Affinity, error) {
	return e.store.ListAffinities(ctx)
}

// Bonus returns the character's combat bonus for the named affinity in basis
// points. Unknown names and fresh tracks both yield zero; combat treats the
// bonus as best-effort.
func (e *Engine) Bonus(ctx context.Context, characterID uuid.UUID, name string) (int, error) {
	track, err := e.Get(ctx, characterID, name)
	if err != nil {
		if errors.Is(err, ErrUnknownAffinity) {
			return 0, nil
		}
		return 0, err
	}
	return track.BonusBP, nil
}

// Summary aggregates the character's tracks.
type Summary struct {
	CharacterID uuid.UUID    `json:"character_id"`
	Tracks      []*TrackView `json:"tracks"`
	HighestTier int          `json:"highest_tier"`
	TotalTiers  int          `json:"total_tiers"`
}

// GetSummary assembles the per-character affinity summary.
func (e *Engine) GetSummary(ctx context.Context, characterID uuid.UUID) (*Summary, error) {
	tracks, err := e.List(ctx, characterID)
	if err != nil {
		return nil, err
	}
	s := &Summary{CharacterID: characterID, Tracks: tracks}
	for _, t := range tracks {
		s.TotalTiers += t.Tier
		if t.Tier > s.HighestTier {
			s.HighestTier = t.Tier
		}
	}
	return s, nil
}

func (e *Engine) view(name string, typ model.AffinityType, maxTier, tier int, exp *big.Int) *TrackView {
	v := &TrackView{
		Name:       name,
		Type:       typ,
		Tier:       tier,
		MaxTier:    maxTier,
		Experience: exp.String(),
		BonusBP:    BonusBP(tier),
	}
	if tier < maxTier {
		remaining := new(big.Int).Sub(ThresholdForTier(tier+1), exp)
		v.ToNextTier = remaining.String()
	}
	return v
}
