package tokibot

import (
	"log/slog"
	"time"
)

// RateLimitState is a key's usage in its current window.
type RateLimitState struct {
	Count       int      `json:"count"`
	WindowReset UnixTime `json:"window_reset"`
}

type rateLimitDocument struct {
	RateLimits map[string]RateLimitState `json:"rate_limits"`
}

func newRateLimitDocument() rateLimitDocument {
	return rateLimitDocument{RateLimits: map[string]RateLimitState{}}
}

// RateLimiter is a fixed-window counter per key, persisted in a JSON
// document. A window starts at the first check after the previous one
// ended, not on a fixed boundary. All keys share the document's lock.
type RateLimiter struct {
	store  *Store
	path   string
	now    func() time.Time
	logger *slog.Logger
}

func NewRateLimiter(store *Store, path string, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		store:  store,
		path:   path,
		now:    time.Now,
		logger: logger,
	}
}

// current returns the state for a key at now, with an ended window
// replaced by a fresh one starting now.
func current(
	state RateLimitState,
	ok bool,
	now time.Time,
	window time.Duration,
) RateLimitState {
	if !ok || now.Unix() >= int64(state.WindowReset) {
		return RateLimitState{
			Count:       0,
			WindowReset: NewUnixTime(now.Add(window)),
		}
	}
	return state
}

func untilReset(state RateLimitState, now time.Time) time.Duration {
	d := state.WindowReset.Time().Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Check reports whether key may act again within a window of the given
// length allowing limit actions, and how long until its window resets.
// With consume set, an allowed check counts as an action and is
// persisted. Without it, nothing is written.
func (r *RateLimiter) Check(
	key string,
	window time.Duration,
	limit int,
	consume bool,
) (allowed bool, retryAfter time.Duration, err error) {
	now := r.now()

	if !consume {
		doc := Load(r.store, r.path, newRateLimitDocument)
		prev, ok := doc.RateLimits[key]
		state := current(prev, ok, now, window)
		return state.Count < limit, untilReset(state, now), nil
	}

	err = Update(
		r.store,
		r.path,
		newRateLimitDocument,
		func(doc *rateLimitDocument) (bool, error) {
			if doc.RateLimits == nil {
				doc.RateLimits = map[string]RateLimitState{}
			}
			prev, ok := doc.RateLimits[key]
			state := current(prev, ok, now, window)
			retryAfter = untilReset(state, now)
			if state.Count >= limit {
				return false, nil
			}
			allowed = true
			state.Count++
			doc.RateLimits[key] = state
			return true, nil
		},
	)
	if err != nil {
		return false, 0, err
	}
	if !allowed {
		r.logger.Info(
			"rate limit reached",
			"key", key,
			"limit", limit,
			"retry_after", retryAfter,
		)
	}
	return allowed, retryAfter, nil
}

// Allow is Check returning a *RateLimitError when the key is over its limit.
func (r *RateLimiter) Allow(
	key string,
	window time.Duration,
	limit int,
	consume bool,
) error {
	allowed, retryAfter, err := r.Check(key, window, limit, consume)
	if err != nil {
		return err
	}
	if !allowed {
		return &RateLimitError{RetryAfter: retryAfter}
	}
	return nil
}

// Refund gives back one action counted against key, for an action that
// was allowed but then failed. Nothing is given back once the window it
// was counted in has ended.
func (r *RateLimiter) Refund(key string) error {
	now := r.now()
	return Update(
		r.store,
		r.path,
		newRateLimitDocument,
		func(doc *rateLimitDocument) (bool, error) {
			state, ok := doc.RateLimits[key]
			if !ok || state.Count == 0 || now.Unix() >= int64(state.WindowReset) {
				return false, nil
			}
			state.Count--
			doc.RateLimits[key] = state
			return true, nil
		},
	)
}

// Usage returns the stored state for key, if any.
func (r *RateLimiter) Usage(key string) (RateLimitState, bool) {
	doc := Load(r.store, r.path, newRateLimitDocument)
	state, ok := doc.RateLimits[key]
	return state, ok
}
