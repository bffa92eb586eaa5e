// Package pool manages the shared set of upstream credentials. Leases pick
// the healthiest credential not in cooldown; settles adjust health scores,
// apply cooldowns, and persist usage counters through the store.
package pool

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/gproxy/gproxy/internal/store"
	"github.com/gproxy/gproxy/pkg/models"
	"github.com/rs/zerolog/log"
)

// Scoring and cooldown constants. Scores live in [0,100]; every success
// nudges up by one, every retryable failure drops by ten.
const (
	scoreMax       = 100
	scoreOkBonus   = 1
	scorePenalty   = 10
	leaseWaitMax   = 2 * time.Second
	leasePoll      = 50 * time.Millisecond // busy credentials have no release time to wait on
	cooldownRate   = 60 * time.Second // 429
	cooldownServer = 10 * time.Second // 5xx, plus jitter
	cooldownNet    = 5 * time.Second  // transport faults, plus jitter
	jitterMax      = 2 * time.Second
)

// Outcome classifies a settled attempt.
type Outcome int

const (
	// OutcomeOK: the upstream answered usefully.
	OutcomeOK Outcome = iota
	// OutcomeRateLimited: HTTP 429.
	OutcomeRateLimited
	// OutcomeServerError: HTTP 5xx.
	OutcomeServerError
	// OutcomeTransport: connection refused, reset, timeout before a response.
	OutcomeTransport
	// OutcomeFatal: 401/403 or a permanently invalid credential. The
	// credential is disabled and needs an administrator to re-enable it.
	OutcomeFatal
)

// Result carries what the orchestrator observed for one lease.
type Result struct {
	Outcome    Outcome
	StatusCode int   // last HTTP status, 0 for transport faults
	Tokens     int64 // total tokens attributed to this attempt
}

// ErrNoCredentials means no enabled credential could serve the lease.
type ErrNoCredentials struct{}

func (ErrNoCredentials) Error() string { return "no enabled upstream credentials available" }

type credState struct {
	score         int
	cooldownUntil time.Time
	lastLeased    time.Time
	leased        bool
}

// Pool serializes all credential selection behind one mutex. Selection is a
// linear scan; pools are tens of credentials, not thousands.
type Pool struct {
	store store.CredentialStore

	mu    sync.Mutex
	state map[string]*credState
	rng   *rand.Rand
	now   func() time.Time
}

// New builds a pool over the store's credential set. Health state is kept
// in memory only; counters are persisted per settle.
func New(s store.CredentialStore) *Pool {
	return &Pool{
		store: s,
		state: make(map[string]*credState),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		now:   time.Now,
	}
}

// Lease hands out the best available credential, skipping IDs in exclude so
// retries within one request never reuse a credential. A credential stays
// exclusive to its holder between Lease and Settle; concurrent requests are
// never handed the same one. When every candidate is cooling down or busy it
// waits up to two seconds, then falls back to leasing the soonest-expiring
// cooling candidate anyway.
func (p *Pool) Lease(ctx context.Context, exclude map[string]bool) (*Lease, error) {
	deadline := p.now().Add(leaseWaitMax)
	for {
		lease, soonest, err := p.tryLease(ctx, exclude)
		if err != nil {
			return nil, err
		}
		if lease != nil {
			return lease, nil
		}
		now := p.now()
		if !now.Before(deadline) {
			return p.leaseSoonest(ctx, exclude)
		}
		wait := soonest.Sub(now)
		if remain := deadline.Sub(now); wait > remain {
			wait = remain
		}
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// tryLease returns a lease, or nil with the soonest cooldown expiry among
// otherwise-eligible candidates. ErrNoCredentials when nothing could ever
// become eligible.
func (p *Pool) tryLease(ctx context.Context, exclude map[string]bool) (*Lease, time.Time, error) {
	creds, err := p.store.ListCredentials(ctx)
	if err != nil {
		return nil, time.Time{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var best *models.UpstreamCredential
	var bestState *credState
	var soonest time.Time
	anyEligible := false

	for i := range creds {
		c := &creds[i]
		if !c.Enabled || exclude[c.ID] {
			continue
		}
		anyEligible = true
		st := p.stateFor(c.ID)
		if st.leased {
			if t := now.Add(leasePoll); soonest.IsZero() || t.Before(soonest) {
				soonest = t
			}
			continue
		}
		if st.cooldownUntil.After(now) {
			if soonest.IsZero() || st.cooldownUntil.Before(soonest) {
				soonest = st.cooldownUntil
			}
			continue
		}
		if best == nil || betterThan(c, st, best, bestState) {
			best, bestState = c, st
		}
	}

	if best == nil {
		if !anyEligible {
			return nil, time.Time{}, ErrNoCredentials{}
		}
		return nil, soonest, nil
	}
	bestState.lastLeased = now
	bestState.leased = true
	return &Lease{pool: p, Credential: *best, leasedAt: now}, time.Time{}, nil
}

// leaseSoonest takes the cooling candidate whose cooldown expires first.
// Reached only after the bounded wait ran out; serving with a cooling
// credential beats failing the request. Leased credentials stay off the
// table even here.
func (p *Pool) leaseSoonest(ctx context.Context, exclude map[string]bool) (*Lease, error) {
	creds, err := p.store.ListCredentials(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var best *models.UpstreamCredential
	var bestState *credState
	for i := range creds {
		c := &creds[i]
		if !c.Enabled || exclude[c.ID] {
			continue
		}
		st := p.stateFor(c.ID)
		if st.leased {
			continue
		}
		if best == nil || st.cooldownUntil.Before(bestState.cooldownUntil) {
			best, bestState = c, st
		}
	}
	if best == nil {
		return nil, ErrNoCredentials{}
	}
	now := p.now()
	bestState.lastLeased = now
	bestState.leased = true
	log.Warn().Str("credential_id", best.ID).
		Msg("All credentials cooling down, leasing soonest-expiring")
	return &Lease{pool: p, Credential: *best, leasedAt: now}, nil
}

// betterThan orders candidates: higher score, then least recently leased,
// then lowest ID for a stable total order.
func betterThan(c *models.UpstreamCredential, st *credState, cur *models.UpstreamCredential, curSt *credState) bool {
	if st.score != curSt.score {
		return st.score > curSt.score
	}
	if !st.lastLeased.Equal(curSt.lastLeased) {
		return st.lastLeased.Before(curSt.lastLeased)
	}
	return c.ID < cur.ID
}

func (p *Pool) stateFor(id string) *credState {
	st, ok := p.state[id]
	if !ok {
		st = &credState{score: scoreMax}
		p.state[id] = st
	}
	return st
}

// EnabledCount reports how many credentials are currently enabled. The
// orchestrator uses it to keep retries on distinct credentials and to
// detect an emptied pool mid-request.
func (p *Pool) EnabledCount(ctx context.Context) (int, error) {
	creds, err := p.store.ListCredentials(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range creds {
		if creds[i].Enabled {
			n++
		}
	}
	return n, nil
}

// Scores returns a snapshot of the in-memory health state, for the admin
// surface. Keys are credential IDs.
func (p *Pool) Scores() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.state))
	for id, st := range p.state {
		out[id] = st.score
	}
	return out
}

// ── Lease ───────────────────────────────────────────────────

// Lease is one credential checkout. Settle must be called exactly once.
type Lease struct {
	Credential models.UpstreamCredential

	pool     *Pool
	leasedAt time.Time
	settled  bool
}

// Settle records the attempt's outcome: adjusts the in-memory score and
// cooldown, then persists the counter delta. A second call is a no-op.
func (l *Lease) Settle(ctx context.Context, res Result) {
	if l.settled {
		return
	}
	l.settled = true

	p := l.pool
	now := p.now()

	delta := models.CredentialDelta{Uses: 1, Tokens: res.Tokens, LastUsedAt: now}

	p.mu.Lock()
	st := p.stateFor(l.Credential.ID)
	st.leased = false
	switch res.Outcome {
	case OutcomeOK:
		if st.score < scoreMax {
			st.score += scoreOkBonus
		}
		delta.LastStatus = strconv.Itoa(res.StatusCode)
	case OutcomeRateLimited:
		st.score = clamp(st.score - scorePenalty)
		st.cooldownUntil = now.Add(cooldownRate)
		delta.Errors = 1
		delta.LastStatus = strconv.Itoa(res.StatusCode)
	case OutcomeServerError:
		st.score = clamp(st.score - scorePenalty)
		st.cooldownUntil = now.Add(cooldownServer + p.jitter())
		delta.Errors = 1
		delta.LastStatus = strconv.Itoa(res.StatusCode)
	case OutcomeTransport:
		st.score = clamp(st.score - scorePenalty)
		st.cooldownUntil = now.Add(cooldownNet + p.jitter())
		delta.Errors = 1
		delta.LastStatus = "transport_error"
	case OutcomeFatal:
		delta.Errors = 1
		delta.Disable = true
		delta.LastStatus = models.CredentialStatusAutoDisabled
		log.Warn().Str("credential_id", l.Credential.ID).Int("status", res.StatusCode).
			Msg("Credential auto-disabled after fatal upstream response")
	}
	p.mu.Unlock()

	if err := p.store.UpdateCredentialStats(ctx, l.Credential.ID, delta); err != nil {
		log.Error().Err(err).Str("credential_id", l.Credential.ID).
			Msg("Failed to persist credential counters")
	}
}

// jitter is only called with mu held; rng is guarded by it.
func (p *Pool) jitter() time.Duration {
	return time.Duration(p.rng.Int63n(int64(jitterMax)))
}

func clamp(s int) int {
	if s < 0 {
		return 0
	}
	if s > scoreMax {
		return scoreMax
	}
	return s
}
