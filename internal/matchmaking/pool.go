// Package matchmaking pairs waiting users into sessions, gated by reputation.
package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// DefaultMatchHistory bounds how many recent matches Lookup can resolve.
const DefaultMatchHistory = 10000

var (
	// ErrAlreadyWaiting is returned when a user joins twice.
	ErrAlreadyWaiting = errors.New("matchmaking: already waiting")
	// ErrIneligible is returned when a user's reputation is below the matching floor.
	ErrIneligible = errors.New("matchmaking: reputation below matching floor")
)

// Gate decides who may be matched. *reputation.Service implements it.
type Gate interface {
	Eligible(ctx context.Context, userID string) (bool, error)
	CanMatch(ctx context.Context, userA, userB string) (bool, error)
}

// Match pairs two users in a new session. Initiator sends the offer.
type Match struct {
	SessionID uuid.UUID `json:"session_id"`
	Initiator string    `json:"initiator"`
	Responder string    `json:"responder"`
	CreatedAt time.Time `json:"created_at"`
}

// Partner returns the other participant and whether userID initiates.
func (m Match) Partner(userID string) (partner string, initiator, ok bool) {
	switch userID {
	case m.Initiator:
		return m.Responder, true, true
	case m.Responder:
		return m.Initiator, false, true
	}
	return "", false, false
}

type waiter struct {
	userID string
	ch     chan Match
	joined time.Time
}

// Pool is a FIFO waiting pool. A joining user is paired with the longest-waiting user
// that the gate allows.
type Pool struct {
	gate   Gate
	logger *zap.Logger
	Now    func() time.Time

	mu      sync.Mutex
	waiting []*waiter
	matches *lru.Cache[uuid.UUID, Match]
}

// NewPool creates a matchmaking pool.
func NewPool(gate Gate, logger *zap.Logger) (*Pool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	matches, err := lru.New[uuid.UUID, Match](DefaultMatchHistory)
	if err != nil {
		return nil, fmt.Errorf("match cache: %w", err)
	}
	return &Pool{gate: gate, logger: logger, Now: time.Now, matches: matches}, nil
}

// Join enters userID into the pool. The returned channel yields exactly one Match, or is
// closed by Leave. When a partner is already waiting the match is available immediately.
//
// Gating runs without the lock. Before waiting, Join re-checks under the lock for users
// that arrived meanwhile, so two concurrent joins always see each other.
func (p *Pool) Join(ctx context.Context, userID string) (<-chan Match, error) {
	ok, err := p.gate.Eligible(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("eligibility: %w", err)
	}
	if !ok {
		return nil, ErrIneligible
	}

	ch := make(chan Match, 1)
	seen := make(map[*waiter]bool)
	for {
		p.mu.Lock()
		if p.indexLocked(userID) >= 0 {
			p.mu.Unlock()
			return nil, ErrAlreadyWaiting
		}
		var candidates []*waiter
		for _, w := range p.waiting {
			if !seen[w] {
				candidates = append(candidates, w)
			}
		}
		if len(candidates) == 0 {
			p.waiting = append(p.waiting, &waiter{userID: userID, ch: ch, joined: p.Now()})
			p.mu.Unlock()
			return ch, nil
		}
		p.mu.Unlock()

		for _, w := range candidates {
			seen[w] = true
			if m, ok := p.tryPair(ctx, w, userID); ok {
				ch <- m
				return ch, nil
			}
		}
	}
}

// tryPair matches userID with the waiting w if the gate allows it and w is still waiting.
func (p *Pool) tryPair(ctx context.Context, w *waiter, userID string) (Match, bool) {
	ok, err := p.gate.CanMatch(ctx, w.userID, userID)
	if err != nil {
		p.logger.Warn("match gate failed", zap.String("user_id", userID), zap.String("partner_id", w.userID), zap.Error(err))
		return Match{}, false
	}
	if !ok {
		return Match{}, false
	}
	p.mu.Lock()
	i := p.indexOfLocked(w)
	if i < 0 {
		p.mu.Unlock()
		return Match{}, false
	}
	p.waiting = append(p.waiting[:i], p.waiting[i+1:]...)
	m := Match{SessionID: uuid.New(), Initiator: w.userID, Responder: userID, CreatedAt: p.Now()}
	p.matches.Add(m.SessionID, m)
	p.mu.Unlock()

	w.ch <- m
	p.logger.Info("users matched",
		zap.String("session_id", m.SessionID.String()),
		zap.String("initiator", m.Initiator),
		zap.String("responder", m.Responder),
		zap.Duration("waited", m.CreatedAt.Sub(w.joined)),
	)
	return m, true
}

// Leave removes a waiting user and closes its channel. A user already matched is
// unaffected; its channel still holds the match.
func (p *Pool) Leave(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.indexLocked(userID)
	if i < 0 {
		return false
	}
	w := p.waiting[i]
	p.waiting = append(p.waiting[:i], p.waiting[i+1:]...)
	close(w.ch)
	return true
}

// Lookup returns a recent match by session id.
func (p *Pool) Lookup(sessionID uuid.UUID) (Match, bool) {
	return p.matches.Get(sessionID)
}

// Partner resolves userID's partner and role in a recent match.
func (p *Pool) Partner(sessionID uuid.UUID, userID string) (partnerID string, initiator, ok bool) {
	m, found := p.matches.Get(sessionID)
	if !found {
		return "", false, false
	}
	return m.Partner(userID)
}

// Forget drops a finished match.
func (p *Pool) Forget(sessionID uuid.UUID) {
	p.matches.Remove(sessionID)
}

// Waiting returns the number of users in the pool.
func (p *Pool) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiting)
}

func (p *Pool) indexLocked(userID string) int {
	for i, w := range p.waiting {
		if w.userID == userID {
			return i
		}
	}
	return -1
}

func (p *Pool) indexOfLocked(target *waiter) int {
	for i, w := range p.waiting {
		if w == target {
			return i
		}
	}
	return -1
}
