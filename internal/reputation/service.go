package reputation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/peerlink/safety/internal/models"
)

const maxSaveAttempts = 3

// Service applies events against persisted records, one at a time per user.
type Service struct {
	engine Engine
	store  Store
	cache  Cache
	locks  *userLocks
	logger *zap.Logger
}

// NewService creates a reputation service. cache may be nil.
func NewService(engine Engine, store Store, cache Cache, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{engine: engine, store: store, cache: cache, locks: newUserLocks(), logger: logger}
}

// Engine returns the scoring engine used by the service.
func (s *Service) Engine() Engine { return s.engine }

// Get returns the user's record, or a fresh default record if none is stored yet.
func (s *Service) Get(ctx context.Context, userID string) (*models.ReputationRecord, error) {
	if s.cache != nil {
		rec, err := s.cache.Get(ctx, userID)
		if err != nil {
			s.logger.Warn("reputation cache read failed", zap.String("user_id", userID), zap.Error(err))
		} else if rec != nil {
			return rec, nil
		}
	}
	rec, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return NewRecord(userID, s.engine.now()), nil
	}
	s.cachePut(ctx, rec)
	return rec, nil
}

// Apply runs one event through the engine and persists the result. Events for the same
// user are serialized inside this process; concurrent writers elsewhere are detected by
// the store's version check and retried.
func (s *Service) Apply(ctx context.Context, ev Event) (*models.ReputationRecord, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	unlock := s.locks.lock(ev.UserID)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		rec, err := s.store.Get(ctx, ev.UserID)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			rec = NewRecord(ev.UserID, s.engine.now())
		}
		next, err := s.engine.Apply(rec, ev)
		if err != nil {
			return nil, err
		}
		added := next.History[len(rec.History):]
		err = s.store.Save(ctx, next, added)
		if errors.Is(err, ErrVersionConflict) {
			lastErr = err
			s.logger.Debug("reputation version conflict, retrying", zap.String("user_id", ev.UserID), zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return nil, err
		}
		s.cachePut(ctx, next)
		s.logger.Info("reputation updated",
			zap.String("user_id", ev.UserID),
			zap.String("event", string(ev.Kind)),
			zap.Int("score", next.CurrentScore),
			zap.String("tier", string(next.Tier)),
		)
		return next, nil
	}
	return nil, fmt.Errorf("apply %s for %s: %w", ev.Kind, ev.UserID, lastErr)
}

// CanMatch reports whether both users clear the matching floor.
func (s *Service) CanMatch(ctx context.Context, userA, userB string) (bool, error) {
	a, err := s.Get(ctx, userA)
	if err != nil {
		return false, err
	}
	b, err := s.Get(ctx, userB)
	if err != nil {
		return false, err
	}
	return s.engine.CanMatch(a, b), nil
}

// Eligible reports whether a single user clears the matching floor.
func (s *Service) Eligible(ctx context.Context, userID string) (bool, error) {
	rec, err := s.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	return rec.CurrentScore >= s.engine.MatchFloor, nil
}

func (s *Service) cachePut(ctx context.Context, rec *models.ReputationRecord) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Put(ctx, rec); err != nil {
		s.logger.Warn("reputation cache write failed", zap.String("user_id", rec.UserID), zap.Error(err))
	}
}

// userLocks hands out one mutex per user id and forgets it when unused.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*userLock)}
}

func (l *userLocks) lock(userID string) (unlock func()) {
	l.mu.Lock()
	ul, ok := l.locks[userID]
	if !ok {
		ul = &userLock{}
		l.locks[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.mu.Lock()
	return func() {
		ul.mu.Unlock()
		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.locks, userID)
		}
		l.mu.Unlock()
	}
}
