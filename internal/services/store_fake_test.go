package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"playcode-backend/internal/models"
	"playcode-backend/internal/repository"
)

// memStore mimics the session schema constraints in memory. Writes apply
// immediately and are undone on rollback.
type memStore struct {
	mu         sync.Mutex
	playCounts map[uuid.UUID]int64
	sessions   map[models.Code]models.Session
	byActivity map[uuid.UUID]models.Code
	instances  map[uuid.UUID]models.Instance

	insertErr   error
	sessionTxs  int
	rollbacks   int
	insertCalls int
}

func newMemStore() *memStore {
	return &memStore{
		playCounts: make(map[uuid.UUID]int64),
		sessions:   make(map[models.Code]models.Session),
		byActivity: make(map[uuid.UUID]models.Code),
		instances:  make(map[uuid.UUID]models.Instance),
	}
}

func (s *memStore) addActivity(id uuid.UUID) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playCounts[id] = 0
	return id
}

func (s *memStore) seedSession(activityID uuid.UUID, code models.Code, createdAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.playCounts[activityID]; !ok {
		s.playCounts[activityID] = 0
	}
	s.sessions[code] = models.Session{ActivityID: activityID, Code: code, Settings: models.DefaultSettings(), CreatedAt: createdAt}
	s.byActivity[activityID] = code
}

func (s *memStore) playCount(id uuid.UUID) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playCounts[id]
}

func (s *memStore) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *memStore) instanceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.instances)
}

func (s *memStore) Begin(ctx context.Context) (repository.SessionTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.sessionTxs++
	s.mu.Unlock()
	return &memTx{store: s}, nil
}

func (s *memStore) FindSessionByCode(ctx context.Context, code models.Code) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findSessionByCode(code)
}

func (s *memStore) FindCodeByActivity(ctx context.Context, activityID uuid.UUID) (models.Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findCodeByActivity(activityID)
}

func (s *memStore) DeleteSessionsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, _ := s.deleteOlderThan(cutoff)
	return n, nil
}

func (s *memStore) findSessionByCode(code models.Code) (*models.Session, error) {
	session, ok := s.sessions[code]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &session, nil
}

func (s *memStore) findCodeByActivity(activityID uuid.UUID) (models.Code, error) {
	code, ok := s.byActivity[activityID]
	if !ok {
		return 0, repository.ErrNotFound
	}
	return code, nil
}

func (s *memStore) deleteOlderThan(cutoff time.Time) (int64, []models.Session) {
	var removed []models.Session
	for code, session := range s.sessions {
		if session.CreatedAt.Before(cutoff) {
			removed = append(removed, session)
			delete(s.sessions, code)
			delete(s.byActivity, session.ActivityID)
		}
	}
	return int64(len(removed)), removed
}

type memTx struct {
	store *memStore
	undo  []func()
	done  bool
}

func (t *memTx) InsertSession(ctx context.Context, activityID uuid.UUID, code models.Code, settings models.Settings, createdAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	s.insertCalls++
	if s.insertErr != nil {
		return s.insertErr
	}
	if _, ok := s.byActivity[activityID]; ok {
		return repository.ErrSessionExists
	}
	if _, ok := s.sessions[code]; ok {
		return repository.ErrCodeTaken
	}
	if _, ok := s.playCounts[activityID]; !ok {
		return repository.ErrNoSuchActivity
	}

	s.sessions[code] = models.Session{ActivityID: activityID, Code: code, Settings: settings, CreatedAt: createdAt}
	s.byActivity[activityID] = code
	t.undo = append(t.undo, func() {
		delete(s.sessions, code)
		delete(s.byActivity, activityID)
	})
	return nil
}

func (t *memTx) InsertInstance(ctx context.Context, code models.Code, activityID uuid.UUID, ip, userAgent string, openedAt time.Time) (uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return uuid.Nil, err
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[code]
	if !ok || session.ActivityID != activityID {
		return uuid.Nil, repository.ErrNoSuchSession
	}

	id := uuid.New()
	s.instances[id] = models.Instance{ID: id, Code: code, ActivityID: activityID, IP: ip, UserAgent: userAgent, OpenedAt: openedAt}
	t.undo = append(t.undo, func() { delete(s.instances, id) })
	return id, nil
}

func (t *memTx) FindInstance(ctx context.Context, instanceID uuid.UUID) (*models.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &inst, nil
}

func (t *memTx) FindSessionByCode(ctx context.Context, code models.Code) (*models.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.store.findSessionByCode(code)
}

func (t *memTx) FindCodeByActivity(ctx context.Context, activityID uuid.UUID) (models.Code, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.store.findCodeByActivity(activityID)
}

func (t *memTx) IncrementPlayCount(ctx context.Context, activityID uuid.UUID) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	count, ok := s.playCounts[activityID]
	if !ok {
		return 0, repository.ErrNotFound
	}
	s.playCounts[activityID] = count + 1
	t.undo = append(t.undo, func() { s.playCounts[activityID]-- })
	return count + 1, nil
}

func (t *memTx) DeleteSessionsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	n, removed := s.deleteOlderThan(cutoff)
	t.undo = append(t.undo, func() {
		for _, session := range removed {
			s.sessions[session.Code] = session
			s.byActivity[session.ActivityID] = session.Code
		}
	})
	return n, nil
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return errors.New("tx closed")
	}
	t.done = true
	t.undo = nil
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollbacks++
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	return nil
}

type publishedCount struct {
	activityID uuid.UUID
	playCount  int64
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedCount
	err    error
}

func (p *recordingPublisher) PublishPlayCount(ctx context.Context, activityID uuid.UUID, playCount int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedCount{activityID: activityID, playCount: playCount})
	return p.err
}

func (p *recordingPublisher) published() []publishedCount {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedCount(nil), p.events...)
}

// interleavedStore runs between() right after a transaction's pre-check, the
// window in which a concurrent caller can commit its own session.
type interleavedStore struct {
	*memStore
	between func()
}

func (s *interleavedStore) Begin(ctx context.Context) (repository.SessionTx, error) {
	tx, err := s.memStore.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &interleavedTx{memTx: tx.(*memTx), between: s.between}, nil
}

type interleavedTx struct {
	*memTx
	between func()
}

func (t *interleavedTx) FindCodeByActivity(ctx context.Context, activityID uuid.UUID) (models.Code, error) {
	code, err := t.memTx.FindCodeByActivity(ctx, activityID)
	t.between()
	return code, err
}
