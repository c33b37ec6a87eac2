package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"transferbook/internal/domain"
	"transferbook/internal/models"
)

const storageTimeout = 3 * time.Second

// Store owns the booking draft of one session. Storage problems never
// surface to callers: the draft keeps living in memory and the failure is logged.
type Store struct {
	repo      domain.DraftRepository
	logger    *zerolog.Logger
	sessionID string
	now       func() time.Time

	mu    sync.Mutex
	draft *models.Draft
}

func NewStore(repo domain.DraftRepository, sessionID string, logger *zerolog.Logger) *Store {
	return &Store{
		repo:      repo,
		logger:    logger,
		sessionID: sessionID,
		now:       time.Now,
		draft:     models.NewDraft(sessionID),
	}
}

func (s *Store) SessionID() string { return s.sessionID }

// Load replaces the in-memory draft with the persisted one. Missing or
// unreadable snapshots yield the defaults.
func (s *Store) Load(ctx context.Context) *models.Draft {
	ctx, cancel := context.WithTimeout(ctx, storageTimeout)
	defer cancel()

	draft, err := s.repo.GetDraft(ctx, s.sessionID)
	switch {
	case err != nil:
		s.logger.Warn().Err(err).Str("session_id", s.sessionID).Msg("draft load failed, using defaults")
		draft = models.NewDraft(s.sessionID)
	case draft == nil:
		draft = models.NewDraft(s.sessionID)
	}
	draft.SessionID = s.sessionID
	draft.Normalize()

	s.mu.Lock()
	s.draft = draft
	s.mu.Unlock()
	return draft.Clone()
}

// Save persists the current draft.
func (s *Store) Save(ctx context.Context) {
	s.mu.Lock()
	s.draft.UpdatedAt = s.now().UTC()
	snapshot := s.draft.Clone()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, storageTimeout)
	defer cancel()
	if err := s.repo.SaveDraft(ctx, snapshot); err != nil {
		s.logger.Warn().Err(err).Str("session_id", s.sessionID).Msg("draft save failed")
	}
}

// Reset restores the defaults and drops the persisted copy.
func (s *Store) Reset(ctx context.Context) *models.Draft {
	s.mu.Lock()
	s.draft = models.NewDraft(s.sessionID)
	fresh := s.draft.Clone()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, storageTimeout)
	defer cancel()
	if err := s.repo.DeleteDraft(ctx, s.sessionID); err != nil {
		s.logger.Warn().Err(err).Str("session_id", s.sessionID).Msg("draft delete failed")
	}
	return fresh
}

// GetAll returns a deep copy of the draft.
func (s *Store) GetAll() *models.Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft.Clone()
}

// Update applies fn to a copy of the draft and commits it only when fn succeeds.
func (s *Store) Update(fn func(d *models.Draft) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.draft.Clone()
	if err := fn(work); err != nil {
		return err
	}
	work.SessionID = s.sessionID
	s.draft = work
	return nil
}

// Get returns a field by its JSON name.
func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields, err := fieldsOf(s.draft)
	if err != nil {
		return nil, false
	}
	raw, ok := fields[key]
	if !ok {
		return nil, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	return v, true
}

var ErrUnknownField = errors.New("unknown draft field")

// Set assigns a field by its JSON name. The value must decode into the field's type.
func (s *Store) Set(key string, value any) error {
	if key == "session_id" {
		return fmt.Errorf("%w: %s is read-only", ErrUnknownField, key)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fields, err := fieldsOf(s.draft)
	if err != nil {
		return err
	}
	fields[key] = raw

	merged, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(merged))
	dec.DisallowUnknownFields()

	var next models.Draft
	if err := dec.Decode(&next); err != nil {
		if strings.Contains(err.Error(), "unknown field") {
			return fmt.Errorf("%w: %s", ErrUnknownField, key)
		}
		return fmt.Errorf("set %s: %w", key, err)
	}
	next.SessionID = s.sessionID
	next.Normalize()
	s.draft = &next
	return nil
}

func fieldsOf(d *models.Draft) (map[string]json.RawMessage, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}
