// Package personas manages saved personas: the service's REST list is the
// source of truth, and a local SQLite cache keeps the list usable while the
// service is unreachable.
package personas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ChuLiYu/persona-curator/internal/backend"
	"github.com/ChuLiYu/persona-curator/pkg/types"
)

var (
	// ErrDuplicatePersona the service already has a persona with this identity.
	ErrDuplicatePersona = errors.New("persona already exists")
	// ErrPersonaNotFound no persona with this identity.
	ErrPersonaNotFound = errors.New("persona not found")
	// ErrInvalidPersona recipient name missing.
	ErrInvalidPersona = errors.New("persona recipient name is required")
)

// Remote is the persona side of the article service.
type Remote interface {
	ListPersonas(ctx context.Context) ([]types.Persona, error)
	CreatePersona(ctx context.Context, p types.Persona) (types.Persona, error)
	UpdatePersona(ctx context.Context, old, updated types.Persona) (types.Persona, error)
	DeletePersona(ctx context.Context, p types.Persona) error
}

var _ Remote = (*backend.Client)(nil)

// Origin tells where a listing came from.
type Origin string

const (
	OriginRemote Origin = "remote"
	OriginCache  Origin = "cache"
)

// Service combines the remote list with the local cache.
type Service struct {
	remote Remote
	cache  *Cache
	log    *slog.Logger
}

// NewService creates a service. cache may be nil, which disables the fallback.
func NewService(remote Remote, cache *Cache) *Service {
	return &Service{
		remote: remote,
		cache:  cache,
		log:    slog.Default().With("component", "personas"),
	}
}

// List returns the remote personas and refreshes the cache with them. When
// the service cannot be reached the cached list is returned instead.
func (s *Service) List(ctx context.Context) ([]types.Persona, Origin, error) {
	list, err := s.remote.ListPersonas(ctx)
	if err == nil {
		if s.cache != nil {
			if cerr := s.cache.Replace(ctx, list); cerr != nil {
				s.log.Warn("failed to refresh persona cache", "error", cerr)
			}
		}
		return list, OriginRemote, nil
	}
	if s.cache == nil || !fallbackAllowed(err) {
		return nil, OriginRemote, fmt.Errorf("list personas: %w", err)
	}

	s.log.Warn("persona service unavailable, using cache", "error", err)
	entries, cerr := s.cache.List(ctx)
	if cerr != nil {
		return nil, OriginCache, errors.Join(fmt.Errorf("list personas: %w", err), cerr)
	}
	out := make([]types.Persona, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Persona)
	}
	return out, OriginCache, nil
}

// Find returns the persona with the identity of id, searching the current
// list (remote first, cache as fallback).
func (s *Service) Find(ctx context.Context, id types.PersonaIdentity) (types.Persona, error) {
	list, _, err := s.List(ctx)
	if err != nil {
		return types.Persona{}, err
	}
	for _, p := range list {
		if p.Identity().Equal(id) {
			return p, nil
		}
	}
	return types.Persona{}, ErrPersonaNotFound
}

// Save creates p on the service. A duplicate identity fails with
// ErrDuplicatePersona. When the service is unreachable p is kept in the
// cache as pending and saved reports offline.
func (s *Service) Save(ctx context.Context, p types.Persona) (saved types.Persona, offline bool, err error) {
	if !p.Valid() {
		return types.Persona{}, false, ErrInvalidPersona
	}

	created, err := s.remote.CreatePersona(ctx, p)
	switch {
	case err == nil:
		if created.RecipientName == "" {
			created = p
		}
		s.cacheUpsert(ctx, created, false)
		return created, false, nil
	case backend.IsStatus(err, http.StatusConflict):
		return types.Persona{}, false, fmt.Errorf("%w: %s", ErrDuplicatePersona, p.Identity())
	case s.cache != nil && fallbackAllowed(err):
		s.log.Warn("persona service unavailable, saving locally", "persona", p.Identity().String(), "error", err)
		if cerr := s.cache.Upsert(ctx, p, true); cerr != nil {
			return types.Persona{}, false, errors.Join(err, cerr)
		}
		return p, true, nil
	default:
		return types.Persona{}, false, fmt.Errorf("save persona: %w", err)
	}
}

// Update replaces old with updated on the service and in the cache.
func (s *Service) Update(ctx context.Context, old, updated types.Persona) (types.Persona, error) {
	if !updated.Valid() {
		return types.Persona{}, ErrInvalidPersona
	}
	out, err := s.remote.UpdatePersona(ctx, old, updated)
	if err != nil {
		switch {
		case backend.IsStatus(err, http.StatusNotFound):
			return types.Persona{}, fmt.Errorf("%w: %s", ErrPersonaNotFound, old.Identity())
		case backend.IsStatus(err, http.StatusConflict):
			return types.Persona{}, fmt.Errorf("%w: %s", ErrDuplicatePersona, updated.Identity())
		}
		return types.Persona{}, fmt.Errorf("update persona: %w", err)
	}
	if out.RecipientName == "" {
		out = updated
	}
	if s.cache != nil && !old.Identity().Equal(out.Identity()) {
		if err := s.cache.Delete(ctx, old.Identity()); err != nil && !IsNotFound(err) {
			s.log.Warn("failed to drop renamed persona from cache", "error", err)
		}
	}
	s.cacheUpsert(ctx, out, false)
	return out, nil
}

// Delete removes p from the service and the cache.
func (s *Service) Delete(ctx context.Context, p types.Persona) error {
	if err := s.remote.DeletePersona(ctx, p); err != nil {
		if backend.IsStatus(err, http.StatusNotFound) {
			return fmt.Errorf("%w: %s", ErrPersonaNotFound, p.Identity())
		}
		return fmt.Errorf("delete persona: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.Delete(ctx, p.Identity()); err != nil && !IsNotFound(err) {
			s.log.Warn("failed to drop persona from cache", "error", err)
		}
	}
	return nil
}

// SyncPending pushes personas saved offline. Duplicates are treated as
// already synced. It returns how many were pushed.
func (s *Service) SyncPending(ctx context.Context) (int, error) {
	if s.cache == nil {
		return 0, nil
	}
	pending, err := s.cache.Pending(ctx)
	if err != nil {
		return 0, err
	}

	pushed := 0
	for _, e := range pending {
		_, err := s.remote.CreatePersona(ctx, e.Persona)
		if err != nil && !backend.IsStatus(err, http.StatusConflict) {
			return pushed, fmt.Errorf("sync persona %s: %w", e.Persona.Identity(), err)
		}
		s.cacheUpsert(ctx, e.Persona, false)
		pushed++
	}
	if pushed > 0 {
		s.log.Info("pending personas synced", "count", pushed)
	}
	return pushed, nil
}

func (s *Service) cacheUpsert(ctx context.Context, p types.Persona, pending bool) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Upsert(ctx, p, pending); err != nil {
		s.log.Warn("failed to update persona cache", "persona", p.Identity().String(), "error", err)
	}
}

// fallbackAllowed is true for transport failures and server errors; client
// errors (4xx) are answers, not outages.
func fallbackAllowed(err error) bool {
	var se *backend.StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	return !errors.Is(err, context.Canceled)
}
