package backend

import (
	"context"
	"net/http"

	"github.com/ChuLiYu/persona-curator/pkg/types"
)

// ListPersonas returns all personas stored by the service.
func (c *Client) ListPersonas(ctx context.Context) ([]types.Persona, error) {
	var out []types.Persona
	if _, err := c.do(ctx, http.MethodGet, "/personas", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreatePersona stores a new persona. A duplicate identity answers 409.
func (c *Client) CreatePersona(ctx context.Context, p types.Persona) (types.Persona, error) {
	var out types.Persona
	if _, err := c.do(ctx, http.MethodPost, "/personas", nil, p, &out); err != nil {
		return types.Persona{}, err
	}
	return out, nil
}

// UpdatePersona replaces the persona identified by old.
func (c *Client) UpdatePersona(ctx context.Context, old, updated types.Persona) (types.Persona, error) {
	var out types.Persona
	req := personaUpdateRequest{OldPersona: old, UpdatedPersona: updated}
	if _, err := c.do(ctx, http.MethodPut, "/personas", nil, req, &out); err != nil {
		return types.Persona{}, err
	}
	return out, nil
}

// DeletePersona removes the persona with the given identity.
func (c *Client) DeletePersona(ctx context.Context, p types.Persona) error {
	_, err := c.do(ctx, http.MethodDelete, "/personas", nil, p, nil)
	return err
}
