package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/giantswarm/oauth-authserver/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

// CreateClient stores a new client. Registrations are immutable, so an
// existing client ID fails with storage.ErrClientExists.
func (s *Store) CreateClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "create_client")
	defer span.End()
	startTime := timeNow()
	defer func() { s.recordStorageOperation(ctx, span, "create_client", err, startTime) }()

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}
	if err := validateStringLength(client.ClientID, MaxIDLength, "clientID"); err != nil {
		return err
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	err = s.client.Do(ctx, s.client.B().Set().Key(s.clientKey(client.ClientID)).Value(string(data)).Nx().Build()).Error()
	if err != nil {
		if isNilError(err) {
			return fmt.Errorf("%w: %s", storage.ErrClientExists, client.ClientID)
		}
		return fmt.Errorf("failed to save client: %w", err)
	}

	if err := s.client.Do(ctx, s.client.B().Sadd().Key(s.clientIndexKey()).Member(client.ClientID).Build()).Error(); err != nil {
		return fmt.Errorf("failed to index client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	client, err := getAndUnmarshal(ctx, s, s.clientKey(clientID), storage.ErrClientNotFound, fromClientJSON)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, clientID)
	}
	return client, nil
}

// ListClients lists all registered clients ordered by client ID
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	ids, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.clientIndexKey()).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	slices.Sort(ids)

	clients := make([]*storage.Client, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetClient(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrClientNotFound) {
				continue
			}
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, nil
}
