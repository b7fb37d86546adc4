package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/giantswarm/oauth-authserver/internal/util"
	"github.com/giantswarm/oauth-authserver/security"
	"github.com/giantswarm/oauth-authserver/storage"
)

// timeNow is the wall clock used for key TTLs and operation timing.
var timeNow = time.Now

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveAuthorizationRequest parks an authorization request awaiting consent
func (s *Store) SaveAuthorizationRequest(ctx context.Context, req *storage.AuthorizationRequest) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_request")
	defer span.End()
	startTime := timeNow()
	defer func() { s.recordStorageOperation(ctx, span, "save_authorization_request", err, startTime) }()

	if req == nil || req.ID == "" {
		return fmt.Errorf("invalid authorization request")
	}
	if err := validateStringLength(req.ID, MaxTokenLength, "request id"); err != nil {
		return err
	}

	ttl := calculateTTL(req.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization request already expired")
	}

	data, err := json.Marshal(toAuthorizationRequestJSON(req))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization request: %w", err)
	}

	if err := s.client.Do(ctx, s.client.B().Set().Key(s.requestKey(req.ID)).Value(string(data)).Ex(ttl).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save authorization request: %w", err)
	}
	return nil
}

// ConsumeAuthorizationRequest atomically retrieves and deletes a pending request
func (s *Store) ConsumeAuthorizationRequest(ctx context.Context, id string, now time.Time) (req *storage.AuthorizationRequest, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_request")
	defer span.End()
	startTime := timeNow()
	defer func() { s.recordStorageOperation(ctx, span, "consume_authorization_request", err, startTime) }()

	data, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeAuthorizationRequest).
			Numkeys(1).
			Key(s.requestKey(id)).
			Build()).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to consume authorization request: %w", err)
	}
	if data == "" {
		return nil, storage.ErrAuthorizationRequestNotFound
	}

	req, err = unmarshalAs(data, fromAuthorizationRequestJSON)
	if err != nil {
		return nil, err
	}
	if security.IsExpired(now, req.ExpiresAt) {
		return req, storage.ErrAuthorizationRequestExpired
	}
	return req, nil
}

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()
	startTime := timeNow()
	defer func() { s.recordStorageOperation(ctx, span, "save_authorization_code", err, startTime) }()

	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}
	if err := validateStringLength(code.Code, MaxTokenLength, "code"); err != nil {
		return err
	}

	if calculateTTL(code.ExpiresAt) <= 0 {
		return fmt.Errorf("authorization code already expired")
	}

	data, err := json.Marshal(toAuthorizationCodeJSON(code))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	ttl := calculateTTL(code.ExpiresAt.Add(storage.CodeReplayRetention))
	if err := s.client.Do(ctx, s.client.B().Set().Key(s.codeKey(code.Code)).Value(string(data)).Ex(ttl).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode retrieves an authorization code without consuming it
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	return getAndUnmarshal(ctx, s, s.codeKey(code), storage.ErrAuthorizationCodeNotFound, fromAuthorizationCodeJSON)
}

// ConsumeAuthorizationCode atomically checks that a code is unused and marks it used
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string, now time.Time) (ac *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer span.End()
	startTime := timeNow()
	defer func() { s.recordStorageOperation(ctx, span, "consume_authorization_code", err, startTime) }()

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeAuthorizationCode).
			Numkeys(1).
			Key(s.codeKey(code)).
			Arg(strconv.FormatInt(now.UnixMilli(), 10)).
			Build()).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrAuthorizationCodeNotFound
	case result == "EXPIRED":
		return nil, fmt.Errorf("%w: authorization code expired", storage.ErrTokenExpired)
	case strings.HasPrefix(result, "ALREADY_USED:"):
		stored, err := unmarshalAs(strings.TrimPrefix(result, "ALREADY_USED:"), fromAuthorizationCodeJSON)
		if err != nil {
			return nil, err
		}
		return stored, storage.ErrAuthorizationCodeUsed
	}

	ac, err = unmarshalAs(result, fromAuthorizationCodeJSON)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	return ac, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.codeKey(code)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}
	return nil
}
