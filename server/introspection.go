package server

import (
	"context"
	"errors"

	"github.com/giantswarm/oauth-authserver/storage"
)

// Introspect describes a token for an authenticated client (RFC 7662)
func (s *Server) Introspect(ctx context.Context, client *storage.Client, token, tokenTypeHint string) (*Introspection, error) {
	ctx, span := s.tracer.Start(ctx, "server.Introspect")
	defer span.End()

	result, err := s.Tokens.Introspect(ctx, token, tokenTypeHint)
	if err != nil {
		e := s.serverError("introspect", err)
		s.endFlowSpan(span, e)
		return nil, e
	}

	s.config.metrics().RecordTokenIntrospection(ctx, client.ClientID, result.Active)
	s.endFlowSpan(span, nil)
	return result, nil
}

// Revoke revokes a token for an authenticated client (RFC 7009). Unknown
// tokens succeed; tokens issued to another client fail with invalid_client.
func (s *Server) Revoke(ctx context.Context, client *storage.Client, token, tokenTypeHint string) error {
	ctx, span := s.tracer.Start(ctx, "server.Revoke")
	defer span.End()

	err := s.Tokens.Revoke(ctx, client, token, tokenTypeHint)
	if err != nil {
		if errors.Is(err, ErrInvalidClientCredentials) {
			err = newError(ErrorCodeInvalidClient, "the token was not issued to this client", err)
		} else {
			err = s.serverError("revoke", err)
		}
	}
	s.endFlowSpan(span, err)
	return err
}
