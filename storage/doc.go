// Package storage provides the persistence interfaces of the authorization server.
//
// The interfaces split state by concern:
//   - ClientStore: registered OAuth clients
//   - FlowStore: pending authorization requests and authorization codes
//   - TokenStore: refresh token families and the access token revocation set
//   - ConsentStore: per subject and client consent grants
//
// Single-use artifacts are consumed through atomic operations
// (ConsumeAuthorizationRequest, ConsumeAuthorizationCode, ConsumeRefreshToken)
// so that exactly one of several concurrent callers succeeds. Expiry decisions
// take the caller's notion of now, keeping stores free of clock policy.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development, tests and single-instance deployments
//   - storage/valkey: Valkey/Redis-compatible distributed storage
//   - storage/mock: a fault-injecting wrapper for tests
package storage
