// Package valkey provides a Valkey storage backend for the authorization server.
//
// Valkey is a high-performance key-value store that is wire-compatible with Redis.
// The Store type implements [storage.Store], making it suitable for deployments
// that run several server instances against shared state.
//
// # Key Schema
//
// All keys use a configurable prefix (default "authserver:"):
//
//	{prefix}client:{clientID}                  -> JSON(Client)
//	{prefix}clients                            -> SET of client IDs
//	{prefix}request:{id}                       -> JSON(AuthorizationRequest) (TTL)
//	{prefix}code:{code}                        -> JSON(AuthorizationCode) (TTL)
//	{prefix}refresh:{token}                    -> JSON(RefreshToken) (TTL)
//	{prefix}family:{familyID}                  -> SET of refresh tokens in family
//	{prefix}subjectclient:{subject}:{clientID} -> SET of family IDs
//	{prefix}revoked:{jti}                      -> "1" until the access token expires
//	{prefix}consent:{subject}:{clientID}:scopes  -> SET of scopes
//	{prefix}consent:{subject}:{clientID}:granted -> grant time (Unix ms)
//
// # Atomic Operations
//
// Consuming a pending request, an authorization code or a refresh token,
// revoking a token family and merging consent each run as a single Lua
// script, so of several concurrent callers exactly one wins. Expiry is
// decided against the "now" passed by the caller; key TTLs only bound
// retention.
//
// # Configuration
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "authserver:",
//	})
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:  "valkey.example.com:6379",
//	    Password: os.Getenv("VALKEY_PASSWORD"),
//	    TLS:      &tls.Config{MinVersion: tls.VersionTLS12},
//	})
package valkey
