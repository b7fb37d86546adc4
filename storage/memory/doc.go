// Package memory provides an in-memory implementation of the storage interfaces.
//
// All state lives in maps guarded by a single sync.RWMutex. Consume operations
// take the write lock, so of several concurrent consumers exactly one wins.
// A background loop removes expired codes, pending requests, refresh tokens
// and revocation entries.
//
// For multi-instance deployments use the storage/valkey package instead.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, err := server.New(store, keyManager, server.Config{Issuer: "https://auth.example.com"}, logger)
package memory
