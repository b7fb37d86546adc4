// Package keys manages the asymmetric keys that sign the server's tokens.
//
// A Manager holds one or more signing keys. The newest key signs; every key
// still inside its verification window verifies. Rotation retires the active
// key instead of deleting it, so tokens it signed stay verifiable until they
// can no longer be valid (RetiredAt + MaxTokenLifetime). Key sets are
// immutable snapshots swapped atomically, so readers never lock.
//
// Key ids are RFC 7638 JWK thumbprints. Keys can be persisted with a
// KeyStore; FileStore writes PKCS#8 PEM files, optionally encrypted with
// security.Encryptor.
//
// Example usage:
//
//	store, _ := keys.NewFileStore("/var/lib/authserver/keys", nil)
//	km, err := keys.NewManager(ctx, keys.Config{Store: store})
//	jwks := km.PublicKeySet()
//	signed, err := km.Sign(claims)
package keys
