// Package server implements the authorization server engine.
//
// The engine runs the authorization code grant (with PKCE and end-user
// consent), the refresh token grant with rotation and replay detection, and
// the client credentials grant. It issues signed JWT access tokens and OIDC
// ID tokens, and serves discovery metadata, UserInfo claims, token
// introspection (RFC 7662) and revocation (RFC 7009).
//
// The Server type delegates to specialized services:
//   - ClientRegistry: immutable client registrations and client authentication
//   - ConsentService: per-user, per-client scope consent
//   - TokenService: codes, access, refresh and ID tokens
//
// Storage and signing keys are injected:
//
//	store := memory.New()
//	km, err := keys.NewManager(ctx, keys.Config{Store: fileStore})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	srv, err := server.New(store, km, &server.Config{
//	    Issuer: "https://auth.example.com",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Flow methods return *Error for every OAuth error. Errors without a
// RedirectURI must be shown to the user agent, never redirected.
package server
