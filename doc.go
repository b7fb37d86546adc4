// Package authserver exposes the authorization server engine over HTTP.
//
// Handler serves the OAuth 2.0 and OpenID Connect endpoints on a chi router:
//
//	GET  /authorize                               authorization code flow
//	POST /authorize/consent                       consent decision
//	POST /token                                   authorization_code, refresh_token, client_credentials
//	GET  /jwks                                    signing keys
//	GET  /.well-known/openid-configuration        OIDC discovery
//	GET  /.well-known/oauth-authorization-server  RFC 8414 metadata
//	GET  /userinfo                                OIDC UserInfo
//	POST /introspect                              RFC 7662
//	POST /revoke                                  RFC 7009
//
// End users are authenticated by an injected Authenticator; Users is a
// static, bcrypt-backed implementation that also supplies UserInfo claims.
//
// Example:
//
//	srv, err := server.New(store, keyManager, &server.Config{Issuer: "http://auth.localtest.me:9000"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	users, err := authserver.NewUsers([]authserver.User{{Username: "u", PasswordHash: hash}})
//	if err != nil {
//		log.Fatal(err)
//	}
//	srv.SetClaimsSource(users)
//	handler := authserver.NewHandler(srv, &authserver.Config{Authenticator: users})
//	defer handler.Close()
//	log.Fatal(http.ListenAndServe(":9000", handler.Routes()))
package authserver
