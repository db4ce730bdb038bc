// Package session implements the credential lifecycle for halo.
//
// It issues signed access tokens and opaque refresh tokens, performs refresh
// rotation with reuse detection, and supports per-token and per-user
// revocation. Refresh tokens are single-use: rotation retires the presented
// token through a conditional store update, and a retired token presented
// again is treated as evidence of compromise.
package session
