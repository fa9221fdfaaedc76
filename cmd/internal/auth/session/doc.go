// Package session is texter's Auth Gate.
//
// Access tokens are stateless: HS256 JWTs (default, "sub" carries the username)
// or PASETO v4.public tokens signed with an Ed25519 key. Gate.Resolve verifies a
// token and confirms the user still exists in the directory before a websocket
// session is admitted.
//
// Transport (HTTP/WS) integration is intentionally out of scope here.
package session
