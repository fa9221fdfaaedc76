// Package identity is texter's user directory.
//
// It registers users, checks their credentials and answers the lookups the
// websocket gate and the REST handlers need. Two stores are provided: an
// in-memory one for tests and single-node development, and a Postgres one.
package identity
