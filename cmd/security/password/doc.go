// Package password hashes and verifies account passwords with Argon2id.
//
// Hashes use the PHC-like encoding $argon2id$v=19$m=..,t=..,p=..$salt$key.
// Hash strings are treated as untrusted input during Verify; parameters far
// above the configured cost are refused.
package password
