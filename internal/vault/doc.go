// Package vault seals per-user catalog credentials at rest.
//
// Records are AES-256-GCM sealed with a key derived from the master key by HKDF-SHA256 and tagged with the key
// version that sealed them. The owning user id is bound as associated data, so a record copied onto another user
// does not open. Anything that fails to open is reported as missing credentials.
package vault
