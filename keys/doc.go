// Package keys manages the signing keys a caller uses to authenticate
// key-server requests.
//
// API stability:
//
// Stable:
//   - Alg, Signer, Verify, AddressOf and role-seed derivation.
//
// Experimental:
//   - Filesystem-backed key storage (KeyStore and related functions).
//     These are local-first utilities and may change in minor releases.
package keys
