// Package merkle implements the hash tree that backs each partition of the
// integrity forest.
//
// A tree is built from an ordered slice of audit records and is rebuilt in
// full whenever that slice changes. Inclusion proofs are a list of sibling
// hashes with an explicit left/right flag per level; VerifyPath replays one
// against an expected root without needing the tree itself.
//
// The digest function is chosen once per tree: SHA-256 (default), SHA3-256
// or BLAKE2b-256.
package merkle
