// Package proof implements the cryptographic primitives the settlement core
// relies on: condition hashes that gate payment and escrow release, and
// signature verification for identifying callers of the settlement API.
package proof
