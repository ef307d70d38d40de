package crypto

import "github.com/ethereum/go-ethereum/common"

// Verifier checks that signature over digest was produced by signer.
// Implementations return false on malformed input instead of failing.
type Verifier interface {
	Verify(digest common.Hash, signature []byte, signer common.Address) bool
}

// ECDSAVerifier verifies canonical secp256k1 signatures by public key recovery.
type ECDSAVerifier struct{}

func (ECDSAVerifier) Verify(digest common.Hash, signature []byte, signer common.Address) bool {
	return VerifySignature(signer, digest.Bytes(), signature)
}

// VerifierFunc adapts a plain function to Verifier.
type VerifierFunc func(digest common.Hash, signature []byte, signer common.Address) bool

func (f VerifierFunc) Verify(digest common.Hash, signature []byte, signer common.Address) bool {
	return f(digest, signature, signer)
}
