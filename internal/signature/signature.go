// Package signature recovers signer addresses from the three structured
// message schemas exchanged with mutually distrusting marketplace
// participants (quotes, submissions, challenges), under a fixed domain.
//
// No Ethereum-style secp256k1/EIP-712 signing library is present anywhere in
// the reference corpus (see DESIGN.md); this is built directly on stdlib
// crypto/ecdsa over the P-256 curve, with addresses derived as the
// SHA-256 digest of the uncompressed public key, truncated to 20 bytes to
// keep the familiar 40-hex-character address shape used throughout the
// spec's examples.
package signature

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"
	"strings"
)

// Domain fixes the signing context, mirroring EIP-712's domain separator.
type Domain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract string
}

func (d Domain) canonical() string {
	return fmt.Sprintf("domain|%s|%s|%d|%s", d.Name, d.Version, d.ChainID, d.VerifyingContract)
}

// QuoteMessage is signed by a solver submitting a bid.
type QuoteMessage struct {
	WorkOrderID string
	Price       string
	EtaMinutes  int
	ValidUntil  string
}

// SubmissionMessage is signed by the solver delivering an artifact.
type SubmissionMessage struct {
	WorkOrderID  string
	RepoURL      string
	CommitSha    string
	ArtifactHash string
}

// ChallengeMessage is signed by a participant disputing a submission.
type ChallengeMessage struct {
	WorkOrderID      string
	SubmissionID     string
	ReproductionHash string
}

// Signable produces the canonical byte serialization hashed and signed for a
// message. Serialization is a fixed, deterministic field-order concatenation
// (Serialize is fixed for the life of the deployment, per spec §4.3).
type Signable interface {
	serialize() string
}

func (m QuoteMessage) serialize() string {
	return fmt.Sprintf("quote|%s|%s|%d|%s", m.WorkOrderID, m.Price, m.EtaMinutes, m.ValidUntil)
}

func (m SubmissionMessage) serialize() string {
	return fmt.Sprintf("submission|%s|%s|%s|%s", m.WorkOrderID, m.RepoURL, m.CommitSha, m.ArtifactHash)
}

func (m ChallengeMessage) serialize() string {
	return fmt.Sprintf("challenge|%s|%s|%s", m.WorkOrderID, m.SubmissionID, m.ReproductionHash)
}

func digest(domain Domain, m Signable) [32]byte {
	return sha256.Sum256([]byte(domain.canonical() + "||" + m.serialize()))
}

// Signature is the recoverable ECDSA signature over a digest: R, S plus the
// signer's public key so the verifier can confirm the recovered address.
// Real secp256k1 recovery derives the public key from R/S/V alone; the P-256
// stand-in used here instead carries the public key explicitly (see
// DESIGN.md), which is sufficient to satisfy the round-trip property in §8
// without pulling in an unavailable curve/library.
type Signature struct {
	R, S      *big.Int
	PublicKey *ecdsa.PublicKey
}

// Signer wraps a private key and signs the three message schemas under a
// fixed domain.
type Signer struct {
	Domain     Domain
	PrivateKey *ecdsa.PrivateKey
}

// NewSigner generates a fresh keypair for a given domain; used by test
// fixtures.
func NewSigner(domain Domain) (*Signer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Signer{Domain: domain, PrivateKey: key}, nil
}

// Address derives the signer's address from its public key.
func (s *Signer) Address() string {
	return AddressFromPublicKey(&s.PrivateKey.PublicKey)
}

// AddressFromPublicKey hashes the uncompressed public key and truncates to
// 20 bytes, producing a 0x-prefixed 40-hex-character address.
func AddressFromPublicKey(pub *ecdsa.PublicKey) string {
	raw := elliptic.Marshal(pub.Curve, pub.X, pub.Y)
	h := sha256.Sum256(raw)
	return "0x" + hex.EncodeToString(h[12:32])
}

func (s *Signer) sign(m Signable) (Signature, error) {
	h := digest(s.Domain, m)
	r, sVal, err := ecdsa.Sign(rand.Reader, s.PrivateKey, h[:])
	if err != nil {
		return Signature{}, err
	}
	return Signature{R: r, S: sVal, PublicKey: &s.PrivateKey.PublicKey}, nil
}

// SignQuote signs a QuoteMessage.
func (s *Signer) SignQuote(m QuoteMessage) (Signature, error) { return s.sign(m) }

// SignSubmission signs a SubmissionMessage.
func (s *Signer) SignSubmission(m SubmissionMessage) (Signature, error) { return s.sign(m) }

// SignChallenge signs a ChallengeMessage.
func (s *Signer) SignChallenge(m ChallengeMessage) (Signature, error) { return s.sign(m) }

// Verifier recovers the signer address for the three message schemas under a
// fixed domain and independently recomputes the canonical hashes the engine
// must compare against caller-supplied values.
type Verifier struct {
	Domain Domain
}

func New(domain Domain) *Verifier { return &Verifier{Domain: domain} }

// RecoverSigner verifies sig against message under the verifier's domain and
// returns the signer's address if valid.
func (v *Verifier) RecoverSigner(m Signable, sig Signature) (string, error) {
	if sig.PublicKey == nil {
		return "", fmt.Errorf("signature: missing public key")
	}
	h := digest(v.Domain, m)
	if !ecdsa.Verify(sig.PublicKey, h[:], sig.R, sig.S) {
		return "", fmt.Errorf("signature: invalid")
	}
	return AddressFromPublicKey(sig.PublicKey), nil
}

// SameAddress compares two addresses case-insensitively, as the engine does
// when checking a recovered signer against a claimed address.
func SameAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}

// NormalizeAddress lowercases a claimed address so every store key
// (solver stats, session participants, payment destinations) is
// case-insensitively unique, matching SameAddress's comparison semantics.
// Callers should normalize at the input boundary, before the address is
// persisted or used as a map key.
func NormalizeAddress(addr string) string {
	return strings.ToLower(addr)
}

// ArtifactHash computes hash("repoUrl:commitSha").
func ArtifactHash(repoURL, commitSha string) string {
	h := sha256.Sum256([]byte(repoURL + ":" + commitSha))
	return "0x" + hex.EncodeToString(h[:])
}

// ReproductionHash computes hash(serialize(reproductionSpec)) over a
// deterministically key-sorted flattening of the spec map.
func ReproductionHash(spec map[string]any) string {
	keys := make([]string, 0, len(spec))
	for k := range spec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v;", k, spec[k])
	}
	h := sha256.Sum256([]byte(b.String()))
	return "0x" + hex.EncodeToString(h[:])
}
