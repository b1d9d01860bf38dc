package provenance

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Signer produces and checks the Ed25519 signature envelopes attestations
// carry: hex-encoded signatures, with the key id carried alongside each one.
type Signer struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	KeyID string
}

// NewSigner generates a fresh Ed25519 keypair under the given key id.
func NewSigner(keyID string) (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("provenance: generate signing key: %w", err)
	}
	return &Signer{priv: priv, pub: pub, KeyID: keyID}, nil
}

// NewSignerFromKey wraps an existing private key, e.g. loaded from
// attestation.key_path.
func NewSignerFromKey(priv ed25519.PrivateKey, keyID string) *Signer {
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey), KeyID: keyID}
}

// PublicKeyHex returns the hex-encoded public key that a verifier's keyid
// lookup resolves s.KeyID to, for out-of-band verification. The envelope's
// `keyid` is s.KeyID, not this key.
func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.pub)
}

// Sign produces a hex-encoded Ed25519 signature over data.
func (s *Signer) Sign(data []byte) string {
	return hex.EncodeToString(ed25519.Sign(s.priv, data))
}

// Envelope is the `{payload (base64), signatures:[{keyid, sig}]}`
// wrapper, carrying the base64 statement and its signatures.
type Envelope struct {
	Payload    string            `json:"payload"`
	Signatures []EnvelopeSigEntry `json:"signatures"`
}

// EnvelopeSigEntry is one signer's contribution to an Envelope.
type EnvelopeSigEntry struct {
	KeyID string `json:"keyid"`
	Sig   string `json:"sig"`
}

// SignPayload wraps canonical statement bytes in a single-signer envelope.
func (s *Signer) SignPayload(canonical []byte) Envelope {
	return Envelope{
		Payload: base64.StdEncoding.EncodeToString(canonical),
		Signatures: []EnvelopeSigEntry{
			{KeyID: s.KeyID, Sig: s.Sign(canonical)},
		},
	}
}

// VerifyEnvelope decodes the envelope's payload and checks every
// signature over it against the supplied public key lookup. keyFor
// resolves a keyid to its hex public key; verification fails closed if a
// keyid is unknown.
func VerifyEnvelope(env Envelope, keyFor func(keyID string) (string, bool)) (bool, error) {
	payload, err := base64.StdEncoding.DecodeString(env.Payload)
	if err != nil {
		return false, fmt.Errorf("provenance: decode envelope payload: %w", err)
	}
	if len(env.Signatures) == 0 {
		return false, fmt.Errorf("provenance: envelope has no signatures")
	}
	for _, sig := range env.Signatures {
		pubHex, ok := keyFor(sig.KeyID)
		if !ok {
			return false, fmt.Errorf("provenance: unknown keyid %q", sig.KeyID)
		}
		ok, err := verifyHex(pubHex, sig.Sig, payload)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func verifyHex(pubHex, sigHex string, data []byte) (bool, error) {
	pub, err := hex.DecodeString(pubHex)
	if err != nil {
		return false, fmt.Errorf("provenance: decode public key: %w", err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("provenance: decode signature: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("provenance: invalid public key size %d", len(pub))
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig), nil
}
