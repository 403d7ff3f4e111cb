package sync

import (
	"crypto/sha1" //nolint:gosec // content-identity digest, not a security boundary
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"hash"
	"io"

	"github.com/driftsync/driftsync/pkg/quickxorhash"
)

// HashAlgorithm names a content-fingerprint algorithm a cloud item may
// advertise. This generalizes onedrive/algorithms.py's HASH_ENGINES
// registry (which held only sha1Hash/crc32Hash generators) to the full set
// the Graph-style API in this repository actually normalizes onto
// graph.Item: QuickXorHash, SHA-1 (Personal), and SHA-256 (Business,
// opportunistic).
type HashAlgorithm string

// The hash algorithms recognized by ContentHashEquivalent.
const (
	HashQuickXor HashAlgorithm = "quickXorHash"
	HashSHA1     HashAlgorithm = "sha1Hash"
	HashSHA256   HashAlgorithm = "sha256Hash"
)

// newHasher returns a streaming hash.Hash for algo, or nil if algo is
// unrecognized.
func newHasher(algo HashAlgorithm) hash.Hash {
	switch algo {
	case HashQuickXor:
		return quickxorhash.New()
	case HashSHA1:
		return sha1.New() //nolint:gosec
	case HashSHA256:
		return sha256.New()
	default:
		return nil
	}
}

// encodeDigest renders a finished hash.Hash's sum in the same text form the
// cloud API reports: QuickXorHash is base64, SHA-1/SHA-256 are lowercase
// hex, matching TreeFile's QuickXorHash/SHA1Hash/SHA256Hash field conventions.
func encodeDigest(algo HashAlgorithm, h hash.Hash) string {
	sum := h.Sum(nil)

	switch algo {
	case HashQuickXor:
		return base64.StdEncoding.EncodeToString(sum)
	default:
		return hex.EncodeToString(sum)
	}
}

// HashFile streams r through algo and returns the digest in the cloud's
// text encoding. LocalFS.Hasher's hashOf callback for ContentHashEquivalent
// digests each local file through it in the one-way modes.
func HashFile(algo HashAlgorithm, r io.Reader) (string, error) {
	h := newHasher(algo)
	if h == nil {
		return "", errUnknownHashAlgorithm(algo)
	}

	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}

	return encodeDigest(algo, h), nil
}

type unknownHashAlgorithmError struct{ algo HashAlgorithm }

func (e unknownHashAlgorithmError) Error() string {
	return "sync: unknown hash algorithm " + string(e.algo)
}

func errUnknownHashAlgorithm(algo HashAlgorithm) error {
	return unknownHashAlgorithmError{algo: algo}
}
