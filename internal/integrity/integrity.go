// Package integrity computes and compares content digests of instance files.
//
// Expected digests are written either as bare 40-character hex (SHA-1, as
// published by the vanilla metadata ecosystem) or in the algorithm-tagged
// form understood by go-digest, e.g. "sha256:<hex>".
package integrity

import (
	"crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"
)

// SHA1 is the default algorithm for untagged digests
const SHA1 digest.Algorithm = "sha1"

const bufferSize = 64 * 1024

// ErrMalformed is returned for digests that cannot be parsed
var ErrMalformed = errors.New("malformed digest")

// ParseDigest parses an expected digest. Untagged hex is treated as SHA-1.
func ParseDigest(s string) (digest.Digest, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrMalformed)
	}

	alg, encoded, tagged := strings.Cut(s, ":")
	if !tagged {
		alg, encoded = string(SHA1), s
	}

	if digest.Algorithm(alg) == SHA1 {
		if len(encoded) != sha1.Size*2 || !isHex(encoded) {
			return "", fmt.Errorf("%w: %q is not a sha1 hex digest", ErrMalformed, s)
		}
		return digest.NewDigestFromEncoded(SHA1, encoded), nil
	}

	d, err := digest.Parse(alg + ":" + encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return d, nil
}

// Format renders d the way manifests and lockfiles store it: bare hex for
// SHA-1, tagged otherwise.
func Format(d digest.Digest) string {
	if d.Algorithm() == SHA1 {
		return d.Encoded()
	}
	return d.String()
}

// Equal compares two stored digests after normalization
func Equal(a, b string) bool {
	da, err := ParseDigest(a)
	if err != nil {
		return false
	}
	db, err := ParseDigest(b)
	if err != nil {
		return false
	}
	return da == db
}

// AlgorithmOf returns the algorithm of a stored digest, or "" if malformed
func AlgorithmOf(s string) digest.Algorithm {
	d, err := ParseDigest(s)
	if err != nil {
		return ""
	}
	return d.Algorithm()
}

// NewHash returns a fresh hash.Hash for alg
func NewHash(alg digest.Algorithm) (hash.Hash, error) {
	if alg == SHA1 {
		return sha1.New(), nil
	}
	if !alg.Available() {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrMalformed, alg)
	}
	return alg.Hash(), nil
}

// HashReader streams r through alg and returns the digest and byte count
func HashReader(r io.Reader, alg digest.Algorithm) (digest.Digest, int64, error) {
	h, err := NewHash(alg)
	if err != nil {
		return "", 0, err
	}
	buf := make([]byte, bufferSize)
	n, err := io.CopyBuffer(h, r, buf)
	if err != nil {
		return "", n, err
	}
	return digest.NewDigestFromEncoded(alg, fmt.Sprintf("%x", h.Sum(nil))), n, nil
}

// Verifier hashes files on a filesystem. It is safe for concurrent use.
type Verifier struct {
	fs afero.Fs
}

// NewVerifier creates a verifier over fs; nil means the OS filesystem
func NewVerifier(fs afero.Fs) *Verifier {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Verifier{fs: fs}
}

// Hash computes the digest of the file at path
func (v *Verifier) Hash(path string, alg digest.Algorithm) (digest.Digest, error) {
	f, err := v.fs.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	d, _, err := HashReader(f, alg)
	if err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return d, nil
}

// Verify reports whether the file at path matches expected. A missing or
// unreadable file is reported as a mismatch, not an error; only a malformed
// expected digest fails.
func (v *Verifier) Verify(path, expected string) (bool, error) {
	want, err := ParseDigest(expected)
	if err != nil {
		return false, err
	}
	got, err := v.Hash(path, want.Algorithm())
	if err != nil {
		return false, nil
	}
	return got == want, nil
}

// Stat reports the size of path, or false when it cannot be read as a regular file
func (v *Verifier) Stat(path string) (int64, bool) {
	info, err := v.fs.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return 0, false
	}
	return info.Size(), true
}

func isHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// IsNotExist reports whether err means the file is absent
func IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
