// Package digest computes the content digests B2 uses for integrity checks:
// SHA-1 for file and part bodies (X-Bz-Content-Sha1) and MD5 for SSE-C key
// fingerprints. All functions are pure.
package digest

import (
	"crypto/md5" //nolint:gosec // B2 requires MD5 of SSE-C keys
	"crypto/sha1" //nolint:gosec // B2 integrity header is SHA-1
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
)

// SHA1Size is the length of a hex-encoded SHA-1 digest.
const SHA1Size = 2 * sha1.Size

// None is the value B2 reports for contentSha1 on large files, whose
// whole-file digest is never computed server-side.
const None = "none"

// SHA1Hex returns the lowercase hex SHA-1 of data.
func SHA1Hex(data []byte) string {
	sum := sha1.Sum(data) //nolint:gosec // see package doc
	return hex.EncodeToString(sum[:])
}

// MD5Base64 returns the base64-encoded MD5 of data.
func MD5Base64(data []byte) string {
	sum := md5.Sum(data) //nolint:gosec // see package doc
	return base64.StdEncoding.EncodeToString(sum[:])
}

// SHA1Reader streams an io.Reader through SHA-1 and returns the hex digest
// and the number of bytes read.
func SHA1Reader(r io.Reader) (string, int64, error) {
	h := sha1.New() //nolint:gosec // see package doc

	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, fmt.Errorf("digest: hashing stream: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// SHA1File hashes the file at path with constant memory.
func SHA1File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer f.Close()

	sum, _, err := SHA1Reader(f)
	if err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}

	return sum, nil
}

// Writer is an io.Writer that accumulates a SHA-1 while bytes pass through.
// Used to verify downloads without a second read of the file.
type Writer struct {
	h hash.Hash
	n int64
}

// NewWriter returns a Writer with an empty SHA-1 state.
func NewWriter() *Writer {
	return &Writer{h: sha1.New()} //nolint:gosec // see package doc
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.h.Write(p)
	w.n += int64(n)

	return n, err
}

// Hex returns the hex digest of everything written so far.
func (w *Writer) Hex() string {
	return hex.EncodeToString(w.h.Sum(nil))
}

// Len returns the number of bytes written.
func (w *Writer) Len() int64 {
	return w.n
}

// Matches reports whether a server-reported SHA-1 agrees with a local one.
// Empty or "none" server values cannot be checked and are treated as a match.
// B2 may prefix unverified uploads with "unverified:".
func Matches(remote, local string) bool {
	const unverified = "unverified:"
	if len(remote) > len(unverified) && remote[:len(unverified)] == unverified {
		remote = remote[len(unverified):]
	}

	if remote == "" || remote == None {
		return true
	}

	return remote == local
}
