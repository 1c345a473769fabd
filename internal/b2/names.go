package b2

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// MaxFileNameBytes is the longest file name the service accepts, in UTF-8
// bytes.
const MaxFileNameBytes = 1024

// ErrInvalidFileName is returned for names the service would reject.
var ErrInvalidFileName = errors.New("b2: invalid file name")

// NormalizeFileName returns name in Unicode NFC and checks it against the
// service's naming rules: 1..1024 bytes, no control characters, DEL or
// backslash, no leading or trailing "/" and no "//".
func NormalizeFileName(name string) (string, error) {
	name = norm.NFC.String(name)

	switch {
	case name == "":
		return "", fmt.Errorf("%w: empty", ErrInvalidFileName)
	case len(name) > MaxFileNameBytes:
		return "", fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidFileName, len(name), MaxFileNameBytes)
	case strings.HasPrefix(name, "/"), strings.HasSuffix(name, "/"):
		return "", fmt.Errorf("%w: %q starts or ends with /", ErrInvalidFileName, name)
	case strings.Contains(name, "//"):
		return "", fmt.Errorf("%w: %q contains //", ErrInvalidFileName, name)
	}

	for _, r := range name {
		if r < 0x20 || r == 0x7f || r == '\\' {
			return "", fmt.Errorf("%w: %q contains character %U", ErrInvalidFileName, name, r)
		}
	}

	return name, nil
}

// EncodeFileName percent-encodes name for the X-Bz-File-Name header and
// download-by-name URLs. "/" is left as-is.
func EncodeFileName(name string) string {
	var b strings.Builder
	b.Grow(len(name))

	for i := 0; i < len(name); i++ {
		ch := name[i]
		if isUnreservedNameByte(ch) {
			b.WriteByte(ch)
			continue
		}

		fmt.Fprintf(&b, "%%%02X", ch)
	}

	return b.String()
}

func isUnreservedNameByte(ch byte) bool {
	switch {
	case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		return true
	}

	return strings.IndexByte("-._~!$'()*;=:@/", ch) >= 0
}
