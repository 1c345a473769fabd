package b2

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/tonimelisma/b2-go/internal/digest"
)

// AutoContentType asks the service to pick a content type from the file
// name extension.
const AutoContentType = "b2/x-auto"

// Well-known file info keys.
const (
	InfoLastModified  = "src_last_modified_millis"
	InfoLargeFileSHA1 = "large_file_sha1"
)

// maxFileInfo is the service limit on custom X-Bz-Info-* entries.
const maxFileInfo = 10

// Encryption modes.
const (
	SSEB2       = "SSE-B2"
	SSEC        = "SSE-C"
	sseAlgoAES  = "AES256"
	headerSSE   = "X-Bz-Server-Side-Encryption"
	headerSSECA = "X-Bz-Server-Side-Encryption-Customer-Algorithm"
	headerSSECK = "X-Bz-Server-Side-Encryption-Customer-Key"
	headerSSECM = "X-Bz-Server-Side-Encryption-Customer-Key-Md5"
)

// Encryption selects server-side encryption for an upload or a download.
// The zero value means none.
type Encryption struct {
	Mode        string // SSEB2 or SSEC
	CustomerKey []byte // 32-byte AES-256 key, SSE-C only. NEVER log
}

// SSEB2Encryption returns the SSE-B2 setting.
func SSEB2Encryption() *Encryption {
	return &Encryption{Mode: SSEB2}
}

// SSECEncryption returns an SSE-C setting for key.
func SSECEncryption(key []byte) *Encryption {
	return &Encryption{Mode: SSEC, CustomerKey: key}
}

func (e *Encryption) validate() error {
	if e == nil {
		return nil
	}

	switch e.Mode {
	case SSEB2:
		return nil
	case SSEC:
		if len(e.CustomerKey) != 32 {
			return fmt.Errorf("b2: SSE-C key must be 32 bytes, got %d", len(e.CustomerKey))
		}

		return nil
	default:
		return fmt.Errorf("b2: unknown encryption mode %q", e.Mode)
	}
}

// setHeaders adds upload headers. On downloads only SSE-C needs headers.
func (e *Encryption) setHeaders(h http.Header, download bool) {
	if e == nil {
		return
	}

	switch e.Mode {
	case SSEB2:
		if !download {
			h.Set(headerSSE, sseAlgoAES)
		}
	case SSEC:
		h.Set(headerSSECA, sseAlgoAES)
		h.Set(headerSSECK, encodeKey(e.CustomerKey))
		h.Set(headerSSECM, digest.MD5Base64(e.CustomerKey))
	}
}

// sseRequest is the JSON form used by start_large_file and copy_file.
type sseRequest struct {
	Mode           string `json:"mode"`
	Algorithm      string `json:"algorithm"`
	CustomerKey    string `json:"customerKey,omitempty"`
	CustomerKeyMD5 string `json:"customerKeyMd5,omitempty"`
}

func (e *Encryption) toJSON() *sseRequest {
	if e == nil {
		return nil
	}

	r := &sseRequest{Mode: e.Mode, Algorithm: sseAlgoAES}
	if e.Mode == SSEC {
		r.CustomerKey = encodeKey(e.CustomerKey)
		r.CustomerKeyMD5 = digest.MD5Base64(e.CustomerKey)
	}

	return r
}

// Retention is an object-lock retention setting.
type Retention struct {
	Mode        string // "governance" or "compliance"
	RetainUntil time.Time
}

type retentionRequest struct {
	Mode                 string `json:"mode"`
	RetainUntilTimestamp int64  `json:"retainUntilTimestamp"`
}

// FileInfo describes a file about to be created, by b2_upload_file or
// b2_start_large_file.
type FileInfo struct {
	FileName      string
	ContentType   string // AutoContentType when empty
	ContentLength int64  // body length; unused by start_large_file
	ContentSHA1   string // hex; unused by start_large_file
	LastModified  time.Time
	Info          map[string]string // custom metadata, at most 10 entries
	Encryption    *Encryption
	Retention     *Retention
	LegalHold     string // "on", "off" or empty
}

// validate normalizes the name and checks limits. It returns a copy; the
// caller's value is not modified.
func (fi *FileInfo) validate() (*FileInfo, error) {
	name, err := NormalizeFileName(fi.FileName)
	if err != nil {
		return nil, err
	}

	if err := fi.Encryption.validate(); err != nil {
		return nil, err
	}

	out := *fi
	out.FileName = name

	if out.ContentType == "" {
		out.ContentType = AutoContentType
	}

	if len(out.allInfo()) > maxFileInfo {
		return nil, fmt.Errorf("b2: %s: more than %d file info entries", name, maxFileInfo)
	}

	return &out, nil
}

// allInfo merges custom info with the well-known keys derived from fields.
func (fi *FileInfo) allInfo() map[string]string {
	info := make(map[string]string, len(fi.Info)+1)
	for k, v := range fi.Info {
		info[k] = v
	}

	if !fi.LastModified.IsZero() {
		info[InfoLastModified] = strconv.FormatInt(fi.LastModified.UnixMilli(), 10)
	}

	return info
}

// LastModified returns the source modification time recorded in info.
func LastModified(info map[string]string) (time.Time, bool) {
	ms, ok := info[InfoLastModified]
	if !ok {
		return time.Time{}, false
	}

	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, false
	}

	return time.UnixMilli(n), true
}

// setUploadHeaders sets the b2_upload_file headers.
func (fi *FileInfo) setUploadHeaders(h http.Header) {
	h.Set("X-Bz-File-Name", EncodeFileName(fi.FileName))
	h.Set("Content-Type", fi.ContentType)
	h.Set("X-Bz-Content-Sha1", fi.ContentSHA1)

	for k, v := range fi.allInfo() {
		h.Set("X-Bz-Info-"+k, EncodeFileName(v))
	}

	fi.Encryption.setHeaders(h, false)

	if fi.Retention != nil {
		h.Set("X-Bz-File-Retention-Mode", fi.Retention.Mode)
		h.Set("X-Bz-File-Retention-Retain-Until-Timestamp",
			strconv.FormatInt(fi.Retention.RetainUntil.UnixMilli(), 10))
	}

	if fi.LegalHold != "" {
		h.Set("X-Bz-File-Legal-Hold", fi.LegalHold)
	}
}

func encodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
