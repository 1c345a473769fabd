package b2ops

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/b2-go/internal/b2"
	"github.com/tonimelisma/b2-go/internal/digest"
)

func writeTempFile(t *testing.T, data []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "src.bin")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	return path
}

func TestResolveMaxRetries(t *testing.T) {
	assert.Equal(t, defaultMaxHashRetries, resolveMaxRetries(0))
	assert.Equal(t, defaultMaxHashRetries, resolveMaxRetries(-1))
	assert.Equal(t, 5, resolveMaxRetries(5))
	assert.Equal(t, maxSaneRetries, resolveMaxRetries(1<<30))
}

func TestTransferManager_UploadSmallFile(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api, nil)
	tm := NewTransferManager(m, TransferOptions{PartSize: 100}, testLogger(t))

	data := []byte("small file")
	path := writeTempFile(t, data)
	mtime := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	res, err := tm.UploadFile(context.Background(), path, UploadOpts{BucketID: "id-photos", Name: "s.txt", Mtime: mtime})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Parts)
	assert.Equal(t, digest.SHA1Hex(data), res.LocalHash)
	assert.Equal(t, int64(len(data)), res.Size)
	assert.Equal(t, mtime, res.Mtime)
	assert.Equal(t, 0, api.count(b2.EndpointStartLargeFile))
}

func TestTransferManager_UploadLargeFileParallel(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api, nil)
	tm := NewTransferManager(m, TransferOptions{PartSize: 10, LargeFileThreshold: 25, ParallelParts: 3}, testLogger(t))

	data := bytes.Repeat([]byte("0123456789abcdefghij"), 7) // 140 bytes -> 14 parts
	path := writeTempFile(t, data)

	res, err := tm.UploadFile(context.Background(), path, UploadOpts{BucketID: "id-photos", Name: "big.bin"})
	require.NoError(t, err)
	assert.Equal(t, 14, res.Parts)
	assert.Equal(t, int64(140), res.File.ContentLength)

	assert.Equal(t, data, api.content[res.File.FileID], "parts assembled in file order")
	assert.Equal(t, digest.SHA1Hex(data), api.files[res.File.FileID].Info[b2.InfoLargeFileSHA1])
	assert.Zero(t, api.sharedUpload.Load())
}

func TestTransferManager_LargeUploadFailureCancels(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api, nil)
	tm := NewTransferManager(m, TransferOptions{PartSize: 10, LargeFileThreshold: 10, ParallelParts: 1}, testLogger(t))

	api.fail(b2.EndpointUploadPart, apiErr(400, "bad_request"))

	path := writeTempFile(t, bytes.Repeat([]byte("x"), 35))

	_, err := tm.UploadFile(context.Background(), path, UploadOpts{BucketID: "id-photos", Name: "big.bin"})
	require.Error(t, err)

	assert.Equal(t, 1, api.count(b2.EndpointCancelLargeFile))
	assert.Equal(t, 0, api.count(b2.EndpointFinishLargeFile))
}

// failOnePart configures a manager that gives up on a part after one
// transport error, leaving the session Open.
func failOnePart(o *Options) {
	o.Retry.MaxAttempts = 1
	o.Retry.MaxCapabilityRetries = 0
}

func TestTransferManager_LargeUploadResumes(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api, failOnePart)
	store := NewSessionStore(t.TempDir(), testLogger(t))
	tm := NewTransferManager(m, TransferOptions{
		PartSize: 10, LargeFileThreshold: 10, ParallelParts: 1, Sessions: store,
	}, testLogger(t))

	data := []byte("0123456789abcdefghijKLMNOPQRSTuvwxy") // 35 bytes -> 4 parts
	path := writeTempFile(t, data)
	abs, err := filepath.Abs(path)
	require.NoError(t, err)

	// Parts 1 and 2 land, part 3 fails.
	api.fail(b2.EndpointUploadPart, nil, nil, transportErr())

	_, err = tm.UploadFile(context.Background(), path, UploadOpts{BucketID: "id-photos", Name: "big.bin"})
	require.Error(t, err)
	assert.Equal(t, 0, api.count(b2.EndpointCancelLargeFile))

	rec, err := store.Load("id-photos", abs)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "big.bin", rec.FileName)

	res, err := tm.UploadFile(context.Background(), path, UploadOpts{BucketID: "id-photos", Name: "big.bin"})
	require.NoError(t, err)

	assert.Equal(t, rec.FileID, res.File.FileID)
	assert.Equal(t, 4, res.Parts)
	assert.Equal(t, 2, res.ResumedParts)
	assert.Equal(t, data, api.content[res.File.FileID])
	assert.Equal(t, 1, api.count(b2.EndpointStartLargeFile))
	assert.Equal(t, 5, api.count(b2.EndpointUploadPart))

	rec, err = store.Load("id-photos", abs)
	require.NoError(t, err)
	assert.Nil(t, rec, "record removed after finish")
}

func TestTransferManager_ResumeSkippedWhenFileChanged(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api, failOnePart)
	store := NewSessionStore(t.TempDir(), testLogger(t))
	tm := NewTransferManager(m, TransferOptions{
		PartSize: 10, LargeFileThreshold: 10, ParallelParts: 1, Sessions: store,
	}, testLogger(t))

	path := writeTempFile(t, bytes.Repeat([]byte("a"), 35))

	api.fail(b2.EndpointUploadPart, nil, transportErr())

	_, err := tm.UploadFile(context.Background(), path, UploadOpts{BucketID: "id-photos", Name: "big.bin"})
	require.Error(t, err)

	changed := bytes.Repeat([]byte("b"), 35)
	require.NoError(t, os.WriteFile(path, changed, 0o600))

	res, err := tm.UploadFile(context.Background(), path, UploadOpts{BucketID: "id-photos", Name: "big.bin"})
	require.NoError(t, err)

	assert.Zero(t, res.ResumedParts)
	assert.Equal(t, changed, api.content[res.File.FileID])
	assert.Equal(t, 2, api.count(b2.EndpointStartLargeFile))
	assert.Equal(t, 1, api.count(b2.EndpointCancelLargeFile), "stale large file cancelled")
}

func TestTransferManager_PermanentFailureWithStoreCancels(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api, nil)
	store := NewSessionStore(t.TempDir(), testLogger(t))
	tm := NewTransferManager(m, TransferOptions{
		PartSize: 10, LargeFileThreshold: 10, ParallelParts: 1, Sessions: store,
	}, testLogger(t))

	api.fail(b2.EndpointUploadPart, apiErr(400, "bad_request"))

	path := writeTempFile(t, bytes.Repeat([]byte("x"), 35))
	abs, err := filepath.Abs(path)
	require.NoError(t, err)

	_, err = tm.UploadFile(context.Background(), path, UploadOpts{BucketID: "id-photos", Name: "big.bin"})
	require.Error(t, err)

	assert.Equal(t, 1, api.count(b2.EndpointCancelLargeFile))

	rec, err := store.Load("id-photos", abs)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestCheckResumedParts(t *testing.T) {
	parts := []b2.Part{{PartNumber: 1, ContentLength: 10}, {PartNumber: 2, ContentLength: 10}}
	require.NoError(t, checkResumedParts(parts, 10, 35))
	require.NoError(t, checkResumedParts(append(parts, b2.Part{PartNumber: 3, ContentLength: 5}), 10, 25))

	require.ErrorContains(t, checkResumedParts(parts, 20, 35), "expected 20")
	require.ErrorContains(t, checkResumedParts(parts, 10, 10), "beyond")
}

func TestTransferManager_UploadValidation(t *testing.T) {
	tm := NewTransferManager(newTestManager(t, newFakeAPI(), nil), TransferOptions{}, testLogger(t))

	_, err := tm.UploadFile(context.Background(), "", UploadOpts{Name: "x"})
	require.Error(t, err)

	_, err = tm.UploadFile(context.Background(), "/x", UploadOpts{})
	require.Error(t, err)

	_, err = tm.UploadFile(context.Background(), t.TempDir(), UploadOpts{Name: "x"})
	require.ErrorContains(t, err, "is a directory")
}

func TestTransferManager_DownloadToFile(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api, nil)
	tm := NewTransferManager(m, TransferOptions{}, testLogger(t))

	mtime := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	f, err := m.UploadBytes(context.Background(), "id-photos", b2.FileInfo{
		FileName: "d.txt",
		Info:     map[string]string{b2.InfoLastModified: strconv.FormatInt(mtime.UnixMilli(), 10)},
	}, []byte("download me"))
	require.NoError(t, err)

	target := filepath.Join(t.TempDir(), "sub", "d.txt")

	res, err := tm.DownloadToFile(context.Background(), f.FileID, target, DownloadOpts{SetMtime: true})
	require.NoError(t, err)
	assert.True(t, res.HashVerified)
	assert.Equal(t, int64(11), res.Size)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "download me", string(got))

	st, err := os.Stat(target)
	require.NoError(t, err)
	assert.True(t, st.ModTime().Equal(mtime))

	_, err = os.Stat(target + ".partial")
	assert.True(t, os.IsNotExist(err))
}

func TestTransferManager_DownloadResumesPartial(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api, nil)
	tm := NewTransferManager(m, TransferOptions{}, testLogger(t))

	f, err := m.UploadBytes(context.Background(), "id-photos", b2.FileInfo{FileName: "r.txt"}, []byte("resume-me-please"))
	require.NoError(t, err)

	target := filepath.Join(t.TempDir(), "r.txt")
	require.NoError(t, os.WriteFile(target+".partial", []byte("resume-"), 0o600))

	res, err := tm.DownloadToFile(context.Background(), f.FileID, target, DownloadOpts{})
	require.NoError(t, err)
	assert.True(t, res.HashVerified)
	assert.Equal(t, int64(16), res.Size)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "resume-me-please", string(got))
}

func TestTransferManager_DownloadCorruptPartialRetried(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api, nil)
	tm := NewTransferManager(m, TransferOptions{}, testLogger(t))

	f, err := m.UploadBytes(context.Background(), "id-photos", b2.FileInfo{FileName: "c.txt"}, []byte("correct content"))
	require.NoError(t, err)

	target := filepath.Join(t.TempDir(), "c.txt")
	require.NoError(t, os.WriteFile(target+".partial", []byte("WRONG"), 0o600))

	res, err := tm.DownloadToFile(context.Background(), f.FileID, target, DownloadOpts{})
	require.NoError(t, err)
	assert.True(t, res.HashVerified)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "correct content", string(got))
}

func TestTransferManager_DownloadHashMismatchFails(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api, nil)
	tm := NewTransferManager(m, TransferOptions{}, testLogger(t))

	f, err := m.UploadBytes(context.Background(), "id-photos", b2.FileInfo{FileName: "m.txt"}, []byte("content"))
	require.NoError(t, err)

	api.mu.Lock()
	api.files[f.FileID].ContentSHA1 = digest.SHA1Hex([]byte("something else"))
	api.mu.Unlock()

	target := filepath.Join(t.TempDir(), "m.txt")

	_, err = tm.DownloadToFile(context.Background(), f.FileID, target, DownloadOpts{MaxHashRetries: 1})
	require.ErrorIs(t, err, ErrHashMismatch)
	assert.Equal(t, 2, api.count(b2.EndpointDownloadFileByID))

	_, statErr := os.Stat(target)
	assert.True(t, os.IsNotExist(statErr))
}

func TestTransferManager_DownloadLargeFileUsesLargeFileSHA1(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api, nil)
	tm := NewTransferManager(m, TransferOptions{PartSize: 4, LargeFileThreshold: 4}, testLogger(t))

	data := []byte("large file body")
	path := writeTempFile(t, data)

	up, err := tm.UploadFile(context.Background(), path, UploadOpts{BucketID: "id-photos", Name: "l.bin"})
	require.NoError(t, err)
	require.Positive(t, up.Parts)

	target := filepath.Join(t.TempDir(), "l.bin")

	res, err := tm.DownloadToFile(context.Background(), up.File.FileID, target, DownloadOpts{})
	require.NoError(t, err)
	assert.True(t, res.HashVerified)
	assert.Equal(t, digest.SHA1Hex(data), res.LocalHash)
}
