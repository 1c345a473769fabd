package b2ops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/b2-go/internal/b2"
	"github.com/tonimelisma/b2-go/internal/digest"
)

var testCapabilities = []string{
	b2.CapListBuckets, b2.CapWriteBuckets, b2.CapDeleteBuckets, b2.CapListFiles,
	b2.CapReadFiles, b2.CapShareFiles, b2.CapWriteFiles, b2.CapDeleteFiles,
}

// testLogger writes to t.Log so failures show the component's log lines.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type testLogWriter struct {
	t *testing.T
}

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSpace(string(p)))
	return len(p), nil
}

func noopSleep(context.Context, time.Duration) error { return nil }

func apiErr(status int, code string) error {
	var sentinel error

	switch status {
	case http.StatusBadRequest:
		sentinel = b2.ErrBadRequest
	case http.StatusUnauthorized:
		sentinel = b2.ErrUnauthorized
	case http.StatusNotFound:
		sentinel = b2.ErrNotFound
	case http.StatusTooManyRequests:
		sentinel = b2.ErrThrottled
	case http.StatusServiceUnavailable:
		sentinel = b2.ErrServiceUnavailable
	default:
		sentinel = b2.ErrServerError
	}

	return &b2.APIError{Endpoint: "test", StatusCode: status, Code: code, Message: code, Err: sentinel}
}

func transportErr() error {
	return &b2.TransportError{Endpoint: "test", Err: errors.New("connection reset by peer")}
}

// fakeAPI is an in-memory B2. Faults queued with fail are returned, in
// order, by the next calls to the named endpoint.
type fakeAPI struct {
	// authorizeGate, when set, blocks Authorize until closed.
	authorizeGate chan struct{}
	capabilities  []string
	allowedBucket string
	partSize      int64

	mu       sync.Mutex
	calls    map[string]int
	faults   map[string][]error
	nextID   int
	files    map[string]*b2.File
	content  map[string][]byte
	parts    map[string]map[int]b2.Part
	partData map[string]map[int][]byte
	finished map[string][]string // file ID -> SHA-1s passed to finish

	inUse        map[string]bool
	sharedUpload atomic.Int32 // uploads that found their URL already in use
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		capabilities: testCapabilities,
		partSize:     100,
		calls:        make(map[string]int),
		faults:       make(map[string][]error),
		files:        make(map[string]*b2.File),
		content:      make(map[string][]byte),
		parts:        make(map[string]map[int]b2.Part),
		partData:     make(map[string]map[int][]byte),
		finished:     make(map[string][]string),
		inUse:        make(map[string]bool),
	}
}

func (f *fakeAPI) fail(ep b2.Endpoint, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.faults[ep.Name] = append(f.faults[ep.Name], errs...)
}

func (f *fakeAPI) count(ep b2.Endpoint) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[ep.Name]
}

// enter records a call and pops the next queued fault.
func (f *fakeAPI) enter(ep b2.Endpoint) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[ep.Name]++
	n := f.calls[ep.Name]

	if q := f.faults[ep.Name]; len(q) > 0 {
		f.faults[ep.Name] = q[1:]
		return n, q[0]
	}

	return n, nil
}

func (f *fakeAPI) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeAPI) Authorize(ctx context.Context, keyID, _ string) (*b2.Authorization, error) {
	n, err := f.enter(b2.EndpointAuthorizeAccount)

	if f.authorizeGate != nil {
		select {
		case <-f.authorizeGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err != nil {
		return nil, err
	}

	return &b2.Authorization{
		AccountID:               "acct-" + keyID,
		APIURL:                  "https://api.example",
		DownloadURL:             "https://f000.example",
		Token:                   fmt.Sprintf("tok-%d", n),
		RecommendedPartSize:     f.partSize,
		AbsoluteMinimumPartSize: 1,
		Allowed: b2.Allowed{
			Capabilities: f.capabilities,
			BucketID:     f.allowedBucket,
			BucketName:   strings.TrimPrefix(f.allowedBucket, "id-"),
		},
	}, nil
}

func (f *fakeAPI) ListBuckets(_ context.Context, _ *b2.Authorization, r b2.ListBucketsRequest) ([]b2.Bucket, error) {
	if _, err := f.enter(b2.EndpointListBuckets); err != nil {
		return nil, err
	}

	all := []b2.Bucket{
		{BucketID: "id-photos", BucketName: "photos", BucketType: "allPrivate"},
		{BucketID: "id-docs", BucketName: "docs", BucketType: "allPrivate"},
	}

	var out []b2.Bucket

	for _, b := range all {
		if (r.BucketID == "" || r.BucketID == b.BucketID) && (r.BucketName == "" || r.BucketName == b.BucketName) {
			out = append(out, b)
		}
	}

	return out, nil
}

func (f *fakeAPI) CreateBucket(
	_ context.Context, _ *b2.Authorization, name, bucketType string, _ map[string]string,
) (*b2.Bucket, error) {
	if _, err := f.enter(b2.EndpointCreateBucket); err != nil {
		return nil, err
	}

	return &b2.Bucket{BucketID: "id-" + name, BucketName: name, BucketType: bucketType}, nil
}

func (f *fakeAPI) DeleteBucket(_ context.Context, _ *b2.Authorization, bucketID string) (*b2.Bucket, error) {
	if _, err := f.enter(b2.EndpointDeleteBucket); err != nil {
		return nil, err
	}

	return &b2.Bucket{BucketID: bucketID}, nil
}

func (f *fakeAPI) GetUploadURL(_ context.Context, _ *b2.Authorization, bucketID string) (*b2.UploadURL, error) {
	n, err := f.enter(b2.EndpointGetUploadURL)
	if err != nil {
		return nil, err
	}

	return &b2.UploadURL{
		BucketID: bucketID,
		URL:      fmt.Sprintf("https://pod-%d.example/upload", n),
		Token:    fmt.Sprintf("up-%d", n),
	}, nil
}

// lease marks u busy for one upload, counting overlapping use.
func (f *fakeAPI) lease(u *b2.UploadURL) func() {
	f.mu.Lock()
	if f.inUse[u.Token] {
		f.sharedUpload.Add(1)
	}
	f.inUse[u.Token] = true
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.inUse, u.Token)
		f.mu.Unlock()
	}
}

func (f *fakeAPI) UploadFile(_ context.Context, u *b2.UploadURL, info *b2.FileInfo, body io.Reader) (*b2.File, error) {
	done := f.lease(u)
	defer done()

	if _, err := f.enter(b2.EndpointUploadFile); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, &b2.TransportError{Endpoint: "upload", Err: err}
	}

	if sha := digest.SHA1Hex(data); sha != info.ContentSHA1 {
		return nil, apiErr(http.StatusBadRequest, "bad_request")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	file := &b2.File{
		BucketID:      u.BucketID,
		FileID:        f.id("file"),
		FileName:      info.FileName,
		Action:        "upload",
		ContentLength: int64(len(data)),
		ContentSHA1:   info.ContentSHA1,
		Info:          info.Info,
	}
	f.files[file.FileID] = file
	f.content[file.FileID] = data

	out := *file

	return &out, nil
}

func (f *fakeAPI) GetFileInfo(_ context.Context, _ *b2.Authorization, fileID string) (*b2.File, error) {
	if _, err := f.enter(b2.EndpointGetFileInfo); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	file, ok := f.files[fileID]
	if !ok {
		return nil, apiErr(http.StatusNotFound, "not_found")
	}

	out := *file

	return &out, nil
}

func (f *fakeAPI) sortedFiles(bucketID string, match func(*b2.File) bool) []b2.File {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []b2.File

	for _, file := range f.files {
		if file.BucketID == bucketID && match(file) {
			out = append(out, *file)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].FileName < out[j].FileName })

	return out
}

func (f *fakeAPI) ListFileNames(_ context.Context, _ *b2.Authorization, r b2.ListFilesRequest) (*b2.ListFilesResult, error) {
	if _, err := f.enter(b2.EndpointListFileNames); err != nil {
		return nil, err
	}

	files := f.sortedFiles(r.BucketID, func(file *b2.File) bool {
		return file.Action == "upload" && strings.HasPrefix(file.FileName, r.Prefix) &&
			file.FileName >= r.StartFileName
	})

	res := &b2.ListFilesResult{Files: files}
	if r.MaxFileCount > 0 && len(files) > r.MaxFileCount {
		res.Files = files[:r.MaxFileCount]
		res.NextFileName = files[r.MaxFileCount].FileName
	}

	return res, nil
}

func (f *fakeAPI) ListFileVersions(
	ctx context.Context, auth *b2.Authorization, r b2.ListFilesRequest,
) (*b2.ListFilesResult, error) {
	if _, err := f.enter(b2.EndpointListFileVersions); err != nil {
		return nil, err
	}

	files := f.sortedFiles(r.BucketID, func(file *b2.File) bool {
		return strings.HasPrefix(file.FileName, r.Prefix)
	})

	return &b2.ListFilesResult{Files: files}, nil
}

func (f *fakeAPI) HideFile(_ context.Context, _ *b2.Authorization, bucketID, fileName string) (*b2.File, error) {
	if _, err := f.enter(b2.EndpointHideFile); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	file := &b2.File{BucketID: bucketID, FileID: f.id("hide"), FileName: fileName, Action: "hide"}
	f.files[file.FileID] = file

	out := *file

	return &out, nil
}

func (f *fakeAPI) DeleteFileVersion(_ context.Context, _ *b2.Authorization, _, fileID string, _ bool) error {
	if _, err := f.enter(b2.EndpointDeleteFileVersion); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.files[fileID]; !ok {
		return apiErr(http.StatusNotFound, "file_not_present")
	}

	delete(f.files, fileID)
	delete(f.content, fileID)

	return nil
}

func (f *fakeAPI) CopyFile(_ context.Context, _ *b2.Authorization, r b2.CopyFileRequest) (*b2.File, error) {
	if _, err := f.enter(b2.EndpointCopyFile); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	src, ok := f.files[r.SourceFileID]
	if !ok {
		return nil, apiErr(http.StatusNotFound, "not_found")
	}

	dst := *src
	dst.FileID = f.id("file")
	dst.FileName = r.FileName
	f.files[dst.FileID] = &dst
	f.content[dst.FileID] = f.content[src.FileID]

	out := dst

	return &out, nil
}

func (f *fakeAPI) StartLargeFile(
	_ context.Context, _ *b2.Authorization, bucketID string, info *b2.FileInfo,
) (*b2.File, error) {
	if _, err := f.enter(b2.EndpointStartLargeFile); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	file := &b2.File{
		BucketID:    bucketID,
		FileID:      f.id("large"),
		FileName:    info.FileName,
		Action:      "start",
		ContentSHA1: digest.None,
		Info:        info.Info,
	}
	f.files[file.FileID] = file
	f.parts[file.FileID] = make(map[int]b2.Part)
	f.partData[file.FileID] = make(map[int][]byte)

	out := *file

	return &out, nil
}

func (f *fakeAPI) GetUploadPartURL(_ context.Context, _ *b2.Authorization, fileID string) (*b2.UploadURL, error) {
	n, err := f.enter(b2.EndpointGetUploadPartURL)
	if err != nil {
		return nil, err
	}

	return &b2.UploadURL{
		FileID: fileID,
		URL:    fmt.Sprintf("https://pod-%d.example/part", n),
		Token:  fmt.Sprintf("part-%d", n),
	}, nil
}

func (f *fakeAPI) UploadPart(_ context.Context, u *b2.UploadURL, r b2.PartRequest, body io.Reader) (*b2.Part, error) {
	done := f.lease(u)
	defer done()

	if _, err := f.enter(b2.EndpointUploadPart); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, &b2.TransportError{Endpoint: "upload", Err: err}
	}

	if digest.SHA1Hex(data) != r.ContentSHA1 || int64(len(data)) != r.ContentLength {
		return nil, apiErr(http.StatusBadRequest, "bad_request")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	parts, ok := f.parts[u.FileID]
	if !ok {
		return nil, apiErr(http.StatusBadRequest, "bad_request")
	}

	p := b2.Part{
		FileID:        u.FileID,
		PartNumber:    r.PartNumber,
		ContentLength: r.ContentLength,
		ContentSHA1:   r.ContentSHA1,
	}
	parts[r.PartNumber] = p
	f.partData[u.FileID][r.PartNumber] = data

	return &p, nil
}

func (f *fakeAPI) ListParts(
	_ context.Context, _ *b2.Authorization, fileID string, startPart, maxCount int,
) (*b2.ListPartsResult, error) {
	if _, err := f.enter(b2.EndpointListParts); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	parts, ok := f.parts[fileID]
	if !ok {
		return nil, apiErr(http.StatusBadRequest, "bad_request")
	}

	numbers := make([]int, 0, len(parts))
	for n := range parts {
		if n >= startPart {
			numbers = append(numbers, n)
		}
	}

	slices.Sort(numbers)

	res := &b2.ListPartsResult{}

	for i, n := range numbers {
		if maxCount > 0 && i == maxCount {
			res.NextPartNumber = n
			break
		}

		res.Parts = append(res.Parts, parts[n])
	}

	return res, nil
}

func (f *fakeAPI) ListUnfinishedLargeFiles(
	_ context.Context, _ *b2.Authorization, bucketID, namePrefix, _ string, _ int,
) (*b2.ListFilesResult, error) {
	if _, err := f.enter(b2.EndpointListUnfinishedLargeFiles); err != nil {
		return nil, err
	}

	files := f.sortedFiles(bucketID, func(file *b2.File) bool {
		return file.Action == "start" && strings.HasPrefix(file.FileName, namePrefix)
	})

	return &b2.ListFilesResult{Files: files}, nil
}

func (f *fakeAPI) FinishLargeFile(
	_ context.Context, _ *b2.Authorization, fileID string, partSHA1s []string,
) (*b2.File, error) {
	if _, err := f.enter(b2.EndpointFinishLargeFile); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	file, ok := f.files[fileID]
	if !ok || file.Action != "start" {
		return nil, apiErr(http.StatusBadRequest, "bad_request")
	}

	parts := f.parts[fileID]
	if len(parts) != len(partSHA1s) {
		return nil, apiErr(http.StatusBadRequest, "bad_request")
	}

	var content []byte

	for i, sha := range partSHA1s {
		p, ok := parts[i+1]
		if !ok || p.ContentSHA1 != sha {
			return nil, apiErr(http.StatusBadRequest, "bad_request")
		}

		content = append(content, f.partData[fileID][i+1]...)
	}

	file.Action = "upload"
	file.ContentLength = int64(len(content))
	f.content[fileID] = content
	f.finished[fileID] = slices.Clone(partSHA1s)
	delete(f.parts, fileID)

	out := *file

	return &out, nil
}

func (f *fakeAPI) CancelLargeFile(_ context.Context, _ *b2.Authorization, fileID string) (*b2.File, error) {
	if _, err := f.enter(b2.EndpointCancelLargeFile); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	file, ok := f.files[fileID]
	if !ok || file.Action != "start" {
		return nil, apiErr(http.StatusBadRequest, "bad_request")
	}

	delete(f.files, fileID)
	delete(f.parts, fileID)

	return &b2.File{FileID: fileID, FileName: file.FileName, BucketID: file.BucketID}, nil
}

func (f *fakeAPI) GetDownloadAuthorization(
	_ context.Context, _ *b2.Authorization, bucketID, prefix string, validFor time.Duration,
) (*b2.DownloadAuthorization, error) {
	if _, err := f.enter(b2.EndpointGetDownloadAuthorization); err != nil {
		return nil, err
	}

	return &b2.DownloadAuthorization{
		BucketID:       bucketID,
		FileNamePrefix: prefix,
		Token:          "dl-" + strconv.FormatInt(int64(validFor.Seconds()), 10),
	}, nil
}

func (f *fakeAPI) DownloadFileByID(
	_ context.Context, _ *b2.Authorization, fileID string, opts b2.DownloadOptions,
) (*b2.Download, error) {
	if _, err := f.enter(b2.EndpointDownloadFileByID); err != nil {
		return nil, err
	}

	return f.download(fileID, opts)
}

func (f *fakeAPI) DownloadFileByName(
	_ context.Context, _ *b2.Authorization, _, fileName string, opts b2.DownloadOptions,
) (*b2.Download, error) {
	if _, err := f.enter(b2.EndpointDownloadFileByName); err != nil {
		return nil, err
	}

	f.mu.Lock()
	var id string
	for _, file := range f.files {
		if file.FileName == fileName && file.Action == "upload" {
			id = file.FileID
		}
	}
	f.mu.Unlock()

	return f.download(id, opts)
}

func (f *fakeAPI) download(fileID string, opts b2.DownloadOptions) (*b2.Download, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, ok := f.files[fileID]
	if !ok || file.Action != "upload" {
		return nil, apiErr(http.StatusNotFound, "not_found")
	}

	data := f.content[fileID]
	dl := &b2.Download{File: *file}

	if opts.Range != "" {
		start, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(opts.Range, "bytes="), "-"), 10, 64)
		if err != nil || start >= int64(len(data)) {
			return nil, apiErr(http.StatusRequestedRangeNotSatisfiable, "range_not_satisfiable")
		}

		dl.ContentRange = fmt.Sprintf("bytes %d-%d/%d", start, len(data)-1, len(data))
		data = data[start:]
	}

	if file.ContentSHA1 == digest.None {
		dl.File.ContentSHA1 = file.Info[b2.InfoLargeFileSHA1]
	}

	dl.Body = io.NopCloser(bytes.NewReader(data))

	return dl, nil
}

var _ API = (*fakeAPI)(nil)

// newTestManager builds a Manager over api with instant backoff.
func newTestManager(t *testing.T, api API, mutate func(*Options)) *Manager {
	t.Helper()

	opts := DefaultOptions()
	opts.Credentials = Credentials{KeyID: "key-id", ApplicationKey: "secret"}

	if mutate != nil {
		mutate(&opts)
	}

	m := NewManager(api, opts, testLogger(t))
	m.policy.sleepFunc = noopSleep

	return m
}

func requireClass(t *testing.T, want b2.Class, err error) {
	t.Helper()

	require.Error(t, err)
	require.Equal(t, want, ClassOf(err), "error: %v", err)
}
