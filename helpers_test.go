package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/b2-go/internal/b2"
	"github.com/tonimelisma/b2-go/internal/b2ops"
	"github.com/tonimelisma/b2-go/internal/config"
	"github.com/tonimelisma/b2-go/internal/digest"
)

type testLogWriter struct{ t *testing.T }

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSpace(string(p)))

	return len(p), nil
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(testLogWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

const testToken = "4_secret_token"

// fakeB2 is an in-memory B2 account with one bucket. Endpoints the CLI never
// reaches are left to the embedded nil interface.
type fakeB2 struct {
	b2ops.API

	mu       sync.Mutex
	buckets  []b2.Bucket
	files    []b2.File // every version, including hide markers
	contents map[string][]byte
	parts    map[string][]b2.Part
	pageSize int
	seq      int
	now      time.Time
}

func newFakeB2() *fakeB2 {
	return &fakeB2{
		buckets:  []b2.Bucket{{BucketID: "bkt1", BucketName: "photos", BucketType: "allPrivate"}},
		contents: make(map[string][]byte),
		parts:    make(map[string][]b2.Part),
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// addFile stores a new version of name and returns its ID.
func (f *fakeB2) addFile(name, action string, data []byte) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.addFileLocked(name, action, data, nil)
}

func (f *fakeB2) addFileLocked(name, action string, data []byte, info map[string]string) string {
	f.seq++
	f.now = f.now.Add(time.Minute)
	id := fmt.Sprintf("4_z%04d", f.seq)

	sha := digest.SHA1Hex(data)
	if action != "upload" {
		sha = ""
	}

	f.files = append(f.files, b2.File{
		BucketID:      "bkt1",
		FileID:        id,
		FileName:      name,
		Action:        action,
		ContentLength: int64(len(data)),
		ContentSHA1:   sha,
		Info:          info,
		UploadedAt:    f.now,
	})
	f.contents[id] = data

	return id
}

func (f *fakeB2) Authorize(context.Context, string, string) (*b2.Authorization, error) {
	return &b2.Authorization{
		AccountID:           "acct1",
		APIURL:              "https://api000.backblazeb2.com",
		DownloadURL:         "https://f000.backblazeb2.com",
		Token:               testToken,
		IssuedAt:            time.Now(),
		ExpiresAt:           time.Now().Add(24 * time.Hour),
		RecommendedPartSize: 100 * 1000 * 1000,
		Allowed: b2.Allowed{Capabilities: []string{
			b2.CapListBuckets, b2.CapWriteBuckets, b2.CapDeleteBuckets, b2.CapListFiles,
			b2.CapReadFiles, b2.CapWriteFiles, b2.CapDeleteFiles,
		}},
	}, nil
}

func (f *fakeB2) ListBuckets(_ context.Context, _ *b2.Authorization, r b2.ListBucketsRequest) ([]b2.Bucket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []b2.Bucket

	for _, b := range f.buckets {
		if r.BucketName != "" && b.BucketName != r.BucketName {
			continue
		}

		out = append(out, b)
	}

	return out, nil
}

func (f *fakeB2) CreateBucket(
	_ context.Context, _ *b2.Authorization, name, bucketType string, _ map[string]string,
) (*b2.Bucket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b := b2.Bucket{BucketID: "bkt-" + name, BucketName: name, BucketType: bucketType}
	f.buckets = append(f.buckets, b)

	return &b, nil
}

func (f *fakeB2) DeleteBucket(_ context.Context, _ *b2.Authorization, bucketID string) (*b2.Bucket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, b := range f.buckets {
		if b.BucketID == bucketID {
			f.buckets = append(f.buckets[:i], f.buckets[i+1:]...)

			return &b, nil
		}
	}

	return nil, &b2.APIError{Endpoint: "delete_bucket", StatusCode: 400, Code: "bad_bucket_id", Err: b2.ErrBadRequest}
}

// sortedVersions returns every version ordered by name, newest first.
func (f *fakeB2) sortedVersions() []b2.File {
	out := append([]b2.File(nil), f.files...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FileName != out[j].FileName {
			return out[i].FileName < out[j].FileName
		}

		return out[i].UploadedAt.After(out[j].UploadedAt)
	})

	return out
}

func (f *fakeB2) ListFileNames(_ context.Context, _ *b2.Authorization, r b2.ListFilesRequest) (*b2.ListFilesResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var current []b2.File

	seen := make(map[string]bool)

	for _, v := range f.sortedVersions() {
		if seen[v.FileName] {
			continue
		}

		seen[v.FileName] = true

		if v.Action == "upload" {
			current = append(current, v)
		}
	}

	return f.page(current, r, func(v b2.File) string { return v.FileName }), nil
}

func (f *fakeB2) ListFileVersions(_ context.Context, _ *b2.Authorization, r b2.ListFilesRequest) (*b2.ListFilesResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.page(f.sortedVersions(), r, func(v b2.File) string { return v.FileName }), nil
}

// page applies prefix, start name, delimiter and page size to files.
func (f *fakeB2) page(files []b2.File, r b2.ListFilesRequest, key func(b2.File) string) *b2.ListFilesResult {
	limit := r.MaxFileCount
	if f.pageSize > 0 && f.pageSize < limit {
		limit = f.pageSize
	}

	res := &b2.ListFilesResult{}
	folders := make(map[string]bool)

	for _, v := range files {
		name := key(v)
		if !strings.HasPrefix(name, r.Prefix) || name < r.StartFileName {
			continue
		}

		if r.Delimiter != "" {
			rest := strings.TrimPrefix(name, r.Prefix)
			if i := strings.Index(rest, r.Delimiter); i >= 0 {
				folder := r.Prefix + rest[:i+1]
				if folders[folder] {
					continue
				}

				folders[folder] = true
				v = b2.File{FileName: folder, Action: "folder"}
			}
		}

		if len(res.Files) == limit {
			res.NextFileName = v.FileName
			res.NextFileID = v.FileID

			break
		}

		res.Files = append(res.Files, v)
	}

	return res
}

func (f *fakeB2) GetFileInfo(_ context.Context, _ *b2.Authorization, fileID string) (*b2.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, v := range f.files {
		if v.FileID == fileID {
			return &v, nil
		}
	}

	return nil, &b2.APIError{Endpoint: "get_file_info", StatusCode: 404, Code: "not_found", Err: b2.ErrNotFound}
}

func (f *fakeB2) HideFile(_ context.Context, _ *b2.Authorization, _, fileName string) (*b2.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.addFileLocked(fileName, "hide", nil, nil)
	out := f.files[len(f.files)-1]

	return &out, nil
}

func (f *fakeB2) DeleteFileVersion(_ context.Context, _ *b2.Authorization, fileName, fileID string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, v := range f.files {
		if v.FileID == fileID && v.FileName == fileName {
			f.files = append(f.files[:i], f.files[i+1:]...)

			return nil
		}
	}

	return &b2.APIError{Endpoint: "delete_file_version", StatusCode: 400, Code: "file_not_present", Err: b2.ErrBadRequest}
}

func (f *fakeB2) GetUploadURL(_ context.Context, _ *b2.Authorization, bucketID string) (*b2.UploadURL, error) {
	return &b2.UploadURL{BucketID: bucketID, URL: "https://pod-000.backblaze.com/upload", Token: testToken}, nil
}

func (f *fakeB2) UploadFile(_ context.Context, _ *b2.UploadURL, info *b2.FileInfo, body io.Reader) (*b2.File, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	meta := make(map[string]string)
	if !info.LastModified.IsZero() {
		meta[b2.InfoLastModified] = strconv.FormatInt(info.LastModified.UnixMilli(), 10)
	}

	f.addFileLocked(info.FileName, "upload", data, meta)
	out := f.files[len(f.files)-1]

	return &out, nil
}

func (f *fakeB2) DownloadFileByID(_ context.Context, _ *b2.Authorization, fileID string, _ b2.DownloadOptions) (*b2.Download, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, v := range f.files {
		if v.FileID == fileID {
			return &b2.Download{File: v, Body: io.NopCloser(bytes.NewReader(f.contents[fileID]))}, nil
		}
	}

	return nil, &b2.APIError{Endpoint: "download_file_by_id", StatusCode: 404, Code: "not_found", Err: b2.ErrNotFound}
}

func (f *fakeB2) ListUnfinishedLargeFiles(
	_ context.Context, _ *b2.Authorization, _, namePrefix, _ string, _ int,
) (*b2.ListFilesResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	res := &b2.ListFilesResult{}

	for _, v := range f.files {
		if v.Action == "start" && strings.HasPrefix(v.FileName, namePrefix) {
			res.Files = append(res.Files, v)
		}
	}

	return res, nil
}

func (f *fakeB2) ListParts(_ context.Context, _ *b2.Authorization, fileID string, _, _ int) (*b2.ListPartsResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return &b2.ListPartsResult{Parts: f.parts[fileID]}, nil
}

func (f *fakeB2) CancelLargeFile(_ context.Context, _ *b2.Authorization, fileID string) (*b2.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, v := range f.files {
		if v.FileID == fileID && v.Action == "start" {
			f.files = append(f.files[:i], f.files[i+1:]...)
			delete(f.parts, fileID)

			return &v, nil
		}
	}

	return nil, &b2.APIError{Endpoint: "cancel_large_file", StatusCode: 400, Code: "bad_request", Err: b2.ErrBadRequest}
}

// testCLIContext builds a CLIContext over fake with default config.
func testCLIContext(t *testing.T, fake *fakeB2, jsonOut bool) (*CLIContext, *bytes.Buffer) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Account.KeyID = "key1"
	cfg.Account.ApplicationKey = "secret-app-key"

	logger := testLogger(t)

	m, err := newManager(cfg, fake, logger)
	require.NoError(t, err)

	var out bytes.Buffer

	return &CLIContext{
		Flags:     CLIFlags{JSON: jsonOut, Quiet: true},
		Cfg:       cfg,
		CfgPath:   "/nonexistent/config.toml",
		DataDir:   t.TempDir(),
		Logger:    logger,
		Manager:   m,
		Transfers: b2ops.NewTransferManager(m, transferOptions(cfg, "", logger), logger),
		Stdout:    &out,
	}, &out
}

// runCmd executes cmd with args under cc.
func runCmd(t *testing.T, cc *CLIContext, cmd *cobra.Command, args ...string) error {
	t.Helper()

	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	return cmd.ExecuteContext(withCLIContext(context.Background(), cc))
}
