package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/b2-go/internal/b2"
	"github.com/tonimelisma/b2-go/internal/b2ops"
)

func newLsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls <bucket> [prefix]",
		Short: "List files under a prefix",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runLs,
	}

	cmd.Flags().Bool("versions", false, "list every version, including hidden files")
	cmd.Flags().BoolP("recursive", "r", false, "list the whole prefix instead of one level")

	return cmd
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <bucket> <name>",
		Short: "Display file metadata",
		Args:  cobra.ExactArgs(2),
		RunE:  runStat,
	}
}

func newPutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <bucket> <local-path>...",
		Short: "Upload files",
		Long: `Upload one or more local files. Files above the large-file threshold are
uploaded as large files with parts sent in parallel.

The remote name is the local base name joined to --prefix, or --name when
exactly one file is given.`,
		Args: cobra.MinimumNArgs(2),
		RunE: runPut,
	}

	cmd.Flags().String("prefix", "", "remote name prefix")
	cmd.Flags().String("name", "", "remote name (single file only)")
	cmd.Flags().String("content-type", "", "content type (default: detected by B2)")
	cmd.Flags().Int("parallel-parts", 0, "concurrent part uploads per large file (overrides config)")

	return cmd
}

func newGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <bucket> <name> [local-path]",
		Short: "Download a file",
		Args:  cobra.RangeArgs(2, 3),
		RunE:  runGet,
	}

	cmd.Flags().Bool("no-mtime", false, "do not restore the modification time recorded at upload")

	return cmd
}

func newRmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <bucket> <name>",
		Short: "Delete the newest version of a file",
		Long: `Delete the newest version of a file. Older versions, if any, become
current. Use --all-versions to delete every version of the name.`,
		Args: cobra.ExactArgs(2),
		RunE: runRm,
	}

	cmd.Flags().Bool("all-versions", false, "delete every version of the name")
	cmd.Flags().Bool("bypass-governance", false, "delete versions under governance-mode retention")

	return cmd
}

func newHideCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hide <bucket> <name>",
		Short: "Hide a file so it no longer appears in listings",
		Args:  cobra.ExactArgs(2),
		RunE:  runHide,
	}
}

// resolveBucketID maps a bucket name to its ID.
func resolveBucketID(ctx context.Context, m *b2ops.Manager, name string) (string, error) {
	bucket, err := m.BucketByName(ctx, name)
	if err != nil {
		return "", fmt.Errorf("resolving bucket %q: %w", name, err)
	}

	return bucket.BucketID, nil
}

// findFile returns the current version of name. Hidden files are not found.
func findFile(ctx context.Context, m *b2ops.Manager, bucketID, name string) (*b2.File, error) {
	res, err := m.ListFileNames(ctx, b2.ListFilesRequest{
		BucketID:      bucketID,
		StartFileName: name,
		Prefix:        name,
		MaxFileCount:  1,
	})
	if err != nil {
		return nil, err
	}

	if len(res.Files) == 0 || res.Files[0].FileName != name {
		return nil, fmt.Errorf("%q: %w", name, b2.ErrNotFound)
	}

	return &res.Files[0], nil
}

// listAll pages through a listing until it is exhausted.
func listAll(
	ctx context.Context, req b2.ListFilesRequest,
	list func(context.Context, b2.ListFilesRequest) (*b2.ListFilesResult, error),
) ([]b2.File, error) {
	var files []b2.File

	for {
		res, err := list(ctx, req)
		if err != nil {
			return nil, err
		}

		files = append(files, res.Files...)

		if res.NextFileName == "" {
			return files, nil
		}

		req.StartFileName = res.NextFileName
		req.StartFileID = res.NextFileID
	}
}

func runLs(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	prefix := ""
	if len(args) > 1 {
		prefix = strings.TrimPrefix(args[1], "/")
	}

	versions, err := cmd.Flags().GetBool("versions")
	if err != nil {
		return err
	}

	recursive, err := cmd.Flags().GetBool("recursive")
	if err != nil {
		return err
	}

	bucketID, err := resolveBucketID(ctx, cc.Manager, args[0])
	if err != nil {
		return err
	}

	cc.Logger.Debug("ls", slog.String("bucket", args[0]), slog.String("prefix", prefix))

	req := b2.ListFilesRequest{BucketID: bucketID, Prefix: prefix}
	if !recursive {
		req.Delimiter = "/"
	}

	list := cc.Manager.ListFileNames
	if versions {
		list = cc.Manager.ListFileVersions
	}

	files, err := listAll(ctx, req, list)
	if err != nil {
		return fmt.Errorf("listing %q: %w", prefix, err)
	}

	if cc.Flags.JSON {
		return printJSON(cc.Stdout, filesJSON(files))
	}

	printFilesTable(cc, files, versions)

	return nil
}

// fileJSON is the JSON output schema for one file version.
type fileJSON struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Action      string            `json:"action"`
	Size        int64             `json:"size"`
	ContentType string            `json:"content_type,omitempty"`
	SHA1        string            `json:"sha1,omitempty"`
	UploadedAt  string            `json:"uploaded_at,omitempty"`
	Info        map[string]string `json:"info,omitempty"`
}

func toFileJSON(f *b2.File) fileJSON {
	out := fileJSON{
		ID:          f.FileID,
		Name:        f.FileName,
		Action:      f.Action,
		Size:        f.ContentLength,
		ContentType: f.ContentType,
		SHA1:        fileSHA1(f),
		Info:        f.Info,
	}

	if !f.UploadedAt.IsZero() {
		out.UploadedAt = f.UploadedAt.UTC().Format(time.RFC3339)
	}

	return out
}

func filesJSON(files []b2.File) []fileJSON {
	out := make([]fileJSON, 0, len(files))
	for i := range files {
		out = append(out, toFileJSON(&files[i]))
	}

	return out
}

// fileSHA1 returns the whole-file SHA-1, falling back to the value recorded
// in file info for large files.
func fileSHA1(f *b2.File) string {
	if f.ContentSHA1 != "" && f.ContentSHA1 != "none" {
		return strings.TrimPrefix(f.ContentSHA1, "unverified:")
	}

	return f.Info[b2.InfoLargeFileSHA1]
}

func printFilesTable(cc *CLIContext, files []b2.File, versions bool) {
	headers := []string{"NAME", "SIZE", "UPLOADED"}
	if versions {
		headers = append(headers, "ACTION", "ID")
	}

	rows := make([][]string, 0, len(files))

	for i := range files {
		f := &files[i]

		size := formatSize(f.ContentLength)
		if f.Action == "folder" {
			size = "-"
		}

		row := []string{f.FileName, size, formatTime(f.UploadedAt)}
		if versions {
			row = append(row, f.Action, f.FileID)
		}

		rows = append(rows, row)
	}

	printTable(cc.Stdout, headers, rows)
}

func runStat(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	bucketID, err := resolveBucketID(ctx, cc.Manager, args[0])
	if err != nil {
		return err
	}

	cc.Logger.Debug("stat", slog.String("bucket", args[0]), slog.String("name", args[1]))

	f, err := findFile(ctx, cc.Manager, bucketID, args[1])
	if err != nil {
		return fmt.Errorf("resolving %q: %w", args[1], err)
	}

	// The listing omits encryption details.
	full, err := cc.Manager.GetFileInfo(ctx, f.FileID)
	if err != nil {
		return fmt.Errorf("reading %q: %w", args[1], err)
	}

	if cc.Flags.JSON {
		return printJSON(cc.Stdout, toFileJSON(full))
	}

	printStatText(cc, full)

	return nil
}

func printStatText(cc *CLIContext, f *b2.File) {
	w := cc.Stdout

	fmt.Fprintf(w, "Name:      %s\n", f.FileName)
	fmt.Fprintf(w, "ID:        %s\n", f.FileID)
	fmt.Fprintf(w, "Size:      %s (%d bytes)\n", formatSize(f.ContentLength), f.ContentLength)
	fmt.Fprintf(w, "Uploaded:  %s\n", f.UploadedAt.UTC().Format("2006-01-02 15:04:05 UTC"))

	if mtime, ok := b2.LastModified(f.Info); ok {
		fmt.Fprintf(w, "Modified:  %s\n", mtime.UTC().Format("2006-01-02 15:04:05 UTC"))
	}

	if f.ContentType != "" {
		fmt.Fprintf(w, "Type:      %s\n", f.ContentType)
	}

	if sha := fileSHA1(f); sha != "" {
		fmt.Fprintf(w, "SHA-1:     %s\n", sha)
	}

	if f.Encryption != "" {
		fmt.Fprintf(w, "Encrypted: %s\n", f.Encryption)
	}
}

// putResult is the JSON output schema for one uploaded file.
type putResult struct {
	Path  string `json:"path"`
	Name  string `json:"name"`
	ID    string `json:"id"`
	Size  int64  `json:"size"`
	SHA1  string `json:"sha1"`
	Parts int    `json:"parts,omitempty"`

	ResumedParts int `json:"resumed_parts,omitempty"`
}

func runPut(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	prefix, err := cmd.Flags().GetString("prefix")
	if err != nil {
		return err
	}

	name, err := cmd.Flags().GetString("name")
	if err != nil {
		return err
	}

	contentType, err := cmd.Flags().GetString("content-type")
	if err != nil {
		return err
	}

	paths := args[1:]
	if name != "" && len(paths) > 1 {
		return errors.New("--name requires exactly one file")
	}

	for _, p := range paths {
		fi, statErr := os.Stat(p)
		if statErr != nil {
			return fmt.Errorf("stating local file: %w", statErr)
		}

		if fi.IsDir() {
			return fmt.Errorf("%q is a directory, not a file", p)
		}
	}

	bucketID, err := resolveBucketID(ctx, cc.Manager, args[0])
	if err != nil {
		return err
	}

	results := make([]putResult, len(paths))

	var failed atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cc.Cfg.Transfers.ParallelUploads)

	for i, p := range paths {
		remote := name
		if remote == "" {
			remote = putName(prefix, p)
		}

		g.Go(func() error {
			res, upErr := cc.Transfers.UploadFile(gctx, p, b2ops.UploadOpts{
				BucketID:    bucketID,
				Name:        remote,
				ContentType: contentType,
			})
			if upErr != nil {
				failed.Add(1)
				cc.Logger.Error("upload failed",
					slog.String("path", p),
					slog.String("name", remote),
					slog.String("error", upErr.Error()),
				)

				if errors.Is(upErr, context.Canceled) {
					return upErr
				}

				return nil
			}

			results[i] = putResult{
				Path:  p,
				Name:  remote,
				ID:    res.File.FileID,
				Size:  res.Size,
				SHA1:  res.LocalHash,
				Parts: res.Parts,

				ResumedParts: res.ResumedParts,
			}

			if res.ResumedParts > 0 {
				cc.Statusf("Resumed %s after %d of %d parts\n", remote, res.ResumedParts, res.Parts)
			}

			cc.Statusf("Uploaded %s (%s)\n", remote, formatSize(res.Size))

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	if cc.Flags.JSON {
		done := make([]putResult, 0, len(results))
		for _, r := range results {
			if r.ID != "" {
				done = append(done, r)
			}
		}

		if err := printJSON(cc.Stdout, done); err != nil {
			return err
		}
	}

	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d uploads failed", n, len(paths))
	}

	return nil
}

// putName builds the remote name for a local path: its base name under prefix.
func putName(prefix, localPath string) string {
	base := filepath.Base(localPath)

	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return base
	}

	return path.Join(prefix, base)
}

func runGet(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	noMtime, err := cmd.Flags().GetBool("no-mtime")
	if err != nil {
		return err
	}

	bucketID, err := resolveBucketID(ctx, cc.Manager, args[0])
	if err != nil {
		return err
	}

	f, err := findFile(ctx, cc.Manager, bucketID, args[1])
	if err != nil {
		return fmt.Errorf("resolving %q: %w", args[1], err)
	}

	localPath := path.Base(f.FileName)
	if len(args) > 2 {
		localPath = args[2]
	}

	if fi, statErr := os.Stat(localPath); statErr == nil && fi.IsDir() {
		localPath = filepath.Join(localPath, path.Base(f.FileName))
	}

	cc.Logger.Debug("get", slog.String("name", f.FileName), slog.String("local_path", localPath))

	res, err := cc.Transfers.DownloadToFile(ctx, f.FileID, localPath, b2ops.DownloadOpts{SetMtime: !noMtime})
	if err != nil {
		if _, statErr := os.Stat(localPath + ".partial"); statErr == nil {
			cc.Statusf("Partial download saved: %s.partial\n", localPath)
			cc.Statusf("Re-run the same command to resume.\n")
		}

		return fmt.Errorf("downloading %q: %w", f.FileName, err)
	}

	if !res.HashVerified {
		cc.Statusf("Warning: %s was not verified against a SHA-1\n", localPath)
	}

	if cc.Flags.JSON {
		return printJSON(cc.Stdout, struct {
			Path     string `json:"path"`
			Size     int64  `json:"size"`
			SHA1     string `json:"sha1"`
			Verified bool   `json:"verified"`
		}{localPath, res.Size, res.LocalHash, res.HashVerified})
	}

	cc.Statusf("Downloaded %s (%s)\n", localPath, formatSize(res.Size))

	return nil
}

func runRm(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()
	name := args[1]

	allVersions, err := cmd.Flags().GetBool("all-versions")
	if err != nil {
		return err
	}

	bypass, err := cmd.Flags().GetBool("bypass-governance")
	if err != nil {
		return err
	}

	bucketID, err := resolveBucketID(ctx, cc.Manager, args[0])
	if err != nil {
		return err
	}

	targets, err := versionsOf(ctx, cc.Manager, bucketID, name)
	if err != nil {
		return err
	}

	if len(targets) == 0 {
		return fmt.Errorf("%q: %w", name, b2.ErrNotFound)
	}

	if !allVersions {
		targets = targets[:1]
	}

	for i := range targets {
		if err := cc.Manager.DeleteFileVersion(ctx, name, targets[i].FileID, bypass); err != nil {
			return fmt.Errorf("deleting %q (%s): %w", name, targets[i].FileID, err)
		}

		cc.Logger.Debug("deleted version", slog.String("name", name), slog.String("file_id", targets[i].FileID))
	}

	cc.Statusf("Deleted %s (%d version(s))\n", name, len(targets))

	return nil
}

// versionsOf returns every version of exactly name, newest first.
func versionsOf(ctx context.Context, m *b2ops.Manager, bucketID, name string) ([]b2.File, error) {
	files, err := listAll(ctx, b2.ListFilesRequest{
		BucketID:      bucketID,
		StartFileName: name,
		Prefix:        name,
	}, m.ListFileVersions)
	if err != nil {
		return nil, fmt.Errorf("listing versions of %q: %w", name, err)
	}

	out := files[:0]

	for i := range files {
		if files[i].FileName == name {
			out = append(out, files[i])
		}
	}

	return out, nil
}

func runHide(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	bucketID, err := resolveBucketID(ctx, cc.Manager, args[0])
	if err != nil {
		return err
	}

	f, err := cc.Manager.HideFile(ctx, bucketID, args[1])
	if err != nil {
		return fmt.Errorf("hiding %q: %w", args[1], err)
	}

	if cc.Flags.JSON {
		return printJSON(cc.Stdout, toFileJSON(f))
	}

	cc.Statusf("Hidden %s\n", args[1])

	return nil
}
