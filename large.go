package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newLargeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "large",
		Short: "Inspect and cancel unfinished large files",
	}

	ls := &cobra.Command{
		Use:   "ls <bucket>",
		Short: "List large files that were started but never finished",
		Args:  cobra.ExactArgs(1),
		RunE:  runLargeLs,
	}
	ls.Flags().String("prefix", "", "only list names under this prefix")

	cmd.AddCommand(ls)
	cmd.AddCommand(&cobra.Command{
		Use:   "parts <file-id>",
		Short: "List the parts uploaded so far",
		Args:  cobra.ExactArgs(1),
		RunE:  runLargeParts,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "cancel <file-id>",
		Short: "Cancel a large file and discard its parts",
		Args:  cobra.ExactArgs(1),
		RunE:  runLargeCancel,
	})

	return cmd
}

func runLargeLs(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	prefix, err := cmd.Flags().GetString("prefix")
	if err != nil {
		return err
	}

	bucketID, err := resolveBucketID(ctx, cc.Manager, args[0])
	if err != nil {
		return err
	}

	files, err := cc.Manager.ListUnfinishedLargeFiles(ctx, bucketID, prefix)
	if err != nil {
		return fmt.Errorf("listing unfinished large files: %w", err)
	}

	if cc.Flags.JSON {
		return printJSON(cc.Stdout, filesJSON(files))
	}

	rows := make([][]string, 0, len(files))
	for i := range files {
		rows = append(rows, []string{files[i].FileName, formatTime(files[i].UploadedAt), files[i].FileID})
	}

	printTable(cc.Stdout, []string{"NAME", "STARTED", "ID"}, rows)

	return nil
}

// partJSON is the JSON output schema for one uploaded part.
type partJSON struct {
	Number int    `json:"number"`
	Size   int64  `json:"size"`
	SHA1   string `json:"sha1"`
}

func runLargeParts(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	parts, err := cc.Manager.ListParts(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("listing parts of %s: %w", args[0], err)
	}

	if cc.Flags.JSON {
		out := make([]partJSON, 0, len(parts))
		for _, p := range parts {
			out = append(out, partJSON{Number: p.PartNumber, Size: p.ContentLength, SHA1: p.ContentSHA1})
		}

		return printJSON(cc.Stdout, out)
	}

	var total int64

	rows := make([][]string, 0, len(parts))
	for _, p := range parts {
		total += p.ContentLength
		rows = append(rows, []string{strconv.Itoa(p.PartNumber), formatSize(p.ContentLength), p.ContentSHA1})
	}

	printTable(cc.Stdout, []string{"PART", "SIZE", "SHA1"}, rows)
	cc.Statusf("%d part(s), %s\n", len(parts), formatSize(total))

	return nil
}

func runLargeCancel(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	f, err := cc.Manager.CancelLargeFile(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("canceling %s: %w", args[0], err)
	}

	cc.Statusf("Canceled large file %s\n", f.FileName)

	return nil
}
