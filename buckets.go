package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/b2-go/internal/b2"
)

func newBucketsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "buckets",
		Short: "List and manage buckets",
		Args:  cobra.NoArgs,
		RunE:  runBucketsList,
	}

	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a bucket",
		Args:  cobra.ExactArgs(1),
		RunE:  runBucketsCreate,
	}
	create.Flags().String("type", "allPrivate", "bucket type: allPrivate or allPublic")

	cmd.AddCommand(create)
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <name>",
		Short: "Delete an empty bucket",
		Args:  cobra.ExactArgs(1),
		RunE:  runBucketsDelete,
	})

	return cmd
}

// bucketJSON is the JSON output schema for one bucket.
type bucketJSON struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

func runBucketsList(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	buckets, err := cc.Manager.ListBuckets(cmd.Context(), b2.ListBucketsRequest{})
	if err != nil {
		return fmt.Errorf("listing buckets: %w", err)
	}

	sort.Slice(buckets, func(i, j int) bool { return buckets[i].BucketName < buckets[j].BucketName })

	if cc.Flags.JSON {
		out := make([]bucketJSON, 0, len(buckets))
		for i := range buckets {
			out = append(out, bucketJSON{ID: buckets[i].BucketID, Name: buckets[i].BucketName, Type: buckets[i].BucketType})
		}

		return printJSON(cc.Stdout, out)
	}

	rows := make([][]string, 0, len(buckets))
	for i := range buckets {
		rows = append(rows, []string{buckets[i].BucketName, buckets[i].BucketType, buckets[i].BucketID})
	}

	printTable(cc.Stdout, []string{"NAME", "TYPE", "ID"}, rows)

	return nil
}

func runBucketsCreate(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	bucketType, err := cmd.Flags().GetString("type")
	if err != nil {
		return err
	}

	if bucketType != "allPrivate" && bucketType != "allPublic" {
		return fmt.Errorf("invalid bucket type %q: must be allPrivate or allPublic", bucketType)
	}

	bucket, err := cc.Manager.CreateBucket(cmd.Context(), args[0], bucketType, nil)
	if err != nil {
		return fmt.Errorf("creating bucket %q: %w", args[0], err)
	}

	if cc.Flags.JSON {
		return printJSON(cc.Stdout, bucketJSON{ID: bucket.BucketID, Name: bucket.BucketName, Type: bucket.BucketType})
	}

	cc.Statusf("Created bucket %s (%s)\n", bucket.BucketName, bucket.BucketID)

	return nil
}

func runBucketsDelete(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	bucketID, err := resolveBucketID(cmd.Context(), cc.Manager, args[0])
	if err != nil {
		return err
	}

	if _, err := cc.Manager.DeleteBucket(cmd.Context(), bucketID); err != nil {
		return fmt.Errorf("deleting bucket %q: %w", args[0], err)
	}

	cc.Statusf("Deleted bucket %s\n", args[0])

	return nil
}
