package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/b2-go/internal/b2"
)

func newAuthorizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "authorize",
		Short: "Authorize the configured key and show what it may do",
		Args:  cobra.NoArgs,
		RunE:  runAuthorize,
	}
}

// authorizeOutput is the JSON schema for `authorize --json`. The token is
// deliberately absent.
type authorizeOutput struct {
	AccountID           string    `json:"account_id"`
	APIURL              string    `json:"api_url"`
	DownloadURL         string    `json:"download_url"`
	Capabilities        []string  `json:"capabilities"`
	BucketID            string    `json:"bucket_id,omitempty"`
	BucketName          string    `json:"bucket_name,omitempty"`
	NamePrefix          string    `json:"name_prefix,omitempty"`
	RecommendedPartSize int64     `json:"recommended_part_size"`
	ExpiresAt           time.Time `json:"expires_at"`
	KeyExpiresAt        time.Time `json:"key_expires_at,omitzero"`
}

func runAuthorize(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	auth, err := cc.Manager.Authorization(cmd.Context())
	if err != nil {
		return fmt.Errorf("authorizing: %w", err)
	}

	out := authorizeSummary(auth)

	if cc.Flags.JSON {
		return printJSON(cc.Stdout, out)
	}

	fmt.Fprintf(cc.Stdout, "Account:       %s\n", out.AccountID)
	fmt.Fprintf(cc.Stdout, "API URL:       %s\n", out.APIURL)
	fmt.Fprintf(cc.Stdout, "Download URL:  %s\n", out.DownloadURL)
	fmt.Fprintf(cc.Stdout, "Capabilities:  %s\n", strings.Join(out.Capabilities, ", "))

	if out.BucketName != "" {
		fmt.Fprintf(cc.Stdout, "Bucket:        %s (%s)\n", out.BucketName, out.BucketID)
	}

	if out.NamePrefix != "" {
		fmt.Fprintf(cc.Stdout, "Name prefix:   %s\n", out.NamePrefix)
	}

	fmt.Fprintf(cc.Stdout, "Part size:     %s\n", formatSize(out.RecommendedPartSize))
	fmt.Fprintf(cc.Stdout, "Valid until:   %s\n", out.ExpiresAt.Local().Format(time.RFC3339))

	if !out.KeyExpiresAt.IsZero() {
		fmt.Fprintf(cc.Stdout, "Key expires:   %s\n", out.KeyExpiresAt.Local().Format(time.RFC3339))
	}

	return nil
}

func authorizeSummary(auth *b2.Authorization) authorizeOutput {
	return authorizeOutput{
		AccountID:           auth.AccountID,
		APIURL:              auth.APIURL,
		DownloadURL:         auth.DownloadURL,
		Capabilities:        auth.Allowed.Capabilities,
		BucketID:            auth.Allowed.BucketID,
		BucketName:          auth.Allowed.BucketName,
		NamePrefix:          auth.Allowed.NamePrefix,
		RecommendedPartSize: auth.RecommendedPartSize,
		ExpiresAt:           auth.ExpiresAt,
		KeyExpiresAt:        auth.KeyExpiresAt,
	}
}
