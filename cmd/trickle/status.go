package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/ligustah/trickle/internal/progress"
	"github.com/ligustah/trickle/internal/store"
)

// runStatus reports whether a download is complete, partial or absent.
// With -verify the stored object is checked against its manifest checksum.
func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)

	bucket := fs.String("bucket", "", "Bucket URL (required)")
	name := fs.String("name", "", "Download name (required)")
	prefix := fs.String("prefix", "", "Key prefix inside the bucket")
	verify := fs.Bool("verify", false, "Verify the checksum of a completed download")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: trickle status [options]

Show whether a download is complete, partial or missing.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	// Validate required flags
	if *bucket == "" || *name == "" {
		fmt.Fprintln(os.Stderr, "Error: -bucket and -name are required")
		fs.Usage()
		return ExitInvalidArgs
	}

	ctx := context.Background()
	st, err := store.Open(ctx, *bucket, *prefix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening bucket: %v\n", err)
		return ExitStorageError
	}
	defer st.Close()

	return status(ctx, st, *name, *verify)
}

func status(ctx context.Context, st *store.Store, name string, verify bool) int {
	fmt.Printf("File: %s\n", name)

	m, err := st.Manifest(ctx, name)
	switch {
	case err == nil:
		fmt.Printf("Size: %d bytes (%s)\n", m.Size, progress.FormatBytes(m.Size))
		fmt.Printf("SHA256: %s\n", m.Checksum)
		fmt.Printf("Completed: %s\n", m.CompletedAt.Format("2006-01-02 15:04:05 MST"))
		if !verify {
			fmt.Println("Status: COMPLETE")
			return ExitSuccess
		}
		return verifyObject(ctx, st, m)
	case !errors.Is(err, store.ErrNotFound):
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitStorageError
	}

	state, _, err := st.LoadPartial(ctx, name)
	switch {
	case errors.Is(err, store.ErrNoState):
		fmt.Println("Status: NOT FOUND")
		return ExitValidationFailed
	case err != nil:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitStorageError
	}

	pct := 0.0
	if state.Size > 0 {
		pct = float64(state.Offset) / float64(state.Size) * 100
	}
	fmt.Printf("Source: %s\n", state.URL)
	fmt.Printf("Progress: %s / %s (%.1f%%)\n",
		progress.FormatBytes(state.Offset), progress.FormatBytes(state.Size), pct)
	if state.ETag != "" {
		fmt.Printf("ETag: %s\n", state.ETag)
	}
	fmt.Printf("Updated: %s\n", state.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Println("Status: PARTIAL")
	return ExitPartial
}

func verifyObject(ctx context.Context, st *store.Store, m *store.Manifest) int {
	data, err := st.ReadObject(ctx, m.Name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitStorageError
	}

	sum := sha256.Sum256(data)
	actual := hex.EncodeToString(sum[:])
	if int64(len(data)) != m.Size || actual != m.Checksum {
		fmt.Println("Status: INVALID")
		fmt.Printf("Stored: %d bytes, SHA256 %s\n", len(data), actual)
		return ExitValidationFailed
	}

	fmt.Println("Status: VALID")
	return ExitSuccess
}
