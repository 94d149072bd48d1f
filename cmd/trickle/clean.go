package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/ligustah/trickle/internal/store"
)

// runClean removes partial download state. With -all the completed download
// and its manifest are removed as well. Prompts for confirmation unless
// -force is specified.
func runClean(args []string) int {
	fs := flag.NewFlagSet("clean", flag.ExitOnError)

	bucket := fs.String("bucket", "", "Bucket URL (required)")
	name := fs.String("name", "", "Download name (required)")
	prefix := fs.String("prefix", "", "Key prefix inside the bucket")
	all := fs.Bool("all", false, "Also delete the completed download and manifest")
	force := fs.Bool("force", false, "Skip confirmation prompt")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: trickle clean [options]

Remove the partial state of a download so the next get starts from zero.

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

	// Confirm deletion unless -force
	if !*force {
		what := "partial state of"
		if *all {
			what = "all data of"
		}
		fmt.Printf("Delete %s %s from %s? [y/N]: ", what, *name, *bucket)
		reader := bufio.NewReader(os.Stdin)
		response, _ := reader.ReadString('\n')
		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			fmt.Fprintln(os.Stderr, "Cancelled")
			return ExitSuccess
		}
	}

	ctx := context.Background()
	st, err := store.Open(ctx, *bucket, *prefix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening bucket: %v\n", err)
		return ExitStorageError
	}
	defer st.Close()

	if *all {
		err = st.Delete(ctx, *name)
	} else {
		err = st.DeletePartial(ctx, *name)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitStorageError
	}

	fmt.Fprintf(os.Stderr, "[trickle] Deleted: %s/%s%s\n", *bucket, *prefix, *name)
	return ExitSuccess
}
