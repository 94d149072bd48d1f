package main

import (
	"fmt"
	"os"

	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
)

// Exit codes
const (
	ExitSuccess          = 0
	ExitGeneralError     = 1
	ExitInvalidArgs      = 2
	ExitSourceNotAccess  = 3
	ExitServerError      = 4
	ExitStorageError     = 5
	ExitSourceChanged    = 6
	ExitValidationFailed = 7
	ExitPartial          = 8
	ExitCancelled        = 9
	ExitTruncated        = 10
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return ExitInvalidArgs
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "get":
		return runGet(cmdArgs)
	case "catalog":
		return runCatalog(cmdArgs)
	case "status":
		return runStatus(cmdArgs)
	case "clean":
		return runClean(cmdArgs)
	case "help", "-h", "--help":
		printUsage()
		return ExitSuccess
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		return ExitInvalidArgs
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: trickle <command> [options]

Commands:
  get       Download a URL into object storage, resuming a partial download
  catalog   Fetch a photo catalog and store its images
  status    Show the state of a download in object storage
  clean     Remove partial download state (and optionally the download)

Run 'trickle <command> -h' for command-specific help.`)
}
