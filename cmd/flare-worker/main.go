// Command flare-worker runs the blog's background processing layer: the email
// queue consumer, the workflow engine and periodic maintenance. Its
// subcommands also operate on the same stores from the command line.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/phrazzld/flare-worker/internal/config"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	if err := newRootCmd(config.Load).Execute(); err != nil {
		os.Exit(1)
	}
}
