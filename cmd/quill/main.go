// Command quill runs the search engine's scheduler daemon and provides a
// thin CLI over the same on-disk stores the daemon uses, grounded on the
// teacher's cmd/amanmcp entrypoint.
package main

import (
	"fmt"
	"os"

	"github.com/quillsearch/quill/cmd/quill/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
