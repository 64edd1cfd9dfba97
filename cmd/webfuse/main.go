// Command webfuse is the hybrid search bridge: it ingests scraped web
// documents via signed webhooks, indexes them into a vector store and a
// BM25 keyword index, and serves fused search over both.
package main

import (
	"fmt"
	"os"

	"github.com/webfuse/webfuse/cmd/webfuse/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
