// Command coin-ingest runs the ingestion pipeline.
package main

import "github.com/JakeFAU/coin-ingest/cmd"

func main() {
	cmd.Execute()
}
