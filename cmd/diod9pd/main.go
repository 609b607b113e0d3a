// Command diod9pd runs the 9P2000.L distributed I/O daemon core against a
// Null backend, as a CLI entrypoint around internal/server and
// internal/conn.
package main

import "github.com/sandia-hpc/diod9p/cmd/diod9pd/cmd"

func main() {
	cmd.Execute()
}
