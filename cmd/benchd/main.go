// Command benchd is the laboratory run orchestration daemon and its
// operator CLI.
package main

import (
	"os"

	"github.com/seqlab/benchd/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
