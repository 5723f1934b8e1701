// Command tenantmig applies tenant-aware schema and data migrations.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/tenantmig/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
