// Command duro is a minimal inspection tool over a duro environment:
// create/open an environment, list its registered tables, and scan a
// table's raw records. It is not a shell or query interface.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	_ "github.com/duro-db/duro/internal/rec/bdbrec"
	_ "github.com/duro-db/duro/internal/rec/sqlrec"
)

var rootCmd = &cobra.Command{
	Use:   "duro",
	Short: "duro - storage and catalog inspection tool",
	Long:  `Inspect a duro environment: create it, list its registered tables, and scan raw records. Not a query shell.`,
}

func init() {
	addBackendFlags(rootCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "duro:", err)
		os.Exit(1)
	}
}
