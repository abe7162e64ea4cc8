// Command dispatchctl runs maintenance tasks against the dispatch database.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(openPostgres, openNotifier).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
