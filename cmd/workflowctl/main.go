// Command workflowctl validates, converts and runs workflow definitions.
package main

import (
	"fmt"
	"os"
)

func main() {
	cli := newCLI()
	err := cli.root().Execute()
	if cerr := cli.close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		if err != errReported {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}
