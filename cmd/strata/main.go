// Command strata manages the timeline of a transactional table.
package main

import "github.com/strata-project/strata/internal/cli"

func main() {
	cli.Execute()
}
