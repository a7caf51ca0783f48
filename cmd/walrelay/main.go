package main

import (
	"fmt"
	"os"

	"gitlab.com/gitlab-org/walrelay/internal/cli/walrelay"
)

func main() {
	if err := walrelay.NewApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
