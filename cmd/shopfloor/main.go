package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aussiebroadwan/shopfloor/internal/app"
	"github.com/aussiebroadwan/shopfloor/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand(app.LoadConfig())
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
