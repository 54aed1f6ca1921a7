package main

import (
	"context"
	"log"

	"github.com/spf13/cobra"

	"github.com/pmdebug/pmdebug/cmd"
)

func main() {
	if err := cmd.LoadDotEnv(cmd.DotEnvPaths()...); err != nil {
		log.Fatal(err)
	}
	cobra.CheckErr(cmd.NewCLI().ExecuteContext(context.Background()))
}
