package main

import (
	"os"

	"github.com/charlesren/netpriv/internal/cli"
	"github.com/charlesren/netpriv/internal/logger"
)

func main() {
	defer logger.Sync()
	if err := cli.NewRootCommand(cli.DefaultConfig()).Execute(); err != nil {
		os.Exit(1)
	}
}
