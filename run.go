package main

import (
	"flag"
	"fmt"
	"os"

	"stoq/config"
	"stoq/harness"
	"stoq/utils"
)

func main() {
	conf := flag.String("config", "", "Path to config file")
	flag.Parse()

	if *conf != "" {
		if err := config.Reload(*conf); err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			os.Exit(harness.ExitConfigError)
		}
	}

	defer utils.Logger.Sync()

	utils.Logger.Info("stoq harness starting")
	code := harness.Run(flag.Args())
	utils.Logger.Info("stoq harness exiting")
	os.Exit(code)
}
