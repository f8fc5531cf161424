package main

import (
	"log"
	"os"

	"doodook.app/openbanking/internal/cli"
)

func main() {
	app, err := cli.NewApp()
	if err != nil {
		log.Fatalf("initialise cli: %v", err)
	}
	code := app.Run(os.Args[1:])
	os.Exit(code)
}
