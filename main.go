package main

import (
	"log"

	"github.com/panelforge/panelforge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
