//go:build !test

package main

import (
	"log"

	"github.com/bhyve-go/propolis-migrate/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		log.Fatal(err)
	}
}
