package main

import (
	"log"

	"turingvote/services/tallyd"
)

func main() {
	if err := tallyd.Main(); err != nil {
		log.Fatalf("tallyd: %v", err)
	}
}
