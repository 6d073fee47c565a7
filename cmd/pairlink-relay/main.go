package main

import (
	"flag"
	"log"

	"github.com/pairlink/pairlink/internal/relay"
)

func main() {
	listen := flag.String("listen", ":8080", "Listen address for /ws and /metrics")
	flag.Parse()

	srv := relay.NewServer(*listen)
	if err := srv.ListenAndServe(); err != nil {
		log.Fatalf("Relay error: %v", err)
	}
}
