// Small tool for poking at a cachedb server by hand:
//
//	cachedb-cli push <key> <value>
//	cachedb-cli pull <key>
//
// The server address is taken from CACHEDB_ADDRESS (default localhost:7171).
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/cachedb/cachedb/internal/client"
)

func main() {
	address := os.Getenv("CACHEDB_ADDRESS")
	if address == "" {
		address = "localhost:7171"
	}

	if len(os.Args) < 3 {
		log.Fatalf("Usage: %s push <key> <value> | pull <key>", os.Args[0])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := client.Connect(ctx, address, client.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, nil))))
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", address, err)
	}
	defer c.Close()

	switch os.Args[1] {
	case "push":
		if len(os.Args) != 4 {
			log.Fatalf("Usage: %s push <key> <value>", os.Args[0])
		}
		if err := c.Push(ctx, []byte(os.Args[2]), []byte(os.Args[3])); err != nil {
			log.Fatalf("Push failed: %v", err)
		}
	case "pull":
		if len(os.Args) != 3 {
			log.Fatalf("Usage: %s pull <key>", os.Args[0])
		}
		val, err := c.Pull(ctx, []byte(os.Args[2]))
		if err != nil {
			log.Fatalf("Pull failed: %v", err)
		}
		fmt.Printf("%s\n", val)
	default:
		log.Fatalf("Unknown command: %s", os.Args[1])
	}
}
