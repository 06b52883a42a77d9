package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"google.golang.org/grpc/status"

	"git.canoozie.net/riddling/segkv/pkg/kvs"
	"git.canoozie.net/riddling/segkv/pkg/server"
)

var (
	serverAddr = flag.String("addr", "127.0.0.1:4000", "The server address in the format of host:port")
	timeout    = flag.Duration("timeout", 10*time.Second, "Timeout for the request")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [flags] set <key> <value> | get <key> | rm <key>\n", os.Args[0])
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	client, err := server.Dial(*serverAddr)
	if err != nil {
		log.Fatalf("Did not connect: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch args[0] {
	case "set":
		if len(args) != 3 {
			usage()
		}
		err = client.Set(ctx, args[1], args[2])

	case "get":
		if len(args) != 2 {
			usage()
		}
		var value string
		var found bool
		value, found, err = client.Get(ctx, args[1])
		if err == nil {
			if found {
				fmt.Println(value)
			} else {
				fmt.Println("Key not found")
			}
		}

	case "rm":
		if len(args) != 2 {
			usage()
		}
		err = client.Remove(ctx, args[1])
		if errors.Is(err, kvs.ErrKeyNotFound) {
			fmt.Println("Key not found")
			cancel()
			client.Close()
			os.Exit(1)
		}

	default:
		usage()
	}

	if err != nil {
		if st, ok := status.FromError(err); ok {
			fmt.Fprintf(os.Stderr, "error: %s (%s)\n", st.Message(), st.Code())
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		cancel()
		client.Close()
		os.Exit(1)
	}
}
