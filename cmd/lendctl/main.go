package main

import (
	"fmt"
	"os"
)

const (
	tokenCommand    = "token"
	snapshotCommand = "snapshot"
	keygenCommand   = "keygen"
	defaultSecret   = "LENDCTL_HMAC_SECRET"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case tokenCommand:
		err = runToken(os.Args[2:], os.Stdout)
	case snapshotCommand:
		err = runSnapshot(os.Args[2:], os.Stdout)
	case keygenCommand:
		err = runKeygen(os.Args[2:], os.Stdout)
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("lendctl <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Printf("  %s       Mint a bearer token for the lending API\n", tokenCommand)
	fmt.Printf("  %s    Export banks and positions from a LevelDB store to parquet\n", snapshotCommand)
	fmt.Printf("  %s      Generate a key and print its lendop or lend address\n", keygenCommand)
}
