package main

import (
	"fmt"
	"os"

	"github.com/openclaw/presence-server-go/internal/util"
)

// Prints the ADMIN_API_KEY_HASH for a key. Without an argument a random key
// is generated and printed as well.
func main() {
	key := ""
	if len(os.Args) >= 2 {
		key = os.Args[1]
	} else {
		generated, err := util.GenerateToken()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		key = generated
		fmt.Fprintf(os.Stderr, "Generated admin key: %s\n", key)
	}

	hash, err := util.HashPassword(key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(hash)
}
