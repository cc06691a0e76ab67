// Package main provides a small tool to generate age keys and encrypt
// project credentials for the build farm.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/narvanalabs/buildfarm/internal/secrets"
)

func main() {
	generate := flag.Bool("generate", false, "Generate a new age key pair")
	recipient := flag.String("recipient", "", "age public key to encrypt to (or set AGE_RECIPIENT env var)")
	in := flag.String("in", "", "Credential file to encrypt (default: stdin)")
	out := flag.String("out", "", "Output file (default: stdout)")
	flag.Parse()

	if *generate {
		pub, priv, err := secrets.GenerateKeyPair()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error generating key pair: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("# public key: %s\n%s\n", pub, priv)
		return
	}

	to := *recipient
	if to == "" {
		to = os.Getenv("AGE_RECIPIENT")
	}
	if to == "" {
		fmt.Fprintln(os.Stderr, "Error: recipient required. Use -recipient flag or set AGE_RECIPIENT env var")
		fmt.Fprintln(os.Stderr, "Example: go run ./cmd/farmkey -recipient age1... -in signing.key -out signing.key.age")
		os.Exit(1)
	}

	k, err := secrets.NewKeyring(secrets.Config{Recipient: to}, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var plaintext []byte
	if *in == "" {
		plaintext, err = io.ReadAll(os.Stdin)
	} else {
		plaintext, err = os.ReadFile(*in)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		os.Exit(1)
	}

	ciphertext, err := k.Encrypt(context.Background(), plaintext)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encrypting: %v\n", err)
		os.Exit(1)
	}

	if *out == "" {
		os.Stdout.Write(ciphertext)
		return
	}
	if err := os.WriteFile(*out, ciphertext, 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
		os.Exit(1)
	}
}
