package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/harrylevesque/slqrattend/internal/files"
)

// TODO(genmasterkey-rotate): add a -rotate flag that archives the old key with a version suffix.

func main() {
	out := flag.String("out", files.MasterKeyFile, "path of the hex encoded master key")
	flag.Parse()

	if err := files.WriteMasterKey(*out); err != nil {
		if errors.Is(err, files.ErrKeyExists) {
			fmt.Fprintf(os.Stderr, "Error: %s already exists. Refusing to overwrite.\n", *out)
		} else {
			fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", *out, err)
		}
		os.Exit(1)
	}
	fmt.Printf("Master key written to %s\n", *out)
}
