package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gloomyglyph/FAAS/pkg/client"
	"github.com/gloomyglyph/FAAS/pkg/hasher"
)

func main() {
	fs := flag.NewFlagSet("submit-image", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "image input service base URL")
	imageID := fs.String("id", "", "image id (defaults to the file name)")
	timeout := fs.Duration("timeout", 30*time.Second, "per-request timeout")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: submit-image [-addr URL] [-id ID] <image> [image...]")
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])

	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(2)
	}
	if *imageID != "" && fs.NArg() > 1 {
		fatalf("-id can only be used with a single image")
	}

	c := client.NewSubmitClient(*addr)
	failed := 0
	for _, path := range fs.Args() {
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[✗] %s: %v\n", path, err)
			failed++
			continue
		}

		id := *imageID
		if id == "" {
			id = filepath.Base(path)
		}

		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		resp := c.Submit(ctx, id, data)
		cancel()

		if !resp.Success {
			fmt.Fprintf(os.Stderr, "[✗] %s (image_id=%s): %s\n", path, id, resp.ErrorMessage)
			failed++
			continue
		}
		fmt.Printf("[✓] %s accepted (image_id=%s hash=%s)\n", path, id, hasher.Short(hasher.Hash(data)))
	}

	if failed > 0 {
		os.Exit(1)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
