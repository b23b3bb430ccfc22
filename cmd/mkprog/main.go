package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/GriffinCanCode/exokern/internal/elf"
)

func main() {
	out := flag.String("o", "", "Output file")
	program := flag.String("program", "", "Native program name")
	data := flag.String("data", "", "Initialized data segment contents")
	bss := flag.Uint("bss", 0, "Zeroed bytes after the data segment")
	compress := flag.Bool("zstd", false, "Compress the image")
	flag.Parse()

	if err := run(*out, *program, *data, uint32(*bss), *compress); err != nil {
		fmt.Fprintf(os.Stderr, "mkprog: %v\n", err)
		os.Exit(1)
	}
}

func run(out, program, data string, bss uint32, compress bool) error {
	switch {
	case out == "":
		return fmt.Errorf("-o is required")
	case program == "":
		return fmt.Errorf("-program is required")
	case len(program) >= elf.MaxStubName || strings.IndexByte(program, 0) >= 0:
		return fmt.Errorf("invalid program name %q", program)
	}

	img := elf.Stub(program, []byte(data), bss)
	if compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
		if err != nil {
			return err
		}
		img = enc.EncodeAll(img, nil)
		if err := enc.Close(); err != nil {
			return err
		}
		if !strings.HasSuffix(out, ".zst") {
			out += ".zst"
		}
	}

	if err := os.WriteFile(out, img, 0o644); err != nil {
		return fmt.Errorf("failed to write image: %w", err)
	}
	return nil
}
