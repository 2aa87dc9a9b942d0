package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/GriffinCanCode/kcpu/internal/domain/image"
)

// symbolFlags collects repeated -sym name=offset flags.
type symbolFlags []image.Symbol

func (s *symbolFlags) String() string {
	parts := make([]string, len(*s))
	for i, sym := range *s {
		parts[i] = fmt.Sprintf("%s=%#x", sym.Name, sym.Offset)
	}
	return strings.Join(parts, ",")
}

func (s *symbolFlags) Set(v string) error {
	sym, err := parseSymbol(v)
	if err != nil {
		return err
	}
	*s = append(*s, sym)
	return nil
}

func parseSymbol(v string) (image.Symbol, error) {
	name, off, ok := strings.Cut(v, "=")
	if !ok || name == "" {
		return image.Symbol{}, fmt.Errorf("symbol %q: want name=offset", v)
	}
	n, err := strconv.ParseUint(off, 0, 32)
	if err != nil {
		return image.Symbol{}, fmt.Errorf("symbol %q: %w", v, err)
	}
	return image.Symbol{Name: name, Offset: uint32(n)}, nil
}

func pack(args []string) error {
	fs := flag.NewFlagSet("pack", flag.ExitOnError)
	out := fs.String("o", "", "output file")
	codePath := fs.String("code", "", "code section file")
	dataPath := fs.String("data", "", "data section file")
	compress := fs.String("compress", image.EncodingIdentity, "identity, gzip or zstd")
	var syms symbolFlags
	fs.Var(&syms, "sym", "symbol as name=offset (repeatable)")
	_ = fs.Parse(args)

	if *out == "" || *codePath == "" {
		return errors.New("pack needs -o and -code")
	}

	code, err := os.ReadFile(*codePath)
	if err != nil {
		return err
	}
	var data []byte
	if *dataPath != "" {
		if data, err = os.ReadFile(*dataPath); err != nil {
			return err
		}
	}

	buf, err := image.Encode(code, data, syms)
	if err != nil {
		return err
	}
	if buf, err = image.Compress(buf, *compress); err != nil {
		return err
	}
	if err := os.WriteFile(*out, buf, 0o644); err != nil {
		return err
	}
	fmt.Printf("%s: %d bytes, %d symbols\n", *out, len(buf), len(syms))
	return nil
}
