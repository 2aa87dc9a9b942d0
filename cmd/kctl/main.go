package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bytedance/sonic"

	"github.com/GriffinCanCode/kcpu/internal/api/client"
)

const usage = `usage: kctl [-server URL] <command> [args]

commands:
  pack -o FILE -code FILE [-data FILE] [-sym name=offset]... [-compress gzip|zstd]
  load FILE | load -lib NAME
  symbols
  find NAME
  start bridge | start idle | start user SYMBOL
  stop
  status
  watch
  lib ls | lib put NAME FILE | lib rm NAME | lib clear
`

func main() {
	opts := client.DefaultOptions()
	if env := os.Getenv("KCPU_SERVER"); env != "" {
		opts.BaseURL = env
	}

	fs := flag.NewFlagSet("kctl", flag.ExitOnError)
	fs.StringVar(&opts.BaseURL, "server", opts.BaseURL, "server base URL")
	fs.DurationVar(&opts.Timeout, "timeout", opts.Timeout, "request timeout")
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	_ = fs.Parse(os.Args[1:])

	args := fs.Args()
	if len(args) == 0 {
		fs.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := dispatch(ctx, client.New(opts), opts, args); err != nil {
		fmt.Fprintf(os.Stderr, "kctl: %v\n", err)
		os.Exit(1)
	}
}

var errUsage = errors.New("bad usage, see kctl -h")

func dispatch(ctx context.Context, c *client.Client, opts client.Options, args []string) error {
	cmd, rest := args[0], args[1:]

	switch cmd {
	case "pack":
		return pack(rest)

	case "load":
		fs := flag.NewFlagSet("load", flag.ExitOnError)
		lib := fs.String("lib", "", "load a library kernel instead of a file")
		_ = fs.Parse(rest)
		if *lib != "" {
			return printResult(c.LoadFromLibrary(ctx, *lib))
		}
		if fs.NArg() != 1 {
			return errUsage
		}
		buf, err := os.ReadFile(fs.Arg(0))
		if err != nil {
			return err
		}
		return printResult(c.Load(ctx, buf))

	case "symbols":
		return printResult(c.Symbols(ctx))

	case "find":
		if len(rest) != 1 {
			return errUsage
		}
		return printResult(c.Find(ctx, rest[0]))

	case "start":
		if len(rest) == 0 {
			return errUsage
		}
		switch rest[0] {
		case "bridge":
			return printResult(c.StartBridge(ctx))
		case "idle":
			return printResult(c.StartIdle(ctx))
		case "user":
			if len(rest) != 2 {
				return errUsage
			}
			return printResult(c.StartUser(ctx, rest[1]))
		}
		return errUsage

	case "stop":
		// Always try to halt, even when interrupted.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		return printResult(c.Stop(sctx))

	case "status":
		return printResult(c.Status(ctx))

	case "watch":
		return watch(ctx, opts.BaseURL)

	case "lib":
		return libCommand(ctx, c, rest)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func libCommand(ctx context.Context, c *client.Client, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "ls":
		return printResult(c.Library(ctx))
	case "put":
		if len(args) != 3 {
			return errUsage
		}
		buf, err := os.ReadFile(args[2])
		if err != nil {
			return err
		}
		return c.Put(ctx, args[1], buf)
	case "rm":
		if len(args) != 2 {
			return errUsage
		}
		return c.Remove(ctx, args[1])
	case "clear":
		if len(args) != 1 {
			return errUsage
		}
		n, err := c.Clear(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d kernel(s)\n", n)
		return nil
	}
	return errUsage
}

func printResult[T any](v T, err error) error {
	if err != nil {
		return err
	}
	out, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}
