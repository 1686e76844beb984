package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/fdbkv/fdb/pkg/client"
	"github.com/fdbkv/fdb/pkg/config"
	"github.com/fdbkv/fdb/pkg/protocol"
)

func main() {
	cfg := config.LoadClientConfig()

	fs := pflag.NewFlagSet("fdb-cli", pflag.ContinueOnError)
	fs.StringVarP(&cfg.Addr, "addr", "a", cfg.Addr, "Server address (host:port)")
	fs.IntVar(&cfg.RetryAttempts, "retries", cfg.RetryAttempts, "Retries on connection failures")
	fs.IntVar(&cfg.ReadTimeout, "timeout", cfg.ReadTimeout, "Seconds to wait for a reply")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: fdb-cli [flags] [command [args...]]\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	c, err := client.NewWithConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}
	defer c.Close()

	// With arguments, run a single command and exit.
	if fs.NArg() > 0 {
		if !execute(c, strings.Join(fs.Args(), " "), os.Stdout) {
			os.Exit(1)
		}
		return
	}

	repl(c, cfg.Addr, os.Stdin, os.Stdout)
}

func repl(c *client.Client, addr string, in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), protocol.MaxFrameSize)

	for {
		fmt.Fprintf(out, "%s> ", addr)
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(line) {
		case "":
			continue
		case "quit", "exit":
			return
		}
		execute(c, line, out)
	}
}

// execute sends one text command and prints the reply. It reports whether the
// server answered without an error.
func execute(c *client.Client, line string, out io.Writer) bool {
	cmd, err := protocol.ParseTextCommand(line)
	if err != nil {
		fmt.Fprintf(out, "(error) ERR %v\n", err)
		return false
	}
	resp, err := c.Do(cmd)
	if err != nil {
		fmt.Fprintf(out, "(error) %v\n", err)
		return false
	}
	fmt.Fprintln(out, protocol.FormatResponse(resp))
	return resp.Type != protocol.RespError
}
