package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ntoll/p4p2p-core/dht"
)

// repl is a thin command layer over a running Node: it does not own the
// node's lifecycle, it only issues commands to it.
type repl struct {
	node *dht.Node
	in   io.Reader
	out  io.Writer
	quit func()
}

func newREPL(node *dht.Node, in io.Reader, out io.Writer, quit func()) *repl {
	if quit == nil {
		quit = func() {}
	}
	return &repl{node: node, in: in, out: out, quit: quit}
}

// runLine executes a single command line:
//
//	put <text>        -> stores {"data": <text>}, prints the resulting key
//	get <key-hex>      -> prints the stored value as JSON
//	exit               -> calls quit() and returns io.EOF
func (r *repl) runLine(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	cmd, arg := splitOnce(line)

	switch strings.ToLower(cmd) {
	case "put":
		content := strings.TrimSpace(arg)
		if content == "" {
			fmt.Fprintln(r.out, "ERR missing argument")
			return errors.New("put: missing argument")
		}
		ctx, cancel := context.WithTimeout(context.Background(), dht.LookupTimeout)
		defer cancel()
		key, err := r.node.Put(ctx, dht.Value{"data": content}, 0)
		if err != nil {
			fmt.Fprintf(r.out, "ERR %v\n", err)
			return err
		}
		fmt.Fprintln(r.out, key.String())
		return nil

	case "get":
		keyHex := strings.TrimSpace(arg)
		if keyHex == "" {
			fmt.Fprintln(r.out, "ERR missing argument")
			return errors.New("get: missing argument")
		}
		key, err := dht.ParseIdentifier(keyHex)
		if err != nil {
			fmt.Fprintln(r.out, "ERR invalid key")
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), dht.LookupTimeout)
		defer cancel()
		val, err := r.node.Get(ctx, key)
		if err != nil {
			fmt.Fprintln(r.out, "NOTFOUND")
			return err
		}
		out, _ := json.Marshal(val)
		fmt.Fprintln(r.out, string(out))
		return nil

	case "exit":
		r.quit()
		return io.EOF

	default:
		fmt.Fprintln(r.out, "ERR unknown command")
		return errors.New("unknown command")
	}
}

// run starts a simple REPL on r.in until EOF or "exit".
func (r *repl) run() error {
	sc := bufio.NewScanner(r.in)
	for sc.Scan() {
		if err := r.runLine(sc.Text()); err == io.EOF {
			return nil
		}
	}
	return sc.Err()
}

func splitOnce(s string) (head, tail string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	i := strings.IndexAny(s, " \t\r\n")
	if i < 0 {
		return s, ""
	}
	j := i + 1
	for j < len(s) && (s[j] == ' ' || s[j] == '\t') {
		j++
	}
	return s[:i], s[j:]
}
