// pcoctl is an operator/debugging REPL for pcokv database files. It is
// not part of the library's external interface (spec.md §6 is a library
// contract, not a CLI) — it exists purely to poke at a database file by
// hand while developing or diagnosing a deployment.
//
// Usage:
//
//	pcoctl [--config file] [--create] [--slots N] [--key-size N] [--value-size N] <db-file>
//
// Commands (in REPL):
//
//	put <key> <value>   Write a key
//	get <key>            Read a key
//	del <key>            Delete a key
//	scan [limit]         List live keys
//	len                  Count live keys
//	gen                  Show the change-counter generation
//	info                 Show database info
//	help                 Show this help
//	exit / quit / q      Exit
package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("pcoctl", flag.ContinueOnError)

	configPath := fs.String("config", "", "JSONC config file with default slot/key/value sizes")
	create := fs.BoolP("create", "c", false, "create the database if it does not exist")
	writeThrough := fs.Bool("write-through", false, "open without the dirty-write cache")
	readOnly := fs.BoolP("read-only", "r", false, "open read-only")
	slots := fs.Uint64("slots", 0, "hash-table slot count (create only; 0 uses config default)")
	keySize := fs.Uint64("key-size", 0, "max key length in bytes (create only; 0 uses config default)")
	valueSize := fs.Uint64("value-size", 0, "max value length in bytes (create only; 0 uses config default)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: pcoctl [flags] <db-file>")
		fs.PrintDefaults()

		return fmt.Errorf("expected exactly one database file argument")
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		return err
	}

	if *slots != 0 {
		cfg.SlotCount = *slots
	}

	if *keySize != 0 {
		cfg.KeySize = *keySize
	}

	if *valueSize != 0 {
		cfg.ValueSize = *valueSize
	}

	opts := openOptions{
		path:         fs.Arg(0),
		create:       *create,
		writeThrough: *writeThrough,
		readOnly:     *readOnly,
		cfg:          cfg,
	}

	sess, err := openSession(opts)
	if err != nil {
		return err
	}
	defer func() { _ = sess.close() }()

	r := newREPL(sess)

	return r.run()
}
