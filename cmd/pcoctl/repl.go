package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/peterh/liner"
)

// repl is pcoctl's interactive loop, grounded on the teacher's
// cmd/sloty/main.go REPL (liner.State, history file, a small command
// table) but driving a *session instead of a *slotcache.Cache.
type repl struct {
	sess   *session
	liner  *liner.State
	histFn string
}

func newREPL(sess *session) *repl {
	histFn := ""
	if home, err := os.UserHomeDir(); err == nil {
		histFn = home + "/.pcoctl_history"
	}

	return &repl{sess: sess, liner: liner.NewLiner(), histFn: histFn}
}

func (r *repl) run() error {
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)

	if r.histFn != "" {
		if f, err := os.Open(r.histFn); err == nil {
			_, _ = r.liner.ReadHistory(f)
			_ = f.Close()
		}
	}

	fmt.Println("pcoctl — type 'help' for commands")

	for {
		line, err := r.liner.Prompt("pcoctl> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				break
			}

			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		if r.dispatch(line) {
			break
		}
	}

	if r.histFn != "" {
		if f, err := os.Create(r.histFn); err == nil {
			_, _ = r.liner.WriteHistory(f)
			_ = f.Close()
		}
	}

	return nil
}

// dispatch runs one command line and returns true if the REPL should
// exit.
func (r *repl) dispatch(line string) bool {
	fields := strings.Fields(line)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "exit", "quit", "q":
		return true

	case "help":
		printHelp()

	case "put":
		r.cmdPut(args)

	case "get":
		r.cmdGet(args)

	case "del":
		r.cmdDel(args)

	case "scan":
		r.cmdScan(args)

	case "len":
		r.cmdLen()

	case "gen":
		r.cmdGen()

	case "info":
		r.cmdInfo()

	default:
		fmt.Printf("unknown command %q (try 'help')\n", cmd)
	}

	return false
}

func (r *repl) cmdPut(args []string) {
	if len(args) < 2 {
		fmt.Println("usage: put <key> <value>")

		return
	}

	if err := r.sess.put(args[0], strings.Join(args[1:], " ")); err != nil {
		fmt.Printf("error (%d): %v\n", errOf(err), err)

		return
	}

	fmt.Println("ok")
}

func (r *repl) cmdGet(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: get <key>")

		return
	}

	v, err := r.sess.get(args[0])
	if err != nil {
		fmt.Printf("error (%d): %v\n", errOf(err), err)

		return
	}

	fmt.Println(v)
}

func (r *repl) cmdDel(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: del <key>")

		return
	}

	if err := r.sess.del(args[0]); err != nil {
		fmt.Printf("error (%d): %v\n", errOf(err), err)

		return
	}

	fmt.Println("ok")
}

func (r *repl) cmdScan(args []string) {
	limit := -1

	if len(args) == 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			fmt.Println("usage: scan [limit]")

			return
		}

		limit = n
	}

	keys, err := r.sess.keys()
	if err != nil {
		fmt.Printf("error (%d): %v\n", errOf(err), err)

		return
	}

	for i, k := range keys {
		if limit >= 0 && i >= limit {
			fmt.Printf("... (%d more)\n", len(keys)-limit)

			break
		}

		fmt.Println(k)
	}
}

func (r *repl) cmdLen() {
	keys, err := r.sess.keys()
	if err != nil {
		fmt.Printf("error (%d): %v\n", errOf(err), err)

		return
	}

	fmt.Println(len(keys))
}

func (r *repl) cmdGen() {
	g, err := r.sess.generation()
	if err != nil {
		fmt.Printf("error (%d): %v\n", errOf(err), err)

		return
	}

	fmt.Println(g)
}

func (r *repl) cmdInfo() {
	fmt.Printf("path:   %s\n", r.sess.path())

	g, err := r.sess.generation()
	if err == nil {
		fmt.Printf("generation: %d\n", g)
	}
}

func printHelp() {
	fmt.Print(`Commands:
  put <key> <value>   Write a key
  get <key>            Read a key
  del <key>            Delete a key
  scan [limit]         List live keys
  len                  Count live keys
  gen                  Show the change-counter generation
  info                 Show database info
  help                 Show this help
  exit / quit / q      Exit
`)
}
