package main

import (
	"fmt"

	"github.com/genivi/pcokv"
)

// openOptions is the resolved, flag-overridden set of parameters for
// opening a database from the command line.
type openOptions struct {
	path         string
	create       bool
	writeThrough bool
	readOnly     bool
	cfg          Config
}

// session wraps one open database handle for the REPL's lifetime.
type session struct {
	reg *pco.Registry
	h   pco.Handle
	p   string
}

func (s *session) path() string { return s.p }

func openSession(o openOptions) (*session, error) {
	mode := pco.Mode(0)
	if o.create {
		mode |= pco.ModeCreate
	}

	if o.writeThrough {
		mode |= pco.ModeWriteThrough
	}

	if o.readOnly {
		mode |= pco.ModeReadOnly
	}

	reg := &pco.Registry{}

	h, err := reg.Open(o.path, mode, o.cfg.KeySize, o.cfg.ValueSize, o.cfg.SlotCount, pco.PurposeDB, 0)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", o.path, err)
	}

	return &session{reg: reg, h: h, p: o.path}, nil
}

func (s *session) close() error {
	return s.reg.Close(s.h)
}

func (s *session) put(key, value string) error {
	_, err := s.reg.WriteKey(s.h, pco.PurposeDB, []byte(key), []byte(value))

	return err
}

func (s *session) get(key string) (string, error) {
	buf := make([]byte, 1<<20)

	n, err := s.reg.ReadKey(s.h, pco.PurposeDB, []byte(key), buf)
	if err != nil {
		return "", err
	}

	return string(buf[:n]), nil
}

func (s *session) del(key string) error {
	return s.reg.DeleteKey(s.h, pco.PurposeDB, []byte(key))
}

// keys returns every live key by sizing and reading the NUL-separated
// listing, the same two-step protocol a real caller of list_size/
// list_keys follows.
func (s *session) keys() ([]string, error) {
	size, err := s.reg.ListSize(s.h, pco.PurposeDB)
	if err != nil {
		return nil, err
	}

	if size == 0 {
		return nil, nil
	}

	buf := make([]byte, size)

	n, err := s.reg.ListKeys(s.h, pco.PurposeDB, buf)
	if err != nil {
		return nil, err
	}

	var out []string

	start := 0

	for i := 0; i < n; i++ {
		if buf[i] == 0 {
			out = append(out, string(buf[start:i]))
			start = i + 1
		}
	}

	return out, nil
}

func (s *session) generation() (uint64, error) {
	return s.reg.Generation(s.h)
}

// errOf classifies an error into pco's negative code for display,
// surfacing "what kind of failure" the way the C ABI's caller would see
// it (spec.md §7).
func errOf(err error) int32 {
	return pco.Code(err)
}
