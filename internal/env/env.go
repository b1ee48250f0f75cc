// Package env composes the environment handed to worker processes.
package env

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Env layers variables over an optional copy of the server's environment.
// Later layers win; values may reference other variables as ${NAME}.
type Env struct {
	vars map[string]string
}

// New returns an empty Env, seeded with os.Environ when inherit is set.
func New(inherit bool) *Env {
	e := &Env{vars: make(map[string]string)}
	if inherit {
		_ = e.SetPairs(os.Environ())
	}
	return e
}

func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	e.vars[k] = v
}

func (e *Env) Unset(k string) { delete(e.vars, k) }

func (e *Env) Lookup(k string) (string, bool) {
	v, ok := e.vars[k]
	return v, ok
}

// SetPairs applies "KEY=VALUE" entries in order.
func (e *Env) SetPairs(pairs []string) error {
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return fmt.Errorf("malformed variable %q", kv)
		}
		e.Set(k, v)
	}
	return nil
}

// LoadFile applies a dotenv file: KEY=VALUE lines, blank lines and lines
// starting with # are skipped.
func (e *Env) LoadFile(path string) error {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("%s:%d: expected KEY=VALUE", path, n)
		}
		e.Set(strings.TrimSpace(k), strings.TrimSpace(v))
	}
	return sc.Err()
}

// List returns the composed environment sorted by name, with ${NAME}
// references resolved once against the composed set. Unknown references are
// left as written.
func (e *Env) List() []string {
	keys := make([]string, 0, len(e.vars))
	for k := range e.vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+e.expand(e.vars[k]))
	}
	return out
}

func (e *Env) expand(s string) string {
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := e.vars[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
}
