// Package env composes the extra environment handed to job commands.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env holds global variables applied to every job. Values may reference
// other variables, or the server's own environment, as ${NAME}.
type Env struct {
	Var Var // global variables (K->V)
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromList builds an Env from "K=V" entries; malformed entries are skipped.
func FromList(kvs []string) *Env {
	e := New()
	for k, v := range parse(kvs) {
		e.Var[k] = v
	}
	return e
}

// FromOS caches the current process environment as the expansion base.
func (e *Env) FromOS() {
	e.env = parse(os.Environ())
}

func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// WithSet returns a copy of e with K=V added.
func (e *Env) WithSet(k, v string) *Env {
	c := &Env{Var: make(Var, len(e.Var)+1), env: e.env}
	for kk, vv := range e.Var {
		c.Var[kk] = vv
	}
	c.Var[k] = v
	return c
}

// Merge layers the global variables and then each list of "K=V" overrides in
// order, later layers winning. It returns only the variables set by those
// layers, sorted by key, with ${VAR} references expanded against the layered
// values and then the OS environment. Unknown references expand to "".
func (e *Env) Merge(layers ...[]string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.Var))
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for _, l := range layers {
		for k, v := range parse(l) {
			m[k] = v
		}
	}
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+e.expand(m[k], m))
	}
	return out
}

// expand replaces ${NAME} once; substituted text is not expanded again.
func (e *Env) expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		b.WriteString(s[:i])
		name := s[i+2 : i+2+j]
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(e.env[name])
		}
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}
