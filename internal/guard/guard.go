// Package guard gates routes on the session state. Each rule pairs a route
// pattern with an expr-lang condition evaluated against the session.
package guard

import (
	"fmt"
	"path"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/szaher/newsdesk/internal/session"
)

// DefaultRedirect is where denied requests are sent when a rule names no
// redirect.
const DefaultRedirect = "/"

// Rule gates the routes matching Pattern. Pattern is an exact route, a
// subtree such as "/admin/*", or "*" for everything.
type Rule struct {
	Pattern  string `yaml:"pattern" json:"pattern"`
	Require  string `yaml:"require" json:"require"`
	Redirect string `yaml:"redirect,omitempty" json:"redirect,omitempty"`
}

// DefaultRules keeps the admin area behind a login.
func DefaultRules() []Rule {
	return []Rule{
		{Pattern: "/admin/*", Require: "session.authenticated", Redirect: DefaultRedirect},
	}
}

// Env is what a rule condition can see.
type Env struct {
	Session SessionEnv `expr:"session"`
	Path    string     `expr:"path"`
}

// SessionEnv exposes the session to rule conditions.
type SessionEnv struct {
	Authenticated bool   `expr:"authenticated"`
	Principal     string `expr:"principal"`
}

// Decision is the outcome of Check.
type Decision struct {
	Allowed  bool
	Redirect string
	// Rule is the pattern that decided, empty when no rule matched.
	Rule string
	// Err is set when the condition failed to evaluate; the route is denied.
	Err error
}

type compiledRule struct {
	Rule
	program *vm.Program
}

// Guard evaluates rules in order; the first matching rule decides.
type Guard struct {
	rules []compiledRule
}

// New compiles rules. Conditions are type-checked against Env and must
// yield a bool.
func New(rules []Rule) (*Guard, error) {
	g := &Guard{rules: make([]compiledRule, 0, len(rules))}
	for i, r := range rules {
		if strings.TrimSpace(r.Pattern) == "" {
			return nil, fmt.Errorf("rule %d: empty pattern", i)
		}
		if strings.TrimSpace(r.Require) == "" {
			return nil, fmt.Errorf("rule %d (%s): empty condition", i, r.Pattern)
		}
		program, err := expr.Compile(r.Require, expr.Env(Env{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): expression compile error: %w", i, r.Pattern, err)
		}
		if r.Redirect == "" {
			r.Redirect = DefaultRedirect
		}
		g.rules = append(g.rules, compiledRule{Rule: r, program: program})
	}
	return g, nil
}

// MustDefault returns a guard with DefaultRules.
func MustDefault() *Guard {
	g, err := New(DefaultRules())
	if err != nil {
		panic(err)
	}
	return g
}

// Check decides whether a session in state st may visit route.
func (g *Guard) Check(route string, st session.State) Decision {
	route = normalize(route)
	env := Env{Path: route, Session: SessionEnv{Authenticated: st.Authenticated}}
	if st.Principal != nil {
		env.Session.Principal = st.Principal.DisplayName
	}

	for _, r := range g.rules {
		if !Match(r.Pattern, route) {
			continue
		}
		out, err := expr.Run(r.program, env)
		if err != nil {
			return Decision{Redirect: r.Redirect, Rule: r.Pattern,
				Err: fmt.Errorf("expression eval error for %q: %w", r.Require, err)}
		}
		if ok, _ := out.(bool); ok {
			return Decision{Allowed: true, Rule: r.Pattern}
		}
		return Decision{Redirect: r.Redirect, Rule: r.Pattern}
	}
	return Decision{Allowed: true}
}

// Subscriber returns a session subscriber that calls onDeny whenever a
// state change makes route inaccessible, e.g. after a logout.
func (g *Guard) Subscriber(route string, onDeny func(Decision)) func(session.State) {
	return func(st session.State) {
		if d := g.Check(route, st); !d.Allowed {
			onDeny(d)
		}
	}
}

// Match reports whether route falls under pattern.
func Match(pattern, route string) bool {
	if pattern == "*" {
		return true
	}
	route = normalize(route)
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		prefix = normalize(prefix)
		return route == prefix || strings.HasPrefix(route, strings.TrimSuffix(prefix, "/")+"/")
	}
	return route == normalize(pattern)
}

func normalize(route string) string {
	if !strings.HasPrefix(route, "/") {
		route = "/" + route
	}
	return path.Clean(route)
}
