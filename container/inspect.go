package container

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/moby/buildkit/frontend/dockerfile/parser"
)

// Contract is the externally visible runtime surface of a Dockerfile's final stage
type Contract struct {
	BaseImage    string
	ExposedPorts []int
	User         string
	Env          map[string]string
	Entrypoint   []string
	Cmd          []string
	// DependenciesFirst is true when go.mod is copied before the source tree
	DependenciesFirst bool
}

// Command is the full process command line, entrypoint followed by cmd
func (c Contract) Command() []string {
	return append(slices.Clone(c.Entrypoint), c.Cmd...)
}

// RunsAsNonRoot reports whether USER names a non-root identity
func (c Contract) RunsAsNonRoot() bool {
	if c.User == "" {
		return false
	}
	name, _, _ := strings.Cut(c.User, ":")
	if name == "root" {
		return false
	}
	if uid, err := strconv.Atoi(name); err == nil {
		return uid != 0
	}
	return true
}

// Exposes reports whether port is exposed
func (c Contract) Exposes(port int) bool {
	return slices.Contains(c.ExposedPorts, port)
}

// Verify checks the contract against what opts promise
func (c Contract) Verify(opts Options) error {
	var errs []error
	if !c.Exposes(opts.Port) {
		errs = append(errs, fmt.Errorf("port %d is not exposed (exposed: %v)", opts.Port, c.ExposedPorts))
	}
	if !c.RunsAsNonRoot() {
		errs = append(errs, fmt.Errorf("image runs as root (user %q)", c.User))
	}
	if want := fmt.Sprintf("%d:%d", opts.UID, opts.GID); c.User != want && c.User != strconv.Itoa(opts.UID) {
		errs = append(errs, fmt.Errorf("expected user %s, got %q", want, c.User))
	}
	for _, e := range opts.Env {
		if got, ok := c.Env[e.Name]; !ok || got != e.Value {
			errs = append(errs, fmt.Errorf("expected %s=%s, got %q", e.Name, e.Value, got))
		}
	}
	if want := append(opts.Entrypoint(), opts.Command()...); !slices.Equal(c.Command(), want) {
		errs = append(errs, fmt.Errorf("expected command %q, got %q", want, c.Command()))
	}
	if !c.DependenciesFirst {
		errs = append(errs, errors.New("dependency manifest is not copied before the source tree"))
	}
	return errors.Join(errs...)
}

// Inspect parses a Dockerfile and returns the contract of its final stage
func Inspect(dockerfile string) (Contract, error) {
	result, err := parser.Parse(strings.NewReader(dockerfile))
	if err != nil {
		return Contract{}, fmt.Errorf("failed to parse dockerfile: %w", err)
	}

	var (
		c          Contract
		manifestAt = -1
		sourceAt   = -1
	)

	for i, node := range result.AST.Children {
		args := nodeArgs(node)

		switch node.Value {
		case "from":
			if len(args) == 0 {
				return Contract{}, fmt.Errorf("line %d: FROM without an image", node.StartLine)
			}
			// a new stage starts from a clean runtime surface
			c = Contract{BaseImage: args[0], DependenciesFirst: c.DependenciesFirst}
		case "expose":
			for _, a := range args {
				portStr, _, _ := strings.Cut(a, "/")
				port, err := strconv.Atoi(portStr)
				if err != nil {
					return Contract{}, fmt.Errorf("line %d: invalid EXPOSE value %q: %w", node.StartLine, a, err)
				}
				c.ExposedPorts = append(c.ExposedPorts, port)
			}
		case "user":
			if len(args) > 0 {
				c.User = args[0]
			}
		case "env":
			if c.Env == nil {
				c.Env = make(map[string]string)
			}
			if err := readEnv(node, c.Env); err != nil {
				return Contract{}, fmt.Errorf("line %d: %w", node.StartLine, err)
			}
		case "entrypoint":
			c.Entrypoint = commandArgs(node, args)
		case "cmd":
			c.Cmd = commandArgs(node, args)
		case "copy", "add":
			if hasFlag(node, "--from") || len(args) < 2 {
				continue
			}
			srcs := args[:len(args)-1]
			if manifestAt < 0 && slices.Contains(srcs, "go.mod") {
				manifestAt = i
			}
			if sourceAt < 0 && slices.Contains(srcs, ".") {
				sourceAt = i
			}
			c.DependenciesFirst = manifestAt >= 0 && (sourceAt < 0 || manifestAt < sourceAt)
		}
	}

	if c.BaseImage == "" {
		return Contract{}, errors.New("dockerfile has no FROM instruction")
	}
	return c, nil
}

// nodeArgs collects the argument chain of an instruction
func nodeArgs(node *parser.Node) []string {
	var args []string
	for n := node.Next; n != nil; n = n.Next {
		args = append(args, n.Value)
	}
	return args
}

func hasFlag(node *parser.Node, name string) bool {
	for _, f := range node.Flags {
		if f == name || strings.HasPrefix(f, name+"=") {
			return true
		}
	}
	return false
}

// readEnv walks the key/value chain of an ENV instruction. Depending on the
// parser version each pair may be followed by a separator node.
func readEnv(node *parser.Node, env map[string]string) error {
	n := node.Next
	if n == nil {
		return errors.New("ENV without a value")
	}
	for n != nil {
		key := n.Value
		if n.Next == nil {
			return fmt.Errorf("ENV %s has no value", key)
		}
		env[key] = unquote(n.Next.Value)
		n = n.Next.Next
		if n != nil && (n.Value == "=" || n.Value == "") {
			n = n.Next
		}
	}
	return nil
}

// unquote strips shell quoting the parser leaves on ENV values
func unquote(value string) string {
	if len(value) >= 2 {
		switch {
		case value[0] == '"' && value[len(value)-1] == '"':
			if s, err := strconv.Unquote(value); err == nil {
				return s
			}
			return value[1 : len(value)-1]
		case value[0] == '\'' && value[len(value)-1] == '\'':
			return value[1 : len(value)-1]
		}
	}
	return value
}

// commandArgs returns the exec-form arguments, or the shell-form command
// wrapped in /bin/sh -c
func commandArgs(node *parser.Node, args []string) []string {
	if node.Attributes["json"] {
		return args
	}
	if len(args) == 0 {
		return nil
	}
	return []string{"/bin/sh", "-c", strings.Join(args, " ")}
}
