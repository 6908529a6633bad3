package gateway

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrMalformedRegistration is returned for announcements that cannot be
	// parsed or carry no command name.
	ErrMalformedRegistration = errors.New("gateway: malformed plugin registration")

	// ErrBuiltinOverride is returned when a plugin announces a built-in name.
	ErrBuiltinOverride = errors.New("gateway: cannot override built-in command")
)

// Command is one catalog entry. An empty Group means anyone may run it.
type Command struct {
	Name        string
	Description string
	Group       string
	Builtin     bool
}

// Registry is the command catalog: built-ins plus whatever plugins
// announced over the bus.
type Registry struct {
	log *zap.Logger

	mu    sync.RWMutex
	cmds  map[string]Command
	order []string
}

// NewRegistry creates a catalog holding only the built-ins.
func NewRegistry(log *zap.Logger) *Registry {
	r := &Registry{
		log:  log.Named("registry"),
		cmds: make(map[string]Command),
	}
	for _, c := range builtinCatalog {
		c.Builtin = true
		r.put(c)
	}
	return r
}

func (r *Registry) put(c Command) {
	if _, ok := r.cmds[c.Name]; !ok {
		r.order = append(r.order, c.Name)
	}
	r.cmds[c.Name] = c
}

// Lookup returns the entry for name.
func (r *Registry) Lookup(name string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cmds[name]
	return c, ok
}

// RequiredGroup implements acl.Catalog.
func (r *Registry) RequiredGroup(name string) (string, bool) {
	c, ok := r.Lookup(name)
	return c.Group, ok
}

// Names lists commands in registration order, built-ins first.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Register parses an announcement ("cmd=<name>|descr=<text>|agrp=<group>")
// and adds or replaces the entry. Built-ins are never replaced.
func (r *Registry) Register(payload string) error {
	c, err := ParseRegistration(payload)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.cmds[c.Name]
	if ok && old.Builtin {
		return fmt.Errorf("%w: %s", ErrBuiltinOverride, c.Name)
	}
	if !ok {
		r.log.Info("first announcement", zap.String("command", c.Name))
	}
	r.put(c)
	return nil
}

// ParseRegistration splits payload on '|' and each element on its first
// '='. Unknown keys are ignored; an empty agrp means public.
func ParseRegistration(payload string) (Command, error) {
	var c Command
	for _, element := range strings.Split(payload, "|") {
		k, v, ok := strings.Cut(element, "=")
		if !ok {
			return Command{}, fmt.Errorf("%w: element %q has no value", ErrMalformedRegistration, element)
		}
		switch k {
		case "cmd":
			c.Name = v
		case "descr":
			c.Description = v
		case "agrp":
			c.Group = v
		}
	}
	if c.Name == "" || strings.ContainsAny(c.Name, " \r\n") {
		return Command{}, fmt.Errorf("%w: missing or invalid cmd in %q", ErrMalformedRegistration, payload)
	}
	return c, nil
}
