// Package runtime wires subsystems together: registration, dependency-
// ordered initialization, per-tick updates, and reverse-order shutdown.
package runtime

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Subsystem is a named component with declared dependencies. Initialize
// runs after every dependency's Initialize; Shutdown runs in reverse order.
type Subsystem interface {
	Name() string
	Dependencies() []string
	Initialize() error
	Update(dt float64)
	Shutdown() error
}

// Container holds registered subsystems and drives their lifecycle.
type Container struct {
	log     *zap.Logger
	byName  map[string]Subsystem
	ordered []Subsystem
	inited  bool
}

func NewContainer(logger *zap.Logger) *Container {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Container{
		log:    logger,
		byName: make(map[string]Subsystem),
	}
}

// Register adds a subsystem. Names must be unique; registration after
// InitializeAll is an error.
func (c *Container) Register(s Subsystem) error {
	if c.inited {
		return fmt.Errorf("register %q: container already initialized", s.Name())
	}
	name := s.Name()
	if name == "" {
		return errors.New("subsystem has empty name")
	}
	if _, dup := c.byName[name]; dup {
		return fmt.Errorf("duplicate subsystem %q", name)
	}
	c.byName[name] = s
	return nil
}

// InitializeAll topologically sorts the subsystems by their declared
// dependencies and initializes each in order. Unknown dependencies and
// cycles are errors.
func (c *Container) InitializeAll() error {
	order, err := c.sort()
	if err != nil {
		return err
	}
	for _, s := range order {
		c.log.Info("initializing subsystem", zap.String("name", s.Name()))
		if err := s.Initialize(); err != nil {
			return fmt.Errorf("initialize %q: %w", s.Name(), err)
		}
		c.ordered = append(c.ordered, s)
	}
	c.inited = true
	return nil
}

// UpdateAll ticks every subsystem in initialization order.
func (c *Container) UpdateAll(dt float64) {
	for _, s := range c.ordered {
		s.Update(dt)
	}
}

// ShutdownAll stops subsystems in reverse initialization order, collecting
// errors rather than stopping at the first.
func (c *Container) ShutdownAll() error {
	var errs []error
	for i := len(c.ordered) - 1; i >= 0; i-- {
		s := c.ordered[i]
		c.log.Info("shutting down subsystem", zap.String("name", s.Name()))
		if err := s.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %q: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// sort returns the subsystems in dependency order via depth-first search,
// reporting any dependency cycle by name.
func (c *Container) sort() ([]Subsystem, error) {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(c.byName))
	var order []Subsystem
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			i := 0
			for j, n := range stack {
				if n == name {
					i = j
					break
				}
			}
			cycle := append(append([]string{}, stack[i:]...), name)
			return fmt.Errorf("dependency cycle: %s", strings.Join(cycle, " -> "))
		}
		state[name] = visiting
		stack = append(stack, name)
		s := c.byName[name]
		for _, dep := range s.Dependencies() {
			if _, ok := c.byName[dep]; !ok {
				return fmt.Errorf("subsystem %q depends on unregistered %q", name, dep)
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = done
		order = append(order, s)
		return nil
	}

	// Deterministic iteration keeps init logs stable across runs.
	names := make([]string, 0, len(c.byName))
	for name := range c.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}
