package dispatch

import (
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

// StateUnknown is the label reported for state values missing from a
// namespace's label table.
const StateUnknown = "UNKNOWN"

// Namespace is one target exposed to clients: a static table of methods and,
// optionally, a discrete state reported by start_listening.
type Namespace struct {
	name     string
	handlers map[string]Handler
	state    func() int
	labels   map[int]string
}

// NewNamespace creates an empty namespace called name.
func NewNamespace(name string) *Namespace {
	return &Namespace{
		name:     name,
		handlers: make(map[string]Handler),
	}
}

// WithState makes the namespace report state() through start_listening,
// translated by labels.
func (n *Namespace) WithState(state func() int, labels map[int]string) *Namespace {
	n.state = state
	n.labels = lo.Assign(labels)
	return n
}

// Register adds a method. Names must be non-empty, must not begin with "_" or
// contain ".", and must not already be registered.
func (n *Namespace) Register(method string, h Handler) error {
	if err := validateName(method); err != nil {
		return errors.Wrapf(err, "namespace %q: method", n.name)
	}
	if h == nil {
		return errors.Newf("namespace %q: method %q has no handler", n.name, method)
	}
	if _, exists := n.handlers[method]; exists {
		return errors.Newf("namespace %q: method %q already registered", n.name, method)
	}
	n.handlers[method] = h
	return nil
}

// MustRegister is Register for static tables built at startup. It panics on
// error.
func (n *Namespace) MustRegister(method string, h Handler) *Namespace {
	if err := n.Register(method, h); err != nil {
		panic(err)
	}
	return n
}

// Name is the command prefix before the first dot.
func (n *Namespace) Name() string {
	return n.name
}

// Methods returns the registered method names, sorted.
func (n *Namespace) Methods() []string {
	names := lo.Keys(n.handlers)
	sort.Strings(names)
	return names
}

// HasState reports whether the namespace exposes a state.
func (n *Namespace) HasState() bool {
	return n.state != nil
}

// StateLabel returns the label for the current state, or StateUnknown when
// the value has none.
func (n *Namespace) StateLabel() string {
	if n.state == nil {
		return StateUnknown
	}
	if label, ok := n.labels[n.state()]; ok {
		return label
	}
	return StateUnknown
}

func (n *Namespace) lookup(method string) (Handler, bool) {
	h, ok := n.handlers[method]
	return h, ok
}

func validateName(name string) error {
	switch {
	case name == "":
		return errors.New("name is empty")
	case strings.HasPrefix(name, "_"):
		return errors.Newf("%q is private", name)
	case strings.Contains(name, "."):
		return errors.Newf("%q contains '.'", name)
	}
	return nil
}
