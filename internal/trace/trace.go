// Package trace loads allocation traces from YAML and replays them against an allocator.
// A trace names each allocation so later steps can resize or release it, and can assert
// the state of the heap at any point.
package trace

import (
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/heapalloc/allocator"
	"gopkg.in/yaml.v3"
)

type Op string

const (
	OpAlloc   Op = "alloc"
	OpCalloc  Op = "calloc"
	OpRealloc Op = "realloc"
	OpFree    Op = "free"
	OpExpect  Op = "expect"
	OpReset   Op = "reset"
)

// Expected error kinds for a step
const (
	ErrorNone           = ""
	ErrorOutOfMemory    = "out_of_memory"
	ErrorInvalidPointer = "invalid_pointer"
)

// Step is a single operation in a trace
type Step struct {
	Op Op `yaml:"op"`
	// Name labels the allocation an alloc, calloc or realloc step produces, and selects
	// the allocation a realloc or free step operates on
	Name string `yaml:"name,omitempty"`
	// Address lets a free or realloc step pass a raw pointer instead of a label
	Address *int `yaml:"address,omitempty"`
	Size    int  `yaml:"size,omitempty"`
	// Count is the element count of a calloc step
	Count int `yaml:"count,omitempty"`
	// Fill is written over the whole allocation after an alloc, calloc or realloc step
	Fill *byte `yaml:"fill,omitempty"`
	// Error is the kind of error the step is expected to fail with
	Error string `yaml:"error,omitempty"`

	Used     *int `yaml:"used,omitempty"`
	Unused   *int `yaml:"unused,omitempty"`
	Top      *int `yaml:"top,omitempty"`
	Validate bool `yaml:"validate,omitempty"`
}

// Trace is a sequence of steps along with the heap they should run against
type Trace struct {
	// Limit is the maximum size of the heap segment. When 0, the caller's default is used.
	Limit int      `yaml:"limit,omitempty"`
	Flags []string `yaml:"flags,omitempty"`
	Steps []Step   `yaml:"steps"`
}

// Load decodes a trace from r. Unknown fields are rejected.
func Load(r io.Reader) (*Trace, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var trace Trace
	err := decoder.Decode(&trace)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode trace")
	}

	err = trace.Validate()
	if err != nil {
		return nil, err
	}

	return &trace, nil
}

// LoadFile decodes the trace stored at path
func LoadFile(path string) (*Trace, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open trace %s", path)
	}
	defer file.Close()

	trace, err := Load(file)
	if err != nil {
		return nil, errors.Wrapf(err, "trace %s", path)
	}
	return trace, nil
}

// Encode writes the trace to w as YAML
func (t *Trace) Encode(w io.Writer) error {
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)

	err := encoder.Encode(t)
	if err != nil {
		return errors.Wrap(err, "failed to encode trace")
	}
	return encoder.Close()
}

// CreateFlags converts the trace's flag names into allocator creation flags
func (t *Trace) CreateFlags() (allocator.CreateFlags, error) {
	var flags allocator.CreateFlags

	for _, name := range t.Flags {
		flag, ok := allocator.ParseCreateFlag(name)
		if !ok {
			return 0, errors.Newf("unknown allocator flag %q", name)
		}
		flags |= flag
	}

	return flags, nil
}

// Validate checks that every step is well formed, without running any of them
func (t *Trace) Validate() error {
	if t.Limit < 0 {
		return errors.Newf("trace limit cannot be negative: %d", t.Limit)
	}

	_, err := t.CreateFlags()
	if err != nil {
		return err
	}

	for index, step := range t.Steps {
		err = step.validate()
		if err != nil {
			return errors.Wrapf(err, "step %d (%s)", index, step.Op)
		}
	}

	return nil
}

func (s Step) validate() error {
	switch s.Error {
	case ErrorNone, ErrorOutOfMemory, ErrorInvalidPointer:
	default:
		return errors.Newf("unknown error kind %q", s.Error)
	}

	switch s.Op {
	case OpAlloc, OpCalloc:
		if s.Name == "" {
			return errors.New("allocation steps require a name")
		}
		if s.Address != nil {
			return errors.New("allocation steps cannot take an address")
		}
	case OpRealloc, OpFree:
		if s.Name == "" && s.Address == nil {
			return errors.New("a name or an address is required")
		}
	case OpExpect, OpReset:
		if s.Error != ErrorNone {
			return errors.Newf("%s steps cannot fail", s.Op)
		}
	case "":
		return errors.New("missing op")
	default:
		return errors.Newf("unknown op %q", s.Op)
	}

	if s.Op != OpExpect && (s.Used != nil || s.Unused != nil || s.Top != nil || s.Validate) {
		return errors.New("only expect steps may assert heap state")
	}

	return nil
}
