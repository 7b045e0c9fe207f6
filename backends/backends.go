// Package backends defines the runtime contract the graph engine depends on:
// a Device enumeration, the Backend interface providing raw host memory, and
// a registry of backend constructors.
//
// A Backend hands out zero-initialised, 8-byte-rounded buffers and releases
// them on request. Only a single host-memory (CPU) device exists for now;
// kernels are looked up by (Device, OpType), so adding an accelerator means
// adding a Device value and registering kernels for it.
//
// To simplify error handling, backends are expected to throw (panic) with a
// stack trace in case of errors. See package github.com/gomlx/exceptions.
package backends

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"
)

// Device identifies the device family a backend executes on. It is one half
// of the kernel registry key.
type Device int

const (
	// CPU is the native host-memory device.
	CPU Device = iota + 1
)

// String implements fmt.Stringer.
func (d Device) String() string {
	switch d {
	case CPU:
		return "CPU"
	default:
		return "UnknownDevice"
	}
}

// BufferAlignment is the alignment guaranteed by Backend.Alloc: buffers are
// rounded up to multiples of 8 bytes, the widest element type supported.
const BufferAlignment = 8

// Backend is the runtime collaborator of the graph engine. It owns raw
// buffer allocation; everything else (planning, offsets, kernel dispatch)
// lives above it.
type Backend interface {
	// Name returns the short name of the backend, e.g. "simplecpu".
	Name() string

	// Device returns the device family this backend executes on.
	Device() Device

	// Alloc returns a zero-initialised buffer of at least the given number of
	// bytes, rounded up to a multiple of BufferAlignment.
	Alloc(bytes int) []byte

	// Dealloc releases a buffer previously returned by Alloc. Passing any
	// other buffer is an error.
	Dealloc(buffer []byte)
}

// Constructor takes a config string (possibly empty) and returns a Backend.
type Constructor func(config string) Backend

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a backend constructor under the given name.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the backend configuration used by New if the environment
// variable is not set.
var DefaultConfig string

// ConfigEnvVar is the environment variable consulted by New for the backend
// configuration, formatted as "<backend_name>:<backend_configuration>".
const ConfigEnvVar = "AOTGRAPH_BACKEND"

// New returns a new Backend using the default configuration:
//
//  1. The environment variable AOTGRAPH_BACKEND, if set.
//  2. The DefaultConfig variable, if set.
//  3. The first registered backend with an empty configuration.
//
// It panics if no backend was registered.
func New() Backend {
	if config, found := os.LookupEnv(ConfigEnvVar); found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig creates a Backend from a configuration string formatted as
// "<backend_name>:<backend_configuration>". An empty name selects the first
// registered backend.
func NewWithConfig(config string) Backend {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered backends -- import the default one with import _ "github.com/aotgraph/aotgraph/backends/simplecpu"`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
		if backendName == "" {
			backendName = firstRegistered
		}
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		exceptions.Panicf("can't find backend %q for configuration %q given", backendName, config)
	}
	return constructor(backendConfig)
}
