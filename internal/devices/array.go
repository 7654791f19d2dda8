// Package devices simulates the storage back ends a stepflow deployment
// drives: an array that owns volumes and snapshots, and the host exports
// that make volumes reachable. Each device is both an action target and a
// step contributor.
package devices

import (
	"context"
	"sort"
	"sync"

	"github.com/ignatij/stepflow/pkg/service"
	"github.com/pkg/errors"
)

// ArrayTarget is the action target name the array registers under.
const ArrayTarget = "array"

// Array methods.
const (
	CreateVolume   = "create_volume"
	DeleteVolume   = "delete_volume"
	CreateSnapshot = "create_snapshot"
	DeleteSnapshot = "delete_snapshot"
	ExportVolume   = "export_volume"
	UnexportVolume = "unexport_volume"
)

var ErrNotFound = errors.New("device object not found")

// Array is an in-memory storage array. With async set, forward operations
// return Pending and finish on a background goroutine that reports through
// the step completer, the way a real controller calls back.
type Array struct {
	mu        sync.Mutex
	async     bool
	volumes   map[string]int // name -> size in GiB
	snapshots map[string]string
	exports   map[string]map[string]struct{} // volume -> hosts
	faults    map[string]error
	wg        sync.WaitGroup
}

// ArrayOption configures an Array.
type ArrayOption func(*Array)

// WithAsyncCompletion makes forward operations complete through callbacks.
func WithAsyncCompletion() ArrayOption {
	return func(a *Array) {
		a.async = true
	}
}

func NewArray(opts ...ArrayOption) *Array {
	a := &Array{
		volumes:   make(map[string]int),
		snapshots: make(map[string]string),
		exports:   make(map[string]map[string]struct{}),
		faults:    make(map[string]error),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// FailOn makes every call of method return err. A nil err clears the fault.
func (a *Array) FailOn(method string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		delete(a.faults, method)
		return
	}
	a.faults[method] = err
}

// Wait blocks until every asynchronous operation has reported back.
func (a *Array) Wait() {
	a.wg.Wait()
}

func (a *Array) Invoke(ctx context.Context, call service.ActionCall) (service.Outcome, error) {
	if !a.async || call.Compensating || call.Completer == nil {
		return service.Completed, a.apply(call.Descriptor.Method, call.Descriptor.Args)
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		completer := call.Completer
		if err := a.apply(call.Descriptor.Method, call.Descriptor.Args); err != nil {
			_ = completer.StepFailed(context.Background(), call.StepID, err)
			return
		}
		_ = completer.StepSucceeded(context.Background(), call.StepID)
	}()
	return service.Pending, nil
}

func (a *Array) apply(method string, args []interface{}) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.faults[method]; err != nil {
		return err
	}

	switch method {
	case CreateVolume:
		name, err := stringArg(args, 0)
		if err != nil {
			return err
		}
		size, err := intArg(args, 1)
		if err != nil {
			return err
		}
		if _, ok := a.volumes[name]; ok {
			return errors.Errorf("volume %s already exists", name)
		}
		a.volumes[name] = size
	case DeleteVolume:
		name, err := stringArg(args, 0)
		if err != nil {
			return err
		}
		delete(a.volumes, name)
		delete(a.exports, name)
	case CreateSnapshot:
		volume, err := stringArg(args, 0)
		if err != nil {
			return err
		}
		snap, err := stringArg(args, 1)
		if err != nil {
			return err
		}
		if _, ok := a.volumes[volume]; !ok {
			return errors.Wrapf(ErrNotFound, "volume %s", volume)
		}
		a.snapshots[snap] = volume
	case DeleteSnapshot:
		snap, err := stringArg(args, 0)
		if err != nil {
			return err
		}
		delete(a.snapshots, snap)
	case ExportVolume:
		volume, err := stringArg(args, 0)
		if err != nil {
			return err
		}
		host, err := stringArg(args, 1)
		if err != nil {
			return err
		}
		if _, ok := a.volumes[volume]; !ok {
			return errors.Wrapf(ErrNotFound, "volume %s", volume)
		}
		if a.exports[volume] == nil {
			a.exports[volume] = make(map[string]struct{})
		}
		a.exports[volume][host] = struct{}{}
	case UnexportVolume:
		volume, err := stringArg(args, 0)
		if err != nil {
			return err
		}
		host, err := stringArg(args, 1)
		if err != nil {
			return err
		}
		delete(a.exports[volume], host)
	default:
		return errors.Errorf("array does not support %s", method)
	}
	return nil
}

// Volumes returns the names of existing volumes, sorted.
func (a *Array) Volumes() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return sortedKeys(a.volumes)
}

// Snapshots returns the names of existing snapshots, sorted.
func (a *Array) Snapshots() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return sortedKeys(a.snapshots)
}

// Exports returns the hosts a volume is exported to, sorted.
func (a *Array) Exports(volume string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return sortedKeys(a.exports[volume])
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func stringArg(args []interface{}, i int) (string, error) {
	if i >= len(args) {
		return "", errors.Errorf("missing argument %d", i)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", errors.Errorf("argument %d: expected string, got %T", i, args[i])
	}
	return s, nil
}

// intArg accepts the integer forms arguments take before and after a trip
// through the JSON column.
func intArg(args []interface{}, i int) (int, error) {
	if i >= len(args) {
		return 0, errors.Errorf("missing argument %d", i)
	}
	switch v := args[i].(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	}
	return 0, errors.Errorf("argument %d: expected number, got %T", i, args[i])
}
