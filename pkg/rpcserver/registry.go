// Package rpcserver implements the service registry and dispatch algorithm
// of an ONC-RPC v2 server: a two-index (prog, vers) lookup, the
// mtype/rpc_vers/auth/prog/vers/proc dispatch order, and the CallContext
// handlers use to read arguments and write (or defer) a reply.
package rpcserver

import (
	"sort"
	"sync"
)

// ProcHandler processes one procedure call. It reads its arguments from
// ctx.Args and must either write a result via ctx.Result and call
// ctx.Reply, or call ctx.ProcUnavail/ctx.GarbageArgs/ctx.SystemErr. A
// handler that returns an error without having replied is answered with
// SYSTEM_ERR; otherwise the dispatcher waits for the outcome the handler
// (or a goroutine it handed ctx to) reports.
type ProcHandler func(ctx *CallContext) error

// ServiceEntry is a registered (prog, vers) pair's procedure table.
type ServiceEntry struct {
	Prog  uint32
	Vers  uint32
	Procs map[uint32]ProcHandler
}

// Registry maintains two indices: prog → set<vers>,
// and (prog, vers) → ServiceEntry.
type Registry struct {
	mu       sync.RWMutex
	versions map[uint32]map[uint32]struct{}
	entries  map[progVers]*ServiceEntry
}

type progVers struct {
	prog uint32
	vers uint32
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		versions: make(map[uint32]map[uint32]struct{}),
		entries:  make(map[progVers]*ServiceEntry),
	}
}

// Register adds a (prog, vers) service with its procedure table, replacing
// any prior registration for the same pair.
func (r *Registry) Register(prog, vers uint32, procs map[uint32]ProcHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.versions[prog] == nil {
		r.versions[prog] = make(map[uint32]struct{})
	}
	r.versions[prog][vers] = struct{}{}
	r.entries[progVers{prog, vers}] = &ServiceEntry{Prog: prog, Vers: vers, Procs: procs}
}

// Unregister removes a (prog, vers) service.
func (r *Registry) Unregister(prog, vers uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.entries, progVers{prog, vers})
	if vs := r.versions[prog]; vs != nil {
		delete(vs, vers)
		if len(vs) == 0 {
			delete(r.versions, prog)
		}
	}
}

// lookupResult classifies what Lookup found, distinguishing the three
// dispatch outcomes the reply constructors distinguish.
type lookupResult int

const (
	lookupFound lookupResult = iota
	lookupProgUnavail
	lookupProgMismatch
)

// lookup resolves (prog, vers), returning the [low, high] version range
// known for prog when the program exists but vers doesn't.
func (r *Registry) lookup(prog, vers uint32) (*ServiceEntry, lookupResult, uint32, uint32) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versSet, progKnown := r.versions[prog]
	if !progKnown || len(versSet) == 0 {
		return nil, lookupProgUnavail, 0, 0
	}

	if entry, ok := r.entries[progVers{prog, vers}]; ok {
		return entry, lookupFound, 0, 0
	}

	all := make([]uint32, 0, len(versSet))
	for v := range versSet {
		all = append(all, v)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	return nil, lookupProgMismatch, all[0], all[len(all)-1]
}
