// Package subscription tracks which client watches which symbols. The
// reverse index answers the two hot queries: who gets this symbol's
// delta, and which symbols are worth polling at all.
package subscription

import (
	"sort"
	"sync"

	"github.com/marketlens/marketlens/pkg/metrics"
)

// Registry is the symbol/client subscription table. Read-mostly: every
// published delta consults it, while subscribe churn is orders of
// magnitude rarer.
type Registry struct {
	mu              sync.RWMutex
	symbolsByClient map[string]map[string]struct{}
	clientsBySymbol map[string]map[string]struct{}

	// first-subscriber events, consumed by the scheduler for prompt
	// initial fetches
	fresh chan string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		symbolsByClient: make(map[string]map[string]struct{}),
		clientsBySymbol: make(map[string]map[string]struct{}),
		fresh:           make(chan string, 256),
	}
}

// Subscribe adds one client/symbol edge. Returns true if the edge is
// new for this client.
func (r *Registry) Subscribe(clientID, symbol string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	symbols := r.symbolsByClient[clientID]
	if symbols == nil {
		symbols = make(map[string]struct{})
		r.symbolsByClient[clientID] = symbols
	}
	if _, ok := symbols[symbol]; ok {
		return false
	}
	symbols[symbol] = struct{}{}

	clients := r.clientsBySymbol[symbol]
	if clients == nil {
		clients = make(map[string]struct{})
		r.clientsBySymbol[symbol] = clients
		metrics.WorkingSetSize.Set(float64(len(r.clientsBySymbol)))
		// First watcher: nudge the scheduler. Dropping the nudge is
		// fine; the next tick picks the symbol up anyway.
		select {
		case r.fresh <- symbol:
		default:
		}
	}
	clients[clientID] = struct{}{}
	return true
}

// Unsubscribe removes one client/symbol edge.
func (r *Registry) Unsubscribe(clientID, symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeEdgeLocked(clientID, symbol)
}

// RemoveClient drops every subscription the client holds. Called on
// disconnect.
func (r *Registry) RemoveClient(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for symbol := range r.symbolsByClient[clientID] {
		r.removeEdgeLocked(clientID, symbol)
	}
}

// removeEdgeLocked removes one edge; caller holds the write lock.
func (r *Registry) removeEdgeLocked(clientID, symbol string) {
	if symbols, ok := r.symbolsByClient[clientID]; ok {
		delete(symbols, symbol)
		if len(symbols) == 0 {
			delete(r.symbolsByClient, clientID)
		}
	}
	if clients, ok := r.clientsBySymbol[symbol]; ok {
		delete(clients, clientID)
		if len(clients) == 0 {
			delete(r.clientsBySymbol, symbol)
			metrics.WorkingSetSize.Set(float64(len(r.clientsBySymbol)))
		}
	}
}

// SubscribersOf returns the clients watching a symbol.
func (r *Registry) SubscribersOf(symbol string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clients := r.clientsBySymbol[symbol]
	out := make([]string, 0, len(clients))
	for clientID := range clients {
		out = append(out, clientID)
	}
	return out
}

// SymbolsOf returns the symbols one client watches, sorted.
func (r *Registry) SymbolsOf(clientID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	symbols := r.symbolsByClient[clientID]
	out := make([]string, 0, len(symbols))
	for symbol := range symbols {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// ActiveSymbols returns every symbol with at least one subscriber,
// sorted. This is the scheduler's working set.
func (r *Registry) ActiveSymbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.clientsBySymbol))
	for symbol := range r.clientsBySymbol {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// HasSubscribers reports whether anyone watches the symbol.
func (r *Registry) HasSubscribers(symbol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clientsBySymbol[symbol]) > 0
}

// Counts returns symbol -> subscriber count for the status surface.
func (r *Registry) Counts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.clientsBySymbol))
	for symbol, clients := range r.clientsBySymbol {
		out[symbol] = len(clients)
	}
	return out
}

// Fresh exposes first-subscriber events. The channel is best-effort:
// it never blocks a subscribe and may miss events under churn.
func (r *Registry) Fresh() <-chan string {
	return r.fresh
}
