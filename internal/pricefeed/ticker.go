// Package pricefeed turns external price updates into engine ticks: it maps
// entity ids to tickers, applies each update to the engine, hands any
// liquidations to the settler synchronously, and broadcasts the new state
// to WebSocket clients.
package pricefeed

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode"
)

// ErrTickerExhausted is returned when no collision-free ticker can be
// derived for an entity name.
var ErrTickerExhausted = errors.New("pricefeed: ticker space exhausted for name")

const tickerLen = 5

// DeriveTicker builds a short uppercase ticker from an entity name: letters
// only, first five characters. "Babylon Robotics" → "BABYL".
func DeriveTicker(name string) string {
	var b strings.Builder
	n := 0
	for _, r := range name {
		if unicode.IsLetter(r) {
			b.WriteRune(unicode.ToUpper(r))
			n++
			if n >= tickerLen {
				break
			}
		}
	}
	return b.String()
}

// Registry assigns unique tickers to entities. Colliding names get a digit
// suffix in place of the last character: BABYL, BABY2, BABY3, ...
type Registry struct {
	mu       sync.Mutex
	byEntity map[string]string
	taken    map[string]bool
}

// NewRegistry creates an empty ticker registry.
func NewRegistry() *Registry {
	return &Registry{
		byEntity: make(map[string]string),
		taken:    make(map[string]bool),
	}
}

// Assign derives and reserves a ticker for the entity. Re-assigning the
// same entity returns its existing ticker.
func (r *Registry) Assign(entityID, name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ticker, ok := r.byEntity[entityID]; ok {
		return ticker, nil
	}

	base := DeriveTicker(name)
	if base == "" {
		return "", fmt.Errorf("pricefeed: no letters in entity name %q", name)
	}

	ticker := base
	if r.taken[ticker] {
		prefix := base
		if len(prefix) >= tickerLen {
			prefix = base[:tickerLen-1]
		}
		found := false
		for i := 2; i <= 9; i++ {
			candidate := fmt.Sprintf("%s%d", prefix, i)
			if !r.taken[candidate] {
				ticker = candidate
				found = true
				break
			}
		}
		if !found {
			return "", fmt.Errorf("%w: %s", ErrTickerExhausted, name)
		}
	}

	r.byEntity[entityID] = ticker
	r.taken[ticker] = true
	return ticker, nil
}

// Reserve binds an entity to an already-known ticker, e.g. for markets
// loaded from the ledger at startup.
func (r *Registry) Reserve(entityID, ticker string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byEntity[entityID] = ticker
	r.taken[ticker] = true
}

// Ticker returns the ticker assigned to an entity.
func (r *Registry) Ticker(entityID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ticker, ok := r.byEntity[entityID]
	return ticker, ok
}
