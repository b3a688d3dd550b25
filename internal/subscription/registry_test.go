package subscription

import (
	"fmt"
	"sort"
	"sync"
	"testing"
)

func TestSubscribeAndReverseIndex(t *testing.T) {
	r := NewRegistry()

	if !r.Subscribe("c1", "AAPL") {
		t.Fatal("first subscribe reported not-new")
	}
	if r.Subscribe("c1", "AAPL") {
		t.Fatal("repeat subscribe reported new")
	}
	r.Subscribe("c2", "AAPL")
	r.Subscribe("c1", "MSFT")

	subs := r.SubscribersOf("AAPL")
	sort.Strings(subs)
	if len(subs) != 2 || subs[0] != "c1" || subs[1] != "c2" {
		t.Fatalf("SubscribersOf(AAPL) = %v, want [c1 c2]", subs)
	}
	if got := r.SymbolsOf("c1"); len(got) != 2 || got[0] != "AAPL" || got[1] != "MSFT" {
		t.Fatalf("SymbolsOf(c1) = %v, want [AAPL MSFT]", got)
	}
	if got := r.ActiveSymbols(); len(got) != 2 {
		t.Fatalf("ActiveSymbols = %v, want 2 symbols", got)
	}
}

func TestUnsubscribeDropsEmptySymbols(t *testing.T) {
	r := NewRegistry()
	r.Subscribe("c1", "AAPL")
	r.Subscribe("c2", "AAPL")

	r.Unsubscribe("c1", "AAPL")
	if !r.HasSubscribers("AAPL") {
		t.Fatal("AAPL lost subscribers while c2 still watches")
	}
	r.Unsubscribe("c2", "AAPL")
	if r.HasSubscribers("AAPL") {
		t.Fatal("AAPL still has subscribers after last unsubscribe")
	}
	if got := r.ActiveSymbols(); len(got) != 0 {
		t.Fatalf("ActiveSymbols = %v, want empty; zero-subscriber symbols must drop out", got)
	}
}

func TestRemoveClient(t *testing.T) {
	r := NewRegistry()
	r.Subscribe("c1", "AAPL")
	r.Subscribe("c1", "MSFT")
	r.Subscribe("c2", "MSFT")

	r.RemoveClient("c1")

	if len(r.SymbolsOf("c1")) != 0 {
		t.Fatal("removed client still has symbols")
	}
	if r.HasSubscribers("AAPL") {
		t.Fatal("AAPL should have no subscribers after its only client left")
	}
	if got := r.SubscribersOf("MSFT"); len(got) != 1 || got[0] != "c2" {
		t.Fatalf("SubscribersOf(MSFT) = %v, want [c2]", got)
	}
}

func TestFreshFiresOncePerSymbol(t *testing.T) {
	r := NewRegistry()

	r.Subscribe("c1", "AAPL")
	r.Subscribe("c2", "AAPL") // second watcher, no event
	r.Subscribe("c1", "MSFT")

	var got []string
	for len(r.Fresh()) > 0 {
		got = append(got, <-r.Fresh())
	}
	sort.Strings(got)
	if len(got) != 2 || got[0] != "AAPL" || got[1] != "MSFT" {
		t.Fatalf("fresh events = %v, want one per new symbol [AAPL MSFT]", got)
	}

	// Symbol dropped and re-added fires again.
	r.Unsubscribe("c1", "MSFT")
	r.Subscribe("c2", "MSFT")
	if len(r.Fresh()) != 1 {
		t.Fatal("re-adding a dropped symbol must fire a fresh event")
	}
}

func TestCounts(t *testing.T) {
	r := NewRegistry()
	r.Subscribe("c1", "AAPL")
	r.Subscribe("c2", "AAPL")
	r.Subscribe("c2", "SPY")

	counts := r.Counts()
	if counts["AAPL"] != 2 || counts["SPY"] != 1 {
		t.Fatalf("counts = %v, want AAPL:2 SPY:1", counts)
	}
}

func TestConcurrentChurn(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			clientID := fmt.Sprintf("c%d", w)
			for i := 0; i < 100; i++ {
				symbol := fmt.Sprintf("SYM%d", i%10)
				r.Subscribe(clientID, symbol)
				r.SubscribersOf(symbol)
				if i%3 == 0 {
					r.Unsubscribe(clientID, symbol)
				}
			}
			if w%2 == 0 {
				r.RemoveClient(clientID)
			}
		}(w)
	}
	wg.Wait()

	// Every remaining edge must be consistent between both indexes.
	for _, symbol := range r.ActiveSymbols() {
		for _, clientID := range r.SubscribersOf(symbol) {
			found := false
			for _, s := range r.SymbolsOf(clientID) {
				if s == symbol {
					found = true
					break
				}
			}
			if !found {
				t.Fatalf("reverse index lists %s->%s but forward index disagrees", symbol, clientID)
			}
		}
	}
}
