package pricereporter

import (
	"math"
	"sort"
	"sync"
)

// side identifies a book side.
type side int

const (
	sideBid side = iota
	sideAsk
)

// OrderBookSide holds an ordered set of non-NaN price levels for one side
// of a replicated order book. Bids are kept best-first (descending); asks
// best-first (ascending). A zero quantity deletes the level.
type OrderBookSide struct {
	kind   side
	levels map[float64]float64 // price -> quantity
}

func newOrderBookSide(kind side) *OrderBookSide {
	return &OrderBookSide{kind: kind, levels: make(map[float64]float64)}
}

func (s *OrderBookSide) apply(price, quantity float64) {
	if math.IsNaN(price) {
		return
	}
	if quantity <= 0 {
		delete(s.levels, price)
		return
	}
	s.levels[price] = quantity
}

func (s *OrderBookSide) best() (float64, bool) {
	if len(s.levels) == 0 {
		return 0, false
	}
	prices := make([]float64, 0, len(s.levels))
	for p := range s.levels {
		prices = append(prices, p)
	}
	if s.kind == sideBid {
		sort.Sort(sort.Reverse(sort.Float64Slice(prices)))
	} else {
		sort.Float64s(prices)
	}
	return prices[0], true
}

func (s *OrderBookSide) reset() {
	s.levels = make(map[float64]float64)
}

// ReplicatedBook maintains the bid/ask replica for one pair. Rehydration
// (snapshot replace) is atomic with respect to readers: the mutex is held
// across the whole reset, so a reader never observes a torn merge of old
// and new state.
type ReplicatedBook struct {
	mu  sync.RWMutex
	bid *OrderBookSide
	ask *OrderBookSide
}

func NewReplicatedBook() *ReplicatedBook {
	return &ReplicatedBook{bid: newOrderBookSide(sideBid), ask: newOrderBookSide(sideAsk)}
}

// ApplyDelta applies one incremental level update.
func (b *ReplicatedBook) ApplyDelta(isBid bool, price, quantity float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if isBid {
		b.bid.apply(price, quantity)
	} else {
		b.ask.apply(price, quantity)
	}
}

// Rehydrate atomically replaces both sides with a fresh snapshot.
func (b *ReplicatedBook) Rehydrate(bids, asks map[float64]float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bid.reset()
	b.ask.reset()
	for p, q := range bids {
		b.bid.apply(p, q)
	}
	for p, q := range asks {
		b.ask.apply(p, q)
	}
}

// Midpoint returns (best_bid+best_ask)/2. ok is false until both sides have
// at least one level.
func (b *ReplicatedBook) Midpoint() (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bestBid, okBid := b.bid.best()
	bestAsk, okAsk := b.ask.best()
	if !okBid || !okAsk {
		return 0, false
	}
	mid := (bestBid + bestAsk) / 2
	if mid <= 0 || math.IsNaN(mid) {
		return 0, false
	}
	return mid, true
}
