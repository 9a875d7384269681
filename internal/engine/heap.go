package engine

import (
	"container/heap"
	"sort"
)

type OrderItem struct {
	order *OrderWrapper
	index int
}

// OrderHeap keeps one side of a book. Bids pop highest price first, asks
// lowest; equal prices pop in insertion order.
type OrderHeap struct {
	items []*OrderItem
	isBuy bool
}

func (h OrderHeap) Len() int { return len(h.items) }

func (h OrderHeap) Less(i, j int) bool {
	return h.before(h.items[i].order, h.items[j].order)
}

func (h OrderHeap) before(oi, oj *OrderWrapper) bool {
	c := oi.LimitPrice().Cmp(oj.LimitPrice())
	if c == 0 {
		return oi.seq < oj.seq
	}
	if h.isBuy {
		return c > 0
	}
	return c < 0
}

func (h OrderHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *OrderHeap) Push(x interface{}) {
	item := x.(*OrderItem)
	item.index = len(h.items)
	h.items = append(h.items, item)
}

func (h *OrderHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	h.items = old[:n-1]
	return item
}

// Peek returns the top order without removing it.
func (h *OrderHeap) Peek() *OrderWrapper {
	if len(h.items) == 0 {
		return nil
	}
	return h.items[0].order
}

// Sorted returns the orders in priority order. The heap is untouched.
func (h *OrderHeap) Sorted() []*OrderWrapper {
	out := make([]*OrderWrapper, len(h.items))
	for i, item := range h.items {
		out[i] = item.order
	}
	sort.Slice(out, func(i, j int) bool { return h.before(out[i], out[j]) })
	return out
}

func NewBuyHeap() *OrderHeap {
	h := &OrderHeap{isBuy: true}
	heap.Init(h)
	return h
}

func NewSellHeap() *OrderHeap {
	h := &OrderHeap{isBuy: false}
	heap.Init(h)
	return h
}
