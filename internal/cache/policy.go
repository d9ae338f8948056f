package cache

import (
	"container/list"
	"sync"
)

// Policy chooses which entry to evict when the cache is full. Inserted,
// Removed and Victim are called with the cache's write lock held; Accessed
// is called from concurrent readers, so implementations that track access
// must synchronize themselves.
type Policy interface {
	Inserted(id string)
	Accessed(id string)
	Removed(id string)
	// Victim returns the id to evict, or "" if the policy tracks nothing.
	Victim() string
}

// FIFO evicts in insertion order regardless of access.
type FIFO struct {
	order *list.List
	index map[string]*list.Element
}

// NewFIFO returns an empty insertion-order policy.
func NewFIFO() *FIFO {
	return &FIFO{order: list.New(), index: make(map[string]*list.Element)}
}

func (p *FIFO) Inserted(id string) {
	if _, ok := p.index[id]; ok {
		return
	}
	p.index[id] = p.order.PushBack(id)
}

func (p *FIFO) Accessed(string) {}

func (p *FIFO) Removed(id string) {
	if e, ok := p.index[id]; ok {
		p.order.Remove(e)
		delete(p.index, id)
	}
}

func (p *FIFO) Victim() string {
	if e := p.order.Front(); e != nil {
		return e.Value.(string)
	}
	return ""
}

// LRU evicts the least recently accessed entry.
type LRU struct {
	mu    sync.Mutex
	order *list.List
	index map[string]*list.Element
}

// NewLRU returns an empty least-recently-used policy.
func NewLRU() *LRU {
	return &LRU{order: list.New(), index: make(map[string]*list.Element)}
}

func (p *LRU) Inserted(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.index[id]; ok {
		p.order.MoveToBack(e)
		return
	}
	p.index[id] = p.order.PushBack(id)
}

func (p *LRU) Accessed(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.index[id]; ok {
		p.order.MoveToBack(e)
	}
}

func (p *LRU) Removed(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.index[id]; ok {
		p.order.Remove(e)
		delete(p.index, id)
	}
}

func (p *LRU) Victim() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e := p.order.Front(); e != nil {
		return e.Value.(string)
	}
	return ""
}

// PolicyByName maps a configuration value to a policy; unknown names use FIFO.
func PolicyByName(name string) Policy {
	if name == "lru" {
		return NewLRU()
	}
	return NewFIFO()
}
