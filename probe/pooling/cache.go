package pooling

import (
	"container/list"
	"encoding/binary"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// CacheStats counts cache activity since construction.
type CacheStats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Len       int
}

// Cache is a size-bounded LRU of pooled results keyed by batch content.
// Stored matrices are never handed out directly.
type Cache struct {
	mu    sync.Mutex
	size  int
	ll    *list.List
	index map[string]*list.Element
	stats CacheStats
}

type cacheEntry struct {
	key string
	val []*mat.Dense
}

// NewCache returns a cache holding at most size entries, or nil when size
// is not positive. A nil cache never hits.
func NewCache(size int) *Cache {
	if size <= 0 {
		return nil
	}
	return &Cache{size: size, ll: list.New(), index: make(map[string]*list.Element)}
}

func (c *Cache) get(key string) ([]*mat.Dense, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	c.ll.MoveToBack(el)
	return el.Value.(*cacheEntry).val, true
}

func (c *Cache) put(key string, val []*mat.Dense) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		el.Value.(*cacheEntry).val = val
		c.ll.MoveToBack(el)
		return
	}
	c.index[key] = c.ll.PushBack(&cacheEntry{key: key, val: val})
	for c.ll.Len() > c.size {
		oldest := c.ll.Front()
		delete(c.index, oldest.Value.(*cacheEntry).key)
		c.ll.Remove(oldest)
		c.stats.Evictions++
	}
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() CacheStats {
	if c == nil {
		return CacheStats{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Len = c.ll.Len()
	return s
}

// batchKey encodes the exact content of an id matrix, optional target
// indices and the token-start matrix that fixes the word spans. Row lengths
// are part of the key.
func batchKey(ids [][]int, targets []int, starts [][]int) string {
	buf := make([]byte, 0, 256)
	buf = appendMatrix(buf, ids)
	buf = binary.AppendUvarint(buf, uint64(len(targets)))
	for _, t := range targets {
		buf = binary.AppendVarint(buf, int64(t))
	}
	buf = appendMatrix(buf, starts)
	return string(buf)
}

func appendMatrix(buf []byte, m [][]int) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(m)))
	for _, row := range m {
		buf = binary.AppendUvarint(buf, uint64(len(row)))
		for _, v := range row {
			buf = binary.AppendVarint(buf, int64(v))
		}
	}
	return buf
}
