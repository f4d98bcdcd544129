package format

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/antigravity-tools/cloudcode-gateway/internal/config"
)

const (
	signatureTTL         = 6 * time.Hour
	redisSignaturePrefix = "ccgw:sig:"
	redisOpTimeout       = 2 * time.Second
)

// SignatureCache remembers Gemini thoughtSignatures keyed by tool_use id.
// Clients strip the non-standard field from history, so the converter
// restores it from here on the next turn. Redis is optional; without it the
// cache is process-local.
type SignatureCache struct {
	mu     sync.Mutex
	rdb    *redis.Client
	memory map[string]memoryEntry
}

type memoryEntry struct {
	signature string
	storedAt  time.Time
}

// NewSignatureCache builds a cache, optionally backed by Redis.
func NewSignatureCache(rdb *redis.Client) *SignatureCache {
	return &SignatureCache{
		rdb:    rdb,
		memory: make(map[string]memoryEntry),
	}
}

// Put stores a signature for a tool_use id. Short signatures are not worth
// keeping.
func (c *SignatureCache) Put(toolUseID, signature string) {
	if toolUseID == "" || len(signature) < config.MinSignatureLength {
		return
	}
	if c.rdb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
		defer cancel()
		if err := c.rdb.Set(ctx, redisSignaturePrefix+toolUseID, signature, signatureTTL).Err(); err == nil {
			return
		}
		// Redis down: fall back to memory.
	}
	c.mu.Lock()
	c.memory[toolUseID] = memoryEntry{signature: signature, storedAt: time.Now()}
	c.mu.Unlock()
}

// Get returns the cached signature for a tool_use id, or "".
func (c *SignatureCache) Get(toolUseID string) string {
	if toolUseID == "" {
		return ""
	}
	if c.rdb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
		defer cancel()
		if sig, err := c.rdb.Get(ctx, redisSignaturePrefix+toolUseID).Result(); err == nil && sig != "" {
			return sig
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.memory[toolUseID]
	if !ok {
		return ""
	}
	if time.Since(entry.storedAt) > signatureTTL {
		delete(c.memory, toolUseID)
		return ""
	}
	return entry.signature
}

var (
	globalSignatureCache *SignatureCache
	signatureCacheOnce   sync.Once
)

// InitSignatureCache wires the process-wide cache, optionally onto Redis.
// Safe to call once at startup; later calls are no-ops.
func InitSignatureCache(rdb *redis.Client) {
	signatureCacheOnce.Do(func() {
		globalSignatureCache = NewSignatureCache(rdb)
	})
}

// Signatures returns the process-wide cache, creating a memory-only one on
// first use if InitSignatureCache was never called.
func Signatures() *SignatureCache {
	signatureCacheOnce.Do(func() {
		globalSignatureCache = NewSignatureCache(nil)
	})
	return globalSignatureCache
}
