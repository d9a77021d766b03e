package protocol

import (
	"fmt"
	"strings"
)

const (
	RedisCacheKeyNamespaceSep string = ":"
)

type RedisCacheKeyDomainPrefix string

const (
	RedisCacheKeyPrefixQuery     RedisCacheKeyDomainPrefix = "query"
	RedisCacheKeyPrefixConnector RedisCacheKeyDomainPrefix = "connector"
	RedisCacheKeyPrefixChunk     RedisCacheKeyDomainPrefix = "chunk"
	RedisCacheKeyPrefixLock      RedisCacheKeyDomainPrefix = "lock"
	RedisCacheKeyPrefixSemaphore RedisCacheKeyDomainPrefix = "semaphore"
)

func GenRedisCacheKey(d RedisCacheKeyDomainPrefix, fields ...string) string {
	return strings.Join(append([]string{string(d)}, fields...), RedisCacheKeyNamespaceSep)
}

// GenQueryCacheKey query:{tenant}:{generation}:{fingerprint}
func GenQueryCacheKey(tenantID string, generation int64, fingerprint string) string {
	return GenRedisCacheKey(RedisCacheKeyPrefixQuery, tenantID, fmt.Sprint(generation), fingerprint)
}

// GenQueryGenerationKey query:gen:{tenant}
func GenQueryGenerationKey(tenantID string) string {
	return GenRedisCacheKey(RedisCacheKeyPrefixQuery, "gen", tenantID)
}

// GenConnectorCacheKey connector:{kind}:{fields...}
func GenConnectorCacheKey(kind string, fields ...string) string {
	return GenRedisCacheKey(RedisCacheKeyPrefixConnector, append([]string{kind}, fields...)...)
}

// GenChunkVectorKey chunk:{content_hash}:{profile}
func GenChunkVectorKey(contentHash, profile string) string {
	return GenRedisCacheKey(RedisCacheKeyPrefixChunk, contentHash, profile)
}

// GenSyncAccountLockKey lock:sync:{account}
func GenSyncAccountLockKey(accountID string) string {
	return GenRedisCacheKey(RedisCacheKeyPrefixLock, "sync", accountID)
}

// GenSyncWorkerSemaphoreKey semaphore:sync:{kind}
func GenSyncWorkerSemaphoreKey(kind string) string {
	return GenRedisCacheKey(RedisCacheKeyPrefixSemaphore, "sync", kind)
}

// GenGraphGCLockKey lock:graph:gc
func GenGraphGCLockKey() string {
	return GenRedisCacheKey(RedisCacheKeyPrefixLock, "graph", "gc")
}
