package cache

import (
	"net/http"
	"strings"
)

// keyPrefix namespaces every cache key in Redis.
const keyPrefix = "swcache"

// partitionsKey is the Redis set holding the names of opened partitions.
const partitionsKey = keyPrefix + ":partitions"

// CacheKey identifies one cached response inside a partition.
type CacheKey struct {
	// Partition is the cache name passed to Storage.Open
	Partition string

	// Method is the request method (only GET is stored)
	Method string

	// URL is the request URL, matched exactly
	URL string
}

// KeyFor builds the cache key of req in partition.
func KeyFor(partition string, req *http.Request) CacheKey {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	return CacheKey{
		Partition: partition,
		Method:    strings.ToUpper(method),
		URL:       req.URL.String(),
	}
}

// String generates the Redis key.
// Format: swcache:partition:METHOD:url
//
// Example:
//
//	swcache:flux-react-example:GET:https://example.com/api/content?resource=home
func (k CacheKey) String() string {
	return strings.Join([]string{keyPrefix, k.Partition, k.Method, k.URL}, ":")
}

// partitionPattern matches every key stored in partition.
func partitionPattern(partition string) string {
	return strings.Join([]string{keyPrefix, partition, "*"}, ":")
}
