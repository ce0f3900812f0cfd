package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/bcrosbie/agentdispatch/internal/domain"
)

type CachePolicy string

const (
	CacheNever         CachePolicy = "never"
	CacheAuto          CachePolicy = "auto"
	CacheAlways        CachePolicy = "always"
	CacheWhenAvailable CachePolicy = "when_available"
	CacheOnly          CachePolicy = "only"
)

// ParseCachePolicy accepts an empty value as auto.
func ParseCachePolicy(raw string) (CachePolicy, error) {
	switch policy := CachePolicy(strings.ToLower(strings.TrimSpace(raw))); policy {
	case "":
		return CacheAuto, nil
	case CacheNever, CacheAuto, CacheAlways, CacheWhenAvailable, CacheOnly:
		return policy, nil
	default:
		return "", domain.InvalidArgument(fmt.Sprintf("unknown cache policy %q", raw))
	}
}

// ShouldUseCache reports whether a cache lookup is attempted. Under auto only
// deterministic runs (temperature 0, no tools) are looked up.
func ShouldUseCache(policy CachePolicy, temperature float64, hasTools bool) bool {
	switch policy {
	case CacheNever:
		return false
	case CacheAlways, CacheWhenAvailable, CacheOnly:
		return true
	default:
		return temperature == 0 && !hasTools
	}
}

// RunCacheFetcher is implemented by storage.
type RunCacheFetcher interface {
	FetchCachedRun(ctx context.Context, key domain.CacheKey) (domain.AgentRun, bool, error)
}
