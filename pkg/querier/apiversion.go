package querier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
)

// PathAPIVersion is the version negotiation endpoint. It is the only path
// called without a cdi-version header.
const PathAPIVersion = "/apiversion"

// SupportedAPIVersions lists the core API versions this SDK speaks,
// in no particular order. Negotiation picks the highest version both
// sides support.
var SupportedAPIVersions = []string{"3.0", "3.1", "4.0"}

// versionCache holds the negotiated API version. Written once; a raced
// recomputation is harmless because the result is deterministic.
type versionCache struct {
	mu    sync.Mutex
	value string
}

// APIVersion returns the negotiated core API version, querying
// /apiversion the first time it is needed.
func (q *Querier) APIVersion(ctx context.Context) (string, error) {
	q.version.mu.Lock()
	defer q.version.mu.Unlock()

	if q.version.value != "" {
		return q.version.value, nil
	}

	raw, err := q.do(ctx, http.MethodGet, PathAPIVersion, nil, nil)
	if err != nil {
		return "", err
	}

	var resp struct {
		Versions []string `json:"versions"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("querier: decode /apiversion response: %w", err)
	}

	best := highestCommonVersion(resp.Versions, SupportedAPIVersions)
	if best == "" {
		return "", fmt.Errorf("querier: no mutually supported API version (core supports %v, sdk supports %v)",
			resp.Versions, SupportedAPIVersions)
	}

	q.version.value = best
	return best, nil
}

// highestCommonVersion intersects two version lists and returns the
// numerically highest "major.minor" entry, or "" if the sets are disjoint.
func highestCommonVersion(core, sdk []string) string {
	supported := make(map[string]struct{}, len(sdk))
	for _, v := range sdk {
		supported[v] = struct{}{}
	}

	best := ""
	for _, v := range core {
		if _, ok := supported[v]; !ok {
			continue
		}
		if best == "" || compareVersions(v, best) > 0 {
			best = v
		}
	}
	return best
}

func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var an, bn int
		if i < len(as) {
			an, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bn, _ = strconv.Atoi(bs[i])
		}
		if an != bn {
			if an > bn {
				return 1
			}
			return -1
		}
	}
	return 0
}
