package enav

import (
	"fmt"
	"os"
	"strings"
)

// ENAVGODEBUG configures compatibility/test-only parameters, mirroring
// the teacher's MCPGODEBUG (internal/mcpgodebug). The only parameter
// currently read is noreplay, which disables all replay on reconnect
// (PendingRequests entries and tracked serviceInvoke/sendBroadcast
// frames) so the "orphan response" and "handshake rejection"
// scenarios in spec.md §8 can be driven deterministically in tests.
const compatibilityEnvKey = "ENAVGODEBUG"

var compatibilityParams map[string]string

func init() {
	var err error
	compatibilityParams, err = parseCompatibility(os.Getenv(compatibilityEnvKey))
	if err != nil {
		panic(err)
	}
}

func debugValue(key string) string {
	return compatibilityParams[key]
}

func parseCompatibility(envValue string) (map[string]string, error) {
	if envValue == "" {
		return nil, nil
	}
	params := make(map[string]string)
	for part := range strings.SplitSeq(envValue, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("ENAVGODEBUG: invalid format: %q", part)
		}
		params[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return params, nil
}
