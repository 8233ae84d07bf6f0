package kvstore

import (
	"github.com/casf-systems/verifier-gateway/pkg/canonicalize"
)

// Fingerprint computes the replay fingerprint of a verify request body: the
// canonical-JSON hash of every field except request_id, so that reusing a
// request_id for a materially different request is detectable.
func Fingerprint(body map[string]interface{}) (string, error) {
	stripped := make(map[string]interface{}, len(body))
	for k, v := range body {
		if k == "request_id" {
			continue
		}
		stripped[k] = v
	}
	return canonicalize.CanonicalHash(stripped)
}
