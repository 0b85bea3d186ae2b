package config

import (
	"encoding/json"
	"hash/fnv"
)

// fingerprint is an FNV-1a hash of v's JSON form. Values that do not
// encode, and nil, hash to 0.
func fingerprint(v any) uint64 {
	b, err := json.Marshal(v)
	if err != nil || len(b) == 0 || string(b) == "null" {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
