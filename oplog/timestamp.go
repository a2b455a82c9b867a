package oplog

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// EncodeTimestamp packs an oplog timestamp into an int64 whose ordering matches
// the log ordering: seconds in the high 32 bits, increment in the low 32 bits.
func EncodeTimestamp(ts primitive.Timestamp) int64 {
	return int64(uint64(ts.T)<<32 | uint64(ts.I))
}

// DecodeTimestamp reverses EncodeTimestamp.
func DecodeTimestamp(v int64) primitive.Timestamp {
	u := uint64(v)
	return primitive.Timestamp{T: uint32(u >> 32), I: uint32(u)}
}

// SplitNamespace splits "database.collection". Collection names may contain dots.
func SplitNamespace(namespace string) (string, string, error) {
	db, coll, ok := strings.Cut(namespace, ".")
	if !ok || db == "" || coll == "" {
		return "", "", fmt.Errorf("invalid namespace %q: expected database.collection", namespace)
	}
	return db, coll, nil
}
