package oplog

import (
	"github.com/jinzhu/copier"
	"go.mongodb.org/mongo-driver/bson"
)

// CloneBody returns a deep copy of body so callers can keep it after the
// original is modified. If the copy fails the original map is returned.
func CloneBody(body bson.M) bson.M {
	if body == nil {
		return nil
	}
	out := make(bson.M, len(body))
	if err := copier.CopyWithOption(&out, body, copier.Option{DeepCopy: true}); err != nil {
		return body
	}
	return out
}
