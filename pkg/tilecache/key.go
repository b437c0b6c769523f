package tilecache

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Key identifies a cached tile. Hash covers everything that changes the
// payload; Collection lets a store find all keys of one collection.
type Key struct {
	Collection string
	Hash       uint64
}

// NewKey hashes parts in order. Parts are separated so that ("ab", "c") and
// ("a", "bc") differ.
func NewKey(collection string, parts ...string) Key {
	d := xxhash.New()
	_, _ = d.WriteString(collection)
	for _, p := range parts {
		_, _ = d.WriteString("\x00")
		_, _ = d.WriteString(p)
	}
	return Key{Collection: collection, Hash: d.Sum64()}
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%016x", k.Collection, k.Hash)
}

// CollectionID is the collection component of keys for schema.table.
func CollectionID(schema, table string) string {
	return schema + "." + table
}
