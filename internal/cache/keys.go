package cache

import (
	"fmt"
	"net/url"
)

// KeyBuilder builds cache keys in the format {namespace}:{resource}:{id}.
type KeyBuilder struct {
	namespace string
}

// NewKeyBuilder creates a key builder. An empty namespace is left out of
// the keys.
func NewKeyBuilder(namespace string) *KeyBuilder {
	return &KeyBuilder{namespace: namespace}
}

// Key builds the key of a single resource.
func (kb *KeyBuilder) Key(resource string, id interface{}) string {
	return kb.join(resource, fmt.Sprintf("%v", id))
}

// QueryKey builds the key of a listing or search. Parameters are encoded in
// sorted order so equal queries share a key.
func (kb *KeyBuilder) QueryKey(resource string, params url.Values) string {
	if len(params) == 0 {
		return kb.join(resource, "*")
	}
	return kb.join(resource, "?"+params.Encode())
}

func (kb *KeyBuilder) join(resource, rest string) string {
	if kb.namespace != "" {
		return kb.namespace + ":" + resource + ":" + rest
	}
	return resource + ":" + rest
}
