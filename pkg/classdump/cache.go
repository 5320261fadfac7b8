package classdump

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/appsworld/macho/types/objc"
)

const defaultTypeCacheSize = 4096

// CachedDecoder memoizes type decoding. Decoding is a pure function of the
// encoding string, so cached nodes are shared and must not be modified.
type CachedDecoder struct {
	dec     objc.Decoder
	types   *lru.Cache[string, *objc.Node]
	methods *lru.Cache[string, *objc.MethodType]
}

// NewCachedDecoder wraps dec with LRU caches holding size entries each.
func NewCachedDecoder(dec objc.Decoder, size int) (*CachedDecoder, error) {
	if size <= 0 {
		size = defaultTypeCacheSize
	}
	types, err := lru.New[string, *objc.Node](size)
	if err != nil {
		return nil, err
	}
	methods, err := lru.New[string, *objc.MethodType](size)
	if err != nil {
		return nil, err
	}
	return &CachedDecoder{dec: dec, types: types, methods: methods}, nil
}

func (c *CachedDecoder) Type(enc string) *objc.Node {
	if n, ok := c.types.Get(enc); ok {
		return n
	}
	n := c.dec.Type(enc)
	c.types.Add(enc, n)
	return n
}

func (c *CachedDecoder) Method(enc string) *objc.MethodType {
	if m, ok := c.methods.Get(enc); ok {
		return m
	}
	m := c.dec.Method(enc)
	c.methods.Add(enc, m)
	return m
}

// Len returns the number of cached type and method encodings.
func (c *CachedDecoder) Len() int {
	return c.types.Len() + c.methods.Len()
}
