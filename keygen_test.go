package dogpile

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func sampleFuncForKeygenTest(ctx any, id int) (any, error) { return nil, nil }

func TestFunctionIdentity(t *testing.T) {
	ident := FunctionIdentity(sampleFuncForKeygenTest)
	assert.Contains(t, ident, "dogpile")
	assert.Contains(t, ident, ":")
	assert.Contains(t, ident, "sampleFuncForKeygenTest")
}

func TestFunctionKeyGenerator_Format(t *testing.T) {
	gen := FunctionKeyGenerator("ns", sampleFuncForKeygenTest, CanonicalToStr)
	key := gen(1, "two", 3.0)

	parts := strings.Split(key, "|")
	assert.Len(t, parts, 3)
	assert.Contains(t, parts[0], "sampleFuncForKeygenTest")
	assert.Equal(t, "ns", parts[1])
	assert.Equal(t, "1 two 3", parts[2])
}

func TestFunctionKeyGenerator_NoNamespace(t *testing.T) {
	gen := FunctionKeyGenerator("", sampleFuncForKeygenTest, CanonicalToStr)
	key := gen("a")
	parts := strings.Split(key, "|")
	assert.Equal(t, "", parts[1])
	assert.Equal(t, "a", parts[2])
}

func TestMultiKeyGenerator(t *testing.T) {
	gen := MultiKeyGenerator("ns", sampleFuncForKeygenTest, CanonicalToStr)
	keys := gen("a", "b", "c")
	assert.Len(t, keys, 3)
	assert.NotEqual(t, keys[0], keys[1])
	assert.Contains(t, keys[0], "|a")
	assert.Contains(t, keys[1], "|b")
}

func TestSHA1KeyMangler(t *testing.T) {
	h1 := SHA1KeyMangler("hello")
	h2 := SHA1KeyMangler("hello")
	h3 := SHA1KeyMangler("world")
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 40) // hex-encoded SHA-1 digest
}

func TestLengthConditionalMangler(t *testing.T) {
	mangler := LengthConditionalMangler(10, SHA1KeyMangler)
	assert.Equal(t, "short", mangler("short"))
	long := "this key is definitely longer than ten characters"
	assert.Equal(t, SHA1KeyMangler(long), mangler(long))
}
