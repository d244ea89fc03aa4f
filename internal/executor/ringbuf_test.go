package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingBufferUnderCap(t *testing.T) {
	rb := newRingBuffer(16)
	rb.Write([]byte("hello "))
	rb.Write([]byte("world"))
	assert.Equal(t, "hello world", rb.String())
	assert.False(t, rb.Truncated())
}

func TestRingBufferKeepsNewest(t *testing.T) {
	rb := newRingBuffer(8)
	rb.Write([]byte("0123456"))
	rb.Write([]byte("789"))
	assert.Equal(t, "23456789", rb.String())
	assert.True(t, rb.Truncated())
}

func TestRingBufferLargeWrite(t *testing.T) {
	rb := newRingBuffer(4)
	n, err := rb.Write([]byte("abcdefgh"))
	assert.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, "efgh", rb.String())
	assert.True(t, rb.Truncated())
}

func TestRingBufferExactFit(t *testing.T) {
	rb := newRingBuffer(4)
	rb.Write([]byte("abcd"))
	assert.Equal(t, "abcd", rb.String())
	assert.False(t, rb.Truncated())
}
