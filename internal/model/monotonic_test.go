package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMonotonic(t *testing.T) {
	m := NewMonotonic("test", 0)
	m.Set(1)
	m.Set(5)
	assert.Equal(t, int64(5), m.Get())

	assert.Panics(t, func() { m.Set(5) }, "repeat must panic")
	assert.Panics(t, func() { m.Set(4) }, "regress must panic")
}

func TestWeaklyMonotonic(t *testing.T) {
	m := NewWeaklyMonotonic("test", 0)
	m.Set(1)
	m.Set(1)
	m.Set(3)
	assert.Equal(t, int64(3), m.Get())

	assert.Panics(t, func() { m.Set(2) }, "regress must panic")
}
