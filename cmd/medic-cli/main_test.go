package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEditList(t *testing.T) {
	list := []string{"cpu_rca", "heap_rca"}

	assert.Equal(t, []string{"cpu_rca", "heap_rca", "queue_rca"}, editList(list, []string{"queue_rca", "cpu_rca"}, true))
	assert.Equal(t, []string{"heap_rca"}, editList(list, []string{"cpu_rca", "missing"}, false))
	assert.Empty(t, editList(nil, []string{"x"}, false))
}
