package monitoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var got string
	SetLogger(func(format string, v ...interface{}) { got = format })
	Logf("offset changed")
	assert.Equal(t, "offset changed", got)

	// nil installs a no-op logger, not a nil func
	got = ""
	SetLogger(nil)
	assert.NotPanics(t, func() { Logf("ignored") })
	assert.Empty(t, got)
}

func TestLogfDefault(t *testing.T) {
	assert.NotNil(t, Logf)
}
