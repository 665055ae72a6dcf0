package tracing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollectorHost(t *testing.T) {
	assert.Equal(t, "localhost:4318", collectorHost("http://localhost:4318"))
	assert.Equal(t, "jaeger:4318", collectorHost("https://jaeger:4318/"))
	assert.Equal(t, "jaeger:4318", collectorHost("jaeger:4318"))
}
