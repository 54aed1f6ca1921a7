package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHumanBytes(t *testing.T) {
	cases := map[uint64]string{
		0:          "0 B",
		999:        "999 B",
		1000:       "1.0 KB",
		1500000:    "1.5 MB",
		2500000000: "2.5 GB",
	}
	for in, want := range cases {
		assert.Equal(t, want, HumanBytes(in), "input %d", in)
	}
}

func TestParameterBytes(t *testing.T) {
	assert.Equal(t, "6.2 KB", ParameterBytes(1562))
	assert.Equal(t, "40 B", ParameterBytes(10))
}
