package envconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDebug(t *testing.T) {
	cases := map[string]bool{
		"":      false,
		"0":     false,
		"false": false,
		"1":     true,
		"true":  true,
		"yes":   true,
		" \"1\" ": true,
	}

	for value, expect := range cases {
		t.Run(value, func(t *testing.T) {
			t.Setenv("SEMVIT_DEBUG", value)
			LoadConfig()
			assert.Equal(t, expect, Debug)
		})
	}
}

func TestSeed(t *testing.T) {
	cases := map[string]uint64{
		"":     0,
		"42":   42,
		"-1":   0,
		"bad":  0,
		"1234": 1234,
	}

	for value, expect := range cases {
		t.Run(value, func(t *testing.T) {
			t.Setenv("SEMVIT_SEED", value)
			LoadConfig()
			assert.Equal(t, expect, Seed)
		})
	}
}

func TestNumThreads(t *testing.T) {
	cases := map[string]int{
		"":   0,
		"4":  4,
		"0":  0,
		"-2": 0,
		"x":  0,
	}

	for value, expect := range cases {
		t.Run(value, func(t *testing.T) {
			t.Setenv("SEMVIT_NUM_THREADS", value)
			LoadConfig()
			assert.Equal(t, expect, NumThreads)
		})
	}
}

func TestAsMapCoversAllVars(t *testing.T) {
	m := AsMap()
	for _, key := range []string{"SEMVIT_DEBUG", "SEMVIT_SEED", "SEMVIT_NUM_THREADS"} {
		v, ok := m[key]
		assert.True(t, ok)
		assert.Equal(t, key, v.Name)
		assert.NotEmpty(t, v.Description)
	}
}
