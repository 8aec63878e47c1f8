package envconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

var (
	// Set via SEMVIT_DEBUG in the environment
	Debug bool
	// Set via SEMVIT_SEED in the environment
	Seed uint64
	// Set via SEMVIT_NUM_THREADS in the environment
	NumThreads int
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"SEMVIT_DEBUG":       {"SEMVIT_DEBUG", Debug, "Show additional debug information (e.g. SEMVIT_DEBUG=1)"},
		"SEMVIT_SEED":        {"SEMVIT_SEED", Seed, "Seed for parameter initialization and stochastic routing (default 0)"},
		"SEMVIT_NUM_THREADS": {"SEMVIT_NUM_THREADS", NumThreads, "Number of worker goroutines for matrix multiplication (default GOMAXPROCS)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	Debug = false
	Seed = 0
	NumThreads = 0

	if debug := clean("SEMVIT_DEBUG"); debug != "" {
		d, err := strconv.ParseBool(debug)
		if err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	if seed := clean("SEMVIT_SEED"); seed != "" {
		if s, err := strconv.ParseUint(seed, 10, 64); err == nil {
			Seed = s
		}
	}

	if threads := clean("SEMVIT_NUM_THREADS"); threads != "" {
		if n, err := strconv.Atoi(threads); err == nil && n > 0 {
			NumThreads = n
		}
	}
}
