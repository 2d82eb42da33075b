// Package testutil provides testing utilities for rawvec.
//
// This package is intended for use in tests and benchmarks only.
// It provides a deterministic, thread-safe RNG for generating float32 and
// packed-binary vectors and helpers to turn them into record bytes.
//
//	rng := testutil.NewRNG(seed)
//	vec := make([]float32, 128)
//	rng.FillUniform(vec)
//	raw := testutil.Float32Bytes(vec)
package testutil
