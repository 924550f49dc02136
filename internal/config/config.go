// Package config centralizes the environment-variable helpers used to
// configure the worker, the server, and the DGT pipeline. It generalizes
// the getenv/mustGetenv pair the teacher's cmd/node and cmd/coordinator
// each duplicated, adding typed accessors for the numeric and boolean
// settings DGT needs (§6 of the specification).
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Fatal is called when a mandatory environment variable is missing. It is a
// package variable, following the teacher's logFatal indirection, so tests
// can intercept termination instead of killing the test binary.
var Fatal = func(format string, args ...any) {
	panic(fmt.Sprintf(format, args...))
}

// Getenv returns the value of k, or def if unset or empty.
func Getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// MustGetenv returns the value of k, fatally terminating configuration if
// it is unset. Use for settings the process cannot operate without.
func MustGetenv(k string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	Fatal("missing required environment variable %s", k)
	return ""
}

// GetenvFloat parses k as a float64, falling back to def when unset or
// unparsable.
func GetenvFloat(k string, def float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// MustGetenvFloat parses k as a float64, fatally terminating configuration
// if it is unset or unparsable.
func MustGetenvFloat(k string) float64 {
	v := MustGetenv(k)
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		Fatal("environment variable %s is not a float: %v", k, err)
	}
	return f
}

// GetenvInt parses k as an int, falling back to def when unset or
// unparsable.
func GetenvInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// MustGetenvInt parses k as an int, fatally terminating configuration if
// it is unset or unparsable.
func MustGetenvInt(k string) int {
	v := MustGetenv(k)
	n, err := strconv.Atoi(v)
	if err != nil {
		Fatal("environment variable %s is not an int: %v", k, err)
	}
	return n
}

// GetenvBool interprets k as "1" (true) or anything else (false,
// including unset), matching the C++ reference's dmlc::GetEnv(..., 0)
// idiom for its boolean-shaped flags.
func GetenvBool(k string) bool {
	return os.Getenv(k) == "1"
}

// MustGetenvBool interprets k as "1" (true) or "0" (false), fatally
// terminating configuration if it is unset or neither.
func MustGetenvBool(k string) bool {
	v := MustGetenv(k)
	switch v {
	case "1":
		return true
	case "0":
		return false
	default:
		Fatal("environment variable %s is not 0 or 1: %q", k, v)
		return false
	}
}
