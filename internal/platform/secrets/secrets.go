// Package secrets scrubs in-flight credential material. The broker pipeline
// holds every secret in a function-local buffer and calls Wipe on each exit
// path, so nothing survives the invocation in process memory or in the
// environment.
package secrets

import "os"

// Wipe zeroes a secret buffer in place.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// WipeAll zeroes each buffer. Go strings are immutable, so the pipeline
// keeps secrets in []byte until an API boundary forces a conversion.
func WipeAll(bufs ...[]byte) {
	for _, b := range bufs {
		Wipe(b)
	}
}

// WipeEnv unsets every named variable. Used for the runner-supplied
// federated token variables once the exchange has happened.
func WipeEnv(keys ...string) {
	for _, key := range keys {
		_ = os.Setenv(key, "")
		_ = os.Unsetenv(key)
	}
}
