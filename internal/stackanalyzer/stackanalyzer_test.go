package stackanalyzer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const asanSample = `==1234==ERROR: AddressSanitizer: heap-buffer-overflow on address 0xdeadbeef
    #0 0x55a1 in parseInput fuzz.c:42
    #1 0x55b2 in LLVMFuzzerTestOneInput fuzz.c:10
`

const goPanicSample = `panic: runtime error: index out of range [5] with length 3

goroutine 1 [running]:
example.com/pkg.Parse(...)
	/src/pkg/parse.go:20
`

const stackOverflowSample = `runtime: goroutine stack exceeds 1000000000-byte limit
fatal error: stack overflow

goroutine 1 [running]:
example.com/pkg.Recurse(...)
	/src/pkg/recurse.go:5
`

func TestAnalyzeASan(t *testing.T) {
	res := Analyze(asanSample)
	require.Equal(t, "heap-buffer-overflow", res.CrashType)
	require.Equal(t, "0xdeadbeef", res.CrashAddress)
	require.Contains(t, res.Frames, "parseInput")
}

func TestAnalyzeGoPanic(t *testing.T) {
	res := Analyze(goPanicSample)
	require.Equal(t, "panic", res.CrashType)
	require.NotEmpty(t, res.CrashState)
}

func TestAnalyzeStackOverflow(t *testing.T) {
	res := Analyze(stackOverflowSample)
	require.Equal(t, "stack overflow", res.CrashType)
}

func TestAnalyzeUnrecognized(t *testing.T) {
	res := Analyze("nothing interesting here")
	require.Empty(t, res.CrashType)
	require.Empty(t, res.CrashState)
}
