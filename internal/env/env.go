// Package env encapsulates the process-wide key/value state the original
// bot kept in OS environment variables (JOB_ID, APP_PATH, memory-tool
// options, ...). Rather than reading/writing os.Environ() from every
// component, callers hold an *Environment, overlay values onto it
// explicitly, and export to the real OS environment only at the point a
// subprocess is spawned (see internal/process).
package env

import (
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Platform identifies the OS/architecture class the bot is running on.
type Platform string

const (
	PlatformLinux   Platform = "LINUX"
	PlatformWindows Platform = "WINDOWS"
	PlatformMac     Platform = "MAC"
	PlatformAndroid Platform = "ANDROID"
)

// DetectPlatform returns the Platform this process is running under. It
// never returns PlatformAndroid: Android bots are cross-compiled hosts that
// set ANDROID_SERIAL, which callers should check for explicitly before
// falling back to DetectPlatform.
func DetectPlatform() Platform {
	switch runtime.GOOS {
	case "windows":
		return PlatformWindows
	case "darwin":
		return PlatformMac
	default:
		return PlatformLinux
	}
}

// Environment is process-wide typed key/value state, safe for concurrent
// use. A worker holds exactly one Environment and threads it explicitly
// through every task handler; it is never read via a package-level global.
type Environment struct {
	mu       sync.RWMutex
	values   map[string]string
	platform Platform

	// base holds the values present at process start (before any task
	// ever overlaid anything onto it). Reset restores exactly this set.
	base map[string]string
}

// New constructs an Environment seeded from the current process's real OS
// environment variables, snapshotting them as the "base" state that Reset
// returns to between task-loop iterations.
func New() *Environment {
	base := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			base[kv[:i]] = kv[i+1:]
		}
	}
	values := make(map[string]string, len(base))
	for k, v := range base {
		values[k] = v
	}
	return &Environment{
		values:   values,
		base:     base,
		platform: DetectPlatform(),
	}
}

// Platform returns the detected platform for this bot.
func (e *Environment) Platform() Platform {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.platform
}

// Get returns the value of key and whether it is set.
func (e *Environment) Get(key string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.values[key]
	return v, ok
}

// GetOrDefault returns the value of key, or def if unset.
func (e *Environment) GetOrDefault(key, def string) string {
	if v, ok := e.Get(key); ok {
		return v
	}
	return def
}

// GetInt parses the value of key as an int, returning def on error/absence.
func (e *Environment) GetInt(key string, def int) int {
	v, ok := e.Get(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Set assigns key=value in the process-wide state.
func (e *Environment) Set(key, value string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.values[key] = value
}

// Unset removes key from the process-wide state.
func (e *Environment) Unset(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.values, key)
}

// Overlay parses a multi-line "KEY = VALUE" string (the shape of
// Job.environment_string) and applies every entry on top of the current
// state. Blank lines and lines starting with '#' are ignored.
func (e *Environment) Overlay(environmentString string) {
	for _, line := range strings.Split(environmentString, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		i := strings.Index(line, "=")
		if i < 0 {
			continue
		}
		key := strings.TrimSpace(line[:i])
		value := strings.TrimSpace(line[i+1:])
		if key == "" {
			continue
		}
		e.Set(key, value)
	}
}

// Reset restores the environment to the base snapshot taken at New(),
// discarding every overlay/Set/Unset a task performed. The task loop calls
// this between iterations so no leaked variable persists across tasks.
func (e *Environment) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.values = make(map[string]string, len(e.base))
	for k, v := range e.base {
		e.values[k] = v
	}
}

// Snapshot returns the current state as a sorted "KEY=VALUE" slice suitable
// for exec.Cmd.Env, the only place this process's in-memory environment is
// exported to a real OS environment (at subprocess-spawn time).
func (e *Environment) Snapshot() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]string, 0, len(e.values))
	for k, v := range e.values {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// SnapshotMap returns a copy of the current key/value state.
func (e *Environment) SnapshotMap() map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[string]string, len(e.values))
	for k, v := range e.values {
		out[k] = v
	}
	return out
}
