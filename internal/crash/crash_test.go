package crash

import (
	"context"
	"regexp"
	"testing"

	"github.com/pingubot/pingubot/internal/api"
	"github.com/pingubot/pingubot/internal/storage"
	"github.com/stretchr/testify/require"
)

func TestIsValidRules(t *testing.T) {
	c := &api.Crash{CrashType: "SIGSEGV", CrashState: "foo()"}
	require.True(t, IsValid(c, nil, false))

	empty := &api.Crash{CrashType: "", CrashState: "foo()"}
	require.False(t, IsValid(empty, nil, false))

	blacklisted := &api.Crash{CrashType: "SIGSEGV", CrashState: "foo()",
		UnsymbolizedStacktrace: "ignored_function_call()"}
	re := regexp.MustCompile(`ignored_function_call`)
	require.False(t, IsValid(blacklisted, []*regexp.Regexp{re}, false))

	functional := &api.Crash{CrashType: "SIGSEGV", CrashState: "foo()", SecurityFlag: false}
	require.False(t, IsValid(functional, nil, true))
}

func TestGroupCrashes(t *testing.T) {
	crashes := []*api.Crash{
		{CrashType: "B", CrashState: "s1", SecurityFlag: false},
		{CrashType: "A", CrashState: "s2", SecurityFlag: false},
		{CrashType: "B", CrashState: "s1", SecurityFlag: false},
	}
	groups := GroupCrashes(crashes)
	require.Len(t, groups, 2)
	require.Equal(t, "A", groups[0].Key.CrashType)
	require.Equal(t, "B", groups[1].Key.CrashType)
	require.Len(t, groups[1].Crashes, 2)
}

type fakeReproducer struct {
	reproducible map[*api.Crash]bool
}

func (f *fakeReproducer) TestForReproducibility(ctx context.Context, c *api.Crash, attempts int) (bool, error) {
	return f.reproducible[c], nil
}

func TestFindMainCrashReproducibleWins(t *testing.T) {
	c1 := &api.Crash{CrashType: "T", CrashState: "s"}
	c2 := &api.Crash{CrashType: "T", CrashState: "s"}
	g := Group{Crashes: []*api.Crash{c1, c2}}

	repro := &fakeReproducer{reproducible: map[*api.Crash]bool{c2: true}}
	result, err := FindMainCrash(context.Background(), g, repro, 3, nil, false)
	require.NoError(t, err)
	require.Same(t, c2, result.Main)
	require.False(t, result.OneTimeCrasherFlag)
}

func TestFindMainCrashFallsBackToFirstValid(t *testing.T) {
	c1 := &api.Crash{CrashType: "T", CrashState: "s"}
	g := Group{Crashes: []*api.Crash{c1}}

	repro := &fakeReproducer{reproducible: map[*api.Crash]bool{}}
	result, err := FindMainCrash(context.Background(), g, repro, 3, nil, false)
	require.NoError(t, err)
	require.Same(t, c1, result.Main)
	require.True(t, result.OneTimeCrasherFlag)
}

func TestFindMainCrashAbandonsWhenNoneValid(t *testing.T) {
	c1 := &api.Crash{CrashType: "", CrashState: ""}
	g := Group{Crashes: []*api.Crash{c1}}

	repro := &fakeReproducer{reproducible: map[*api.Crash]bool{}}
	result, err := FindMainCrash(context.Background(), g, repro, 3, nil, false)
	require.NoError(t, err)
	require.True(t, result.Abandoned)
}

func TestDecideMatrix(t *testing.T) {
	require.Equal(t, DecisionCreate, Decide(nil, true))
	require.Equal(t, DecisionUpdateVariant, Decide(&api.Testcase{OneTimeCrasherFlag: false}, true))
	require.Equal(t, DecisionCreate, Decide(&api.Testcase{OneTimeCrasherFlag: true}, true))
	require.Equal(t, DecisionSkip, Decide(&api.Testcase{OneTimeCrasherFlag: true}, false))
}

func TestArchiverArchiveCrash(t *testing.T) {
	store := storage.NewFakeStore(nil)
	a := NewArchiver(store)
	err := a.ArchiveCrash(context.Background(), "blobs", "key1", map[string][]byte{
		"testcase": []byte("crash-input"),
	})
	require.NoError(t, err)

	data, err := store.ReadData(context.Background(), "blobs", "key1")
	require.NoError(t, err)
	require.NotEmpty(t, data)
}
