package gesture

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStringAndParseRoundTrip(t *testing.T) {
	g := Gesture{Kind: KindClick, Args: []string{"10", "20"}}
	s := g.String()
	require.Equal(t, "click(10,20)", s)

	parsed, err := Parse(s)
	require.NoError(t, err)
	require.Equal(t, g, parsed)
}

func TestParseMalformed(t *testing.T) {
	_, err := Parse("not-a-gesture")
	require.Error(t, err)
}

func TestSetApplyAndParseSet(t *testing.T) {
	set := Set{
		{Kind: KindClick, Args: []string{"1", "2"}},
		{Kind: KindKeyPress, Args: []string{"Enter"}},
	}
	rendered := set.Apply()
	require.Equal(t, []string{"click(1,2)", "key_press(Enter)"}, rendered)

	parsed := ParseSet(append(rendered, "garbage-entry"))
	require.Equal(t, set, parsed)
}

func TestWindowSizeTemplate(t *testing.T) {
	out := WindowSizeTemplate("--width=$WIDTH --seed=$RANDOM_SEED", 800, 600, 0, 0, 42)
	require.Equal(t, "--width=800 --seed=42", out)
}
