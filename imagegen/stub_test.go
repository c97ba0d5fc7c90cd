package imagegen

import (
	"bytes"
	"context"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStubGenerateProducesDecodablePNG(t *testing.T) {
	provider := NewStubProvider()

	data, err := provider.Generate(context.Background(), "Mira | selkie | front-facing portrait", "512x512")
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 512, img.Bounds().Dx())
	assert.Equal(t, 512, img.Bounds().Dy())
}

func TestStubGenerateIsDeterministic(t *testing.T) {
	provider := NewStubProvider()

	first, err := provider.Generate(context.Background(), "same prompt", "256x256")
	require.NoError(t, err)
	second, err := provider.Generate(context.Background(), "same prompt", "256x256")
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestStubGenerateValidatesPrompt(t *testing.T) {
	provider := NewStubProvider()

	_, err := provider.Generate(context.Background(), "   ", "")
	assert.ErrorIs(t, err, ErrEmptyPrompt)

	_, err = provider.Generate(context.Background(), strings.Repeat("x", MaxPromptLen+1), "")
	assert.ErrorIs(t, err, ErrPromptTooLong)
}

func TestStubGenerateFallsBackToDefaultSize(t *testing.T) {
	provider := NewStubProvider()

	data, err := provider.Generate(context.Background(), "prompt", "garbage")
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 1024, img.Bounds().Dx())
	assert.Equal(t, 1024, img.Bounds().Dy())
}

func TestTruncatePrompt(t *testing.T) {
	assert.Equal(t, "short", TruncatePrompt("short"))

	long := strings.Repeat("y", MaxPromptLen*2)
	assert.Len(t, TruncatePrompt(long), MaxPromptLen)
}

func TestParseSizeBounds(t *testing.T) {
	cases := []struct {
		input  string
		width  int
		height int
	}{
		{"", 1024, 1024},
		{"512x768", 512, 768},
		{"0x100", 1024, 1024},
		{"9000x9000", 1024, 1024},
		{"wide", 1024, 1024},
	}
	for _, tc := range cases {
		width, height := parseSize(tc.input)
		assert.Equal(t, tc.width, width, "input %q", tc.input)
		assert.Equal(t, tc.height, height, "input %q", tc.input)
	}
}
