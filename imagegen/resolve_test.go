package imagegen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDefaultsToStub(t *testing.T) {
	t.Setenv("IMAGE_PROVIDER", "")

	provider, reason := Resolve()
	require.NotNil(t, provider)
	assert.Equal(t, "stub", provider.Name())
	assert.Empty(t, reason)
}

func TestResolveOpenAIWithoutKeyFallsBack(t *testing.T) {
	t.Setenv("IMAGE_PROVIDER", "openai")
	t.Setenv("IMAGE_API_KEY", "")

	provider, reason := Resolve()
	require.NotNil(t, provider)
	assert.Equal(t, "stub", provider.Name())
	assert.NotEmpty(t, reason)
}

func TestResolveOpenAIWithKey(t *testing.T) {
	t.Setenv("IMAGE_PROVIDER", "openai")
	t.Setenv("IMAGE_API_KEY", "test-key")
	t.Setenv("IMAGE_BASE_URL", "")
	t.Setenv("IMAGE_MODEL_ID", "")

	provider, reason := Resolve()
	require.NotNil(t, provider)
	assert.Equal(t, "openai", provider.Name())
	assert.Empty(t, reason)
}

func TestResolveUnknownProviderFallsBack(t *testing.T) {
	t.Setenv("IMAGE_PROVIDER", "midjourney")

	provider, reason := Resolve()
	require.NotNil(t, provider)
	assert.Equal(t, "stub", provider.Name())
	assert.Contains(t, reason, "midjourney")
}
