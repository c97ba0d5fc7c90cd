package authorization

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptchaIssueProducesDataURL(t *testing.T) {
	store := NewCaptchaStore(time.Minute)

	challenge := store.Issue()
	require.NotEmpty(t, challenge.ID)
	assert.Contains(t, challenge.ImageBase64, "data:image/png;base64,")
	assert.Equal(t, time.Minute, challenge.TTL)
	assert.True(t, challenge.ExpiresAt.After(time.Now()))
}

func TestCaptchaVerifyRejectsBlankInput(t *testing.T) {
	store := NewCaptchaStore(time.Minute)

	assert.False(t, store.Verify("", "123"))
	assert.False(t, store.Verify("some-id", "  "))
	assert.False(t, store.Verify("unknown-id", "12345"))
}

func TestCaptchaStoreFromEnvHonoursTTL(t *testing.T) {
	t.Setenv("CAPTCHA_TTL", "90s")

	store := NewCaptchaStoreFromEnv()
	challenge := store.Issue()
	assert.Equal(t, 90*time.Second, challenge.TTL)
}

func TestCaptchaStoreFromEnvIgnoresInvalidTTL(t *testing.T) {
	t.Setenv("CAPTCHA_TTL", "soon")

	store := NewCaptchaStoreFromEnv()
	challenge := store.Issue()
	assert.Equal(t, defaultCaptchaTTL, challenge.TTL)
}

func TestNilCaptchaStoreVerifyIsOpen(t *testing.T) {
	var store *CaptchaStore
	assert.True(t, store.Verify("id", "answer"))
}
