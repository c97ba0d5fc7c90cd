package authorization

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthTestModule(t *testing.T) (*Module, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	t.Setenv("DATABASE_DSN", fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("JWT_SECRET", "unit-test-secret")
	t.Setenv("MINIO_ENDPOINT", "")
	t.Setenv("IMAGE_LOCAL_DIR", t.TempDir())

	router := gin.New()
	m, err := RegisterRoutes(router)
	require.NoError(t, err)

	// 单测无法读出图形验证码答案，关掉校验走开放模式。
	m.captcha = nil
	return m, router
}

func authJSON(t *testing.T, router *gin.Engine, method, path, token string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	return recorder
}

func decodeAuthBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	return body
}

func registerTestUser(t *testing.T, router *gin.Engine, username string) {
	t.Helper()
	recorder := authJSON(t, router, http.MethodPost, "/auth/register", "", gin.H{
		"username":       username,
		"password":       "secret123",
		"captcha_id":     "x",
		"captcha_answer": "x",
	})
	require.Equal(t, http.StatusCreated, recorder.Code, recorder.Body.String())
}

func loginTestUser(t *testing.T, router *gin.Engine, username string) string {
	t.Helper()
	recorder := authJSON(t, router, http.MethodPost, "/auth/login", "", gin.H{
		"username":       username,
		"password":       "secret123",
		"captcha_id":     "x",
		"captcha_answer": "x",
	})
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())
	token, _ := decodeAuthBody(t, recorder)["token"].(string)
	require.NotEmpty(t, token)
	return token
}

func TestRegisterLoginProfileFlow(t *testing.T) {
	_, router := newAuthTestModule(t)

	registerTestUser(t, router, "mira")
	token := loginTestUser(t, router, "mira")

	recorder := authJSON(t, router, http.MethodGet, "/auth/profile", token, nil)
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())

	user, ok := decodeAuthBody(t, recorder)["user"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "mira", user["username"])
	assert.Equal(t, "mira", user["display_name"])
}

func TestRegisterDuplicateUsernameConflict(t *testing.T) {
	_, router := newAuthTestModule(t)

	registerTestUser(t, router, "mira")
	recorder := authJSON(t, router, http.MethodPost, "/auth/register", "", gin.H{
		"username":       "mira",
		"password":       "secret123",
		"captcha_id":     "x",
		"captcha_answer": "x",
	})
	assert.Equal(t, http.StatusConflict, recorder.Code, recorder.Body.String())
}

func TestLoginWrongPasswordUnauthorized(t *testing.T) {
	_, router := newAuthTestModule(t)

	registerTestUser(t, router, "mira")
	recorder := authJSON(t, router, http.MethodPost, "/auth/login", "", gin.H{
		"username":       "mira",
		"password":       "wrong-pass",
		"captcha_id":     "x",
		"captcha_answer": "x",
	})
	assert.Equal(t, http.StatusUnauthorized, recorder.Code, recorder.Body.String())
}

func TestProfileRequiresToken(t *testing.T) {
	_, router := newAuthTestModule(t)

	recorder := authJSON(t, router, http.MethodGet, "/auth/profile", "", nil)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestUpdateProfileChangesDisplayName(t *testing.T) {
	_, router := newAuthTestModule(t)

	registerTestUser(t, router, "mira")
	token := loginTestUser(t, router, "mira")

	empty := authJSON(t, router, http.MethodPut, "/auth/profile", token, gin.H{})
	assert.Equal(t, http.StatusBadRequest, empty.Code)

	recorder := authJSON(t, router, http.MethodPut, "/auth/profile", token, gin.H{
		"display_name": "Mira of the Tides",
		"bio":          "storyteller",
	})
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())

	user, ok := decodeAuthBody(t, recorder)["user"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Mira of the Tides", user["display_name"])
	assert.Equal(t, "storyteller", user["bio"])
}
