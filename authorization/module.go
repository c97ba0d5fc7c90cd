package authorization

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	filestore "owlquill_back/storage"
)

const (
	identityKey    = "user_id"
	defaultTimeout = time.Hour

	userAvatarURLExpiry = 15 * time.Minute
)

// Module wires together the JWT middleware and backing services.
type Module struct {
	db            *gorm.DB
	userStore     *UserStore
	auth          *AuthService
	jwtMiddleware *jwt.GinJWTMiddleware
	captcha       *CaptchaStore
	avatarStorage *filestore.ImageStore
}

// LoginRequest represents the expected payload for the login endpoint.
type LoginRequest struct {
	Username      string `json:"username" binding:"required"`
	Password      string `json:"password" binding:"required"`
	CaptchaID     string `json:"captcha_id" binding:"required"`
	CaptchaAnswer string `json:"captcha_answer" binding:"required"`
}

// RegisterRequest captures the payload for user registration.
type RegisterRequest struct {
	Username      string  `json:"username" binding:"required"`
	Password      string  `json:"password" binding:"required,min=6"`
	DisplayName   string  `json:"display_name"`
	CaptchaID     string  `json:"captcha_id" binding:"required"`
	CaptchaAnswer string  `json:"captcha_answer" binding:"required"`
	AvatarURL     *string `json:"avatar_url"`
	Bio           *string `json:"bio"`
}

// UpdateProfileRequest captures profile update fields.
type UpdateProfileRequest struct {
	DisplayName *string `json:"display_name"`
	AvatarURL   *string `json:"avatar_url"`
	Bio         *string `json:"bio"`
}

// RegisterRoutes bootstraps the authentication endpoints under /auth.
func RegisterRoutes(router *gin.Engine) (*Module, error) {
	db, err := openDatabaseFromEnv()
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&User{}, &Role{}, &UserRole{}); err != nil {
		return nil, fmt.Errorf("authorization: migrate models: %w", err)
	}

	avatarStore, err := filestore.NewImageStoreFromEnv()
	if err != nil {
		return nil, err
	}

	m := &Module{
		db:            db,
		userStore:     &UserStore{db: db},
		captcha:       NewCaptchaStoreFromEnv(),
		avatarStorage: avatarStore,
	}
	m.auth = &AuthService{users: m.userStore}

	if m.jwtMiddleware, err = m.newJWTMiddleware(); err != nil {
		return nil, err
	}

	authGroup := router.Group("/auth")
	authGroup.GET("/captcha", m.handleCaptcha)
	authGroup.POST("/register", m.handleRegister)
	authGroup.POST("/login", m.handleLogin)
	authGroup.POST("/refresh", m.jwtMiddleware.RefreshHandler)

	secured := authGroup.Group("")
	secured.Use(m.jwtMiddleware.MiddlewareFunc())
	secured.GET("/profile", m.handleProfile)
	secured.PUT("/profile", m.handleUpdateProfile)
	secured.POST("/profile/avatar", m.handleUploadAvatar)

	return m, nil
}

// Middleware exposes the raw JWT middleware for other modules.
func (m *Module) Middleware() gin.HandlerFunc {
	if m == nil || m.jwtMiddleware == nil {
		return nil
	}
	return m.jwtMiddleware.MiddlewareFunc()
}

// handleCaptcha 签发一个新的图形验证码。
func (m *Module) handleCaptcha(c *gin.Context) {
	challenge := m.captcha.Issue()
	expiresIn := int(challenge.TTL.Seconds())
	if expiresIn < 1 {
		expiresIn = int(time.Until(challenge.ExpiresAt).Seconds())
		if expiresIn < 1 {
			expiresIn = 1
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"captcha_id":    challenge.ID,
		"captcha_image": challenge.ImageBase64,
		"expires_in":    expiresIn,
		"expires_at":    challenge.ExpiresAt.UTC(),
	})
}

func (m *Module) handleRegister(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}
	if m.captcha != nil && !m.captcha.Verify(req.CaptchaID, req.CaptchaAnswer) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid captcha"})
		return
	}

	ctx := c.Request.Context()
	user, err := m.auth.Register(ctx, req.Username, req.Password, req.DisplayName, req.AvatarURL, req.Bio)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrMissingLoginValues):
			c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		case errors.Is(err, ErrWeakPassword):
			c.JSON(http.StatusBadRequest, gin.H{"error": ErrWeakPassword.Error()})
		case errors.Is(err, ErrUsernameTaken):
			c.JSON(http.StatusConflict, gin.H{"error": "username already exists"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register"})
		}
		return
	}

	roles, err := m.userStore.FindRoleNames(ctx, user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load user roles"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": m.userPayload(ctx, user, roles)})
}

// handleLogin 先校验验证码，再把原始请求体交还给 JWT 中间件处理。
func (m *Module) handleLogin(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	var req LoginRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}
	if m.captcha != nil && !m.captcha.Verify(req.CaptchaID, req.CaptchaAnswer) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid captcha"})
		return
	}

	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	m.jwtMiddleware.LoginHandler(c)
}

func (m *Module) handleProfile(c *gin.Context) {
	userID := extractUserID(jwt.ExtractClaims(c))
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	ctx := c.Request.Context()
	user, err := m.userStore.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load user"})
		return
	}

	roles, err := m.userStore.FindRoleNames(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load roles"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": m.userPayload(ctx, user, roles)})
}

func (m *Module) handleUpdateProfile(c *gin.Context) {
	var req UpdateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}
	if req.DisplayName == nil && req.AvatarURL == nil && req.Bio == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no fields to update"})
		return
	}

	userID := extractUserID(jwt.ExtractClaims(c))
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	ctx := c.Request.Context()
	updated, err := m.userStore.UpdateProfile(ctx, userID, UpdateProfileParams{
		DisplayName: req.DisplayName,
		AvatarURL:   req.AvatarURL,
		Bio:         req.Bio,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidDisplayName):
			c.JSON(http.StatusBadRequest, gin.H{"error": ErrInvalidDisplayName.Error()})
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update profile"})
		}
		return
	}

	roles, err := m.userStore.FindRoleNames(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load roles"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": m.userPayload(ctx, updated, roles)})
}

// handleUploadAvatar 上传头像文件并替换旧头像，数据库更新失败时回滚新文件。
func (m *Module) handleUploadAvatar(c *gin.Context) {
	if m.avatarStorage == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "avatar upload not configured"})
		return
	}

	userID := extractUserID(jwt.ExtractClaims(c))
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	file, err := c.FormFile("avatar")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "avatar file is required"})
		return
	}
	data, err := readMultipartFile(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read avatar file"})
		return
	}

	ctx := c.Request.Context()
	existing, err := m.userStore.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load user"})
		}
		return
	}

	var oldAvatar string
	if existing.AvatarURL != nil {
		oldAvatar = strings.TrimSpace(*existing.AvatarURL)
	}

	uploaded, err := m.avatarStorage.SaveRaster(ctx, data, "avatars", fmt.Sprintf("%d", userID))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to upload avatar", "details": err.Error()})
		return
	}

	updated, err := m.userStore.UpdateProfile(ctx, userID, UpdateProfileParams{AvatarURL: &uploaded})
	if err != nil {
		_ = m.avatarStorage.Remove(ctx, uploaded)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update profile"})
		}
		return
	}

	if oldAvatar != "" && oldAvatar != uploaded {
		_ = m.avatarStorage.Remove(ctx, oldAvatar)
	}

	roles, err := m.userStore.FindRoleNames(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load roles"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": m.userPayload(ctx, updated, roles)})
}

func (m *Module) newJWTMiddleware() (*jwt.GinJWTMiddleware, error) {
	secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if secret == "" {
		return nil, errors.New("authorization: JWT_SECRET environment variable is required")
	}

	return jwt.New(&jwt.GinJWTMiddleware{
		Realm:       "owlquill",
		Key:         []byte(secret),
		Timeout:     defaultTimeout,
		MaxRefresh:  24 * time.Hour,
		IdentityKey: identityKey,
		PayloadFunc: func(data interface{}) jwt.MapClaims {
			user, ok := data.(*AuthenticatedUser)
			if !ok {
				return jwt.MapClaims{}
			}
			return jwt.MapClaims{
				identityKey: user.ID,
				"username":  user.Username,
				"roles":     user.Roles,
			}
		},
		IdentityHandler: func(c *gin.Context) interface{} {
			claims := jwt.ExtractClaims(c)
			username, _ := claims["username"].(string)
			return &AuthenticatedUser{
				ID:       extractUserID(claims),
				Username: username,
				Roles:    extractRoles(claims),
			}
		},
		Authenticator: func(c *gin.Context) (interface{}, error) {
			var req LoginRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				return nil, jwt.ErrMissingLoginValues
			}
			user, err := m.auth.Authenticate(c.Request.Context(), req.Username, req.Password)
			if err != nil {
				return nil, err
			}
			c.Set("authenticated_user", user)
			return user, nil
		},
		Authorizator: func(data interface{}, c *gin.Context) bool {
			_, ok := data.(*AuthenticatedUser)
			return ok
		},
		Unauthorized: func(c *gin.Context, code int, message string) {
			c.JSON(code, gin.H{"error": message})
		},
		LoginResponse: func(c *gin.Context, code int, token string, expire time.Time) {
			response := gin.H{"token": token, "expire": expire}

			if value, ok := c.Get("authenticated_user"); ok {
				if authUser, ok := value.(*AuthenticatedUser); ok && authUser != nil {
					if user, err := m.userStore.FindByID(c.Request.Context(), authUser.ID); err == nil {
						roles := authUser.Roles
						if roles == nil {
							roles = []string{}
						}
						response["user"] = m.userPayload(c.Request.Context(), user, roles)
					}
				}
			} else {
				claims := jwt.ExtractClaims(c)
				if userID := extractUserID(claims); userID != 0 {
					if user, err := m.userStore.FindByID(c.Request.Context(), userID); err == nil {
						response["user"] = m.userPayload(c.Request.Context(), user, extractRoles(claims))
					}
				}
			}

			c.JSON(code, response)
		},
		RefreshResponse: func(c *gin.Context, code int, token string, expire time.Time) {
			response := gin.H{"token": token, "expire": expire}

			claims := jwt.ExtractClaims(c)
			if userID := extractUserID(claims); userID != 0 {
				if user, err := m.userStore.FindByID(c.Request.Context(), userID); err == nil {
					response["user"] = m.userPayload(c.Request.Context(), user, extractRoles(claims))
				}
			}

			c.JSON(code, response)
		},
		TokenLookup:   "header: Authorization, cookie: jwt, cookie: token",
		TokenHeadName: "Bearer",
		TimeFunc:      time.Now,
	})
}

// userPayload 组装对外返回的用户资料，头像路径尽量换成预签名地址。
func (m *Module) userPayload(ctx context.Context, user *User, roles []string) gin.H {
	if user == nil {
		return gin.H{}
	}
	if roles == nil {
		roles = []string{}
	}

	var avatarField interface{}
	if user.AvatarURL != nil {
		if avatar := strings.TrimSpace(*user.AvatarURL); avatar != "" {
			if m != nil && m.avatarStorage != nil {
				if signed, err := m.avatarStorage.PresignedURL(ctx, avatar, userAvatarURLExpiry); err == nil && signed != "" {
					avatar = signed
				}
			}
			avatarField = avatar
		}
	}

	var bioField interface{}
	if user.Bio != nil && *user.Bio != "" {
		bioField = *user.Bio
	}

	return gin.H{
		"id":            user.ID,
		"username":      user.Username,
		"display_name":  user.DisplayName,
		"avatar_url":    avatarField,
		"bio":           bioField,
		"status":        user.Status,
		"last_login_at": user.LastLoginAt,
		"created_at":    user.CreatedAt,
		"updated_at":    user.UpdatedAt,
		"roles":         roles,
	}
}

// readMultipartFile loads an uploaded file into memory. The image store
// enforces its own size cap, the reader just guards against unbounded bodies.
func readMultipartFile(file *multipart.FileHeader) ([]byte, error) {
	if file == nil {
		return nil, errors.New("authorization: missing upload")
	}
	src, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return io.ReadAll(io.LimitReader(src, 16*1024*1024))
}

func extractUserID(claims jwt.MapClaims) uint {
	if claims == nil {
		return 0
	}
	switch v := claims[identityKey].(type) {
	case float64:
		return uint(v)
	case int64:
		return uint(v)
	case uint64:
		return uint(v)
	case int:
		return uint(v)
	case uint:
		return v
	case json.Number:
		if parsed, err := v.Int64(); err == nil {
			return uint(parsed)
		}
	}
	return 0
}

func extractRoles(claims jwt.MapClaims) []string {
	if claims == nil {
		return []string{}
	}
	switch raw := claims["roles"].(type) {
	case []string:
		return append([]string{}, raw...)
	case []interface{}:
		roles := make([]string, 0, len(raw))
		for _, role := range raw {
			if name, ok := role.(string); ok {
				roles = append(roles, name)
			}
		}
		return roles
	default:
		return []string{}
	}
}

func openDatabaseFromEnv() (*gorm.DB, error) {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_DSN"))
	if dsn == "" {
		return nil, errors.New("authorization: DATABASE_DSN environment variable is required")
	}
	driver := strings.TrimSpace(os.Getenv("DATABASE_DRIVER"))
	if driver == "" {
		driver = inferDriverFromDSN(dsn)
		if driver == "" {
			return nil, errors.New("authorization: DATABASE_DRIVER environment variable is required when DSN does not contain a scheme")
		}
	}
	return openDatabase(driver, dsn)
}

func openDatabase(driver, dsn string) (*gorm.DB, error) {
	config := &gorm.Config{
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	}
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pg":
		return gorm.Open(postgres.Open(dsn), config)
	case "mysql":
		return gorm.Open(mysql.Open(dsn), config)
	case "sqlite", "sqlite3":
		return gorm.Open(sqlite.Open(dsn), config)
	default:
		return nil, fmt.Errorf("authorization: unsupported database driver %q", driver)
	}
}

func inferDriverFromDSN(dsn string) string {
	lower := strings.ToLower(dsn)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return "postgres"
	case strings.HasPrefix(lower, "mysql://"):
		return "mysql"
	case strings.HasPrefix(lower, "sqlite://"), strings.HasSuffix(lower, ".db"), strings.HasSuffix(lower, ".sqlite"):
		return "sqlite"
	default:
		return ""
	}
}
