package characters

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"owlquill_back/authorization"
	"owlquill_back/imagegen"
	filestore "owlquill_back/storage"
)

// Module 聚合角色模块依赖的数据库、图像存储与生成后端。
type Module struct {
	db       *gorm.DB
	images   *filestore.ImageStore
	provider imagegen.Provider
	presign  *presignCache
}

const imageURLExpiry = 15 * time.Minute

const (
	claimUserIDKey = "user_id"
	claimRolesKey  = "roles"
)

const maxListLimit = 100

// RegisterRoutes 初始化角色模块并注册所有相关路由。
func RegisterRoutes(router *gin.Engine, guard *authorization.Guard) (*Module, error) {
	db, err := openDatabaseFromEnv()
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&Character{}, &CharacterDNA{}, &CharacterImage{}); err != nil {
		return nil, err
	}

	imageStore, err := filestore.NewImageStoreFromEnv()
	if err != nil {
		return nil, err
	}

	provider, fallbackReason := imagegen.Resolve()
	if fallbackReason != "" {
		log.Printf("characters: image provider degraded: %s", fallbackReason)
	}

	module := &Module{
		db:       db,
		images:   imageStore,
		provider: provider,
		presign:  newPresignCache(),
	}

	group := router.Group("/characters")
	group.GET("/:id", module.handleGetCharacter)

	authGroup := group.Group("")
	if guard != nil {
		authGroup.Use(guard.RequireAuthenticated())
	} else {
		authGroup.Use(func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization middleware missing"})
		})
	}
	authGroup.POST("", module.handleCreateCharacter)
	authGroup.GET("/mine", module.handleListMyCharacters)
	authGroup.POST("/:id/dna", module.handleUpsertDNA)
	authGroup.GET("/:id/dna", module.handleGetDNA)
	authGroup.POST("/:id/identity-pack/generate", module.handleGeneratePack)
	authGroup.POST("/:id/identity-pack/accept", module.handleAcceptPack)
	authGroup.POST("/:id/images/generate", module.handleGenerateMoment)
	authGroup.GET("/:id/images", module.handleListImages)

	return module, nil
}

type createCharacterRequest struct {
	Name       string   `json:"name" binding:"required"`
	Alias      *string  `json:"alias"`
	Age        *string  `json:"age"`
	Species    *string  `json:"species"`
	Role       *string  `json:"role"`
	Era        *string  `json:"era"`
	ShortBio   *string  `json:"short_bio"`
	LongBio    *string  `json:"long_bio"`
	Tags       []string `json:"tags"`
	Visibility string   `json:"visibility"`
}

// handleCreateCharacter godoc
// @Summary 创建角色
// @Description 创建新的角色档案
// @Tags Characters
// @Accept json
// @Produce json
// @Param request body createCharacterRequest true "角色信息"
// @Success 201 {object} map[string]interface{} "创建成功的角色"
// @Failure 400 {object} map[string]string "请求参数错误"
// @Failure 401 {object} map[string]string "未授权"
// @Failure 500 {object} map[string]string "服务器错误"
// handleCreateCharacter 处理创建角色的请求并落库。
func (m *Module) handleCreateCharacter(c *gin.Context) {
	if m.db == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database not initialized"})
		return
	}

	userID, _ := currentUserContext(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	var req createCharacterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	visibility := strings.ToLower(strings.TrimSpace(req.Visibility))
	switch visibility {
	case "":
		visibility = visibilityPublic
	case visibilityPublic, visibilityFriends, visibilityPrivate:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid visibility"})
		return
	}

	character := Character{
		OwnerID:    userID,
		Name:       name,
		Alias:      normalizeStringPointer(req.Alias),
		Age:        normalizeStringPointer(req.Age),
		Species:    normalizeStringPointer(req.Species),
		Role:       normalizeStringPointer(req.Role),
		Era:        normalizeStringPointer(req.Era),
		ShortBio:   normalizeStringPointer(req.ShortBio),
		LongBio:    normalizeStringPointer(req.LongBio),
		Visibility: visibility,
	}

	if tags := normalizeTags(req.Tags); len(tags) > 0 {
		if data, err := json.Marshal(tags); err == nil {
			character.Tags = datatypes.JSON(data)
		}
	}

	if err := m.db.WithContext(c.Request.Context()).Create(&character).Error; err != nil {
		log.Printf("characters: create character failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create character"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"character": character})
}

// handleGetCharacter godoc
// @Summary 查询角色详情
// @Description 根据 ID 查询角色档案，私有角色仅所有者可见
// @Tags Characters
// @Produce json
// @Param id path int true "角色 ID"
// @Success 200 {object} map[string]interface{} "角色详情"
// @Failure 404 {object} map[string]string "角色不存在"
// handleGetCharacter 返回角色详情，私有角色对外隐藏为 404。
func (m *Module) handleGetCharacter(c *gin.Context) {
	if m.db == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database not initialized"})
		return
	}

	characterID, err := parseUintID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid character id"})
		return
	}

	var character Character
	if err := m.db.WithContext(c.Request.Context()).Where("id = ?", characterID).Take(&character).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "character not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load character"})
		return
	}

	userID, roles := currentUserContext(c)
	if character.Visibility == visibilityPrivate && character.OwnerID != userID && !hasRole(roles, "admin") {
		c.JSON(http.StatusNotFound, gin.H{"error": "character not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"character": character})
}

// handleListMyCharacters godoc
// @Summary 查询我的角色
// @Description 返回当前用户创建的全部角色，按更新时间倒序
// @Tags Characters
// @Produce json
// @Param limit query int false "数量上限"
// @Success 200 {object} map[string]interface{} "角色列表"
// handleListMyCharacters 列出当前用户拥有的角色。
func (m *Module) handleListMyCharacters(c *gin.Context) {
	if m.db == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database not initialized"})
		return
	}

	userID, _ := currentUserContext(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	limit := maxListLimit
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed < maxListLimit {
			limit = parsed
		}
	}

	var items []Character
	err := m.db.WithContext(c.Request.Context()).
		Where("owner_id = ?", userID).
		Order("updated_at DESC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list characters"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"characters": items, "total": len(items)})
}

// loadOwnedCharacter 加载角色并校验当前用户的写权限。
// 角色不存在返回 gorm.ErrRecordNotFound，无权限返回 ok=false。
func (m *Module) loadOwnedCharacter(ctx context.Context, characterID, userID uint64, roles []string) (*Character, bool, error) {
	if m == nil || m.db == nil {
		return nil, false, errors.New("database not initialized")
	}
	var character Character
	if err := m.db.WithContext(ctx).Where("id = ?", characterID).Take(&character).Error; err != nil {
		return nil, false, err
	}
	if character.OwnerID == userID || hasRole(roles, "admin") {
		return &character, true, nil
	}
	return &character, false, nil
}

// applyImageURL 为图像生成带时效的签名访问地址。
func (m *Module) applyImageURL(ctx context.Context, image *CharacterImage) {
	if m == nil || image == nil {
		return
	}

	trimmed := strings.TrimSpace(image.FilePath)
	if trimmed == "" {
		return
	}

	if m.images == nil || m.images.Local() {
		image.SignedURL = trimmed
		return
	}

	if signed, ok := m.presign.get(trimmed); ok {
		image.SignedURL = signed
		return
	}

	signed, err := m.images.PresignedURL(ctx, trimmed, imageURLExpiry)
	if err != nil {
		log.Printf("characters: presign image url failed: %v", err)
		image.SignedURL = trimmed
		return
	}

	m.presign.put(trimmed, signed)
	image.SignedURL = signed
}

// currentUserContext 提取当前请求的用户 ID 和角色列表。
func currentUserContext(c *gin.Context) (uint64, []string) {
	if c == nil {
		return 0, nil
	}

	claims := jwt.ExtractClaims(c)
	if len(claims) == 0 {
		return 0, nil
	}

	userID := parseUserIDClaim(claims[claimUserIDKey])
	roles := extractRolesClaim(claims[claimRolesKey])

	return userID, roles
}

// parseUserIDClaim 从 JWT 声明中解析用户 ID。
func parseUserIDClaim(raw interface{}) uint64 {
	switch v := raw.(type) {
	case float64:
		if v <= 0 {
			return 0
		}
		return uint64(v)
	case float32:
		if v <= 0 {
			return 0
		}
		return uint64(v)
	case int:
		if v <= 0 {
			return 0
		}
		return uint64(v)
	case int32:
		if v <= 0 {
			return 0
		}
		return uint64(v)
	case int64:
		if v <= 0 {
			return 0
		}
		return uint64(v)
	case uint:
		return uint64(v)
	case uint32:
		return uint64(v)
	case uint64:
		return v
	case json.Number:
		if parsed, err := v.Int64(); err == nil && parsed > 0 {
			return uint64(parsed)
		}
		return 0
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return 0
		}
		if parsed, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
			return parsed
		}
		return 0
	default:
		return 0
	}
}

// extractRolesClaim 解析 JWT 中的角色声明。
func extractRolesClaim(raw interface{}) []string {
	switch values := raw.(type) {
	case []string:
		result := make([]string, 0, len(values))
		for _, role := range values {
			trimmed := strings.TrimSpace(role)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	case []interface{}:
		result := make([]string, 0, len(values))
		for _, value := range values {
			if label, ok := value.(string); ok {
				trimmed := strings.TrimSpace(label)
				if trimmed != "" {
					result = append(result, trimmed)
				}
			}
		}
		return result
	case string:
		trimmed := strings.TrimSpace(values)
		if trimmed == "" {
			return []string{}
		}
		return []string{trimmed}
	default:
		return []string{}
	}
}

// hasRole 判断角色列表中是否包含目标角色，大小写不敏感。
func hasRole(roles []string, target string) bool {
	if len(roles) == 0 {
		return false
	}

	normalized := strings.ToLower(strings.TrimSpace(target))
	if normalized == "" {
		return false
	}

	for _, role := range roles {
		if strings.ToLower(strings.TrimSpace(role)) == normalized {
			return true
		}
	}

	return false
}

// parseUintID 解析路径参数中的正整数 ID。
func parseUintID(raw string) (uint64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, errors.New("invalid id")
	}
	id, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}

// normalizeTags 去重并清理标签列表。
func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	result := make([]string, 0, len(tags))
	for _, tag := range tags {
		trimmed := strings.TrimSpace(tag)
		if trimmed == "" {
			continue
		}
		if _, exists := seen[trimmed]; exists {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}
	return result
}

// normalizeStringPointer 清理字符串指针，空白内容归一为 nil。
func normalizeStringPointer(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	copy := trimmed
	return &copy
}
