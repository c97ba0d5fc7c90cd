package characters

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"owlquill_back/imagegen"
)

var errLockRace = errors.New("characters: visual identity already locked")

// handleUpsertDNA godoc
// @Summary 更新角色 DNA
// @Description 创建或按字段合并角色的视觉身份规格
// @Tags Characters
// @Accept json
// @Produce json
// @Param id path int true "角色 ID"
// @Param request body upsertDNARequest true "DNA 字段"
// @Success 200 {object} map[string]interface{} "更新后的 DNA"
// @Failure 404 {object} map[string]string "角色不存在"
// handleUpsertDNA 创建或合并角色 DNA。锁定不限制描述性字段的修改，
// 省略的字段保持原值，anchor_version 与锁状态永远不在此处变化。
func (m *Module) handleUpsertDNA(c *gin.Context) {
	character, ok := m.requireOwnedCharacter(c)
	if character == nil || !ok {
		return
	}

	var req upsertDNARequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	updates, err := req.dnaUpdates()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	ctx := c.Request.Context()

	var dna CharacterDNA
	err = m.db.WithContext(ctx).Where("character_id = ?", character.ID).Take(&dna).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		dna = CharacterDNA{
			CharacterID:        character.ID,
			Species:            normalizeStringPointer(req.Species),
			GenderPresentation: normalizeStringPointer(req.GenderPresentation),
			AnchorVersion:      1,
		}
		if raw, ok := updates["visual_traits"].(datatypes.JSON); ok {
			dna.VisualTraits = raw
		}
		if raw, ok := updates["structural_profile"].(datatypes.JSON); ok {
			dna.StructuralProfile = raw
		}
		if raw, ok := updates["style_permissions"].(datatypes.JSON); ok {
			dna.StylePermissions = raw
		}
		if err := m.db.WithContext(ctx).Create(&dna).Error; err != nil {
			log.Printf("characters: create dna failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save dna"})
			return
		}
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load dna"})
		return
	default:
		if len(updates) > 0 {
			updates["updated_at"] = time.Now().UTC()
			if err := m.db.WithContext(ctx).Model(&CharacterDNA{}).Where("id = ?", dna.ID).Updates(updates).Error; err != nil {
				log.Printf("characters: update dna failed: %v", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save dna"})
				return
			}
			if err := m.db.WithContext(ctx).Where("id = ?", dna.ID).Take(&dna).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load dna"})
				return
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{"dna": dna})
}

// handleGetDNA godoc
// @Summary 查询角色 DNA
// @Description 返回角色当前的视觉身份规格
// @Tags Characters
// @Produce json
// @Param id path int true "角色 ID"
// @Success 200 {object} map[string]interface{} "角色 DNA"
// @Failure 404 {object} map[string]string "DNA 不存在"
// handleGetDNA 返回角色当前的 DNA 记录。
func (m *Module) handleGetDNA(c *gin.Context) {
	character, ok := m.requireOwnedCharacter(c)
	if character == nil || !ok {
		return
	}

	var dna CharacterDNA
	err := m.db.WithContext(c.Request.Context()).Where("character_id = ?", character.ID).Take(&dna).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "dna not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load dna"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"dna": dna})
}

type generatePackRequest struct {
	Vibe   string      `json:"vibe"`
	Tweaks *packTweaks `json:"tweaks"`
}

// handleGeneratePack godoc
// @Summary 生成身份图像包
// @Description 一次生成三张不同取景的候选锚图，全部成功后整体落库
// @Tags Characters
// @Accept json
// @Produce json
// @Param id path int true "角色 ID"
// @Param request body generatePackRequest false "生成参数"
// @Success 200 {object} map[string]interface{} "候选图像包"
// @Failure 409 {object} map[string]string "视觉身份已锁定"
// @Failure 502 {object} map[string]string "图像后端失败"
// handleGeneratePack 生成一套三张候选锚图。三张图全部生成并上传成功
// 后才在单个事务中落库，任何一步失败都不会留下半套包。
func (m *Module) handleGeneratePack(c *gin.Context) {
	character, ok := m.requireOwnedCharacter(c)
	if character == nil || !ok {
		return
	}

	if character.VisualLocked {
		c.JSON(http.StatusConflict, gin.H{"error": "visual identity is locked; identity packs can no longer be generated"})
		return
	}

	var req generatePackRequest
	if c.Request.Body != nil && c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
			return
		}
	}

	ctx := c.Request.Context()
	dna := m.loadDNA(ctx, character.ID)

	packID := strings.ReplaceAll(uuid.NewString(), "-", "")
	providerName := m.provider.Name()

	images := make([]CharacterImage, 0, len(packRoles))
	uploaded := make([]string, 0, len(packRoles))
	cleanup := func() {
		for _, ref := range uploaded {
			if err := m.images.Remove(context.Background(), ref); err != nil {
				log.Printf("characters: cleanup uploaded image failed: %v", err)
			}
		}
	}

	for _, role := range packRoles {
		prompt := buildPackPrompt(character, dna, role, req.Tweaks, req.Vibe)

		data, err := m.provider.Generate(ctx, prompt, imagegen.DefaultSize)
		if err != nil {
			cleanup()
			if errors.Is(err, imagegen.ErrEmptyPrompt) || errors.Is(err, imagegen.ErrPromptTooLong) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			if imagegen.IsGenerationError(err) {
				c.JSON(http.StatusBadGateway, gin.H{
					"error":   fmt.Sprintf("image generation failed for %s", role),
					"details": err.Error(),
				})
				return
			}
			log.Printf("characters: generate %s failed: %v", role, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate identity pack"})
			return
		}

		ref, err := m.images.SaveRaster(ctx, data, "characters", strconv.FormatUint(character.ID, 10))
		if err != nil {
			cleanup()
			log.Printf("characters: store %s image failed: %v", role, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store generated image"})
			return
		}
		uploaded = append(uploaded, ref)

		meta := imageMetadata{
			PackID:   packID,
			PackRole: string(role),
			IsTemp:   boolPtr(true),
		}
		images = append(images, CharacterImage{
			CharacterID:   character.ID,
			Kind:          imageKindGenerated,
			Status:        imageStatusActive,
			Visibility:    visibilityPrivate,
			Provider:      &providerName,
			PromptSummary: summarizePrompt(prompt),
			Metadata:      meta.encode(),
			FilePath:      ref,
		})
	}

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range images {
			if err := tx.Create(&images[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		cleanup()
		log.Printf("characters: persist identity pack failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist identity pack"})
		return
	}

	for i := range images {
		m.applyImageURL(ctx, &images[i])
	}

	c.JSON(http.StatusOK, gin.H{"pack_id": packID, "images": images})
}

type acceptPackRequest struct {
	PackID string `json:"pack_id" binding:"required"`
}

// handleAcceptPack godoc
// @Summary 采纳身份图像包
// @Description 将候选包晋升为正式锚图并一次性锁定视觉身份
// @Tags Characters
// @Accept json
// @Produce json
// @Param id path int true "角色 ID"
// @Param request body acceptPackRequest true "包 ID"
// @Success 200 {object} map[string]interface{} "锚图与版本"
// @Failure 409 {object} map[string]string "视觉身份已锁定"
// @Failure 422 {object} map[string]string "包不完整"
// handleAcceptPack 在单个事务内完成旧锚图归档、候选图晋升、版本递增
// 与锁定。锁定标志用条件更新翻转，并发采纳只有一方成功。
func (m *Module) handleAcceptPack(c *gin.Context) {
	character, ok := m.requireOwnedCharacter(c)
	if character == nil || !ok {
		return
	}

	if character.VisualLocked {
		c.JSON(http.StatusConflict, gin.H{"error": "visual identity is already locked"})
		return
	}

	var req acceptPackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pack_id is required"})
		return
	}
	packID := strings.TrimSpace(req.PackID)
	if packID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pack_id is required"})
		return
	}

	ctx := c.Request.Context()

	var candidates []CharacterImage
	err := m.db.WithContext(ctx).
		Where("character_id = ? AND kind = ? AND status = ?", character.ID, imageKindGenerated, imageStatusActive).
		Order("created_at DESC").
		Find(&candidates).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load pack images"})
		return
	}

	// 一个包必须恰好由三张互不重复的取景图组成，
	// 多一张（重复角色）或少一张都按不完整处理。
	packImages := make(map[PackRole]CharacterImage, len(packRoles))
	found := make(map[PackRole]bool, len(packRoles))
	matched := 0
	for _, candidate := range candidates {
		meta := decodeImageMetadata(candidate.Metadata)
		if meta.PackID != packID || !meta.temp() {
			continue
		}
		matched++
		role := PackRole(meta.PackRole)
		if _, valid := role.AnchorKind(); !valid {
			continue
		}
		if !found[role] {
			found[role] = true
			packImages[role] = candidate
		}
	}

	if missing := missingPackRoles(found); matched != len(packRoles) || len(missing) > 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": fmt.Sprintf("identity pack %s is incomplete: found %d matching images, missing roles [%s]",
				packID, matched, strings.Join(missing, ", ")),
		})
		return
	}

	hadPrior := false
	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		archive := tx.Model(&CharacterImage{}).
			Where("character_id = ? AND kind IN ? AND status = ?", character.ID, anchorKinds(), imageStatusActive).
			Update("status", imageStatusArchived)
		if archive.Error != nil {
			return archive.Error
		}
		hadPrior = archive.RowsAffected > 0

		if hadPrior {
			bump := tx.Model(&CharacterDNA{}).
				Where("character_id = ?", character.ID).
				Update("anchor_version", gorm.Expr("anchor_version + 1"))
			if bump.Error != nil {
				return bump.Error
			}
		}

		for role, image := range packImages {
			anchorKind, _ := role.AnchorKind()
			meta := decodeImageMetadata(image.Metadata)
			meta.IsTemp = boolPtr(false)
			result := tx.Model(&CharacterImage{}).Where("id = ?", image.ID).Updates(map[string]interface{}{
				"kind":     anchorKind,
				"metadata": meta.encode(),
			})
			if result.Error != nil {
				return result.Error
			}
		}

		lock := tx.Model(&Character{}).
			Where("id = ? AND visual_locked = ?", character.ID, false).
			Update("visual_locked", true)
		if lock.Error != nil {
			return lock.Error
		}
		if lock.RowsAffected == 0 {
			return errLockRace
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errLockRace) {
			c.JSON(http.StatusConflict, gin.H{"error": "visual identity is already locked"})
			return
		}
		log.Printf("characters: accept identity pack failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to accept identity pack"})
		return
	}

	dna := m.loadDNA(ctx, character.ID)
	anchorVersion := 1
	if dna != nil {
		anchorVersion = dna.AnchorVersion
	}

	var anchors []CharacterImage
	err = m.db.WithContext(ctx).
		Where("character_id = ? AND kind IN ? AND status = ?", character.ID, anchorKinds(), imageStatusActive).
		Order("created_at DESC").
		Find(&anchors).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load anchors"})
		return
	}
	for i := range anchors {
		m.applyImageURL(ctx, &anchors[i])
	}

	c.JSON(http.StatusOK, gin.H{
		"visual_locked":  true,
		"anchor_version": anchorVersion,
		"images":         anchors,
		"dna":            dna,
	})
}

// handleGenerateMoment godoc
// @Summary 生成瞬间图像
// @Description 基于锁定的视觉身份生成场景化图像并标记锚定版本
// @Tags Characters
// @Accept json
// @Produce json
// @Param id path int true "角色 ID"
// @Param request body momentRequest false "场景描述"
// @Success 200 {object} map[string]interface{} "生成的图像"
// @Failure 409 {object} map[string]string "视觉身份未锁定"
// @Failure 502 {object} map[string]string "图像后端失败"
// handleGenerateMoment 生成瞬间图像。要求视觉身份已锁定且三张锚图
// 全部在位，生成结果记录当时的锚定版本以便追溯。
func (m *Module) handleGenerateMoment(c *gin.Context) {
	character, ok := m.requireOwnedCharacter(c)
	if character == nil || !ok {
		return
	}

	if !character.VisualLocked {
		c.JSON(http.StatusConflict, gin.H{"error": "visual identity is not locked; accept an identity pack first"})
		return
	}

	ctx := c.Request.Context()

	var anchorCount int64
	err := m.db.WithContext(ctx).Model(&CharacterImage{}).
		Where("character_id = ? AND kind IN ? AND status = ?", character.ID, anchorKinds(), imageStatusActive).
		Count(&anchorCount).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load anchors"})
		return
	}
	if anchorCount < int64(len(packRoles)) {
		c.JSON(http.StatusConflict, gin.H{"error": "character is missing active anchor images"})
		return
	}

	var req momentRequest
	if c.Request.Body != nil && c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
			return
		}
	}

	dna := m.loadDNA(ctx, character.ID)
	anchorVersion := 1
	if dna != nil {
		anchorVersion = dna.AnchorVersion
	}

	prompt := buildMomentPrompt(character, dna, req.describe())

	data, err := m.provider.Generate(ctx, prompt, imagegen.DefaultSize)
	if err != nil {
		if errors.Is(err, imagegen.ErrEmptyPrompt) || errors.Is(err, imagegen.ErrPromptTooLong) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if imagegen.IsGenerationError(err) {
			c.JSON(http.StatusBadGateway, gin.H{"error": "image generation failed", "details": err.Error()})
			return
		}
		log.Printf("characters: generate moment failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate image"})
		return
	}

	ref, err := m.images.SaveRaster(ctx, data, "characters", strconv.FormatUint(character.ID, 10))
	if err != nil {
		log.Printf("characters: store moment image failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store generated image"})
		return
	}

	providerName := m.provider.Name()
	meta := imageMetadata{
		AnchorVersion: anchorVersion,
		Request:       req.echo(),
	}
	image := CharacterImage{
		CharacterID:   character.ID,
		Kind:          imageKindGenerated,
		Status:        imageStatusActive,
		Visibility:    visibilityPrivate,
		Provider:      &providerName,
		PromptSummary: summarizePrompt(prompt),
		Metadata:      meta.encode(),
		FilePath:      ref,
	}

	if err := m.db.WithContext(ctx).Create(&image).Error; err != nil {
		if removeErr := m.images.Remove(context.Background(), ref); removeErr != nil {
			log.Printf("characters: cleanup moment image failed: %v", removeErr)
		}
		log.Printf("characters: persist moment image failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist generated image"})
		return
	}

	m.applyImageURL(ctx, &image)

	c.JSON(http.StatusOK, gin.H{"image": image})
}

// handleListImages godoc
// @Summary 查询角色图像
// @Description 返回角色的锚图与生成图像，未采纳的候选包图不在列表中
// @Tags Characters
// @Produce json
// @Param id path int true "角色 ID"
// @Success 200 {object} map[string]interface{} "图像列表"
// @Failure 403 {object} map[string]string "无权查看"
// handleListImages 列出角色的有效图像。候选包的临时图像不对外展示，
// 非所有者只能看到公开可见的图像。
func (m *Module) handleListImages(c *gin.Context) {
	if m.db == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database not initialized"})
		return
	}

	characterID, err := parseUintID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid character id"})
		return
	}

	ctx := c.Request.Context()

	var character Character
	if err := m.db.WithContext(ctx).Where("id = ?", characterID).Take(&character).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "character not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load character"})
		return
	}

	userID, roles := currentUserContext(c)
	isOwner := character.OwnerID == userID || hasRole(roles, "admin")
	if character.Visibility == visibilityPrivate && !isOwner {
		c.JSON(http.StatusForbidden, gin.H{"error": "no access to this character"})
		return
	}

	var rows []CharacterImage
	err = m.db.WithContext(ctx).
		Where("character_id = ? AND status = ?", characterID, imageStatusActive).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list images"})
		return
	}

	images := make([]CharacterImage, 0, len(rows))
	for _, row := range rows {
		if decodeImageMetadata(row.Metadata).temp() {
			continue
		}
		if !isOwner && row.Visibility != visibilityPublic {
			continue
		}
		m.applyImageURL(ctx, &row)
		images = append(images, row)
	}

	c.JSON(http.StatusOK, gin.H{"images": images, "total": len(images)})
}

// requireOwnedCharacter 解析路径参数并校验写权限，失败时直接写响应。
func (m *Module) requireOwnedCharacter(c *gin.Context) (*Character, bool) {
	if m == nil || m.db == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database not initialized"})
		return nil, false
	}

	characterID, err := parseUintID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid character id"})
		return nil, false
	}

	userID, roles := currentUserContext(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return nil, false
	}

	character, allowed, err := m.loadOwnedCharacter(c.Request.Context(), characterID, userID, roles)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "character not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load character"})
		return nil, false
	}
	if !allowed {
		c.JSON(http.StatusForbidden, gin.H{"error": "no access to this character"})
		return nil, false
	}

	return character, true
}

// loadDNA 读取角色 DNA，缺失或读取失败都返回 nil。
func (m *Module) loadDNA(ctx context.Context, characterID uint64) *CharacterDNA {
	var dna CharacterDNA
	err := m.db.WithContext(ctx).Where("character_id = ?", characterID).Take(&dna).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("characters: load dna failed: %v", err)
		}
		return nil
	}
	return &dna
}

// summarizePrompt 截断提示词作为可读摘要存储。
func summarizePrompt(prompt string) *string {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return nil
	}
	if len(trimmed) > 255 {
		trimmed = trimmed[:255]
	}
	return &trimmed
}
