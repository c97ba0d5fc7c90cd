package characters

import (
	"time"

	"gorm.io/datatypes"
)

const (
	visibilityPublic  = "public"
	visibilityFriends = "friends"
	visibilityPrivate = "private"
)

const (
	imageKindAnchorFront        = "anchor_front"
	imageKindAnchorThreeQuarter = "anchor_three_quarter"
	imageKindAnchorTorso        = "anchor_torso"
	imageKindGenerated          = "generated"

	imageStatusActive   = "active"
	imageStatusArchived = "archived"
)

// Character 表示用户创建的角色基本信息模型。
type Character struct {
	ID           uint64         `gorm:"primaryKey" json:"id"`
	OwnerID      uint64         `gorm:"not null;index" json:"owner_id"`
	Name         string         `gorm:"size:100;not null" json:"name"`
	Alias        *string        `gorm:"size:100" json:"alias,omitempty"`
	Age          *string        `gorm:"size:32" json:"age,omitempty"`
	Species      *string        `gorm:"size:100" json:"species,omitempty"`
	Role         *string        `gorm:"size:100" json:"role,omitempty"`
	Era          *string        `gorm:"size:100" json:"era,omitempty"`
	ShortBio     *string        `gorm:"type:text" json:"short_bio,omitempty"`
	LongBio      *string        `gorm:"type:text" json:"long_bio,omitempty"`
	AvatarURL    *string        `gorm:"size:255" json:"avatar_url,omitempty"`
	Tags         datatypes.JSON `gorm:"type:json" json:"tags,omitempty"`
	Visibility   string         `gorm:"size:16;not null;default:'public'" json:"visibility"`
	VisualLocked bool           `gorm:"not null;default:false" json:"visual_locked"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// TableName 指定 Character 模型对应的数据库表名。
func (Character) TableName() string {
	return "characters"
}

// CharacterDNA 保存角色的视觉身份规格，与角色一一对应。
// 锚定版本只在 Pack 替换既有锚图时递增，永不回退。
type CharacterDNA struct {
	ID                 uint64         `gorm:"primaryKey" json:"id"`
	CharacterID        uint64         `gorm:"not null;uniqueIndex" json:"character_id"`
	Species            *string        `gorm:"size:100" json:"species,omitempty"`
	GenderPresentation *string        `gorm:"size:100" json:"gender_presentation,omitempty"`
	VisualTraits       datatypes.JSON `gorm:"type:json" json:"visual_traits,omitempty"`
	StructuralProfile  datatypes.JSON `gorm:"type:json" json:"structural_profile,omitempty"`
	StylePermissions   datatypes.JSON `gorm:"type:json" json:"style_permissions,omitempty"`
	AnchorVersion      int            `gorm:"not null;default:1" json:"anchor_version"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// TableName 指定 CharacterDNA 模型的存储表。
func (CharacterDNA) TableName() string {
	return "character_dna"
}

// CharacterImage 记录角色的锚图与生成图像。归档是软删除，行保留历史。
type CharacterImage struct {
	ID            uint64         `gorm:"primaryKey" json:"id"`
	CharacterID   uint64         `gorm:"not null;index" json:"character_id"`
	Kind          string         `gorm:"size:32;not null" json:"kind"`
	Status        string         `gorm:"size:16;not null;default:'active'" json:"status"`
	Visibility    string         `gorm:"size:16;not null;default:'private'" json:"visibility"`
	Provider      *string        `gorm:"size:50" json:"provider,omitempty"`
	PromptSummary *string        `gorm:"size:255" json:"prompt_summary,omitempty"`
	Seed          *string        `gorm:"size:100" json:"seed,omitempty"`
	Metadata      datatypes.JSON `gorm:"type:json" json:"metadata,omitempty"`
	FilePath      string         `gorm:"size:512;not null" json:"file_path"`
	SignedURL     string         `gorm:"-" json:"signed_url,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// TableName 指定 CharacterImage 模型的存储表。
func (CharacterImage) TableName() string {
	return "character_images"
}

// anchorKinds 返回三种锚图 kind 的集合。
func anchorKinds() []string {
	return []string{imageKindAnchorFront, imageKindAnchorThreeQuarter, imageKindAnchorTorso}
}
