package characters

import (
	"encoding/json"
	"sort"
	"strings"

	"gorm.io/datatypes"
	"owlquill_back/imagegen"
)

// PackRole 标识身份包中三张锚图各自的取景角色。
type PackRole string

const (
	PackRoleFront        PackRole = "anchor_front"
	PackRoleThreeQuarter PackRole = "anchor_three_quarter"
	PackRoleTorso        PackRole = "anchor_torso"
)

// packRoles 为一套身份包要求的全部取景角色，顺序固定。
var packRoles = [3]PackRole{PackRoleFront, PackRoleThreeQuarter, PackRoleTorso}

// AnchorKind 返回角色晋升后对应的锚图 kind。
// 增删取景角色时编译器会强制补全这里的分支。
func (r PackRole) AnchorKind() (string, bool) {
	switch r {
	case PackRoleFront:
		return imageKindAnchorFront, true
	case PackRoleThreeQuarter:
		return imageKindAnchorThreeQuarter, true
	case PackRoleTorso:
		return imageKindAnchorTorso, true
	default:
		return "", false
	}
}

// framingPhrase 返回取景角色固定的构图描述，用于拼接生成提示词。
func (r PackRole) framingPhrase() string {
	switch r {
	case PackRoleFront:
		return "front-facing portrait, head and shoulders, neutral lighting"
	case PackRoleThreeQuarter:
		return "three-quarter view portrait, natural pose"
	case PackRoleTorso:
		return "torso shot from the waist up, relaxed stance"
	default:
		return ""
	}
}

// imageMetadata 是 CharacterImage.Metadata 中本模块关心的字段集合。
// IsTemp 使用指针以区分字段缺失和显式 false。
type imageMetadata struct {
	PackID        string            `json:"pack_id,omitempty"`
	PackRole      string            `json:"pack_role,omitempty"`
	IsTemp        *bool             `json:"is_temp,omitempty"`
	AnchorVersion int               `json:"anchor_version,omitempty"`
	Request       map[string]string `json:"request,omitempty"`
}

// temp 判断元数据是否标记为临时包图。
func (m imageMetadata) temp() bool {
	return m.IsTemp != nil && *m.IsTemp
}

// decodeImageMetadata 解析图像元数据，非法内容按空处理。
func decodeImageMetadata(raw datatypes.JSON) imageMetadata {
	var meta imageMetadata
	if len(raw) == 0 {
		return meta
	}
	_ = json.Unmarshal(raw, &meta)
	return meta
}

// encode 序列化元数据为 JSON 列内容。
func (m imageMetadata) encode() datatypes.JSON {
	data, err := json.Marshal(m)
	if err != nil {
		return datatypes.JSON([]byte("{}"))
	}
	return datatypes.JSON(data)
}

// boolPtr 返回布尔值的指针拷贝。
func boolPtr(v bool) *bool {
	copied := v
	return &copied
}

// upsertDNARequest 列出 DNA 允许更新的全部字段，省略的字段保持原值。
type upsertDNARequest struct {
	Species            *string        `json:"species"`
	GenderPresentation *string        `json:"gender_presentation"`
	VisualTraits       map[string]any `json:"visual_traits"`
	StructuralProfile  map[string]any `json:"structural_profile"`
	StylePermissions   map[string]any `json:"style_permissions"`
}

// dnaUpdates 把请求中明确给出的字段转换为字段级更新集合。
// anchor_version 与锁状态不在可更新字段之列。
func (r upsertDNARequest) dnaUpdates() (map[string]interface{}, error) {
	updates := make(map[string]interface{})

	if r.Species != nil {
		updates["species"] = normalizeStringPointer(r.Species)
	}
	if r.GenderPresentation != nil {
		updates["gender_presentation"] = normalizeStringPointer(r.GenderPresentation)
	}
	if r.VisualTraits != nil {
		data, err := json.Marshal(r.VisualTraits)
		if err != nil {
			return nil, err
		}
		updates["visual_traits"] = datatypes.JSON(data)
	}
	if r.StructuralProfile != nil {
		data, err := json.Marshal(r.StructuralProfile)
		if err != nil {
			return nil, err
		}
		updates["structural_profile"] = datatypes.JSON(data)
	}
	if r.StylePermissions != nil {
		data, err := json.Marshal(r.StylePermissions)
		if err != nil {
			return nil, err
		}
		updates["style_permissions"] = datatypes.JSON(data)
	}

	return updates, nil
}

// packTweaks 是生成身份包时可选的微调项。
type packTweaks struct {
	AgeBand          *string `json:"age_band"`
	FacialStructure  *string `json:"facial_structure"`
	SkinTexture      *string `json:"skin_texture"`
	Hair             *string `json:"hair"`
	Expression       *string `json:"expression"`
	SignatureFeature *string `json:"signature_feature"`
}

// describe 把非空微调项拼成 "字段: 值" 形式的描述片段。
func (t *packTweaks) describe() []string {
	if t == nil {
		return nil
	}

	parts := make([]string, 0, 6)
	appendPart := func(label string, value *string) {
		if value == nil {
			return
		}
		trimmed := strings.TrimSpace(*value)
		if trimmed == "" {
			return
		}
		parts = append(parts, label+": "+trimmed)
	}

	appendPart("age_band", t.AgeBand)
	appendPart("facial_structure", t.FacialStructure)
	appendPart("skin_texture", t.SkinTexture)
	appendPart("hair", t.Hair)
	appendPart("expression", t.Expression)
	appendPart("signature_feature", t.SignatureFeature)
	return parts
}

// buildPackPrompt 为指定取景角色拼接生成提示词并裁剪到后端上限。
// DNA 缺失物种信息时回退到角色本身的物种字段。
func buildPackPrompt(character *Character, dna *CharacterDNA, role PackRole, tweaks *packTweaks, vibe string) string {
	parts := []string{strings.TrimSpace(character.Name)}

	species := ""
	if dna != nil && dna.Species != nil {
		species = strings.TrimSpace(*dna.Species)
	}
	if species == "" && character.Species != nil {
		species = strings.TrimSpace(*character.Species)
	}
	if species != "" {
		parts = append(parts, species)
	}

	if dna != nil && dna.GenderPresentation != nil {
		if presentation := strings.TrimSpace(*dna.GenderPresentation); presentation != "" {
			parts = append(parts, presentation)
		}
	}

	parts = append(parts, tweaks.describe()...)

	if trimmed := strings.TrimSpace(vibe); trimmed != "" {
		parts = append(parts, "vibe: "+trimmed)
	}

	parts = append(parts, role.framingPhrase())

	return imagegen.TruncatePrompt(strings.Join(parts, " | "))
}

// buildMomentPrompt 为瞬间图像拼接生成提示词，锚定身份信息在前，场景描述在后。
func buildMomentPrompt(character *Character, dna *CharacterDNA, description string) string {
	parts := []string{strings.TrimSpace(character.Name)}

	species := ""
	if dna != nil && dna.Species != nil {
		species = strings.TrimSpace(*dna.Species)
	}
	if species == "" && character.Species != nil {
		species = strings.TrimSpace(*character.Species)
	}
	if species != "" {
		parts = append(parts, species)
	}

	if dna != nil && dna.GenderPresentation != nil {
		if presentation := strings.TrimSpace(*dna.GenderPresentation); presentation != "" {
			parts = append(parts, presentation)
		}
	}

	if trimmed := strings.TrimSpace(description); trimmed != "" {
		parts = append(parts, trimmed)
	}

	return imagegen.TruncatePrompt(strings.Join(parts, " | "))
}

// momentRequest 是生成瞬间图像时可选的场景描述字段。
type momentRequest struct {
	Outfit      *string `json:"outfit"`
	Mood        *string `json:"mood"`
	Environment *string `json:"environment"`
	Hair        *string `json:"hair"`
	FacialHair  *string `json:"facial_hair"`
	Notes       *string `json:"notes"`
}

// describe 把非空场景字段拼成描述文本，全部为空时使用默认描述。
func (r momentRequest) describe() string {
	parts := make([]string, 0, 6)
	appendPart := func(label string, value *string) {
		if value == nil {
			return
		}
		trimmed := strings.TrimSpace(*value)
		if trimmed == "" {
			return
		}
		parts = append(parts, label+": "+trimmed)
	}

	appendPart("outfit", r.Outfit)
	appendPart("mood", r.Mood)
	appendPart("environment", r.Environment)
	appendPart("hair", r.Hair)
	appendPart("facial_hair", r.FacialHair)
	appendPart("notes", r.Notes)

	if len(parts) == 0 {
		return "moment capture"
	}
	return strings.Join(parts, " | ")
}

// echo 返回请求中实际提供的字段，供写入图像元数据做追溯。
func (r momentRequest) echo() map[string]string {
	fields := make(map[string]string)
	putField := func(label string, value *string) {
		if value == nil {
			return
		}
		trimmed := strings.TrimSpace(*value)
		if trimmed == "" {
			return
		}
		fields[label] = trimmed
	}

	putField("outfit", r.Outfit)
	putField("mood", r.Mood)
	putField("environment", r.Environment)
	putField("hair", r.Hair)
	putField("facial_hair", r.FacialHair)
	putField("notes", r.Notes)

	if len(fields) == 0 {
		return nil
	}
	return fields
}

// missingPackRoles 计算身份包中缺失的取景角色，结果按字典序排列。
func missingPackRoles(found map[PackRole]bool) []string {
	missing := make([]string, 0, len(packRoles))
	for _, role := range packRoles {
		if !found[role] {
			missing = append(missing, string(role))
		}
	}
	sort.Strings(missing)
	return missing
}
