package characters

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"owlquill_back/imagegen"
)

func strPtr(v string) *string {
	return &v
}

func TestAnchorKindCoversAllRoles(t *testing.T) {
	expected := map[PackRole]string{
		PackRoleFront:        imageKindAnchorFront,
		PackRoleThreeQuarter: imageKindAnchorThreeQuarter,
		PackRoleTorso:        imageKindAnchorTorso,
	}

	for _, role := range packRoles {
		kind, ok := role.AnchorKind()
		require.True(t, ok, "role %s has no anchor kind", role)
		assert.Equal(t, expected[role], kind)
	}

	_, ok := PackRole("selfie").AnchorKind()
	assert.False(t, ok)
}

func TestBuildPackPromptPrefersDNASpecies(t *testing.T) {
	character := &Character{Name: "Mira", Species: strPtr("human")}
	dna := &CharacterDNA{Species: strPtr("selkie"), GenderPresentation: strPtr("androgynous")}

	prompt := buildPackPrompt(character, dna, PackRoleFront, nil, "")
	assert.Contains(t, prompt, "Mira")
	assert.Contains(t, prompt, "selkie")
	assert.Contains(t, prompt, "androgynous")
	assert.NotContains(t, prompt, "human")
	assert.Contains(t, prompt, "front-facing")
}

func TestBuildPackPromptFallsBackToCharacterSpecies(t *testing.T) {
	character := &Character{Name: "Mira", Species: strPtr("human")}

	prompt := buildPackPrompt(character, nil, PackRoleTorso, nil, "")
	assert.Contains(t, prompt, "human")
	assert.Contains(t, prompt, "torso")
}

func TestBuildPackPromptIncludesTweaksAndVibe(t *testing.T) {
	character := &Character{Name: "Mira"}
	tweaks := &packTweaks{Hair: strPtr("silver braid"), Expression: strPtr("wary")}

	prompt := buildPackPrompt(character, nil, PackRoleThreeQuarter, tweaks, "storm at sea")
	assert.Contains(t, prompt, "hair: silver braid")
	assert.Contains(t, prompt, "expression: wary")
	assert.Contains(t, prompt, "vibe: storm at sea")
}

func TestBuildPackPromptRespectsLengthCap(t *testing.T) {
	character := &Character{Name: strings.Repeat("M", 500)}

	prompt := buildPackPrompt(character, nil, PackRoleFront, nil, "")
	assert.LessOrEqual(t, len(prompt), imagegen.MaxPromptLen)
}

func TestMomentDescribeDefaultsWhenEmpty(t *testing.T) {
	assert.Equal(t, "moment capture", momentRequest{}.describe())

	described := momentRequest{Outfit: strPtr("storm cloak"), Mood: strPtr("defiant")}.describe()
	assert.Contains(t, described, "outfit: storm cloak")
	assert.Contains(t, described, "mood: defiant")
}

func TestMomentEchoSkipsBlankFields(t *testing.T) {
	echo := momentRequest{Outfit: strPtr("  "), Mood: strPtr("defiant")}.echo()
	require.NotNil(t, echo)
	assert.Equal(t, "defiant", echo["mood"])
	_, hasOutfit := echo["outfit"]
	assert.False(t, hasOutfit)

	assert.Nil(t, momentRequest{}.echo())
}

func TestImageMetadataRoundTrip(t *testing.T) {
	meta := imageMetadata{PackID: "abc123", PackRole: string(PackRoleFront), IsTemp: boolPtr(true)}

	decoded := decodeImageMetadata(meta.encode())
	assert.Equal(t, "abc123", decoded.PackID)
	assert.Equal(t, string(PackRoleFront), decoded.PackRole)
	assert.True(t, decoded.temp())
}

func TestDecodeImageMetadataToleratesGarbage(t *testing.T) {
	decoded := decodeImageMetadata([]byte("not json"))
	assert.Empty(t, decoded.PackID)
	assert.False(t, decoded.temp())
}

func TestMissingPackRoles(t *testing.T) {
	missing := missingPackRoles(map[PackRole]bool{PackRoleFront: true})
	assert.Equal(t, []string{string(PackRoleThreeQuarter), string(PackRoleTorso)}, missing)

	assert.Empty(t, missingPackRoles(map[PackRole]bool{
		PackRoleFront:        true,
		PackRoleThreeQuarter: true,
		PackRoleTorso:        true,
	}))
}
