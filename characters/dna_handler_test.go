package characters

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertDNACreatesRecordWithVersionOne(t *testing.T) {
	m := newTestModule(t)
	character := seedCharacter(t, m.db, 1, "Mira")
	router := newTestRouter(m, 1)

	recorder := doJSON(t, router, http.MethodPost, fmt.Sprintf("/characters/%d/dna", character.ID), gin.H{
		"species":             "selkie",
		"gender_presentation": "androgynous",
		"visual_traits":       gin.H{"eyes": "sea-green"},
	})
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())

	var dna CharacterDNA
	require.NoError(t, m.db.Where("character_id = ?", character.ID).Take(&dna).Error)
	require.NotNil(t, dna.Species)
	assert.Equal(t, "selkie", *dna.Species)
	assert.Equal(t, 1, dna.AnchorVersion)

	var traits map[string]string
	require.NoError(t, json.Unmarshal(dna.VisualTraits, &traits))
	assert.Equal(t, "sea-green", traits["eyes"])
}

func TestUpsertDNAPartialMergeKeepsOmittedFields(t *testing.T) {
	m := newTestModule(t)
	character := seedCharacter(t, m.db, 1, "Mira")
	router := newTestRouter(m, 1)

	first := doJSON(t, router, http.MethodPost, fmt.Sprintf("/characters/%d/dna", character.ID), gin.H{
		"species":       "selkie",
		"visual_traits": gin.H{"eyes": "sea-green"},
	})
	require.Equal(t, http.StatusOK, first.Code)

	second := doJSON(t, router, http.MethodPost, fmt.Sprintf("/characters/%d/dna", character.ID), gin.H{
		"gender_presentation": "androgynous",
	})
	require.Equal(t, http.StatusOK, second.Code)

	var dna CharacterDNA
	require.NoError(t, m.db.Where("character_id = ?", character.ID).Take(&dna).Error)
	require.NotNil(t, dna.Species)
	assert.Equal(t, "selkie", *dna.Species)
	require.NotNil(t, dna.GenderPresentation)
	assert.Equal(t, "androgynous", *dna.GenderPresentation)

	var traits map[string]string
	require.NoError(t, json.Unmarshal(dna.VisualTraits, &traits))
	assert.Equal(t, "sea-green", traits["eyes"])
}

func TestUpsertDNANeverTouchesAnchorVersion(t *testing.T) {
	m := newTestModule(t)
	character := seedCharacter(t, m.db, 1, "Mira")
	require.NoError(t, m.db.Create(&CharacterDNA{CharacterID: character.ID, AnchorVersion: 4}).Error)
	router := newTestRouter(m, 1)

	recorder := doJSON(t, router, http.MethodPost, fmt.Sprintf("/characters/%d/dna", character.ID), gin.H{
		"species": "selkie",
	})
	require.Equal(t, http.StatusOK, recorder.Code)

	var dna CharacterDNA
	require.NoError(t, m.db.Where("character_id = ?", character.ID).Take(&dna).Error)
	assert.Equal(t, 4, dna.AnchorVersion)
}

func TestUpsertDNAStillEditableAfterLock(t *testing.T) {
	m := newTestModule(t)
	character := seedCharacter(t, m.db, 1, "Mira")
	require.NoError(t, m.db.Model(character).Update("visual_locked", true).Error)
	require.NoError(t, m.db.Create(&CharacterDNA{CharacterID: character.ID, AnchorVersion: 2}).Error)
	router := newTestRouter(m, 1)

	recorder := doJSON(t, router, http.MethodPost, fmt.Sprintf("/characters/%d/dna", character.ID), gin.H{
		"species": "selkie",
	})
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())

	var dna CharacterDNA
	require.NoError(t, m.db.Where("character_id = ?", character.ID).Take(&dna).Error)
	require.NotNil(t, dna.Species)
	assert.Equal(t, "selkie", *dna.Species)
	assert.Equal(t, 2, dna.AnchorVersion)

	var refreshed Character
	require.NoError(t, m.db.Where("id = ?", character.ID).Take(&refreshed).Error)
	assert.True(t, refreshed.VisualLocked)
}

func TestGetDNANotFoundBeforeUpsert(t *testing.T) {
	m := newTestModule(t)
	character := seedCharacter(t, m.db, 1, "Mira")
	router := newTestRouter(m, 1)

	recorder := doJSON(t, router, http.MethodGet, fmt.Sprintf("/characters/%d/dna", character.ID), nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestUpsertDNAForbiddenForNonOwner(t *testing.T) {
	m := newTestModule(t)
	character := seedCharacter(t, m.db, 1, "Mira")
	router := newTestRouter(m, 2)

	recorder := doJSON(t, router, http.MethodPost, fmt.Sprintf("/characters/%d/dna", character.ID), gin.H{
		"species": "selkie",
	})
	assert.Equal(t, http.StatusForbidden, recorder.Code)
}
