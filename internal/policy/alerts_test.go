package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socket-sentinel/internal/models"
)

func TestAlertSet_AddDeduplicatesByKey(t *testing.T) {
	var set AlertSet
	set, added := set.Add(models.Alert{ID: "high-power-1", Category: models.CategoryHighPower})
	require.True(t, added)

	set, added = set.Add(models.Alert{ID: "high-power-2", Category: models.CategoryHighPower})
	assert.False(t, added)

	set, added = set.Add(models.Alert{ID: "auto-balance-2-a", Category: models.CategoryAutoBalance, SocketID: 2})
	assert.True(t, added)
	set, added = set.Add(models.Alert{ID: "auto-balance-3-a", Category: models.CategoryAutoBalance, SocketID: 3})
	assert.True(t, added)

	assert.Equal(t, 3, set.Len())
	assert.Equal(t, "auto-balance-3-a", set.Alerts()[0].ID)
	assert.True(t, set.Has(models.CategoryAutoBalance, 2))
	assert.False(t, set.Has(models.CategoryAutoBalance, 4))
}

func TestAlertSet_Clear(t *testing.T) {
	set := NewAlertSet(
		models.Alert{ID: "a", Category: models.CategoryHighPower},
		models.Alert{ID: "b", Category: models.CategoryIsolation},
	)

	cleared, ok := set.Clear("a")
	require.True(t, ok)
	assert.Equal(t, 1, cleared.Len())
	assert.False(t, cleared.Has(models.CategoryHighPower, 0))
	assert.Equal(t, 2, set.Len(), "original set is untouched")

	_, ok = set.Clear("missing")
	assert.False(t, ok)

	assert.Zero(t, set.ClearAll().Len())
	assert.NotNil(t, set.ClearAll().Alerts())
}

func TestNewAlertSet_DropsDuplicateKeys(t *testing.T) {
	set := NewAlertSet(
		models.Alert{ID: "new", Category: models.CategoryHighPower},
		models.Alert{ID: "old", Category: models.CategoryHighPower},
	)
	require.Equal(t, 1, set.Len())
	assert.Equal(t, "new", set.Alerts()[0].ID)
}
