package yeelight

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInfoCache_MergeKeepsUnseenKeys(t *testing.T) {
	c := NewInfoCache()

	c.Merge("lamp", map[string]string{"power": "on", "bright": "20", "model": "color"})
	c.Merge("lamp", map[string]string{"bright": "80"})

	info, ok := c.Get("lamp")
	require.True(t, ok)
	assert.Equal(t, map[string]string{"power": "on", "bright": "80", "model": "color"}, info.Snapshot())
}

func TestInfoCache_GetUnknown(t *testing.T) {
	c := NewInfoCache()

	info, ok := c.Get("missing")
	assert.False(t, ok)
	assert.Nil(t, info)
}

func TestInfoCache_SharedReference(t *testing.T) {
	c := NewInfoCache()
	held := c.Merge("lamp", map[string]string{"power": "off"})

	c.Merge("lamp", map[string]string{"power": "on"})

	// Holders of the *Info see later merges.
	assert.Equal(t, "on", held.Value("power"))

	again, _ := c.Get("lamp")
	assert.Same(t, held, again)
}

func TestInfoCache_IDs(t *testing.T) {
	c := NewInfoCache()
	c.Merge("a", nil)
	c.Merge("b", map[string]string{"power": "on"})

	assert.ElementsMatch(t, []string{"a", "b"}, c.IDs())
}

func TestInfo_Support(t *testing.T) {
	info := NewInfo(map[string]string{"support": "get_prop  set_power\tset_bright "})
	assert.Equal(t, []string{"get_prop", "set_power", "set_bright"}, info.Support())

	assert.Empty(t, NewInfo(nil).Support())
}

func TestInfo_SnapshotIsCopy(t *testing.T) {
	info := NewInfo(map[string]string{"power": "on"})
	snap := info.Snapshot()
	snap["power"] = "off"

	assert.Equal(t, "on", info.Value("power"))
}
