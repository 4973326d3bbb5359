package module

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshcore/internal/records"
)

func TestCoreModuleConfigRecordID(t *testing.T) {
	id := CoreId(5)
	recID, err := id.ConfigRecordID()
	require.NoError(t, err)
	assert.Equal(t, uint16(5), recID)
}

func TestVendorModuleConfigRecordID(t *testing.T) {
	id := VendorId(0xBEEF, 3)
	recID, err := id.ConfigRecordID()
	require.NoError(t, err)
	assert.Equal(t, uint16(records.RecordIDVendorModuleConfigBase+3), recID)
}

func TestBaseModuleSaveAndLoadConfiguration(t *testing.T) {
	flash := records.NewMemoryFlash(3, 256)
	store, err := records.New(flash)
	require.NoError(t, err)
	defer store.Close()

	b := NewBaseModule(CoreId(1))
	require.NoError(t, b.SaveConfiguration(context.Background(), store, []byte("cfg")))

	data, ok := b.LoadConfiguration(store)
	require.True(t, ok)
	assert.Equal(t, []byte("cfg"), data)
}

func TestBaseModuleLoadConfigurationMissing(t *testing.T) {
	flash := records.NewMemoryFlash(3, 256)
	store, err := records.New(flash)
	require.NoError(t, err)
	defer store.Close()

	b := NewBaseModule(CoreId(9))
	_, ok := b.LoadConfiguration(store)
	assert.False(t, ok)
}
