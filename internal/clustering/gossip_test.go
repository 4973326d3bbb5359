package clustering

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeHopsToSinkForSink(t *testing.T) {
	assert.Equal(t, int16(1), ComputeHopsToSink(DeviceTypeSink, []int16{5, 2}))
}

func TestComputeHopsToSinkTakesMinPlusOne(t *testing.T) {
	assert.Equal(t, int16(3), ComputeHopsToSink(DeviceTypeStatic, []int16{2, 5, -1}))
}

func TestComputeHopsToSinkUnknownWhenNoPath(t *testing.T) {
	assert.Equal(t, int16(-1), ComputeHopsToSink(DeviceTypeStatic, []int16{-1, -1}))
}

func TestApplyClusterSizeChangeClampsUnderflow(t *testing.T) {
	assert.Equal(t, uint16(1), ApplyClusterSizeChange(1, -5))
}

func TestApplyClusterSizeChangeNormal(t *testing.T) {
	assert.Equal(t, uint16(3), ApplyClusterSizeChange(2, 1))
}
