package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlowStats_Additive(t *testing.T) {
	ft := NewFlowTable()
	key := FlowKey{Src: "1.1.1.1", Dst: "2.2.2.2", Proto: "tcp"}

	ft.Step(key, 100, 1.0)
	ft.Step(key, 200, 2.0)
	ft.Step(key, 300, 4.0)
	feats, ok := ft.Get(key)

	assert.True(t, ok)
	assert.Equal(t, 600.0, feats.Bytes)
	assert.Equal(t, 3.0, feats.Pkts)
	// (4.0 - 1.0) / 2 between three packets
	assert.InDelta(t, 1.5, feats.IATAvg, 1e-9)
}

func TestFlowStats_IATUndefinedBeforeTwoUpdates(t *testing.T) {
	ft := NewFlowTable()
	key := FlowKey{Src: "a", Dst: "b", Proto: "udp"}

	feats := ft.Step(key, 500, 10.0)
	assert.Equal(t, 0.0, feats.IATAvg)
	assert.Equal(t, 1.0, feats.Pkts)
}

func TestFlowStats_OutOfOrderTimestampClamped(t *testing.T) {
	ft := NewFlowTable()
	key := FlowKey{Src: "a", Dst: "b", Proto: "tcp"}

	ft.Step(key, 100, 5.0)
	feats := ft.Step(key, 100, 3.0)
	assert.Equal(t, 0.0, feats.IATAvg)
}

func TestFlowTable_Reset(t *testing.T) {
	ft := NewFlowTable()
	key := FlowKey{Src: "1.1.1.1", Dst: "2.2.2.2", Proto: "tcp"}

	ft.Step(key, 100, 1.0)
	ft.Reset(key)

	_, ok := ft.Get(key)
	assert.False(t, ok)
}

func TestFlowTable_IndependentKeys(t *testing.T) {
	ft := NewFlowTable()
	k1 := FlowKey{Src: "1.1.1.1", Dst: "2.2.2.2", Proto: "tcp"}
	k2 := FlowKey{Src: "1.1.1.1", Dst: "2.2.2.2", Proto: "udp"}

	ft.Step(k1, 100, 1.0)
	ft.Step(k2, 900, 1.0)

	f1, _ := ft.Get(k1)
	f2, _ := ft.Get(k2)
	assert.Equal(t, 100.0, f1.Bytes)
	assert.Equal(t, 900.0, f2.Bytes)
}
