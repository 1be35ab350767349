package subscription

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testLayers() []SimulcastLayerInfo {
	return []SimulcastLayerInfo{
		{LayerIndex: 0, BitrateKbps: 150, IsActive: true},
		{LayerIndex: 1, BitrateKbps: 500, IsActive: true},
		{LayerIndex: 2, BitrateKbps: 1500, IsActive: true},
	}
}

func TestSubscribeDefaultsToHighestLayerWhenAuto(t *testing.T) {
	m := New(nil)
	m.Subscribe("subA", "pubA", "stream1", -1)
	assert.Equal(t, 2, m.CurrentLayer("subA", "pubA"))
}

func TestSubscribeHonorsManualTargetLayer(t *testing.T) {
	m := New(nil)
	m.Subscribe("subA", "pubA", "stream1", 1)
	assert.Equal(t, 1, m.CurrentLayer("subA", "pubA"))
}

func TestProcessSelectsHighestLayerFittingBandwidth(t *testing.T) {
	m := New(nil)
	m.SetAvailableLayers("pubA", "stream1", testLayers())
	m.Subscribe("subA", "pubA", "stream1", -1)
	m.UpdateBandwidth("subA", BandwidthInfo{EstimatedBps: 600_000})

	m.Process()
	assert.Equal(t, 1, m.CurrentLayer("subA", "pubA"))
}

func TestProcessFallsBackToLowestLayerWhenBandwidthInsufficient(t *testing.T) {
	m := New(nil)
	m.SetAvailableLayers("pubA", "stream1", testLayers())
	m.Subscribe("subA", "pubA", "stream1", -1)
	m.UpdateBandwidth("subA", BandwidthInfo{EstimatedBps: 50_000})

	m.Process()
	assert.Equal(t, 0, m.CurrentLayer("subA", "pubA"))
}

func TestProcessIgnoresInactiveLayers(t *testing.T) {
	m := New(nil)
	layers := testLayers()
	layers[2].IsActive = false
	m.SetAvailableLayers("pubA", "stream1", layers)
	m.Subscribe("subA", "pubA", "stream1", -1)
	m.UpdateBandwidth("subA", BandwidthInfo{EstimatedBps: 10_000_000})

	m.Process()
	assert.Equal(t, 1, m.CurrentLayer("subA", "pubA"), "inactive top layer must be skipped")
}

func TestProcessSkipsPausedSubscriptions(t *testing.T) {
	m := New(nil)
	m.SetAvailableLayers("pubA", "stream1", testLayers())
	m.Subscribe("subA", "pubA", "stream1", -1)
	m.UpdateBandwidth("subA", BandwidthInfo{EstimatedBps: 600_000})
	m.SetPaused("subA", "pubA", true)

	m.Process()
	assert.Equal(t, 2, m.CurrentLayer("subA", "pubA"), "paused subscription must not auto-adjust")
}

func TestProcessSkipsManuallyPinnedTargetLayer(t *testing.T) {
	m := New(nil)
	m.SetAvailableLayers("pubA", "stream1", testLayers())
	m.Subscribe("subA", "pubA", "stream1", 2)
	m.UpdateBandwidth("subA", BandwidthInfo{EstimatedBps: 50_000})

	m.Process()
	assert.Equal(t, 2, m.CurrentLayer("subA", "pubA"), "manual target layer must not be overridden by bandwidth")
}

func TestSetTargetLayerReleasesBackToAuto(t *testing.T) {
	m := New(nil)
	m.SetAvailableLayers("pubA", "stream1", testLayers())
	m.Subscribe("subA", "pubA", "stream1", 2)
	m.UpdateBandwidth("subA", BandwidthInfo{EstimatedBps: 50_000})

	m.SetTargetLayer("subA", "pubA", -1)
	m.Process()
	assert.Equal(t, 0, m.CurrentLayer("subA", "pubA"))
}

func TestLayerSwitchCallbackFiresOnChange(t *testing.T) {
	m := New(nil)
	m.SetAvailableLayers("pubA", "stream1", testLayers())
	m.Subscribe("subA", "pubA", "stream1", -1)
	m.UpdateBandwidth("subA", BandwidthInfo{EstimatedBps: 600_000})

	var gotSub, gotPub ParticipantID
	var gotOld, gotNew int
	fired := 0
	m.SetLayerSwitchCallback(func(sub, pub ParticipantID, oldLayer, newLayer int) {
		fired++
		gotSub, gotPub, gotOld, gotNew = sub, pub, oldLayer, newLayer
	})

	m.Process()
	assert.Equal(t, 1, fired)
	assert.Equal(t, ParticipantID("subA"), gotSub)
	assert.Equal(t, ParticipantID("pubA"), gotPub)
	assert.Equal(t, 2, gotOld)
	assert.Equal(t, 1, gotNew)

	// No further change: callback must not fire again.
	m.Process()
	assert.Equal(t, 1, fired)
}

func TestNoBandwidthInfoDefaultsToHighestLayer(t *testing.T) {
	m := New(nil)
	m.SetAvailableLayers("pubA", "stream1", testLayers())
	m.Subscribe("subA", "pubA", "stream1", -1)

	m.Process()
	assert.Equal(t, 2, m.CurrentLayer("subA", "pubA"))
}

func TestNoStreamLayerInfoDefaultsToLowestLayer(t *testing.T) {
	m := New(nil)
	m.Subscribe("subA", "pubA", "stream1", -1)
	m.UpdateBandwidth("subA", BandwidthInfo{EstimatedBps: 600_000})

	m.Process()
	assert.Equal(t, 0, m.CurrentLayer("subA", "pubA"))
}

func TestUnsubscribeRemovesSubscription(t *testing.T) {
	m := New(nil)
	m.Subscribe("subA", "pubA", "stream1", -1)
	m.Unsubscribe("subA", "pubA", "stream1")
	assert.Equal(t, -1, m.CurrentLayer("subA", "pubA"))
	assert.Equal(t, 0, m.Count())
}

func TestSubscriptionsListsAllOfSubscribersStreams(t *testing.T) {
	m := New(nil)
	m.Subscribe("subA", "pubA", "stream1", -1)
	m.Subscribe("subA", "pubB", "stream1", -1)
	subs := m.Subscriptions("subA")
	assert.Len(t, subs, 2)
}
