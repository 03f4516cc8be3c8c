package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifySettingsAck(t *testing.T) {
	ev := Classify("15 OK Settings: mid gain; threshold: 6000 eV; vcmp: 0.5 V")
	require.Equal(t, EventSettingsAck, ev.Kind)
	assert.Equal(t, Mid, ev.Gain)
	assert.Equal(t, 6000, ev.Threshold)
}

func TestClassifyExposureTimePeriodPerFrame(t *testing.T) {
	assert.Equal(t, EventExposureTimeAck, Classify("15 OK Exposure time set to: 0.1 sec").Kind)
	assert.Equal(t, EventExposurePeriodAck, Classify("15 OK Exposure period set to: 0.2 sec").Kind)
	assert.Equal(t, EventExposuresPerFrameAck, Classify("15 OK Exposures per frame set to: 1").Kind)
}

func TestClassifyDelayAndNbImages(t *testing.T) {
	ev := Classify("15 OK Delay time set to: 0.0 sec")
	require.Equal(t, EventDelayAck, ev.Kind)
	assert.Equal(t, 0.0, ev.Seconds)

	ev = Classify("15 OK N images set to: 3")
	require.Equal(t, EventNbImagesAck, ev.Kind)
	assert.Equal(t, 3, ev.Count)
}

func TestClassifyEnergyAck(t *testing.T) {
	ev := Classify("15 OK Energy setting: 12000.0 eV")
	require.Equal(t, EventEnergyAck, ev.Kind)
	assert.Equal(t, 12000.0, ev.Energy)
}

func TestClassifySetThresholdDone(t *testing.T) {
	ev := Classify("15 OK /tmp/setthreshold finished")
	assert.Equal(t, EventSetThresholdDone, ev.Kind)
}

func TestClassifyExposureDoneAndKill(t *testing.T) {
	ev := Classify("7 OK /tmp/x/img_00002.edf")
	require.Equal(t, EventExposureDone, ev.Kind)
	assert.Equal(t, "/tmp/x/img_00002.edf", ev.Path)

	assert.Equal(t, EventExposureKilling, Classify("7 ERR *** killing exposure").Kind)
	assert.Equal(t, EventExposureFailed, Classify("7 ERR detector fault").Kind)
	assert.Equal(t, EventKilled, Classify("13 OK killed").Kind)
}

func TestClassifyRejectedUnrecognizedCommand(t *testing.T) {
	ev := Classify("1 ERR Unrecognized command: setenergy")
	require.Equal(t, EventRejected, ev.Kind)
	assert.Contains(t, ev.Message, "setenergy")
}

func TestClassifyImgpath(t *testing.T) {
	ev := Classify("10 OK /tmp/x")
	require.Equal(t, EventImgpathAck, ev.Kind)
	assert.Equal(t, "/tmp/x", ev.Path)

	assert.Equal(t, EventImgpathErr, Classify("10 ERR no such directory").Kind)
}

func TestClassifyTempHumidity(t *testing.T) {
	body := "215 OK Channel 0: Temperature = 35.1 C, Rel. Humidity = 20.0\nChannel 1: Temperature = 30.0 C, Rel. Humidity = 18.5"
	ev := Classify(body)
	require.Equal(t, EventTempHumidity, ev.Kind)
	require.Len(t, ev.Channels, 2)
	assert.Equal(t, ChannelReading{Channel: 0, Temperature: 35.1, Humidity: 20.0}, ev.Channels[0])
	assert.Equal(t, ChannelReading{Channel: 1, Temperature: 30.0, Humidity: 18.5}, ev.Channels[1])
}

func TestClassifyUnknownFallsThrough(t *testing.T) {
	ev := Classify("99 OK something new")
	assert.Equal(t, EventUnknown, ev.Kind)
}

func TestGainTokenRoundTrip(t *testing.T) {
	for _, g := range []Gain{Low, Mid, High, UltraHigh} {
		tok := g.RequestToken()
		require.NotEmpty(t, tok)
	}
	parsed, ok := ParseGainReply("ultra high")
	require.True(t, ok)
	assert.Equal(t, UltraHigh, parsed)
}
