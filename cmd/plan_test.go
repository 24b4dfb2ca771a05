package cmd

import (
	"bytes"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanCmd_PrintsChannelsForDefaultTopology(t *testing.T) {
	// GIVEN a synthesized 4-device topology
	topologyFile = ""
	planRanks = 4
	planDevices = 0
	channelTarget = 1

	// Capture stdout
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	// WHEN the plan command runs
	planCmd.Run(planCmd, nil)

	_ = w.Close()
	os.Stdout = old
	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)
	output := buf.String()

	// THEN it reports the host line and at least one channel with a ring
	assert.Contains(t, output, "host localhost: 4 devices")
	assert.Contains(t, output, "channel 0: ring")
	assert.Contains(t, output, "tree root=")
}

func TestBandwidth_HumanizesAndHandlesZero(t *testing.T) {
	assert.Equal(t, "none", bandwidth(0))
	assert.Contains(t, bandwidth(100), "/s")
}

func TestLoadSystem_DefaultsDevicesToRanks(t *testing.T) {
	topologyFile = ""
	planRanks = 3
	planDevices = 0
	sys, err := loadSystem()
	require.NoError(t, err)
	devices := 0
	for _, n := range sys.Nodes {
		if n.Kind == "device" {
			devices++
		}
	}
	assert.Equal(t, 3, devices)
}
