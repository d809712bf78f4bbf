package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCloudPairs(t *testing.T) {
	pairs, err := ParseCloudPairs("GCP,AWS; aws,gcp;")
	require.NoError(t, err)
	assert.Equal(t, []CloudPair{{From: GCP, To: AWS}, {From: AWS, To: GCP}}, pairs)

	for _, bad := range []string{"GCP", "GCP,AWS,GCP", "AZURE,GCP"} {
		_, err := ParseCloudPairs(bad)
		assert.Error(t, err, "ParseCloudPairs(%q)", bad)
	}

	empty, err := ParseCloudPairs("")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRegionIdentityIgnoresCoordinates(t *testing.T) {
	a := Region{Cloud: AWS, ID: "us-east-1", Latitude: 38.9, Longitude: -77.4, HasCoords: true}
	b := Region{Cloud: AWS, ID: "us-east-1"}
	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Key(), b.Key())
	assert.False(t, a.Equal(Region{Cloud: GCP, ID: "us-east-1"}), "regions in different clouds differ")
}

func TestValidRegionID(t *testing.T) {
	cases := map[string]bool{
		"us-east-1":    true,
		"us-west3":     true,
		"europe-west1": true,
		"US-east-1":    false,
		"us-east":      false,
		"1us-east-1":   false,
	}
	for id, want := range cases {
		assert.Equal(t, want, ValidRegionID(id), "ValidRegionID(%q)", id)
	}
}

func TestUniqueRegionsKeepsFirstSeenOrder(t *testing.T) {
	a := Region{Cloud: AWS, ID: "us-east-1"}
	b := Region{Cloud: AWS, ID: "us-east-2"}
	c := Region{Cloud: GCP, ID: "us-west3"}
	pairs := []RegionPair{{Src: a, Dst: b}, {Src: b, Dst: a}, {Src: c, Dst: a}}

	assert.Equal(t, []Region{a, b, c}, UniqueRegions(pairs))
}

func TestPairVMsRunnable(t *testing.T) {
	vm := &VMHandle{Address: "198.51.100.4"}
	assert.False(t, PairVMs{Src: vm}.Runnable(), "missing destination VM")
	assert.True(t, PairVMs{Src: vm, Dst: vm}.Runnable())
}
