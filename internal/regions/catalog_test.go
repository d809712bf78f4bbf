package regions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doitintl/intercloud-throughput/pkg/types"
)

func loadTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Load("testdata/locations.csv")
	require.NoError(t, err)
	return c
}

func TestLoadSkipsCommentsAndAllowsMissingCoordinates(t *testing.T) {
	c := loadTestCatalog(t)
	assert.Equal(t, 6, c.Len())

	r, err := c.Region(types.GCP, "asia-east1")
	require.NoError(t, err)
	assert.False(t, r.HasCoords)

	r, err = c.Region(types.AWS, "eu-west-1")
	require.NoError(t, err)
	assert.True(t, r.HasCoords)
	assert.Equal(t, 53.3, r.Latitude)
	assert.Equal(t, -6.3, r.Longitude)
}

func TestRegionNotFound(t *testing.T) {
	c := loadTestCatalog(t)
	_, err := c.Region(types.AWS, "us-west3")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewRejectsDuplicates(t *testing.T) {
	r := types.Region{Cloud: types.AWS, ID: "us-east-1"}
	_, err := New([]types.Region{r, r})
	assert.ErrorIs(t, err, ErrAmbiguous)
}

func TestNewRejectsInvalidID(t *testing.T) {
	_, err := New([]types.Region{{Cloud: types.AWS, ID: "US_EAST"}})
	assert.Error(t, err)
}

func TestParseRegion(t *testing.T) {
	c := loadTestCatalog(t)
	r, err := c.ParseRegion("gcp.us-west3")
	require.NoError(t, err)
	assert.Equal(t, types.RegionKey{Cloud: types.GCP, ID: "us-west3"}, r.Key())

	for _, bad := range []string{"us-west3", "GCP.us.west3", "AZURE.eastus1"} {
		_, err := c.ParseRegion(bad)
		assert.Error(t, err, bad)
	}
}

func TestParsePairs(t *testing.T) {
	c := loadTestCatalog(t)
	pairs, err := c.ParsePairs("AWS.us-east-1,GCP.us-west3; GCP.us-west3,AWS.us-east-1")
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, "AWS.us-east-1->GCP.us-west3", pairs[0].String())
	assert.Equal(t, "GCP.us-west3->AWS.us-east-1", pairs[1].String())
}

func TestParsePairsRejectsSelfAndMalformed(t *testing.T) {
	c := loadTestCatalog(t)
	_, err := c.ParsePairs("AWS.us-east-1,AWS.us-east-1")
	assert.ErrorContains(t, err, "itself")
	_, err = c.ParsePairs("AWS.us-east-1")
	assert.Error(t, err)
}

func TestDistance(t *testing.T) {
	c := loadTestCatalog(t)
	awsEast, _ := c.Region(types.AWS, "us-east-1")
	gcpEast, _ := c.Region(types.GCP, "us-east4")
	dublin, _ := c.Region(types.AWS, "eu-west-1")
	noCoords, _ := c.Region(types.GCP, "asia-east1")

	d, err := Distance(awsEast, awsEast)
	require.NoError(t, err)
	assert.Zero(t, d)

	d, err = Distance(noCoords, noCoords)
	require.NoError(t, err)
	assert.Zero(t, d, "a region is 0 km from itself even without coordinates")

	d, err = Distance(awsEast, gcpEast)
	require.NoError(t, err)
	assert.Equal(t, SameMetroDistanceKm, d)

	d1, err := Distance(awsEast, dublin)
	require.NoError(t, err)
	d2, err := Distance(dublin, awsEast)
	require.NoError(t, err)
	assert.InDelta(t, d1, d2, 1e-9)
	// Ashburn to Dublin is roughly 5,500 km.
	assert.InDelta(t, 5500, d1, 200)

	_, err = Distance(awsEast, noCoords)
	assert.ErrorIs(t, err, ErrNoCoordinates)
}
