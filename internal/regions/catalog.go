// Package regions holds the read-only catalog of cloud regions and their coordinates.
package regions

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/doitintl/intercloud-throughput/pkg/types"
)

var (
	ErrNotFound  = errors.New("region not found")
	ErrAmbiguous = errors.New("region is ambiguous")
)

// Catalog is an immutable set of regions keyed by (cloud, region id).
// It is built once at startup and shared by reference.
type Catalog struct {
	regions []types.Region
	index   map[types.RegionKey]int
}

// New builds a catalog, rejecting invalid or duplicated regions.
func New(regions []types.Region) (*Catalog, error) {
	c := &Catalog{
		regions: make([]types.Region, 0, len(regions)),
		index:   make(map[types.RegionKey]int, len(regions)),
	}
	for _, r := range regions {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.index[r.Key()]; dup {
			return nil, fmt.Errorf("%w: %s listed more than once", ErrAmbiguous, r)
		}
		c.index[r.Key()] = len(c.regions)
		c.regions = append(c.regions, r)
	}
	return c, nil
}

// Load reads a locations CSV with at least the columns cloud, region,
// latitude and longitude. Lines starting with # are ignored and empty
// coordinates are allowed.
func Load(path string) (*Catalog, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open locations %q: %w", path, err)
	}
	defer f.Close()

	regions, err := parseLocations(f)
	if err != nil {
		return nil, fmt.Errorf("parse locations %q: %w", path, err)
	}
	return New(regions)
}

func parseLocations(r io.Reader) ([]types.Region, error) {
	rdr := csv.NewReader(r)
	rdr.Comment = '#'
	rdr.FieldsPerRecord = -1
	rdr.TrimLeadingSpace = true

	header, err := rdr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	for _, name := range []string{"cloud", "region"} {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}
	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var regions []types.Region
	for {
		row, err := rdr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		cloud, err := types.ParseCloud(field(row, "cloud"))
		if err != nil {
			return nil, err
		}
		region := types.Region{Cloud: cloud, ID: field(row, "region")}
		latS, longS := field(row, "latitude"), field(row, "longitude")
		if latS != "" && longS != "" {
			lat, err := strconv.ParseFloat(latS, 64)
			if err != nil {
				return nil, fmt.Errorf("latitude for %s: %w", region, err)
			}
			long, err := strconv.ParseFloat(longS, 64)
			if err != nil {
				return nil, fmt.Errorf("longitude for %s: %w", region, err)
			}
			region.Latitude, region.Longitude, region.HasCoords = lat, long, true
		}
		regions = append(regions, region)
	}
	return regions, nil
}

// Regions returns a copy of all regions in catalog order.
func (c *Catalog) Regions() []types.Region {
	out := make([]types.Region, len(c.regions))
	copy(out, c.regions)
	return out
}

func (c *Catalog) Len() int {
	return len(c.regions)
}

// Region returns the region with exactly this cloud and id.
func (c *Catalog) Region(cloud types.Cloud, id string) (types.Region, error) {
	i, ok := c.index[types.RegionKey{Cloud: cloud, ID: id}]
	if !ok {
		return types.Region{}, fmt.Errorf("%w: %s.%s", ErrNotFound, cloud, id)
	}
	return c.regions[i], nil
}

// ParseRegion resolves a dot-separated "CLOUD.region-id" string.
func (c *Catalog) ParseRegion(s string) (types.Region, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 2 {
		return types.Region{}, fmt.Errorf("%q is not a dot-separated cloud-region string", s)
	}
	cloud, err := types.ParseCloud(parts[0])
	if err != nil {
		return types.Region{}, err
	}
	return c.Region(cloud, parts[1])
}

// ParsePairs resolves semicolon-separated source,destination pairs such as
// "AWS.us-east-1,AWS.us-east-2;AWS.us-west-1,GCP.us-west3".
func (c *Catalog) ParsePairs(s string) ([]types.RegionPair, error) {
	var pairs []types.RegionPair
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ends := strings.Split(part, ",")
		if len(ends) != 2 {
			return nil, fmt.Errorf("region pairs must be comma-separated cloud-region pairs, each pair semicolon-separated, "+
				"e.g. AWS.us-east-1,GCP.us-central1;GCP.us-central1,AWS.us-east-1; was %q", s)
		}
		src, err := c.ParseRegion(ends[0])
		if err != nil {
			return nil, err
		}
		dst, err := c.ParseRegion(ends[1])
		if err != nil {
			return nil, err
		}
		if src.Equal(dst) {
			return nil, fmt.Errorf("region pair %q tests a region against itself", part)
		}
		pairs = append(pairs, types.RegionPair{Src: src, Dst: dst})
	}
	return pairs, nil
}
