package types

import (
	"fmt"
	"regexp"
)

var regionIDPattern = regexp.MustCompile(`^[a-z][a-z-]+\d$`)

// ValidRegionID reports whether id looks like a cloud region id, e.g. us-east-1 or us-west3.
func ValidRegionID(id string) bool {
	return regionIDPattern.MatchString(id)
}

// RegionKey is the identity of a region. Coordinates are not part of it.
type RegionKey struct {
	Cloud Cloud
	ID    string
}

func (k RegionKey) String() string {
	return string(k.Cloud) + "." + k.ID
}

// Region is immutable metadata for one cloud region.
type Region struct {
	Cloud     Cloud
	ID        string
	Latitude  float64
	Longitude float64
	HasCoords bool
}

func (r Region) Key() RegionKey {
	return RegionKey{Cloud: r.Cloud, ID: r.ID}
}

// Equal compares identity only.
func (r Region) Equal(other Region) bool {
	return r.Key() == other.Key()
}

func (r Region) String() string {
	return r.Key().String()
}

// Validate checks the structural invariants of a region.
func (r Region) Validate() error {
	if _, err := ParseCloud(string(r.Cloud)); err != nil {
		return err
	}
	if !ValidRegionID(r.ID) {
		return fmt.Errorf("invalid region id %q for %s", r.ID, r.Cloud)
	}
	return nil
}
