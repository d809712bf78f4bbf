package config

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/doitintl/intercloud-throughput/pkg/types"
)

// Unbounded is returned by ParseLimit for "inf".
const Unbounded = math.MaxInt

// DefaultMachineTypes are used for any cloud not given explicitly.
var DefaultMachineTypes = map[types.Cloud]string{
	types.AWS: "t3.nano",
	types.GCP: "e2-small",
}

// ParseLimit parses a positive integer limit, where "inf" means Unbounded.
func ParseLimit(value string, defaultLimit int) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return defaultLimit, nil
	}
	if isInf(value) {
		return Unbounded, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse limit %q: %w", value, err)
	}
	return n, nil
}

// ParseDistance parses a distance in km, where "inf" means +Inf.
func ParseDistance(value string, defaultKm float64) (float64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return defaultKm, nil
	}
	if isInf(value) {
		return math.Inf(1), nil
	}
	km, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("parse distance %q: %w", value, err)
	}
	if km < 0 {
		return 0, fmt.Errorf("distance %q must not be negative", value)
	}
	return km, nil
}

func isInf(value string) bool {
	switch strings.ToLower(value) {
	case "inf", "infinity", "unbounded":
		return true
	}
	return false
}

// ParseMachineTypes parses "AWS,t3.nano;GCP,e2-small" and merges the result onto
// DefaultMachineTypes.
func ParseMachineTypes(value string) (map[types.Cloud]string, error) {
	out := make(map[types.Cloud]string, len(DefaultMachineTypes))
	for c, mt := range DefaultMachineTypes {
		out[c] = mt
	}
	for _, part := range strings.Split(value, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		cloudName, machineType, ok := strings.Cut(part, ",")
		if !ok || machineType == "" || strings.Contains(machineType, ",") {
			return nil, fmt.Errorf("machine types entry %q is not Cloud,machine-type", part)
		}
		cloud, err := types.ParseCloud(cloudName)
		if err != nil {
			return nil, err
		}
		out[cloud] = strings.TrimSpace(machineType)
	}
	return out, nil
}

// ResolveMachineTypes resolves the configured map onto the defaults.
func (r RunConfig) ResolveMachineTypes() (map[types.Cloud]string, error) {
	keys := make([]string, 0, len(r.MachineTypes))
	for k := range r.MachineTypes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+","+r.MachineTypes[k])
	}
	return ParseMachineTypes(strings.Join(parts, ";"))
}
