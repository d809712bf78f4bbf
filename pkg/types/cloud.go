package types

import (
	"fmt"
	"strings"
)

// Cloud identifies a cloud provider.
type Cloud string

const (
	GCP Cloud = "GCP"
	AWS Cloud = "AWS"
)

// Clouds lists the supported providers in their canonical order.
var Clouds = []Cloud{GCP, AWS}

func ParseCloud(s string) (Cloud, error) {
	c := Cloud(strings.ToUpper(strings.TrimSpace(s)))
	switch c {
	case GCP, AWS:
		return c, nil
	default:
		return "", fmt.Errorf("unknown cloud %q", s)
	}
}

// Lower returns the lowercase name used in script file names.
func (c Cloud) Lower() string {
	return strings.ToLower(string(c))
}

// CloudPair is a directed (source cloud, destination cloud) pair.
type CloudPair struct {
	From Cloud `json:"from" yaml:"from"`
	To   Cloud `json:"to" yaml:"to"`
}

func (p CloudPair) String() string {
	return string(p.From) + "," + string(p.To)
}

// ParseCloudPairs parses semicolon-separated directed pairs such as "GCP,AWS;AWS,GCP".
// An empty string yields no pairs.
func ParseCloudPairs(s string) ([]CloudPair, error) {
	var pairs []CloudPair
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		from, to, ok := strings.Cut(part, ",")
		if !ok || strings.Contains(to, ",") {
			return nil, fmt.Errorf("cloud pair %q is not comma-separated", part)
		}
		fromCloud, err := ParseCloud(from)
		if err != nil {
			return nil, err
		}
		toCloud, err := ParseCloud(to)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, CloudPair{From: fromCloud, To: toCloud})
	}
	return pairs, nil
}
