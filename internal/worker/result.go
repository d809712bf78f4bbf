package worker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/doitintl/intercloud-throughput/internal/history"
	"github.com/doitintl/intercloud-throughput/internal/regions"
	"github.com/doitintl/intercloud-throughput/pkg/types"
)

var (
	ErrMalformedResult = errors.New("malformed benchmark result")
	ErrMissingField    = errors.New("benchmark result missing field")
)

// DefaultRequiredFields are the throughput and round-trip fields every
// benchmark must report.
var DefaultRequiredFields = []string{"bitrate_Bps", "avgrtt"}

// ParseResult decodes one line of JSON benchmark output and checks that
// every required field is present and not null.
func ParseResult(out string, required []string) (history.Result, error) {
	line := strings.TrimSpace(out)
	if line == "" {
		return nil, fmt.Errorf("%w: empty output", ErrMalformedResult)
	}
	if strings.Contains(line, "\n") {
		return nil, fmt.Errorf("%w: expected one line, got %d", ErrMalformedResult, strings.Count(line, "\n")+1)
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(line)))
	dec.UseNumber()
	var result history.Result
	if err := dec.Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResult, err)
	}
	if result == nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformedResult)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after JSON object", ErrMalformedResult)
	}
	for _, f := range required {
		if v, ok := result[f]; !ok || v == nil {
			return nil, fmt.Errorf("%w: %q", ErrMissingField, f)
		}
	}
	return result, nil
}

// Enrich adds the machine type used in each cloud and, when both regions
// have coordinates, the distance between them.
func Enrich(result history.Result, pair types.TestPair) {
	machineTypes := make(map[types.Cloud]string, 2)
	for _, vm := range []types.VMHandle{pair.Src, pair.Dst} {
		machineTypes[vm.Region.Cloud] = vm.MachineType
	}
	for _, c := range types.Clouds {
		if mt, ok := machineTypes[c]; ok {
			result[c.Lower()+"_vm"] = mt
		} else {
			result[c.Lower()+"_vm"] = nil
		}
	}
	if km, err := regions.Distance(pair.Src.Region, pair.Dst.Region); err == nil {
		result[history.FieldDistance] = km
	}
}
