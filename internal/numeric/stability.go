package numeric

import (
	"fmt"
	"math"
)

// NaNInfo summarizes the non-finite values found in a buffer.
type NaNInfo struct {
	Count     int
	InfCount  int
	Positions []int
}

func (n *NaNInfo) IsValid() bool {
	return n.Count == 0 && n.InfCount == 0
}

// IsFinite reports whether v is neither NaN nor ±Inf.
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func CheckNumericalStability(data []float64) (nanCount, infCount int) {
	for _, v := range data {
		if math.IsNaN(v) {
			nanCount++
		}
		if math.IsInf(v, 0) {
			infCount++
		}
	}
	return
}

// DetectNaN scans data and records up to maxPositions offending indices.
func DetectNaN(data []float64, maxPositions int) *NaNInfo {
	info := &NaNInfo{}
	for i, v := range data {
		switch {
		case math.IsNaN(v):
			info.Count++
		case math.IsInf(v, 0):
			info.InfCount++
		default:
			continue
		}
		if len(info.Positions) < maxPositions {
			info.Positions = append(info.Positions, i)
		}
	}
	return info
}

// ValidateFinite returns an error naming the buffer when any value is NaN or Inf.
func ValidateFinite(name string, data []float64) error {
	info := DetectNaN(data, 10)
	if info.IsValid() {
		return nil
	}
	return fmt.Errorf("%s: %d NaN and %d Inf values, first positions: %v",
		name, info.Count, info.InfCount, info.Positions)
}
