package numeric

import (
	"math"
	"strings"
	"testing"
)

func TestCheckNumericalStability(t *testing.T) {
	data := []float64{1, math.NaN(), math.Inf(1), math.Inf(-1), 2}
	nan, inf := CheckNumericalStability(data)
	if nan != 1 || inf != 2 {
		t.Errorf("expected 1 NaN and 2 Inf, got %d/%d", nan, inf)
	}
}

func TestDetectNaN(t *testing.T) {
	data := []float64{math.NaN(), 0, math.NaN(), math.Inf(1)}
	info := DetectNaN(data, 2)
	if info.Count != 2 || info.InfCount != 1 {
		t.Errorf("expected 2 NaN and 1 Inf, got %d/%d", info.Count, info.InfCount)
	}
	if info.IsValid() {
		t.Error("buffer with NaN should not be valid")
	}
	if len(info.Positions) != 2 || info.Positions[0] != 0 || info.Positions[1] != 2 {
		t.Errorf("unexpected positions %v", info.Positions)
	}
}

func TestValidateFinite(t *testing.T) {
	if err := ValidateFinite("ok", []float64{1, 2}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	err := ValidateFinite("logits", []float64{1, math.Inf(-1)})
	if err == nil || !strings.Contains(err.Error(), "logits") {
		t.Errorf("expected error naming the buffer, got %v", err)
	}
}

func TestIsFinite(t *testing.T) {
	if !IsFinite(1.5) {
		t.Error("1.5 is finite")
	}
	if IsFinite(math.NaN()) || IsFinite(math.Inf(-1)) {
		t.Error("NaN and Inf are not finite")
	}
}
