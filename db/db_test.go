package db

import (
	"math"
	"testing"
)

func TestEMA(t *testing.T) {
	// Samples blend at alpha 0.2.
	if got := EMA(0, 1000); math.Abs(got-200) > 0.001 {
		t.Errorf("EMA(0, 1000) = %v, want 200", got)
	}
	got := EMA(1000, 2000)
	if math.Abs(got-1200) > 0.001 {
		t.Errorf("EMA(1000, 2000) = %v, want 1200", got)
	}
	// A steady stream converges to the sample value.
	avg := 0.0
	for i := 0; i < 100; i++ {
		avg = EMA(avg, 500)
	}
	if math.Abs(avg-500) > 1 {
		t.Errorf("EMA did not converge: %v", avg)
	}
}
