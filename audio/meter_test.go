package audio

import (
	"math"
	"testing"
)

func TestPCMLevel(t *testing.T) {
	square := func(amp int16, n int) []int16 {
		pcm := make([]int16, n)
		for i := range pcm {
			if i%2 == 0 {
				pcm[i] = amp
			} else {
				pcm[i] = -amp
			}
		}
		return pcm
	}

	tests := []struct {
		name string
		pcm  []int16
		want float64
	}{
		{"empty", nil, MinLevel},
		{"silence", make([]int16, 480), MinLevel},
		{"full scale square", square(math.MaxInt16, 480), 0},
		{"half scale square", square(16384, 480), -6.02},
		{"one lsb", square(1, 480), -90.31},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pcmLevel(tt.pcm); math.Abs(got-tt.want) > 0.01 {
				t.Errorf("pcmLevel = %.3f, want %.2f", got, tt.want)
			}
		})
	}
}

func TestLevelMeter(t *testing.T) {
	m := newLevelMeter()
	if got := m.level(); got != MinLevel {
		t.Fatalf("initial level = %v, want %v", got, MinLevel)
	}
	m.observe([]int16{16384, -16384})
	if got := m.level(); math.Abs(got+6.02) > 0.01 {
		t.Errorf("level = %.3f, want -6.02", got)
	}
	m.observe(make([]int16, 4))
	if got := m.level(); got != MinLevel {
		t.Errorf("level after silence = %v, want %v", got, MinLevel)
	}
}
