package music

import (
	"math"
	"testing"
)

func TestTickToSecondConstantTempo(t *testing.T) {
	tempos := []Tempo{DefaultTempo(0)}
	got := TickToSecond(DefaultTPQN, tempos, DefaultTPQN)
	if math.Abs(got-0.5) > 1e-12 {
		t.Fatalf("expected 0.5s for one beat at 120bpm, got %v", got)
	}
}

func TestTickToSecondTempoChanges(t *testing.T) {
	tempos := []Tempo{
		{Position: 0, BPM: 120},
		{Position: 960, BPM: 60},
		{Position: 1920, BPM: 240},
	}
	// 2 beats at 120 (1s) + 2 beats at 60 (2s) + 1 beat at 240 (0.25s)
	got := TickToSecond(2400, tempos, 480)
	if math.Abs(got-3.25) > 1e-12 {
		t.Fatalf("expected 3.25s, got %v", got)
	}
}

func TestSecondToTickRoundTrip(t *testing.T) {
	tempoMaps := [][]Tempo{
		{{Position: 0, BPM: 120}},
		{{Position: 0, BPM: 90}, {Position: 480, BPM: 150}},
		{{Position: 0, BPM: 200}, {Position: 100, BPM: 33.3}, {Position: 5000, BPM: 120}, {Position: 9600, BPM: 72}},
	}
	for mi, tempos := range tempoMaps {
		for _, tpqn := range []int{96, 480, 960} {
			for ticks := 0.0; ticks <= 20000; ticks += 37 {
				sec := TickToSecond(ticks, tempos, tpqn)
				back := SecondToTick(sec, tempos, tpqn)
				if math.Abs(back-ticks) > 1e-6 {
					t.Fatalf("map %d tpqn %d: round trip of %v gave %v", mi, tpqn, ticks, back)
				}
			}
		}
	}
}

func TestNoteDuration(t *testing.T) {
	if got := NoteDuration(4, 480); got != 480 {
		t.Fatalf("expected quarter note of 480 ticks, got %d", got)
	}
	if got := NoteDuration(8, 480); got != 240 {
		t.Fatalf("expected eighth note of 240 ticks, got %d", got)
	}
}

func TestDecibelToLinear(t *testing.T) {
	if got := DecibelToLinear(0); got != 1 {
		t.Fatalf("expected unity gain, got %v", got)
	}
	if got := DecibelToLinear(20); math.Abs(got-10) > 1e-12 {
		t.Fatalf("expected 10x, got %v", got)
	}
}

func TestLinearInterpolation(t *testing.T) {
	if got := LinearInterpolation(0, 1, 4, 0, 1); math.Abs(got-0.75) > 1e-12 {
		t.Fatalf("expected 0.75, got %v", got)
	}
}
