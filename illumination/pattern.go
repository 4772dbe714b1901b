package illumination

import (
	"iter"
	"time"
)

// Step is one duty written to the lamp, held for Hold before the next one.
type Step struct {
	Duty int
	Hold time.Duration
}

// Pattern is a restartable sequence of steps. Ranging over it again starts from the top.
type Pattern = iter.Seq[Step]

const FADE_STEPS = 30
const DEFAULT_EFFECT_DURATION = 20 * time.Second

// Pulse blinks twice and then fades up and down once. The fade takes up a third of duration.
func Pulse(duration time.Duration) Pattern {
	stepTime := duration / (FADE_STEPS * 3 * 2)
	return func(yield func(Step) bool) {
		for _, s := range []Step{
			{100, 100 * time.Millisecond},
			{0, 100 * time.Millisecond},
			{100, 100 * time.Millisecond},
			{0, 200 * time.Millisecond},
		} {
			if !yield(s) {
				return
			}
		}
		fade(yield, stepTime)
	}
}

// Breathe fades up and down until the consumer stops ranging.
func Breathe(period time.Duration) Pattern {
	stepTime := period / (FADE_STEPS*2 + 2)
	return func(yield func(Step) bool) {
		for fade(yield, stepTime) {
		}
	}
}

// Steady holds a single duty.
func Steady(duty int) Pattern {
	return func(yield func(Step) bool) {
		yield(Step{Duty: duty})
	}
}

func fade(yield func(Step) bool, stepTime time.Duration) bool {
	for i := 0; i <= FADE_STEPS; i++ {
		if !yield(Step{i * 100 / FADE_STEPS, stepTime}) {
			return false
		}
	}
	for i := FADE_STEPS; i >= 0; i-- {
		if !yield(Step{i * 100 / FADE_STEPS, stepTime}) {
			return false
		}
	}
	return true
}
