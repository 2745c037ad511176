// Package workout turns a nested interval plan into a target power for any
// point of a ride.
package workout

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidPlan = errors.New("workout: invalid plan")

// Block is either a step (Duration and Watts) or a group of blocks played
// Repeat times. Groups nest, so "warm up, 5 x (3 min hard, 1 min easy),
// cool down" is one group of three blocks.
type Block struct {
	Duration time.Duration `yaml:"duration" json:"duration_ns,omitempty"`
	Watts    int           `yaml:"watts" json:"watts,omitempty"`

	Repeat int     `yaml:"repeat" json:"repeat,omitempty"`
	Blocks []Block `yaml:"blocks" json:"blocks,omitempty"`
}

func (b Block) isGroup() bool { return len(b.Blocks) > 0 }

func (b Block) validate(path string) error {
	if !b.isGroup() {
		if b.Repeat != 0 {
			return fmt.Errorf("%w: %s: repeat without blocks", ErrInvalidPlan, path)
		}
		if b.Duration <= 0 {
			return fmt.Errorf("%w: %s: duration must be > 0", ErrInvalidPlan, path)
		}
		if b.Watts < 0 {
			return fmt.Errorf("%w: %s: watts must be >= 0", ErrInvalidPlan, path)
		}
		return nil
	}
	if b.Duration != 0 || b.Watts != 0 {
		return fmt.Errorf("%w: %s: a group has no duration or watts of its own", ErrInvalidPlan, path)
	}
	if b.Repeat < 0 {
		return fmt.Errorf("%w: %s: repeat must be >= 0", ErrInvalidPlan, path)
	}
	for i, c := range b.Blocks {
		if err := c.validate(fmt.Sprintf("%s.blocks[%d]", path, i)); err != nil {
			return err
		}
	}
	return nil
}

// Step is one flattened interval.
type Step struct {
	Duration time.Duration
	Watts    int
}

// Flatten expands groups in play order. A group with Repeat 0 plays once.
func Flatten(blocks []Block) []Step {
	var out []Step
	var walk func(bs []Block)
	walk = func(bs []Block) {
		for _, b := range bs {
			if !b.isGroup() {
				out = append(out, Step{Duration: b.Duration, Watts: b.Watts})
				continue
			}
			for n := max(b.Repeat, 1); n > 0; n-- {
				walk(b.Blocks)
			}
		}
	}
	walk(blocks)
	return out
}

// Schedule is a validated, flattened plan. After the last step the tail
// power, if any, holds for the rest of the ride.
type Schedule struct {
	steps []Step
	ends  []time.Duration
	tail  *int
}

func New(blocks []Block, tailWatts *int) (*Schedule, error) {
	for i, b := range blocks {
		if err := b.validate(fmt.Sprintf("blocks[%d]", i)); err != nil {
			return nil, err
		}
	}
	if tailWatts != nil && *tailWatts < 0 {
		return nil, fmt.Errorf("%w: tail watts must be >= 0", ErrInvalidPlan)
	}
	steps := Flatten(blocks)
	if len(steps) == 0 && tailWatts == nil {
		return nil, fmt.Errorf("%w: no steps and no tail", ErrInvalidPlan)
	}
	s := &Schedule{steps: steps, ends: make([]time.Duration, len(steps))}
	var at time.Duration
	for i, st := range steps {
		at += st.Duration
		s.ends[i] = at
	}
	if tailWatts != nil {
		w := *tailWatts
		s.tail = &w
	}
	return s, nil
}

// Steps is the number of timed steps, excluding the tail.
func (s *Schedule) Steps() int { return len(s.steps) }

// Length is the time to the end of the last timed step.
func (s *Schedule) Length() time.Duration {
	if len(s.ends) == 0 {
		return 0
	}
	return s.ends[len(s.ends)-1]
}

// Target is the planned power at one instant of the ride.
type Target struct {
	Active bool `json:"active"`
	Watts  int  `json:"watts"`
	// Step is 1-based; 0 means the tail.
	Step      int           `json:"step"`
	Steps     int           `json:"steps"`
	Remaining time.Duration `json:"remaining_ns"`
	Done      bool          `json:"done"`
}

// At returns the target after elapsed ride time.
func (s *Schedule) At(elapsed time.Duration) Target {
	if s == nil {
		return Target{}
	}
	if elapsed < 0 {
		elapsed = 0
	}
	n := len(s.steps)
	for i, end := range s.ends {
		if elapsed < end {
			return Target{Active: true, Watts: s.steps[i].Watts, Step: i + 1, Steps: n, Remaining: end - elapsed}
		}
	}
	if s.tail != nil {
		return Target{Active: true, Watts: *s.tail, Steps: n}
	}
	return Target{Steps: n, Done: true}
}
