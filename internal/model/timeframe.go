package model

import "fmt"

// Timeframe is a bar duration in minutes.
type Timeframe int

const (
	TF1   Timeframe = 1
	TF3   Timeframe = 3
	TF5   Timeframe = 5
	TF10  Timeframe = 10
	TF15  Timeframe = 15
	TF30  Timeframe = 30
	TF60  Timeframe = 60
	TF240 Timeframe = 240
)

// AllowedTimeframes is the set clients may select.
var AllowedTimeframes = []Timeframe{TF1, TF3, TF5, TF10, TF15, TF30, TF60, TF240}

// MomentumTimeframes is the set the momentum engine computes for.
// TF10 is declared in the client protocol but feature-flagged off, so it is
// absent here: its momentum stays NotAttempted/Insufficient forever.
var MomentumTimeframes = []Timeframe{TF1, TF3, TF5, TF15, TF30, TF60, TF240}

// Millis returns the bar duration in milliseconds.
func (tf Timeframe) Millis() int64 { return int64(tf) * 60_000 }

// Valid reports whether tf is client-selectable.
func (tf Timeframe) Valid() bool {
	for _, t := range AllowedTimeframes {
		if t == tf {
			return true
		}
	}
	return false
}

// MomentumEnabled reports whether the engine produces numbers for tf.
func (tf Timeframe) MomentumEnabled() bool {
	for _, t := range MomentumTimeframes {
		if t == tf {
			return true
		}
	}
	return false
}

// BucketStart aligns a millisecond timestamp down to the start of its bar.
func (tf Timeframe) BucketStart(tsMS int64) int64 {
	ms := tf.Millis()
	return tsMS - tsMS%ms
}

// LatestCompletedBarStart returns the start of the most recent bar that has
// already closed at nowMS.
func (tf Timeframe) LatestCompletedBarStart(nowMS int64) int64 {
	return tf.BucketStart(nowMS) - tf.Millis()
}

func (tf Timeframe) String() string { return fmt.Sprintf("%dm", int(tf)) }
