// ABOUTME: Sample-count timestamp arithmetic with implicit 48kHz denominator
// ABOUTME: Timestamp, SampleDuration and TimestampDelta types plus micros conversions
package protocol

import "time"

// Timestamp counts sample frames at SampleRate from a per-clock origin.
// Arithmetic wraps on overflow; comparisons between nearby values go
// through Delta, which is wraparound-safe.
type Timestamp uint64

// TimestampFromMicros converts a microsecond reading to sample frames.
// Split integer arithmetic keeps the intermediate products inside uint64
// for any plausible uptime.
func TimestampFromMicros(micros uint64) Timestamp {
	whole := micros / 1e6 * SampleRate
	frac := micros % 1e6 * SampleRate / 1e6
	return Timestamp(whole + frac)
}

// Micros converts the timestamp back to microseconds, rounding down.
func (t Timestamp) Micros() uint64 {
	whole := uint64(t) / SampleRate * 1e6
	frac := uint64(t) % SampleRate * 1e6 / SampleRate
	return whole + frac
}

// Add advances the timestamp by a duration.
func (t Timestamp) Add(d SampleDuration) Timestamp {
	return t + Timestamp(d)
}

// Delta returns the signed frame count from other to t. The unsigned
// subtraction wraps, so the result is correct across counter wraparound
// as long as the true distance fits in an int64.
func (t Timestamp) Delta(other Timestamp) TimestampDelta {
	return TimestampDelta(int64(t - other))
}

// SaturatingDurationSince returns t-other, or zero if other is ahead.
func (t Timestamp) SaturatingDurationSince(other Timestamp) SampleDuration {
	d := t.Delta(other)
	if d < 0 {
		return 0
	}
	return SampleDuration(d)
}

// Adjust shifts the timestamp by a signed delta.
func (t Timestamp) Adjust(delta TimestampDelta) Timestamp {
	return Timestamp(int64(t) + int64(delta))
}

// SampleDuration is an unsigned span of sample frames at SampleRate.
type SampleDuration uint64

// OnePacket is the duration of audio carried by a single packet.
const OnePacket = SampleDuration(FramesPerPacket)

// DurationFromMicros converts microseconds to sample frames.
func DurationFromMicros(micros uint64) SampleDuration {
	return SampleDuration(TimestampFromMicros(micros))
}

// DurationFromStd converts a time.Duration to sample frames. Negative
// durations clamp to zero.
func DurationFromStd(d time.Duration) SampleDuration {
	if d < 0 {
		return 0
	}
	return DurationFromMicros(uint64(d.Microseconds()))
}

// Micros converts the duration to microseconds, rounding down.
func (d SampleDuration) Micros() uint64 {
	return Timestamp(d).Micros()
}

// Std converts the duration to a time.Duration.
func (d SampleDuration) Std() time.Duration {
	return time.Duration(d.Micros()) * time.Microsecond
}

// BufferOffset returns the interleaved sample count covered by d.
func (d SampleDuration) BufferOffset() int {
	return int(d) * Channels
}

// DurationFromBufferOffset converts an interleaved sample offset back to
// a frame duration. The offset must land on a frame boundary.
func DurationFromBufferOffset(offset int) SampleDuration {
	return SampleDuration(offset / Channels)
}

// TimestampDelta is a signed span of sample frames.
type TimestampDelta int64

// DeltaFromMicros converts signed microseconds to signed sample frames.
func DeltaFromMicros(micros int64) TimestampDelta {
	if micros < 0 {
		return -TimestampDelta(TimestampFromMicros(uint64(-micros)))
	}
	return TimestampDelta(TimestampFromMicros(uint64(micros)))
}

// Micros converts the delta to signed microseconds.
func (d TimestampDelta) Micros() int64 {
	if d < 0 {
		return -int64(Timestamp(-d).Micros())
	}
	return int64(Timestamp(d).Micros())
}

// Abs returns the magnitude of the delta as a duration.
func (d TimestampDelta) Abs() SampleDuration {
	if d < 0 {
		return SampleDuration(-d)
	}
	return SampleDuration(d)
}
