// ABOUTME: Linear-interpolation resampler for rate conversion and slewing
// ABOUTME: Carries the last frame across chunks so output stays continuous
package audio

import "math"

// Resampler converts interleaved float32 audio between rates by linear
// interpolation. The ratio can be retuned between calls, which is how
// playback slewing is applied: a ratio above 1 consumes input faster
// than real time.
type Resampler struct {
	channels int
	ratio    float64
	position float64
	prev     []float32
}

// NewResampler creates a resampler converting inputRate to outputRate.
func NewResampler(inputRate, outputRate, channels int) *Resampler {
	return &Resampler{
		channels: channels,
		ratio:    float64(inputRate) / float64(outputRate),
		prev:     make([]float32, channels),
	}
}

// SetRate retunes the ratio of input frames consumed per output frame.
func (r *Resampler) SetRate(ratio float64) {
	r.ratio = ratio
}

// Rate returns the current conversion ratio.
func (r *Resampler) Rate() float64 {
	return r.ratio
}

// Resample interpolates input into output. Both are interleaved
// samples. It returns how many input and output samples were used;
// input samples not yet consumed must be passed again on the next
// call. The frame before the current read position is carried
// internally, so feeding input in arbitrary chunk sizes is fine.
func (r *Resampler) Resample(input, output []float32) (consumed, produced int) {
	inFrames := len(input) / r.channels
	outFrames := len(output) / r.channels
	if inFrames == 0 {
		return 0, 0
	}

	outIdx := 0
	for outIdx < outFrames {
		idx := int(math.Floor(r.position))
		if idx+1 >= inFrames {
			break
		}
		frac := float32(r.position - float64(idx))
		for ch := 0; ch < r.channels; ch++ {
			var left float32
			if idx < 0 {
				left = r.prev[ch]
			} else {
				left = input[idx*r.channels+ch]
			}
			right := input[(idx+1)*r.channels+ch]
			output[outIdx*r.channels+ch] = left*(1-frac) + right*frac
		}
		outIdx++
		r.position += r.ratio
	}

	if outIdx < outFrames {
		// Input ran out. Keep the final frame as the next left endpoint.
		copy(r.prev, input[(inFrames-1)*r.channels:inFrames*r.channels])
		r.position -= float64(inFrames)
		return inFrames * r.channels, outIdx * r.channels
	}

	skip := int(math.Floor(r.position))
	if skip < 0 {
		skip = 0
	} else if skip > inFrames {
		skip = inFrames
	}
	if skip > 0 {
		copy(r.prev, input[(skip-1)*r.channels:skip*r.channels])
		r.position -= float64(skip)
	}
	return skip * r.channels, outIdx * r.channels
}

// Reset clears position and carried state, for use at stream resets.
func (r *Resampler) Reset() {
	r.position = 0
	clear(r.prev)
}

// InputSamplesNeeded estimates the input samples required to produce
// outputSamples at the current ratio.
func (r *Resampler) InputSamplesNeeded(outputSamples int) int {
	outFrames := outputSamples / r.channels
	return int(float64(outFrames)*r.ratio+1) * r.channels
}
