// ABOUTME: Stream input sources reading MP3, FLAC, HTTP and raw PCM
// ABOUTME: Every source is normalized to 48kHz stereo float32
package audio

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hajimehoshi/go-mp3"
	"github.com/mewkiz/flac"

	"github.com/haileys/bark/internal/protocol"
)

// NewSource opens a stream input:
//
//	"tone" or "tone:<hz>"  sine wave generator
//	"-"                    raw s16le 48kHz stereo from stdin
//	http:// or https://    MP3 over HTTP, ends at EOF
//	*.mp3 / *.flac         local file, looped at EOF
//
// The returned source delivers 48kHz stereo regardless of the input's
// native format.
func NewSource(pathOrURL string) (Source, error) {
	if pathOrURL == "tone" || strings.HasPrefix(pathOrURL, "tone:") {
		hz := 0.0
		if rest, ok := strings.CutPrefix(pathOrURL, "tone:"); ok {
			parsed, err := strconv.ParseFloat(rest, 64)
			if err != nil {
				return nil, fmt.Errorf("bad tone frequency %q: %w", rest, err)
			}
			hz = parsed
		}
		return NewToneSource(hz), nil
	}

	if pathOrURL == "-" {
		return newRawSource(os.Stdin), nil
	}

	if strings.HasPrefix(pathOrURL, "http://") || strings.HasPrefix(pathOrURL, "https://") {
		src, err := newHTTPSource(pathOrURL)
		if err != nil {
			return nil, err
		}
		return normalize(src, src.sampleRate, 2)
	}

	if _, err := os.Stat(pathOrURL); err != nil {
		return nil, fmt.Errorf("audio input not found: %s", pathOrURL)
	}

	switch strings.ToLower(filepath.Ext(pathOrURL)) {
	case ".mp3":
		src, err := newMP3Source(pathOrURL)
		if err != nil {
			return nil, err
		}
		return normalize(src, src.sampleRate, 2)
	case ".flac":
		src, err := newFLACSource(pathOrURL)
		if err != nil {
			return nil, err
		}
		return normalize(src, src.sampleRate, src.channels)
	}
	return nil, fmt.Errorf("unsupported audio input: %s (supported: .mp3, .flac)", pathOrURL)
}

// normalize wraps a source so it delivers the stream rate and channel
// count.
func normalize(src Source, sampleRate, channels int) (Source, error) {
	switch channels {
	case 1:
		src = &monoSource{src: src}
	case protocol.Channels:
	default:
		src.Close()
		return nil, fmt.Errorf("unsupported channel count: %d", channels)
	}
	if sampleRate != protocol.SampleRate {
		src = newResampledSource(src, sampleRate)
	}
	return src, nil
}

// mp3Source reads a local MP3 file and loops at EOF.
type mp3Source struct {
	file       *os.File
	decoder    *mp3.Decoder
	sampleRate int
	buf        []byte
}

func newMP3Source(path string) (*mp3Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mp3 file: %w", err)
	}
	decoder, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode mp3: %w", err)
	}
	log.Printf("input: mp3 %s (%d Hz)", filepath.Base(path), decoder.SampleRate())
	return &mp3Source{file: f, decoder: decoder, sampleRate: decoder.SampleRate()}, nil
}

func (s *mp3Source) Read(samples []float32) (int, error) {
	// The decoder emits interleaved stereo s16le bytes.
	want := len(samples) * 2
	if cap(s.buf) < want {
		s.buf = make([]byte, want)
	}
	n, err := s.decoder.Read(s.buf[:want])
	if err != nil && err != io.EOF {
		return 0, err
	}
	got := S16LEToFloats(s.buf[:n/2*2], samples)

	if err == io.EOF {
		if _, seekErr := s.file.Seek(0, io.SeekStart); seekErr != nil {
			return got, fmt.Errorf("failed to rewind mp3: %w", seekErr)
		}
		decoder, decErr := mp3.NewDecoder(s.file)
		if decErr != nil {
			return got, fmt.Errorf("failed to reopen mp3: %w", decErr)
		}
		s.decoder = decoder
	}
	return got, nil
}

func (s *mp3Source) Close() error {
	return s.file.Close()
}

// flacSource reads a local FLAC file and loops at EOF. Decoded blocks
// are larger than a Read, so leftover samples are carried between
// calls.
type flacSource struct {
	file       *os.File
	stream     *flac.Stream
	sampleRate int
	channels   int
	bitDepth   int
	pending    []float32
}

func newFLACSource(path string) (*flacSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open flac file: %w", err)
	}
	stream, err := flac.New(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode flac: %w", err)
	}
	info := stream.Info
	log.Printf("input: flac %s (%d Hz, %d ch, %d bit)",
		filepath.Base(path), info.SampleRate, info.NChannels, info.BitsPerSample)
	return &flacSource{
		file:       f,
		stream:     stream,
		sampleRate: int(info.SampleRate),
		channels:   int(info.NChannels),
		bitDepth:   int(info.BitsPerSample),
	}, nil
}

func (s *flacSource) Read(samples []float32) (int, error) {
	got := 0
	for got < len(samples) {
		if len(s.pending) > 0 {
			n := copy(samples[got:], s.pending)
			s.pending = s.pending[n:]
			got += n
			continue
		}

		frame, err := s.stream.ParseNext()
		if err == io.EOF {
			if _, seekErr := s.file.Seek(0, io.SeekStart); seekErr != nil {
				return got, fmt.Errorf("failed to rewind flac: %w", seekErr)
			}
			stream, decErr := flac.New(s.file)
			if decErr != nil {
				return got, fmt.Errorf("failed to reopen flac: %w", decErr)
			}
			s.stream = stream
			continue
		}
		if err != nil {
			return got, err
		}

		scale := float32(int64(1) << (s.bitDepth - 1))
		block := make([]float32, int(frame.BlockSize)*s.channels)
		for i := 0; i < int(frame.BlockSize); i++ {
			for ch := 0; ch < s.channels; ch++ {
				block[i*s.channels+ch] = float32(frame.Subframes[ch].Samples[i]) / scale
			}
		}
		s.pending = block
	}
	return got, nil
}

func (s *flacSource) Close() error {
	return s.file.Close()
}

// httpSource streams MP3 over HTTP. It does not loop; EOF ends the
// stream.
type httpSource struct {
	response   *http.Response
	decoder    *mp3.Decoder
	sampleRate int
	buf        []byte
}

func newHTTPSource(url string) (*httpSource, error) {
	resp, err := http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("http error: %s", resp.Status)
	}
	decoder, err := mp3.NewDecoder(resp.Body)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("failed to decode mp3 stream: %w", err)
	}
	log.Printf("input: http mp3 %s (%d Hz)", url, decoder.SampleRate())
	return &httpSource{response: resp, decoder: decoder, sampleRate: decoder.SampleRate()}, nil
}

func (s *httpSource) Read(samples []float32) (int, error) {
	want := len(samples) * 2
	if cap(s.buf) < want {
		s.buf = make([]byte, want)
	}
	n, err := s.decoder.Read(s.buf[:want])
	if n == 0 && err != nil {
		return 0, err
	}
	return S16LEToFloats(s.buf[:n/2*2], samples), nil
}

func (s *httpSource) Close() error {
	return s.response.Body.Close()
}

// rawSource reads raw s16le 48kHz stereo, for piping from another
// process.
type rawSource struct {
	r   io.Reader
	buf []byte
}

func newRawSource(r io.Reader) *rawSource {
	log.Printf("input: raw s16le from stdin")
	return &rawSource{r: r}
}

func (s *rawSource) Read(samples []float32) (int, error) {
	want := len(samples) * 2
	if cap(s.buf) < want {
		s.buf = make([]byte, want)
	}
	n, err := io.ReadFull(s.r, s.buf[:want])
	if n == 0 && err != nil {
		return 0, err
	}
	return S16LEToFloats(s.buf[:n/2*2], samples), nil
}

func (s *rawSource) Close() error { return nil }

// monoSource duplicates a mono source across both stream channels.
type monoSource struct {
	src Source
	buf []float32
}

func (s *monoSource) Read(samples []float32) (int, error) {
	frames := len(samples) / protocol.Channels
	if cap(s.buf) < frames {
		s.buf = make([]float32, frames)
	}
	n, err := s.src.Read(s.buf[:frames])
	for i := 0; i < n; i++ {
		samples[i*protocol.Channels] = s.buf[i]
		samples[i*protocol.Channels+1] = s.buf[i]
	}
	return n * protocol.Channels, err
}

func (s *monoSource) Close() error {
	return s.src.Close()
}

// resampledSource converts a source's native rate to the stream rate.
type resampledSource struct {
	src     Source
	rs      *Resampler
	in      []float32
	pending []float32
	err     error
}

func newResampledSource(src Source, nativeRate int) *resampledSource {
	log.Printf("input: resampling %d Hz to %d Hz", nativeRate, protocol.SampleRate)
	return &resampledSource{
		src: src,
		rs:  NewResampler(nativeRate, protocol.SampleRate, protocol.Channels),
		in:  make([]float32, nativeRate/10*protocol.Channels),
	}
}

func (r *resampledSource) Read(samples []float32) (int, error) {
	produced := 0
	for produced < len(samples) {
		if len(r.pending) == 0 {
			if r.err != nil {
				if produced > 0 {
					return produced, nil
				}
				return 0, r.err
			}
			n, err := r.src.Read(r.in)
			if err != nil {
				r.err = err
			}
			if n == 0 {
				if produced > 0 {
					return produced, nil
				}
				return 0, r.err
			}
			r.pending = r.in[:n]
		}
		consumed, got := r.rs.Resample(r.pending, samples[produced:])
		r.pending = r.pending[consumed:]
		produced += got
	}
	return produced, nil
}

func (r *resampledSource) Close() error {
	return r.src.Close()
}
