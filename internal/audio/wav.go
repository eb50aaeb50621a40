// Package audio holds the offline helpers used to report on synthesized
// audio: WAV header inspection, duration math and PCM to WAV wrapping.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

var (
	// ErrNotWAV is returned when the RIFF/WAVE tags are missing.
	ErrNotWAV = errors.New("audio: not a RIFF/WAVE file")

	// ErrMissingFormat is returned when no fmt chunk precedes the data chunk.
	ErrMissingFormat = errors.New("audio: fmt chunk missing before data")

	// ErrMissingData is returned when the file ends before a data chunk.
	ErrMissingData = errors.New("audio: data chunk missing")

	// ErrNoAudio is returned by WriteWAV when the source produced no samples.
	ErrNoAudio = errors.New("audio: no samples produced")
)

// Info describes the stream format and sample block of a WAV file.
type Info struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	DataBytes     int64
}

// Frames returns the number of sample frames in the data block.
func (i Info) Frames() int64 {
	frameSize := int64(i.Channels) * int64(i.BitsPerSample/8)
	if frameSize <= 0 {
		return 0
	}
	return i.DataBytes / frameSize
}

// Duration returns the playback length of the data block.
func (i Info) Duration() time.Duration {
	if i.SampleRate <= 0 {
		return 0
	}
	return time.Duration(i.Frames()) * time.Second / time.Duration(i.SampleRate)
}

// Seconds is Duration as a float, convenient for real-time factor math.
func (i Info) Seconds() float64 {
	if i.SampleRate <= 0 {
		return 0
	}
	return float64(i.Frames()) / float64(i.SampleRate)
}

// ReadInfo walks the RIFF chunks of r until the data chunk. Chunks other
// than "fmt " and "data" are skipped, so vendor chunks (LIST, fact, JUNK)
// between the format block and the samples are tolerated.
func ReadInfo(r io.Reader) (Info, error) {
	var header [12]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrNotWAV, err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return Info{}, ErrNotWAV
	}

	var (
		info      Info
		seenFmt   bool
		chunkHead [8]byte
	)
	for {
		if _, err := io.ReadFull(r, chunkHead[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return Info{}, ErrMissingData
			}
			return Info{}, err
		}
		id := string(chunkHead[0:4])
		size := int64(binary.LittleEndian.Uint32(chunkHead[4:8]))

		switch id {
		case "fmt ":
			if size < 16 {
				return Info{}, fmt.Errorf("audio: fmt chunk too short (%d bytes)", size)
			}
			block := make([]byte, size)
			if _, err := io.ReadFull(r, block); err != nil {
				return Info{}, fmt.Errorf("audio: read fmt chunk: %w", err)
			}
			info.Channels = int(binary.LittleEndian.Uint16(block[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(block[4:8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(block[14:16]))
			seenFmt = true
			if err := skip(r, size%2); err != nil {
				return Info{}, err
			}
		case "data":
			if !seenFmt {
				return Info{}, ErrMissingFormat
			}
			info.DataBytes = size
			return info, nil
		default:
			// RIFF chunks are word aligned.
			if err := skip(r, size+size%2); err != nil {
				return Info{}, fmt.Errorf("audio: skip %q chunk: %w", id, err)
			}
		}
	}
}

// ReadFileInfo opens path and parses its WAV header.
func ReadFileInfo(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()
	return ReadInfo(f)
}

func skip(r io.Reader, n int64) error {
	if n == 0 {
		return nil
	}
	if s, ok := r.(io.Seeker); ok {
		_, err := s.Seek(n, io.SeekCurrent)
		return err
	}
	_, err := io.CopyN(io.Discard, r, n)
	return err
}

// WriteWAV wraps little-endian 16-bit PCM read from pcm into a WAV file at
// path.
func WriteWAV(path string, pcm io.Reader, sampleRate, channels int) (Info, error) {
	file, err := os.Create(path)
	if err != nil {
		return Info{}, fmt.Errorf("create wav: %w", err)
	}
	defer file.Close()

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	format := &goaudio.Format{NumChannels: channels, SampleRate: sampleRate}

	var (
		frame   [2]byte
		pending []byte
		total   int64
		buf     = make([]byte, 32*1024)
	)
	for {
		n, readErr := pcm.Read(buf)
		if n > 0 {
			data := append(pending, buf[:n]...)
			usable := len(data) - len(data)%2
			samples := make([]int, usable/2)
			for i := range samples {
				copy(frame[:], data[i*2:])
				samples[i] = int(int16(binary.LittleEndian.Uint16(frame[:])))
			}
			if len(samples) > 0 {
				if err := enc.Write(&goaudio.IntBuffer{Format: format, Data: samples, SourceBitDepth: 16}); err != nil {
					return Info{}, fmt.Errorf("write wav: %w", err)
				}
			}
			total += int64(usable)
			pending = append(pending[:0], data[usable:]...)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return Info{}, fmt.Errorf("read pcm: %w", readErr)
		}
	}
	if total == 0 {
		return Info{}, ErrNoAudio
	}
	if err := enc.Close(); err != nil {
		return Info{}, fmt.Errorf("close wav encoder: %w", err)
	}
	return Info{SampleRate: sampleRate, Channels: channels, BitsPerSample: 16, DataBytes: total}, nil
}

// RealTimeFactor is synthesis wall-clock time divided by produced audio
// length. Values below 1 mean faster than real time.
func RealTimeFactor(elapsed time.Duration, info Info) float64 {
	seconds := info.Seconds()
	if seconds == 0 {
		return 0
	}
	return elapsed.Seconds() / seconds
}
