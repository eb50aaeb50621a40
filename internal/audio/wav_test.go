package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"
)

// buildWAV assembles a RIFF file by hand so vendor chunks can be placed
// anywhere.
func buildWAV(sampleRate, channels, bits int, frames int, extra map[string][]byte, extraBeforeFmt bool) []byte {
	var fmtChunk bytes.Buffer
	blockAlign := channels * bits / 8
	binary.Write(&fmtChunk, binary.LittleEndian, uint16(1))
	binary.Write(&fmtChunk, binary.LittleEndian, uint16(channels))
	binary.Write(&fmtChunk, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&fmtChunk, binary.LittleEndian, uint32(sampleRate*blockAlign))
	binary.Write(&fmtChunk, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&fmtChunk, binary.LittleEndian, uint16(bits))

	var body bytes.Buffer
	body.WriteString("WAVE")
	writeChunk := func(id string, data []byte) {
		body.WriteString(id)
		binary.Write(&body, binary.LittleEndian, uint32(len(data)))
		body.Write(data)
		if len(data)%2 == 1 {
			body.WriteByte(0)
		}
	}
	writeExtra := func() {
		for id, data := range extra {
			writeChunk(id, data)
		}
	}
	if extraBeforeFmt {
		writeExtra()
	}
	writeChunk("fmt ", fmtChunk.Bytes())
	if !extraBeforeFmt {
		writeExtra()
	}
	writeChunk("data", make([]byte, frames*blockAlign))

	var out bytes.Buffer
	out.WriteString("RIFF")
	binary.Write(&out, binary.LittleEndian, uint32(body.Len()))
	out.Write(body.Bytes())
	return out.Bytes()
}

func TestReadInfoDuration(t *testing.T) {
	const frames = 33075
	data := buildWAV(22050, 1, 16, frames, nil, false)
	info, err := ReadInfo(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("read info: %v", err)
	}
	if info.SampleRate != 22050 || info.Channels != 1 || info.BitsPerSample != 16 {
		t.Fatalf("unexpected format %+v", info)
	}
	if info.Frames() != frames {
		t.Fatalf("expected %d frames, got %d", frames, info.Frames())
	}
	want := float64(frames) / 22050
	if math.Abs(info.Seconds()-want) > 1.0/22050 {
		t.Fatalf("expected %.5fs, got %.5fs", want, info.Seconds())
	}
	if info.Duration() != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s, got %v", info.Duration())
	}
}

func TestReadInfoSkipsVendorChunks(t *testing.T) {
	extra := map[string][]byte{"LIST": []byte("INFOISFT\x05\x00\x00\x00piper")}
	for _, before := range []bool{false, true} {
		data := buildWAV(16000, 2, 16, 1000, extra, before)
		info, err := ReadInfo(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("read info (extra before fmt=%v): %v", before, err)
		}
		if info.Frames() != 1000 || info.Channels != 2 || info.SampleRate != 16000 {
			t.Fatalf("unexpected info %+v", info)
		}
	}
}

func TestReadInfoOddChunkPadding(t *testing.T) {
	data := buildWAV(22050, 1, 16, 10, map[string][]byte{"junk": {1, 2, 3}}, false)
	info, err := ReadInfo(onlyReader{bytes.NewReader(data)})
	if err != nil {
		t.Fatalf("read info: %v", err)
	}
	if info.Frames() != 10 {
		t.Fatalf("expected 10 frames, got %d", info.Frames())
	}
}

func TestReadInfoErrors(t *testing.T) {
	if _, err := ReadInfo(bytes.NewReader([]byte("OggS...."))); !errors.Is(err, ErrNotWAV) {
		t.Fatalf("expected ErrNotWAV, got %v", err)
	}
	noData := buildWAV(22050, 1, 16, 0, nil, false)
	noData = noData[:len(noData)-8] // drop the empty data chunk header
	if _, err := ReadInfo(bytes.NewReader(noData)); !errors.Is(err, ErrMissingData) {
		t.Fatalf("expected ErrMissingData, got %v", err)
	}

	var dataFirst bytes.Buffer
	dataFirst.WriteString("RIFF")
	binary.Write(&dataFirst, binary.LittleEndian, uint32(12))
	dataFirst.WriteString("WAVEdata")
	binary.Write(&dataFirst, binary.LittleEndian, uint32(0))
	if _, err := ReadInfo(bytes.NewReader(dataFirst.Bytes())); !errors.Is(err, ErrMissingFormat) {
		t.Fatalf("expected ErrMissingFormat, got %v", err)
	}
}

func TestWriteWAVRoundTrip(t *testing.T) {
	const frames = 2205
	pcm := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(i%1000-500)))
	}
	path := filepath.Join(t.TempDir(), "out.wav")
	written, err := WriteWAV(path, bytes.NewReader(pcm), 22050, 1)
	if err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if written.Frames() != frames {
		t.Fatalf("expected %d written frames, got %d", frames, written.Frames())
	}
	info, err := ReadFileInfo(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if info.Frames() != frames || info.SampleRate != 22050 || info.BitsPerSample != 16 {
		t.Fatalf("unexpected info %+v", info)
	}
	if info.Duration() != 100*time.Millisecond {
		t.Fatalf("expected 100ms, got %v", info.Duration())
	}
}

func TestWriteWAVEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.wav")
	if _, err := WriteWAV(path, bytes.NewReader(nil), 22050, 1); !errors.Is(err, ErrNoAudio) {
		t.Fatalf("expected ErrNoAudio, got %v", err)
	}
}

func TestRealTimeFactor(t *testing.T) {
	info := Info{SampleRate: 22050, Channels: 1, BitsPerSample: 16, DataBytes: 22050 * 2 * 2}
	if rtf := RealTimeFactor(time.Second, info); math.Abs(rtf-0.5) > 1e-9 {
		t.Fatalf("expected rtf 0.5, got %v", rtf)
	}
	if rtf := RealTimeFactor(time.Second, Info{}); rtf != 0 {
		t.Fatalf("expected 0 for empty info, got %v", rtf)
	}
}

type onlyReader struct{ r *bytes.Reader }

func (o onlyReader) Read(p []byte) (int, error) { return o.r.Read(p) }
