// Package audio provides PCM helpers shared by the ingest buffer, the
// recognition pipeline, and the playback streamer: RIFF/WAVE encoding and
// parsing, RMS energy, and duration math for 16-bit little-endian PCM.
package audio

import (
	"encoding/binary"
	"errors"
	"time"
)

const (
	// BitsPerSample is the only sample width the pipeline carries.
	BitsPerSample = 16

	// DefaultSampleRate is the capture rate of the device microphone.
	DefaultSampleRate = 16000

	// DefaultChannels is mono capture.
	DefaultChannels = 1

	wavHeaderSize = 44
)

// EncodeWAV wraps raw 16-bit little-endian PCM in a canonical 44-byte
// RIFF/WAVE header.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * BitsPerSample / 8
	blockAlign := channels * BitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, wavHeaderSize+dataSize)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], BitsPerSample)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)
	return buf
}

// WAVInfo holds format metadata extracted from a RIFF/WAVE container.
type WAVInfo struct {
	DataOffset int // byte offset of the first PCM sample
	DataSize   int // size of the data chunk in bytes
	SampleRate int
	Channels   int
}

// ParseWAV walks the RIFF chunks in wav and returns the data offset and
// format from the "fmt " sub-chunk. Walking the chunks is more robust than
// assuming a fixed 44-byte offset because the fmt chunk size may vary.
func ParseWAV(wav []byte) (WAVInfo, error) {
	if len(wav) < 12 {
		return WAVInfo{}, errors.New("audio: too short to be a RIFF file")
	}
	if string(wav[0:4]) != "RIFF" {
		return WAVInfo{}, errors.New("audio: missing RIFF header")
	}
	if string(wav[8:12]) != "WAVE" {
		return WAVInfo{}, errors.New("audio: missing WAVE identifier")
	}

	var info WAVInfo
	foundFmt := false

	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(wav) {
				fmtData := wav[offset+8:]
				info.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
				foundFmt = true
			}
		case "data":
			info.DataOffset = offset + 8
			info.DataSize = chunkSize
			if info.DataOffset+info.DataSize > len(wav) {
				info.DataSize = len(wav) - info.DataOffset
			}
			if !foundFmt {
				// fmt should precede data; fall back to capture defaults.
				info.SampleRate = DefaultSampleRate
				info.Channels = DefaultChannels
			}
			return info, nil
		}

		// Chunks are word-aligned: pad by one byte when the size is odd.
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return WAVInfo{}, errors.New("audio: missing data chunk")
}

// Duration returns the play time of raw PCM at the given format.
func Duration(pcmBytes, sampleRate, channels int) time.Duration {
	byteRate := sampleRate * channels * BitsPerSample / 8
	if byteRate <= 0 {
		return 0
	}
	return time.Duration(pcmBytes) * time.Second / time.Duration(byteRate)
}

// DurationMs is Duration rounded down to whole milliseconds, the unit the
// wire protocol reports to the device.
func DurationMs(pcmBytes, sampleRate, channels int) int {
	return int(Duration(pcmBytes, sampleRate, channels).Milliseconds())
}
