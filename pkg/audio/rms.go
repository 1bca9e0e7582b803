package audio

import (
	"encoding/binary"
	"math"
)

// RMS returns the root-mean-square amplitude of 16-bit little-endian PCM.
// Trailing odd bytes are ignored.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		v := float64(sample)
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// Tone synthesizes a mono sine tone as 16-bit little-endian PCM. amplitude is
// the peak sample value (0..32767). Used as a last-resort playback artifact
// when speech synthesis fails so the device still receives audible feedback.
func Tone(freqHz float64, d, sampleRate int, amplitude float64) []byte {
	samples := sampleRate * d / 1000
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := amplitude * math.Sin(2*math.Pi*freqHz*float64(i)/float64(sampleRate))
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(int16(v)))
	}
	return out
}
