package transcribe

import (
	"encoding/binary"
	"fmt"
	"os"
)

const (
	AudioSampleRate = 16000
	AudioBitDepth   = 16
	AudioChannels   = 1

	wavHeaderLen = 44
)

// F32PCMToWAV wraps float32 samples in a WAV container (16-bit PCM, mono, 16KHz).
func F32PCMToWAV(samples []float32) []byte {
	wav := make([]byte, wavHeaderLen+len(samples)*2)
	pcm := wav[wavHeaderLen:]

	// WAV Header
	wav[0] = 'R'
	wav[1] = 'I'
	wav[2] = 'F'
	wav[3] = 'F'
	binary.LittleEndian.PutUint32(wav[4:], uint32(len(wav)-8))
	wav[8] = 'W'
	wav[9] = 'A'
	wav[10] = 'V'
	wav[11] = 'E'
	wav[12] = 'f'
	wav[13] = 'm'
	wav[14] = 't'
	wav[15] = ' '
	binary.LittleEndian.PutUint32(wav[16:], 16)
	binary.LittleEndian.PutUint16(wav[20:], 1)
	binary.LittleEndian.PutUint16(wav[22:], AudioChannels)
	binary.LittleEndian.PutUint32(wav[24:], AudioSampleRate)
	binary.LittleEndian.PutUint32(wav[28:], (AudioSampleRate*AudioBitDepth*AudioChannels)/8)
	binary.LittleEndian.PutUint16(wav[32:], (AudioBitDepth*AudioChannels)/8)
	binary.LittleEndian.PutUint16(wav[34:], AudioBitDepth)
	wav[36] = 'd'
	wav[37] = 'a'
	wav[38] = 't'
	wav[39] = 'a'
	binary.LittleEndian.PutUint32(wav[40:], uint32(len(samples)*2))

	// Convert audio samples from float32 samples to uint16 PCM
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s*32768.0))
	}

	return wav
}

// WAVToF32PCM converts WAV data (16-bit PCM) to float32 samples.
func WAVToF32PCM(wavData []byte) ([]float32, error) {
	if len(wavData) < wavHeaderLen {
		return nil, fmt.Errorf("data too short to be a valid WAV file")
	}

	data := wavData[wavHeaderLen:]
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("invalid WAV data length (not divisible by 2)")
	}

	samples := make([]float32, len(data)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(data[i*2:]))) / 32768.0
	}

	return samples, nil
}

// ReadWAVFile reads a 16-bit PCM WAV file into float32 samples.
func ReadWAVFile(path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return WAVToF32PCM(data)
}
