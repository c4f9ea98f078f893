package main

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	bitDepth    = 16
	numChannels = 1
)

// pcmBuffer decodes little-endian signed 16-bit mono samples.
func pcmBuffer(pcm []byte, sampleRate int) *audio.IntBuffer {
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: numChannels,
			SampleRate:  sampleRate,
		},
		Data:           samples,
		SourceBitDepth: bitDepth,
	}
}

func writeWAV(filename string, pcm []byte, sampleRate int) (err error) {
	var fd *os.File
	if fd, err = os.Create(filename); err != nil {
		return
	}
	defer fd.Close()
	encoder := wav.NewEncoder(fd, sampleRate, bitDepth, numChannels, 1)
	if err = encoder.Write(pcmBuffer(pcm, sampleRate)); err != nil {
		return fmt.Errorf("write error: %w", err)
	}
	if err = encoder.Close(); err != nil {
		return fmt.Errorf("wave encoder flush error: %w", err)
	}
	return nil
}
