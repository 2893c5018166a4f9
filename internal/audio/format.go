// Package audio provides the response formats of the speech API and conversion between them.
package audio

import (
	"bytes"
	"strings"
)

// Format represents a supported response audio format.
type Format string

// Supported formats. Ogg is an Opus voice note in an Ogg container.
const (
	FormatWAV  Format = "wav"
	FormatMP3  Format = "mp3"
	FormatOpus Format = "opus"
	FormatFLAC Format = "flac"
	FormatOgg  Format = "ogg"
)

const wavHeaderSize = 12

var contentTypes = map[Format]string{
	FormatWAV:  "audio/wav",
	FormatMP3:  "audio/mpeg",
	FormatOpus: "audio/opus",
	FormatFLAC: "audio/flac",
	FormatOgg:  "audio/ogg",
}

// ParseFormat maps a response_format value to a Format. Empty and unknown values yield WAV.
func ParseFormat(value string) Format {
	format := Format(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := contentTypes[format]; ok {
		return format
	}

	return FormatWAV
}

// FormatFromPath picks a Format from a file extension, defaulting to WAV.
func FormatFromPath(path string) Format {
	dot := strings.LastIndexByte(path, '.')
	if dot < 0 {
		return FormatWAV
	}

	return ParseFormat(path[dot+1:])
}

// IsAudioPath reports whether path ends in the extension of a supported format.
func IsAudioPath(path string) bool {
	dot := strings.LastIndexByte(path, '.')
	if dot < 0 {
		return false
	}

	_, ok := contentTypes[Format(strings.ToLower(path[dot+1:]))]

	return ok
}

// ContentType returns the MIME type served for the format.
func (f Format) ContentType() string {
	if contentType, ok := contentTypes[f]; ok {
		return contentType
	}

	return contentTypes[FormatWAV]
}

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	if len(data) < wavHeaderSize {
		return false
	}

	return bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE"))
}
