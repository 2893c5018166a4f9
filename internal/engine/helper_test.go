package engine_test

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/require"
)

// helperEnv switches the test binary into one of the fake model programs below.
const helperEnv = "SPEECHD_ENGINE_HELPER"

const (
	helperHost  = "host"
	helperSynth = "synth"
	helperSTT   = "stt"
)

func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case helperHost:
		runFakeHost()
		os.Exit(0)
	case helperSynth:
		os.Exit(runFakeSynthCommand())
	case helperSTT:
		os.Exit(runFakeSTTCommand())
	}

	os.Exit(m.Run())
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	testLogger, err := logger.New(t.TempDir(), "engine-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = testLogger.Close() })

	return testLogger
}

func fakeWAV(parts ...string) []byte {
	return []byte("RIFF" + strings.Join(parts, "|") + "WAVE")
}

// runFakeHost speaks the resident host protocol on stdin/stdout.
func runFakeHost() {
	if os.Getenv("SPEECHD_MODEL") == "broken" {
		fmt.Fprintln(os.Stderr, "no such model")
		os.Exit(2)
	}

	decoder := json.NewDecoder(os.Stdin)
	encoder := json.NewEncoder(os.Stdout)

	for {
		var req map[string]any

		err := decoder.Decode(&req)
		if err != nil {
			return
		}

		id, _ := req["id"].(string)
		op, _ := req["op"].(string)
		text, _ := req["text"].(string)
		voice, _ := req["voice"].(string)
		audioPath, _ := req["audio"].(string)
		speed, _ := req["speed"].(float64)

		switch op {
		case "ping":
			fmt.Fprintln(os.Stderr, "model ready")
			_ = encoder.Encode(map[string]any{"id": id, "ok": true})
		case "synthesize":
			respondSynthesis(encoder, id, text, voice, speed)
		case "transcribe":
			_ = encoder.Encode(map[string]any{
				"id":       id,
				"ok":       true,
				"segments": []string{" hello", " world ", filepath.Base(audioPath)},
			})
		default:
			_ = encoder.Encode(map[string]any{"id": id, "ok": false, "error": "unknown op " + op})
		}
	}
}

func respondSynthesis(encoder *json.Encoder, id, text, voice string, speed float64) {
	switch text {
	case "fail":
		_ = encoder.Encode(map[string]any{"id": id, "ok": false, "error": "voice not found"})
	case "crash":
		os.Exit(3)
	case "desync":
		_ = encoder.Encode(map[string]any{"id": "someone-else", "ok": true})
	case "hang":
		time.Sleep(10 * time.Second)
	case "silence":
		_ = encoder.Encode(map[string]any{"id": id, "ok": true, "audio_base64": ""})
	case "pid":
		audio := fakeWAV(strconv.Itoa(os.Getpid()))
		_ = encoder.Encode(map[string]any{"id": id, "ok": true, "audio_base64": base64.StdEncoding.EncodeToString(audio)})
	case "slow":
		time.Sleep(300 * time.Millisecond)

		fallthrough
	default:
		audio := fakeWAV(voice, text, fmt.Sprintf("%.1f", speed))
		_ = encoder.Encode(map[string]any{
			"id":           id,
			"ok":           true,
			"audio_base64": base64.StdEncoding.EncodeToString(audio),
		})
	}
}

// runFakeSynthCommand mimics a piper-like binary: text on stdin, args {output} {voice} {speed}.
func runFakeSynthCommand() int {
	text, err := io.ReadAll(os.Stdin)
	if err != nil || len(os.Args) < 4 {
		return 1
	}

	if string(text) == "fail" {
		fmt.Fprintln(os.Stderr, "bad input")

		return 1
	}

	if string(text) == "silence" {
		return 0
	}

	err = os.WriteFile(os.Args[1], fakeWAV(os.Args[2], string(text), os.Args[3]), 0o600)
	if err != nil {
		return 1
	}

	return 0
}

// runFakeSTTCommand mimics a whisper.cpp-like binary: args -m {model} -f {input}.
func runFakeSTTCommand() int {
	if len(os.Args) < 5 {
		return 1
	}

	if _, err := os.Stat(os.Args[4]); err != nil {
		fmt.Fprintln(os.Stderr, "cannot open", os.Args[4])

		return 1
	}

	fmt.Printf("  transcript from %s \n\n second line\n", os.Args[2])

	return 0
}
