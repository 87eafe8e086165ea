package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/dsmui/api/internal/config"
)

// ErrTimeout is returned when a command outlives its context deadline.
var ErrTimeout = errors.New("speech command timed out")

// Synthesizer turns text into a wav file
type Synthesizer interface {
	Synthesize(ctx context.Context, text, outputPath string) error
}

// Transcriber turns an audio file into text. offsetSeconds shifts the
// timestamps the engine prints for a segment cut out of a longer recording.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath, model string, offsetSeconds int) (string, error)
}

// AudioTools probes and cuts audio files
type AudioTools interface {
	Duration(ctx context.Context, path string) (float64, error)
	ConvertToWav(ctx context.Context, inputPath, outputPath string) error
	ExtractSegment(ctx context.Context, inputPath, outputPath string, startSeconds, lengthSeconds int) error
}

// CommandError carries the output of a command that exited non-zero.
type CommandError struct {
	Name   string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%s: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Output)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

type runFunc func(ctx context.Context, dir, name string, args ...string) (stdout, stderr string, err error)

// CommandEngine drives the local speech scripts and ffmpeg. It implements
// Synthesizer, Transcriber and AudioTools.
type CommandEngine struct {
	cfg config.SpeechConfig
	run runFunc
}

// NewCommandEngine creates an engine using the commands in cfg
func NewCommandEngine(cfg config.SpeechConfig) *CommandEngine {
	return &CommandEngine{
		cfg: cfg,
		run: runCommand,
	}
}

func runCommand(ctx context.Context, dir, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return stdout.String(), stderr.String(), ErrTimeout
	}
	return stdout.String(), stderr.String(), err
}

func (e *CommandEngine) exec(ctx context.Context, label string, argv []string) (string, error) {
	if len(argv) == 0 {
		return "", fmt.Errorf("%s: no command configured", label)
	}

	log.Printf("[speech] running %s: %s", label, strings.Join(argv, " "))
	stdout, stderr, err := e.run(ctx, e.cfg.WorkDir, argv[0], argv[1:]...)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return "", fmt.Errorf("%s: %w", label, ErrTimeout)
		}
		output := strings.TrimSpace(stderr)
		if output == "" {
			output = strings.TrimSpace(stdout)
		}
		return "", &CommandError{Name: label, Output: output, Err: err}
	}
	return stdout, nil
}

// Synthesize runs the TTS script on a temporary copy of text
func (e *CommandEngine) Synthesize(ctx context.Context, text, outputPath string) error {
	tmp, err := os.CreateTemp("", "tts-*.txt")
	if err != nil {
		return fmt.Errorf("failed to create input file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write input file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write input file: %w", err)
	}

	argv := append(append([]string{}, e.cfg.TTSCommand...), tmp.Name(), outputPath)
	if _, err := e.exec(ctx, "TTS", argv); err != nil {
		return err
	}

	if _, err := os.Stat(outputPath); err != nil {
		return fmt.Errorf("audio file was not generated: %w", err)
	}
	return nil
}

// Transcribe runs the STT script and returns its trimmed stdout
func (e *CommandEngine) Transcribe(ctx context.Context, audioPath, model string, offsetSeconds int) (string, error) {
	if model == "" {
		model = e.cfg.DefaultModel
	}

	argv := append(append([]string{}, e.cfg.STTCommand...), "--hf-repo", model)
	if offsetSeconds > 0 {
		argv = append(argv, "--offset-seconds", strconv.Itoa(offsetSeconds))
	}
	argv = append(argv, audioPath)

	out, err := e.exec(ctx, "STT", argv)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Duration returns the length of the audio file in seconds
func (e *CommandEngine) Duration(ctx context.Context, path string) (float64, error) {
	out, err := e.exec(ctx, "ffprobe", []string{
		e.cfg.FFprobePath, "-v", "quiet",
		"-show_entries", "format=duration",
		"-of", "csv=p=0",
		path,
	})
	if err != nil {
		return 0, err
	}

	duration, err := strconv.ParseFloat(strings.TrimSpace(out), 64)
	if err != nil {
		return 0, fmt.Errorf("could not parse duration %q: %w", strings.TrimSpace(out), err)
	}
	return duration, nil
}

// ConvertToWav re-encodes any input as 16 kHz PCM wav
func (e *CommandEngine) ConvertToWav(ctx context.Context, inputPath, outputPath string) error {
	_, err := e.exec(ctx, "ffmpeg", []string{
		e.cfg.FFmpegPath, "-y", "-i", inputPath,
		"-acodec", "pcm_s16le",
		"-ar", "16000",
		outputPath,
	})
	return err
}

// ExtractSegment cuts [start, start+length) seconds into a 16 kHz PCM wav
func (e *CommandEngine) ExtractSegment(ctx context.Context, inputPath, outputPath string, startSeconds, lengthSeconds int) error {
	_, err := e.exec(ctx, "ffmpeg", []string{
		e.cfg.FFmpegPath, "-y", "-i", inputPath,
		"-ss", strconv.Itoa(startSeconds),
		"-t", strconv.Itoa(lengthSeconds),
		"-acodec", "pcm_s16le",
		"-ar", "16000",
		outputPath,
	})
	return err
}
