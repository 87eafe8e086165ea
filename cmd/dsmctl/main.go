// Command dsmctl drives the speech service from a terminal: it synthesizes
// text, transcribes sample or local recordings, and follows long
// transcriptions until they finish. Ctrl-C cancels a tracked session.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dsmui/api/internal/auth"
	"github.com/dsmui/api/internal/client"
	"github.com/dsmui/api/internal/config"
	"github.com/dsmui/api/internal/tracker"
)

const usage = `Usage: dsmctl [flags] <command> [args]

Commands:
  tts <text>            synthesize text (or --file path)
  stt <sample>          transcribe a sample file known to the service
  upload <path>         transcribe a local recording, tracking long ones
  watch <session-id>    follow a running session
  stream <session-id>   follow a running session over WebSocket
  progress <session-id> print the current state of a session
  cancel <session-id>   cancel a session
  test-file <name>      print one of the service's sample texts
  token <user-id>       sign a development token with JWT_SECRET

Flags:
`

const exitCancelled = 130

type options struct {
	file    string
	model   string
	verbose bool
	ttl     time.Duration
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	flags := pflag.NewFlagSet("dsmctl", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() {
		fmt.Fprint(stderr, usage)
		flags.PrintDefaults()
	}

	var opts options
	flags.String("base-url", "", "speech service URL")
	flags.String("token", "", "bearer token")
	flags.Duration("poll-interval", 0, "progress poll interval")
	flags.Int("max-failures", 0, "consecutive poll failures before giving up")
	flags.Duration("timeout", 0, "per-request timeout")
	flags.StringVarP(&opts.file, "file", "f", "", "read tts text from a file")
	flags.StringVarP(&opts.model, "model", "m", "", "recognition model")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log requests and polling")
	flags.DurationVar(&opts.ttl, "ttl", 24*time.Hour, "token lifetime")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	v := viper.New()
	bindFlags(v, flags)
	cfg, err := config.LoadWith(v)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load config: %v\n", err)
		return 1
	}

	if !opts.verbose {
		log.SetOutput(io.Discard)
	}

	rest := flags.Args()
	if len(rest) == 0 {
		flags.Usage()
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := dispatch(ctx, cfg, opts, rest[0], rest[1:], stdout); err != nil {
		if errors.Is(err, tracker.ErrCancellationRequested) {
			return exitCancelled
		}
		var usageErr usageError
		if errors.As(err, &usageErr) {
			fmt.Fprintln(stderr, err)
			flags.Usage()
			return 2
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

type usageError string

func (e usageError) Error() string { return string(e) }

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	for key, name := range map[string]string{
		"client.base_url":                 "base-url",
		"client.token":                    "token",
		"client.poll_interval":            "poll-interval",
		"client.max_consecutive_failures": "max-failures",
		"client.request_timeout":          "timeout",
	} {
		f := flags.Lookup(name)
		// unset flags must not shadow env and config values
		if f.Changed {
			_ = v.BindPFlag(key, f)
		}
	}
}

func dispatch(ctx context.Context, cfg *config.Config, opts options, cmd string, args []string, out io.Writer) error {
	speech := client.NewSpeechClient(&cfg.Client)
	trackOpts := tracker.Options{
		Interval:               cfg.Client.PollInterval,
		MaxConsecutiveFailures: cfg.Client.MaxConsecutiveFailures,
	}

	arg := func() (string, error) {
		if len(args) != 1 {
			return "", usageError(fmt.Sprintf("%s takes exactly one argument", cmd))
		}
		return args[0], nil
	}

	switch cmd {
	case "tts":
		text := strings.Join(args, " ")
		if opts.file != "" {
			data, err := os.ReadFile(opts.file)
			if err != nil {
				return fmt.Errorf("failed to read text: %w", err)
			}
			text = string(data)
		}
		if strings.TrimSpace(text) == "" {
			return usageError("tts needs text or --file")
		}
		return submit(ctx, speech, client.Request{Text: text}, out, trackOpts)

	case "stt":
		name, err := arg()
		if err != nil {
			return err
		}
		return submit(ctx, speech, client.Request{SampleFile: name, Model: opts.model}, out, trackOpts)

	case "upload":
		path, err := arg()
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open recording: %w", err)
		}
		defer f.Close()
		req := client.Request{Audio: f, AudioName: filepath.Base(path), Model: opts.model}
		return submit(ctx, speech, req, out, trackOpts)

	case "watch":
		id, err := arg()
		if err != nil {
			return err
		}
		return track(ctx, speech, &client.SessionHandle{SessionID: id}, out, trackOpts)

	case "stream":
		id, err := arg()
		if err != nil {
			return err
		}
		err = stream(ctx, cfg.Client.BaseURL, cfg.Client.Token, id, out)
		if errors.Is(err, context.Canceled) {
			return tracker.ErrCancellationRequested
		}
		return err

	case "progress":
		id, err := arg()
		if err != nil {
			return err
		}
		session, err := speech.GetProgress(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: %s, %.1f%% (segment %d/%d, %d fragments)\n",
			session.ID, session.Status, session.Progress, session.CurrentSegment, session.TotalSegments, len(session.Transcriptions))
		if session.Error != "" {
			fmt.Fprintf(out, "error: %s\n", session.Error)
		}
		return nil

	case "cancel":
		id, err := arg()
		if err != nil {
			return err
		}
		if err := speech.CancelSession(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(out, "Session %s cancelled\n", id)
		return nil

	case "test-file":
		name, err := arg()
		if err != nil {
			return err
		}
		content, err := speech.FetchTestFile(ctx, name)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, content)
		return nil

	case "token":
		userID, err := arg()
		if err != nil {
			return err
		}
		token, err := auth.SignLegacyToken(userID, "", cfg.JWT.Secret, opts.ttl)
		if err != nil {
			return fmt.Errorf("failed to sign token: %w", err)
		}
		fmt.Fprintln(out, token)
		return nil

	default:
		return usageError(fmt.Sprintf("unknown command %q", cmd))
	}
}

// submit sends one job and either prints its result or tracks its session
func submit(ctx context.Context, speech *client.SpeechClient, req client.Request, out io.Writer, opts tracker.Options) error {
	outcome, err := speech.Submit(ctx, req)
	if err != nil {
		return err
	}

	if outcome.Kind == client.KindAsynchronous {
		return track(ctx, speech, outcome.Session, out, opts)
	}

	result := outcome.Immediate
	switch {
	case result.AudioURL != "":
		audioURL := result.AudioURL
		if strings.HasPrefix(audioURL, "/") {
			audioURL = speech.BaseURL() + audioURL
		}
		fmt.Fprintf(out, "Audio: %s\n", audioURL)
	default:
		fmt.Fprintln(out, result.Transcription)
	}
	return nil
}
