// Command loqa-transcribe streams a mono 16-bit WAV file through a
// recognition session and prints each engine reply as JSON, followed by the
// final result.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/runtime"
	"github.com/loqalabs/loqa-stt/internal/stt"
)

func main() {
	var (
		engineName  string
		command     string
		modelPath   string
		speakerPath string
		grammar     string
		words       bool
		chunkMS     int
		logLevel    int
	)
	flag.StringVar(&engineName, "engine", "vosk", "Decoding engine: vosk, exec or mock")
	flag.StringVar(&command, "command", "", "Decoder command for the exec engine")
	flag.StringVar(&modelPath, "model", "model", "Path to the acoustic model directory")
	flag.StringVar(&speakerPath, "speaker-model", "", "Optional speaker identification model")
	flag.StringVar(&grammar, "grammar", "", "Comma separated phrase list restricting recognition")
	flag.BoolVar(&words, "words", true, "Include per-word timings in final results")
	flag.IntVar(&chunkMS, "chunk-ms", 250, "Audio fed per step in milliseconds")
	flag.IntVar(&logLevel, "engine-log-level", -1, "Engine log verbosity")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] file.wav\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	opts := options{
		sttCfg: config.STTConfig{
			Engine:           engineName,
			Command:          command,
			ModelPath:        modelPath,
			SpeakerModelPath: speakerPath,
			EngineLogLevel:   logLevel,
			Words:            words,
		},
		chunkMS: chunkMS,
		logger:  logger,
	}
	for _, p := range strings.Split(grammar, ",") {
		if p = strings.TrimSpace(p); p != "" {
			opts.sttCfg.Grammar = append(opts.sttCfg.Grammar, p)
		}
	}

	if err := run(flag.Arg(0), opts, os.Stdout); err != nil {
		logger.Error("transcription failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

type options struct {
	sttCfg  config.STTConfig
	chunkMS int
	logger  *slog.Logger
}

func run(path string, opts options, out io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return fmt.Errorf("%s is not a valid WAV file", path)
	}
	if dec.NumChans != 1 || dec.BitDepth != 16 || dec.WavAudioFormat != 1 {
		return fmt.Errorf("audio file must be WAV format mono PCM 16-bit, got %d channels %d bits format %d",
			dec.NumChans, dec.BitDepth, dec.WavAudioFormat)
	}
	rate := int(dec.SampleRate)

	eng, err := runtime.NewEngine(opts.sttCfg)
	if err != nil {
		return err
	}
	loadOpts := []stt.LoadOption{
		stt.WithEngineLogLevel(opts.sttCfg.EngineLogLevel),
		stt.WithLogger(opts.logger),
	}
	model, err := stt.LoadModel(eng, opts.sttCfg.ModelPath, loadOpts...)
	if err != nil {
		return err
	}
	defer model.Close()

	b := stt.NewSessionConfigBuilder().SamplingFrequency(float64(rate)).Words(opts.sttCfg.Words)
	if len(opts.sttCfg.Grammar) > 0 {
		b = b.Grammar(opts.sttCfg.Grammar...)
	}
	if opts.sttCfg.SpeakerModelPath != "" {
		spk, err := stt.LoadSpeakerModel(eng, opts.sttCfg.SpeakerModelPath, loadOpts...)
		if err != nil {
			return err
		}
		defer spk.Close()
		b = b.Speaker(spk)
	}
	cfg, err := b.Finish()
	if err != nil {
		return err
	}
	sess, err := model.NewSession(cfg)
	if err != nil {
		return err
	}
	defer sess.Close()

	chunk := rate * opts.chunkMS / 1000
	if chunk <= 0 {
		chunk = rate / 4
	}
	buf := &audio.IntBuffer{Data: make([]int, chunk), Format: dec.Format()}
	samples := make([]int16, chunk)
	for {
		n, err := dec.PCMBuffer(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read pcm: %w", err)
		}
		if n == 0 {
			break
		}
		for i := 0; i < n; i++ {
			samples[i] = int16(buf.Data[i])
		}
		boundary, err := sess.Feed(samples[:n])
		if err != nil {
			return err
		}
		var line []byte
		if boundary {
			res, err := sess.Result()
			if err != nil {
				return err
			}
			line, err = stt.EncodeFinal(res)
			if err != nil {
				return err
			}
		} else {
			p, err := sess.PartialResult()
			if err != nil {
				return err
			}
			line, err = stt.EncodePartial(p)
			if err != nil {
				return err
			}
		}
		fmt.Fprintln(out, string(line))
	}

	res, err := sess.FinalResult()
	if err != nil {
		return err
	}
	line, err := stt.EncodeFinal(res)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(line))
	return nil
}
