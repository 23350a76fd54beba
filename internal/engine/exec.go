package engine

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

const (
	execMaxLine   = 4 << 20
	execStopGrace = 2 * time.Second
)

// Exec bridges to an external decoder process. Each recognizer runs its own
// child, started as
//
//	<command> --model DIR --sample-rate HZ [--grammar JSON | --speaker-model DIR] [--words] [--log-level N]
//
// and driven with newline-delimited JSON requests on stdin. Every request is
// answered by exactly one line on stdout.
type Exec struct {
	cmd   []string
	grace time.Duration
}

// NewExec parses command with shell quoting rules.
func NewExec(command string) (*Exec, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse decoder command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("decoder command is empty")
	}
	return &Exec{cmd: args, grace: execStopGrace}, nil
}

func (*Exec) Name() string { return "exec" }

type execModel struct {
	path     string
	logLevel int
}

func (*execModel) Free() {}

type execSpeaker struct {
	path string
}

func (*execSpeaker) Free() {}

// LoadModel only checks that the artifact exists; the child process loads it.
func (*Exec) LoadModel(path string, opts LoadOptions) (Model, error) {
	if err := checkArtifact(path); err != nil {
		return nil, err
	}
	return &execModel{path: path, logLevel: opts.LogLevel}, nil
}

func (*Exec) LoadSpeakerModel(path string, _ LoadOptions) (SpeakerModel, error) {
	if err := checkArtifact(path); err != nil {
		return nil, err
	}
	return &execSpeaker{path: path}, nil
}

func checkArtifact(path string) error {
	if path == "" {
		return errors.New("model path is empty")
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("stat model: %w", err)
	}
	return nil
}

func (e *Exec) NewRecognizer(model Model, sampleRate float64, opts RecognizerOptions) (Recognizer, error) {
	m, ok := model.(*execModel)
	if !ok {
		return nil, errors.New("exec: model was not loaded by this engine")
	}
	args := append([]string{}, e.cmd[1:]...)
	args = append(args,
		"--model", m.path,
		"--sample-rate", strconv.FormatFloat(sampleRate, 'f', -1, 64),
	)
	switch {
	case opts.Speaker != nil:
		spk, ok := opts.Speaker.(*execSpeaker)
		if !ok {
			return nil, errors.New("exec: speaker model was not loaded by this engine")
		}
		args = append(args, "--speaker-model", spk.path)
	case opts.Grammar != "":
		args = append(args, "--grammar", opts.Grammar)
	}
	if opts.Words {
		args = append(args, "--words")
	}
	if m.logLevel != 0 {
		args = append(args, "--log-level", strconv.Itoa(m.logLevel))
	}

	cmd := exec.Command(e.cmd[0], args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	r := &execRecognizer{cmd: cmd, stdin: stdin, grace: e.grace, exited: make(chan struct{})}
	cmd.Stderr = &r.stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start decoder: %w", err)
	}
	go func() {
		r.waitErr = cmd.Wait()
		close(r.exited)
	}()

	r.out = bufio.NewScanner(stdout)
	r.out.Buffer(make([]byte, 0, 64*1024), execMaxLine)
	if _, err := r.call(execRequest{Op: "ready"}); err != nil {
		r.Free()
		return nil, err
	}
	return r, nil
}

type execRequest struct {
	Op  string `json:"op"`
	PCM []byte `json:"pcm,omitempty"`
}

type execReply struct {
	Final bool   `json:"final"`
	Error string `json:"error"`
}

type execRecognizer struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	out     *bufio.Scanner
	stderr  bytes.Buffer
	grace   time.Duration
	exited  chan struct{}
	waitErr error
	once    sync.Once
	pcm     []byte
}

func (r *execRecognizer) call(req execRequest) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	data = append(data, '\n')
	if _, err := r.stdin.Write(data); err != nil {
		return nil, fmt.Errorf("decoder %s: write: %w", req.Op, r.annotate(err))
	}
	if !r.out.Scan() {
		err := r.out.Err()
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("decoder %s: read: %w", req.Op, r.annotate(err))
	}
	line := append([]byte(nil), r.out.Bytes()...)
	var reply execReply
	if err := json.Unmarshal(line, &reply); err == nil && reply.Error != "" {
		return nil, fmt.Errorf("decoder %s: %s", req.Op, reply.Error)
	}
	return line, nil
}

func (r *execRecognizer) annotate(err error) error {
	select {
	case <-r.exited:
		if msg := bytes.TrimSpace(r.stderr.Bytes()); len(msg) > 0 {
			return fmt.Errorf("%w: %s", err, msg)
		}
	default:
	}
	return err
}

func (r *execRecognizer) AcceptWaveform(samples []int16) (bool, error) {
	r.pcm = EncodePCM16(r.pcm, samples)
	line, err := r.call(execRequest{Op: "accept", PCM: r.pcm})
	if err != nil {
		return false, err
	}
	var reply execReply
	if err := json.Unmarshal(line, &reply); err != nil {
		return false, fmt.Errorf("decoder accept: decode reply: %w", err)
	}
	return reply.Final, nil
}

func (r *execRecognizer) Result() (string, error) {
	line, err := r.call(execRequest{Op: "result"})
	return string(line), err
}

func (r *execRecognizer) PartialResult() (string, error) {
	line, err := r.call(execRequest{Op: "partial"})
	return string(line), err
}

func (r *execRecognizer) FinalResult() (string, error) {
	line, err := r.call(execRequest{Op: "final"})
	return string(line), err
}

// Free closes stdin and waits for the child, killing it after the grace
// period.
func (r *execRecognizer) Free() {
	r.once.Do(func() {
		_ = r.stdin.Close()
		select {
		case <-r.exited:
		case <-time.After(r.grace):
			_ = r.cmd.Process.Kill()
			<-r.exited
		}
	})
}
