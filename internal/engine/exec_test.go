package engine

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestHelperDecoder is not a real test. It is the decoder subprocess used by
// the exec engine tests.
func TestHelperDecoder(t *testing.T) {
	if os.Getenv("LOQA_HELPER_DECODER") != "1" {
		return
	}
	defer os.Exit(0)

	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	grammar := ""
	for i := 0; i < len(args)-1; i++ {
		if args[i] == "--grammar" {
			grammar = args[i+1]
		}
	}
	failOp := os.Getenv("LOQA_HELPER_FAIL")

	var samples int
	in := bufio.NewScanner(os.Stdin)
	in.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for in.Scan() {
		var req execRequest
		if err := json.Unmarshal(in.Bytes(), &req); err != nil {
			fmt.Println(`{"error":"bad request"}`)
			continue
		}
		if req.Op == failOp {
			fmt.Println(`{"error":"boom"}`)
			continue
		}
		switch req.Op {
		case "ready":
			fmt.Printf(`{"args":%q}`+"\n", strings.Join(args, " "))
		case "accept":
			samples += len(req.PCM) / 2
			fmt.Printf(`{"final":%t}`+"\n", samples >= 16000)
		case "partial":
			fmt.Println(`{"partial":"hel"}`)
		case "result", "final":
			text := "hello"
			if grammar != "" {
				var phrases []string
				_ = json.Unmarshal([]byte(grammar), &phrases)
				text = phrases[0]
			}
			fmt.Printf(`{"text":%q,"result":[{"conf":1,"start":0,"end":1,"word":%q}]}`+"\n", text, text)
		default:
			fmt.Println(`{"error":"unknown op"}`)
		}
	}
}

func helperExec(t *testing.T, fail string) *Exec {
	t.Helper()
	t.Setenv("LOQA_HELPER_DECODER", "1")
	t.Setenv("LOQA_HELPER_FAIL", fail)
	e, err := NewExec(fmt.Sprintf("%q -test.run=TestHelperDecoder --", os.Args[0]))
	require.NoError(t, err)
	return e
}

func TestNewExecRejectsEmptyCommand(t *testing.T) {
	_, err := NewExec("   ")
	require.Error(t, err)
	_, err = NewExec(`decoder "unterminated`)
	require.Error(t, err)
}

func TestExecLoadModelChecksPath(t *testing.T) {
	e := helperExec(t, "")
	_, err := e.LoadModel("", LoadOptions{})
	require.Error(t, err)
	_, err = e.LoadModel("/nonexistent/model", LoadOptions{})
	require.Error(t, err)
	_, err = e.LoadSpeakerModel("/nonexistent/spk", LoadOptions{})
	require.Error(t, err)
}

func TestExecRecognizerRoundTrip(t *testing.T) {
	e := helperExec(t, "")
	model, err := e.LoadModel(t.TempDir(), LoadOptions{LogLevel: 1})
	require.NoError(t, err)
	defer model.Free()

	rec, err := e.NewRecognizer(model, 16000, RecognizerOptions{Words: true})
	require.NoError(t, err)
	defer rec.Free()

	done, err := rec.AcceptWaveform(make([]int16, 8000))
	require.NoError(t, err)
	require.False(t, done)

	partial, err := rec.PartialResult()
	require.NoError(t, err)
	require.JSONEq(t, `{"partial":"hel"}`, partial)

	done, err = rec.AcceptWaveform(make([]int16, 8000))
	require.NoError(t, err)
	require.True(t, done)

	res, err := rec.Result()
	require.NoError(t, err)
	require.Contains(t, res, `"text":"hello"`)

	final, err := rec.FinalResult()
	require.NoError(t, err)
	require.Contains(t, final, `"word":"hello"`)
}

func TestExecPassesGrammar(t *testing.T) {
	e := helperExec(t, "")
	model, err := e.LoadModel(t.TempDir(), LoadOptions{})
	require.NoError(t, err)

	rec, err := e.NewRecognizer(model, 8000, RecognizerOptions{Grammar: `["yes","no"]`})
	require.NoError(t, err)
	defer rec.Free()

	res, err := rec.FinalResult()
	require.NoError(t, err)
	require.Contains(t, res, `"text":"yes"`)
}

func TestExecReportsDecoderErrors(t *testing.T) {
	e := helperExec(t, "accept")
	model, err := e.LoadModel(t.TempDir(), LoadOptions{})
	require.NoError(t, err)

	rec, err := e.NewRecognizer(model, 16000, RecognizerOptions{})
	require.NoError(t, err)
	defer rec.Free()

	_, err = rec.AcceptWaveform(make([]int16, 10))
	require.ErrorContains(t, err, "boom")

	rec.Free()
	rec.Free()
}

func TestExecStartupFailure(t *testing.T) {
	e := helperExec(t, "ready")
	model, err := e.LoadModel(t.TempDir(), LoadOptions{})
	require.NoError(t, err)

	_, err = e.NewRecognizer(model, 16000, RecognizerOptions{})
	require.ErrorContains(t, err, "boom")
}

func TestVoskStubOrNative(t *testing.T) {
	v, err := NewVosk()
	if err != nil {
		require.ErrorIs(t, err, ErrUnavailable)
		return
	}
	require.Equal(t, "vosk", v.Name())
}
