package diarize

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ScriptEngine runs a pyannote diarization script as a subprocess. The script
// writes one JSON object per line on stdout:
//
//	{"type":"progress","step":"segmentation","completed":3,"total":10}
//	{"type":"turn","start":0.5,"end":4.2,"speaker":"SPEAKER_00"}
//	{"type":"error","message":"..."}
//
// Lines that are not JSON objects are logged and ignored.
type ScriptEngine struct {
	Python  string
	Script  string
	Device  string
	HFToken string
	Log     zerolog.Logger
}

type scriptLine struct {
	Type      string  `json:"type"`
	Step      string  `json:"step"`
	Completed *int    `json:"completed"`
	Total     *int    `json:"total"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	Speaker   string  `json:"speaker"`
	Message   string  `json:"message"`
}

func (e *ScriptEngine) Name() string { return "pyannote-script" }

func (e *ScriptEngine) Diarize(ctx context.Context, audioPath string, progress ProgressFunc) ([]SpeakerTurn, error) {
	python := e.Python
	if python == "" {
		python = "python3"
	}
	args := []string{e.Script, "--input", audioPath}
	if e.Device != "" {
		args = append(args, "--device", e.Device)
	}

	cmd := exec.CommandContext(ctx, python, args...)
	cmd.Env = append(os.Environ(), "HUGGINGFACE_TOKEN="+e.HFToken)
	cmd.WaitDelay = 5 * time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", e.Script, err)
	}

	turns, scriptErr, scanErr := e.readOutput(stdout, progress)

	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		msg := lastLine(stderr.String())
		if scriptErr != "" {
			msg = scriptErr
		}
		return nil, fmt.Errorf("%s exited: %w: %s", e.Script, err, msg)
	}
	if scriptErr != "" {
		return nil, fmt.Errorf("engine error: %s", scriptErr)
	}
	if scanErr != nil {
		return nil, fmt.Errorf("read engine output: %w", scanErr)
	}
	return turns, nil
}

func (e *ScriptEngine) readOutput(r io.Reader, progress ProgressFunc) ([]SpeakerTurn, string, error) {
	var (
		turns    []SpeakerTurn
		errorMsg string
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg scriptLine
		if line[0] != '{' || json.Unmarshal(line, &msg) != nil {
			e.Log.Debug().Str("line", string(line)).Msg("ignoring non-json engine output")
			continue
		}
		switch msg.Type {
		case "progress":
			p := Progress{Step: msg.Step}
			if msg.Completed != nil && msg.Total != nil {
				p.Completed, p.Total = *msg.Completed, *msg.Total
			}
			if progress != nil {
				progress(p)
			}
		case "turn":
			turns = append(turns, SpeakerTurn{Start: msg.Start, End: msg.End, Speaker: msg.Speaker})
		case "error":
			errorMsg = msg.Message
		default:
			e.Log.Debug().Str("type", msg.Type).Msg("ignoring unknown engine message")
		}
	}
	if err := sc.Err(); err != nil {
		// Keep the pipe drained so the script can exit.
		io.Copy(io.Discard, r)
		return nil, errorMsg, err
	}
	return turns, errorMsg, nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
