package emulator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/beanpuppy/retrobot/internal/config"
	"github.com/beanpuppy/retrobot/internal/model"
	"github.com/beanpuppy/retrobot/internal/security"
)

type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

const (
	romFile       = "rom"
	stateFile     = "state.sav"
	inputsFile    = "inputs.json"
	outStateFile  = "state.out"
	recordingFile = "recording"
	maxDiagnostic = 4096
)

// ProcessEngine drives an external headless emulator command. Each session
// gets a work directory holding its ROM and latest state; that directory is
// the warm handle.
type ProcessEngine struct {
	command []string
	baseDir string
	runner  Runner
}

func NewProcessEngine(cfg config.Config) *ProcessEngine {
	return &ProcessEngine{
		command: append([]string(nil), cfg.EngineCommand...),
		baseDir: cfg.CacheDir,
		runner:  OSRunner{},
	}
}

func NewProcessEngineWithRunner(cfg config.Config, runner Runner) *ProcessEngine {
	e := NewProcessEngine(cfg)
	e.runner = runner
	return e
}

type workDir struct {
	path     string
	platform model.Platform
	once     sync.Once
	err      error
}

func (w *workDir) Release() error {
	w.once.Do(func() {
		w.err = os.RemoveAll(w.path)
	})
	return w.err
}

func (w *workDir) file(name string) string {
	return filepath.Join(w.path, name)
}

type inputLine struct {
	Button string `json:"button"`
	Step   int    `json:"step"`
}

func (e *ProcessEngine) Run(ctx context.Context, req Request) (Result, error) {
	if len(e.command) == 0 {
		return Result{}, &EngineError{Err: fmt.Errorf("no engine command configured")}
	}
	var (
		wd    *workDir
		fresh bool
	)
	if req.Handle != nil {
		h, ok := req.Handle.(*workDir)
		if !ok {
			return Result{}, &EngineError{Err: fmt.Errorf("foreign handle %T", req.Handle)}
		}
		if h.platform != req.Platform {
			return Result{}, &EngineError{Err: fmt.Errorf("handle bound to %s, request for %s", h.platform, req.Platform)}
		}
		wd = h
	} else {
		var err error
		wd, err = e.materialize(req)
		if err != nil {
			return Result{}, err
		}
		fresh = true
	}

	res, err := e.step(ctx, wd, req)
	if err != nil {
		if fresh {
			_ = wd.Release()
		}
		return Result{}, err
	}
	return res, nil
}

func (e *ProcessEngine) materialize(req Request) (*workDir, error) {
	if len(req.ROM) == 0 {
		return nil, &EngineError{Err: fmt.Errorf("empty rom")}
	}
	if err := os.MkdirAll(e.baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("create engine dir: %w", err)
	}
	path, err := os.MkdirTemp(e.baseDir, "core-*")
	if err != nil {
		return nil, fmt.Errorf("create core dir: %w", err)
	}
	wd := &workDir{path: path, platform: req.Platform}
	if err := os.WriteFile(wd.file(romFile), req.ROM, 0o600); err != nil {
		_ = wd.Release()
		return nil, fmt.Errorf("write rom: %w", err)
	}
	if len(req.State) > 0 {
		if err := os.WriteFile(wd.file(stateFile), req.State, 0o600); err != nil {
			_ = wd.Release()
			return nil, fmt.Errorf("write state: %w", err)
		}
	}
	return wd, nil
}

func (e *ProcessEngine) step(ctx context.Context, wd *workDir, req Request) (Result, error) {
	lines := make([]inputLine, 0, len(req.Events))
	for _, ev := range req.Events {
		lines = append(lines, inputLine{Button: strings.ToLower(ev.Button.String()), Step: ev.Step})
	}
	raw, err := json.Marshal(lines)
	if err != nil {
		return Result{}, fmt.Errorf("encode inputs: %w", err)
	}
	if err := os.WriteFile(wd.file(inputsFile), raw, 0o600); err != nil {
		return Result{}, fmt.Errorf("write inputs: %w", err)
	}
	_ = os.Remove(wd.file(outStateFile))
	_ = os.Remove(wd.file(recordingFile))

	args := append([]string(nil), e.command[1:]...)
	args = append(args,
		"--platform", string(req.Platform),
		"--rom", wd.file(romFile),
		"--inputs", wd.file(inputsFile),
		"--out-state", wd.file(outStateFile),
		"--out-recording", wd.file(recordingFile),
	)
	if _, err := os.Stat(wd.file(stateFile)); err == nil {
		args = append(args, "--state", wd.file(stateFile))
	}

	out, err := e.runner.Run(ctx, e.command[0], args...)
	if err != nil {
		return Result{}, &EngineError{Diagnostic: diagnostic(out), Err: err}
	}

	state, err := os.ReadFile(wd.file(outStateFile))
	if err != nil {
		return Result{}, &EngineError{Diagnostic: diagnostic(out), Err: fmt.Errorf("missing output state: %w", err)}
	}
	recording, err := os.ReadFile(wd.file(recordingFile))
	if err != nil {
		return Result{}, &EngineError{Diagnostic: diagnostic(out), Err: fmt.Errorf("missing recording: %w", err)}
	}
	if err := os.Rename(wd.file(outStateFile), wd.file(stateFile)); err != nil {
		return Result{}, fmt.Errorf("promote state: %w", err)
	}
	return Result{
		State:     state,
		Recording: model.Recording{Name: recordingName(recording), Data: recording},
		Handle:    wd,
	}, nil
}

func diagnostic(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > maxDiagnostic {
		s = s[len(s)-maxDiagnostic:]
	}
	return security.RedactPayload(s)
}

var recordingExtensions = map[string]string{
	"image/gif":  ".gif",
	"image/png":  ".png",
	"video/mp4":  ".mp4",
	"video/webm": ".webm",
}

func recordingName(data []byte) string {
	kind := http.DetectContentType(data)
	if ext, ok := recordingExtensions[kind]; ok {
		return "recording" + ext
	}
	return "recording.bin"
}
