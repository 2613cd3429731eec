package tts

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// kokoroSynth runs a local Kokoro process per request. The process reads
// one JSON request on stdin and writes one JSON response line on stdout,
// so concurrent requests each get their own process.
type kokoroSynth struct {
	cmd      []string
	modelDir string
	modelURL string

	ensureOnce sync.Once
	ensureErr  error
}

type kokoroRequest struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice"`
	Lang  string  `json:"lang"`
	Speed float64 `json:"speed"`
}

type kokoroBoundary struct {
	Text    string `json:"text"`
	StartMS int64  `json:"start_ms"`
	EndMS   int64  `json:"end_ms"`
}

type kokoroResponse struct {
	AudioBase64 string           `json:"audio_base64"`
	Boundaries  []kokoroBoundary `json:"boundaries"`
	DurationMS  int64            `json:"duration_ms"`
	Error       string           `json:"error,omitempty"`
}

func NewKokoroSynth(command, modelDir, modelURL string) (*kokoroSynth, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse kokoro command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("kokoro command empty")
	}
	return &kokoroSynth{cmd: args, modelDir: modelDir, modelURL: modelURL}, nil
}

// EnsureModel downloads the model file once per process. Callers must run
// it before spawning concurrent Synthesize calls; the download itself is
// not safe to race with a starting engine.
func (k *kokoroSynth) EnsureModel(ctx context.Context) error {
	k.ensureOnce.Do(func() {
		k.ensureErr = k.downloadModel(ctx)
	})
	return k.ensureErr
}

func (k *kokoroSynth) downloadModel(ctx context.Context) error {
	if k.modelDir == "" || k.modelURL == "" {
		return nil
	}
	dest := filepath.Join(k.modelDir, path.Base(k.modelURL))
	if _, err := os.Stat(dest); err == nil {
		return nil
	}
	if err := os.MkdirAll(k.modelDir, 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.modelURL, nil)
	if err != nil {
		return fmt.Errorf("build model request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch model: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch model: unexpected status %d", resp.StatusCode)
	}

	tmp := dest + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create model file: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write model file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close model file: %w", err)
	}
	return os.Rename(tmp, dest)
}

func (k *kokoroSynth) Synthesize(ctx context.Context, req Request) (*Result, error) {
	payload, err := json.Marshal(kokoroRequest{
		Text:  req.Text,
		Voice: req.Voice,
		Lang:  req.Lang,
		Speed: req.Speed,
	})
	if err != nil {
		return nil, Fatal(err)
	}

	base := k.cmd[0]
	args := append([]string{}, k.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, Fatal(fmt.Errorf("start kokoro: %w", err))
	}

	if _, err := stdin.Write(payload); err != nil {
		cmd.Wait()
		return nil, err
	}
	stdin.Close()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 1<<20), 256<<20)
	var resp kokoroResponse
	decoded := false
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := json.Unmarshal(line, &resp); err != nil {
			cmd.Wait()
			return nil, fmt.Errorf("decode kokoro response: %w", err)
		}
		decoded = true
		break
	}
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("kokoro process: %w", err)
	}
	if scanErr := scanner.Err(); scanErr != nil {
		return nil, scanErr
	}
	if !decoded {
		return nil, fmt.Errorf("kokoro produced no response")
	}
	if resp.Error != "" {
		return nil, Fatal(fmt.Errorf("kokoro: %s", resp.Error))
	}

	audio, err := base64.StdEncoding.DecodeString(resp.AudioBase64)
	if err != nil {
		return nil, fmt.Errorf("decode kokoro audio: %w", err)
	}
	res := &Result{
		Audio:    audio,
		Duration: time.Duration(resp.DurationMS) * time.Millisecond,
	}
	for _, b := range resp.Boundaries {
		res.Boundaries = append(res.Boundaries, Boundary{
			Text:  b.Text,
			Start: time.Duration(b.StartMS) * time.Millisecond,
			End:   time.Duration(b.EndMS) * time.Millisecond,
		})
	}
	return res, nil
}

// Voices reports the fixed Kokoro voice roster. The engine ships its
// voices with the model, so there is nothing to query.
func (k *kokoroSynth) Voices(ctx context.Context) ([]Voice, error) {
	return []Voice{
		{Name: "af_heart", Locale: "en-US", Gender: "Female"},
		{Name: "af_bella", Locale: "en-US", Gender: "Female"},
		{Name: "am_adam", Locale: "en-US", Gender: "Male"},
		{Name: "bf_emma", Locale: "en-GB", Gender: "Female"},
		{Name: "bm_george", Locale: "en-GB", Gender: "Male"},
		{Name: "zf_xiaoxiao", Locale: "zh-CN", Gender: "Female"},
	}, nil
}
