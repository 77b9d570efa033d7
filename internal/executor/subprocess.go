package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Subprocess runs a local executor binary: stdin = one JSON Request, stdout =
// NDJSON events, one per line. A line of type "result" is the terminal result;
// unparseable lines are collected as plain output.
type Subprocess struct {
	Command string
	Args    []string
	Timeout time.Duration // 0 = context only
}

func (s Subprocess) Name() string { return "subprocess" }

// invalidHandleMarkers identify a rejected resumable handle; the invocation is
// repeated once with a fresh context.
var invalidHandleMarkers = []string{"invalid handle", "unknown handle", "expired handle", "no such session"}

func (s Subprocess) Invoke(ctx context.Context, req Request, emit func(Event)) (Result, error) {
	res, err := s.invokeOnce(ctx, req, emit)
	if err != nil {
		return res, err
	}
	if req.Handle != "" && handleRejected(res) {
		slog.Info("executor rejected resumable handle, retrying fresh", "worker", req.Worker)
		fresh := req
		fresh.Handle = ""
		return s.invokeOnce(ctx, fresh, emit)
	}
	return res, nil
}

func (s Subprocess) invokeOnce(ctx context.Context, req Request, emit func(Event)) (Result, error) {
	if s.Command == "" {
		return Result{}, errors.New("executor command is required")
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	start := time.Now()

	cmd := exec.CommandContext(ctx, s.Command, s.Args...)
	cmd.Dir = req.Workdir
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return Result{}, err
	}
	cmd.Stdin = strings.NewReader(string(reqJSON) + "\n")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, err
	}
	if err := cmd.Start(); err != nil {
		return Result{}, err
	}
	defer func() {
		if ctx.Err() != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		if err := cmd.Wait(); err != nil {
			slog.Warn("executor subprocess exited with error", "worker", req.Worker, "err", err)
		}
	}()

	var output strings.Builder
	var result *Result
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil || ev.Type == "" {
			output.WriteString(line)
			output.WriteString("\n")
			continue
		}
		if ev.Type == "result" {
			r := resultFromEvent(ev)
			result = &r
			continue
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now().UTC()
		}
		if ev.Worker == "" {
			ev.Worker = req.Worker
		}
		emit(ev)
	}
	if err := sc.Err(); err != nil {
		return Result{}, err
	}
	if result == nil {
		// No structured terminal line; fall back to plain output as the result.
		result = &Result{Success: true, Output: strings.TrimSpace(output.String())}
	} else if result.Output == "" {
		result.Output = strings.TrimSpace(output.String())
	}
	result.Duration = time.Since(start)
	return *result, nil
}

func resultFromEvent(ev Event) Result {
	var r Result
	b, err := json.Marshal(ev.Data)
	if err != nil {
		return r
	}
	_ = json.Unmarshal(b, &r)
	return r
}

func handleRejected(res Result) bool {
	low := strings.ToLower(res.Error + " " + res.Output)
	for _, m := range invalidHandleMarkers {
		if strings.Contains(low, m) {
			return true
		}
	}
	return false
}
