package host

import (
	"context"
	"log/slog"
	"os/exec"
	"runtime"
	"time"
)

// speechTimeout bounds one text-to-speech invocation.
const speechTimeout = 30 * time.Second

// CommandSpeech speaks assistant text through the platform's TTS command.
// Every call is best effort and asynchronous: a missing binary or a failed
// invocation is logged and otherwise ignored.
type CommandSpeech struct {
	command string
	args    []string
	logger  *slog.Logger
}

// NewCommandSpeech picks the platform TTS command. Returns nil when the
// platform has no known one; callers treat a nil Speech as disabled.
func NewCommandSpeech(logger *slog.Logger) *CommandSpeech {
	switch runtime.GOOS {
	case "darwin":
		return &CommandSpeech{command: "say", logger: logger}
	case "linux":
		if _, err := exec.LookPath("espeak"); err == nil {
			return &CommandSpeech{command: "espeak", logger: logger}
		}
		return nil
	default:
		return nil
	}
}

func (s *CommandSpeech) Speak(text string) {
	if text == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), speechTimeout)
		defer cancel()
		args := append(append([]string(nil), s.args...), text)
		if err := exec.CommandContext(ctx, s.command, args...).Run(); err != nil {
			s.logger.Warn("speech failed", "command", s.command, "error", err)
		}
	}()
}
