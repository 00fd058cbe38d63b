package sched

import (
	"context"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const ntpCommandTimeout = 20 * time.Second

// RunNTPCommand executes the configured clock-nudge command through
// the system shell during the PREP window. Failures are logged and
// otherwise ignored; the schedule tolerates a slightly wrong clock
// until the next checkpoint.
func RunNTPCommand(ctx context.Context, command string, logger zerolog.Logger) {
	command = strings.TrimSpace(command)
	if command == "" {
		logger.Info().Str("event", "sync.ntp_skipped").Msg("no ntp command configured, trusting the system clock")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, ntpCommandTimeout)
	defer cancel()
	shell, flag := "sh", "-c"
	if runtime.GOOS == "windows" {
		shell, flag = "cmd", "/C"
	}
	if err := exec.CommandContext(ctx, shell, flag, command).Run(); err != nil {
		logger.Warn().Str("event", "sync.ntp_failed").Err(err).Str("command", command).Msg("ntp command did not succeed")
		return
	}
	logger.Info().Str("event", "sync.ntp_ok").Str("command", command).Msg("ntp command completed")
}
