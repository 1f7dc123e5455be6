package auth

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/Koohoko/codex-switcher/internal/logger"
	"go.uber.org/zap"
)

// portReleaseWait gives the OS time to free the port after the owner is killed
const portReleaseWait = 200 * time.Millisecond

// PortEvictor frees the callback port from whatever process is holding it.
// The redirect URI registered with the provider is fixed, so the login cannot
// move to another port.
type PortEvictor interface {
	Evict(ctx context.Context, port int) error
}

// NoopEvictor leaves the port alone
type NoopEvictor struct{}

func (NoopEvictor) Evict(ctx context.Context, port int) error {
	return nil
}

// LsofEvictor kills listeners found by lsof, never the current process.
type LsofEvictor struct {
	wait time.Duration
}

func NewLsofEvictor() *LsofEvictor {
	return &LsofEvictor{wait: portReleaseWait}
}

func (e *LsofEvictor) Evict(ctx context.Context, port int) error {
	path, err := exec.LookPath("lsof")
	if err != nil {
		logger.Debug("lsof not available, skipping port eviction", zap.Int("port", port))
		return nil
	}

	// lsof exits 1 when nothing matches
	out, _ := exec.CommandContext(ctx, path, "-t", "-nP", "-iTCP:"+strconv.Itoa(port), "-sTCP:LISTEN").Output()
	pids := parsePIDs(out)

	killed := 0
	self := os.Getpid()
	for _, pid := range pids {
		if pid == self {
			continue
		}
		process, err := os.FindProcess(pid)
		if err != nil {
			continue
		}
		if err := process.Kill(); err != nil {
			logger.Warn("Failed to evict callback port owner", zap.Int("port", port), zap.Int("pid", pid), zap.Error(err))
			continue
		}
		logger.Info("Evicted process holding the callback port", zap.Int("port", port), zap.Int("pid", pid))
		killed++
	}

	if killed > 0 {
		select {
		case <-time.After(e.wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func parsePIDs(out []byte) []int {
	var pids []int
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		pid, err := strconv.Atoi(string(bytes.TrimSpace(scanner.Bytes())))
		if err != nil || pid <= 0 {
			continue
		}
		pids = append(pids, pid)
	}
	return pids
}
