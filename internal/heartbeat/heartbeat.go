// Package heartbeat implements the liveness and stale-task cleanup loop
// spec.md §4.2 describes: every HeartbeatWaitInterval it checks whether the
// current task has overrun its lease and, if so, kills the stale worker
// process tree and ends the task; otherwise, if the worker log advanced, it
// posts a liveness update to the control plane.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pingubot/pingubot/internal/api"
	"github.com/pingubot/pingubot/internal/shellutil"
)

// HeartbeatWaitInterval matches spec.md §4.2's 10 minute check period.
const HeartbeatWaitInterval = 10 * time.Minute

// TaskCompletionBuffer is the grace period added to a task's end time
// before the heartbeat considers it stale.
const TaskCompletionBuffer = 5 * time.Minute

// Monitor runs the heartbeat loop for one bot.
type Monitor struct {
	client       api.Client
	logger       *slog.Logger
	botID        string
	workerLogPath string
	workDir      string

	lastLogModTime time.Time

	// TaskEndTime reports the deadline the current task must finish by, or
	// false when none is known. The default reports none, and the worker
	// loop does not record a task deadline anywhere.
	TaskEndTime func() (time.Time, bool)

	// CurrentTaskID returns the task ID currently leased by the worker, if
	// any; used to end the task on the API when it is found stale.
	CurrentTaskID func() string
}

// New constructs a Monitor for botID, watching workerLogPath for liveness
// and workDir for the temp/testcase directories to clear on a stale task.
func New(client api.Client, logger *slog.Logger, botID, workerLogPath, workDir string) *Monitor {
	return &Monitor{
		client: client, logger: logger, botID: botID,
		workerLogPath: workerLogPath, workDir: workDir,
		TaskEndTime:   func() (time.Time, bool) { return time.Time{}, false },
		CurrentTaskID: func() string { return "" },
	}
}

// Run loops until ctx is cancelled, checking liveness every
// HeartbeatWaitInterval.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatWaitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkOnce(ctx)
		}
	}
}

func (m *Monitor) checkOnce(ctx context.Context) {
	if deadline, ok := m.TaskEndTime(); ok && time.Now().After(deadline.Add(TaskCompletionBuffer)) {
		m.cleanStaleTask(ctx)
		return
	}

	info, err := os.Stat(m.workerLogPath)
	if err != nil {
		return
	}
	if info.ModTime().After(m.lastLogModTime) {
		m.lastLogModTime = info.ModTime()
		if _, err := m.client.BotRunTimedOut(ctx, m.botID); err != nil {
			m.logger.Warn("heartbeat liveness update failed", "error", err)
		}
	}
}

// cleanStaleTask kills every process whose command line references the
// worker entry point, clears temp/testcase directories, and ends the task
// on the API.
func (m *Monitor) cleanStaleTask(ctx context.Context) {
	m.logger.Warn("task past its completion buffer; cleaning up stale worker")

	pids, err := findWorkerProcesses()
	if err != nil {
		m.logger.Error("failed to enumerate processes for stale-task cleanup", "error", err)
	}
	for _, pid := range pids {
		if err := killProcessTree(pid); err != nil {
			m.logger.Error("failed to kill stale worker process tree", "pid", pid, "error", err)
		}
	}

	for _, dir := range shellutil.PreTaskCleanupDirs(m.workDir) {
		if err := shellutil.RemoveContents(dir); err != nil {
			m.logger.Error("failed to clear directory during stale-task cleanup", "dir", dir, "error", err)
		}
	}

	if err := m.client.EndTask(ctx, m.CurrentTaskID()); err != nil {
		m.logger.Error("failed to end stale task on control plane", "error", err)
	}
}

// findWorkerProcesses returns PIDs of processes whose command line contains
// the worker entry-point path, using ps as a portable host-introspection
// mechanism rather than a cgo-based library.
func findWorkerProcesses() ([]int, error) {
	if runtime.GOOS == "windows" {
		return nil, nil
	}

	out, err := exec.Command("ps", "-eo", "pid,args").Output()
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}

	selfExe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve own executable: %w", err)
	}
	needle := filepath.Base(selfExe)

	var pids []int
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if !strings.Contains(line, needle) {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		if pid == os.Getpid() {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

func killProcessTree(pid int) error {
	if runtime.GOOS == "windows" {
		return exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(pid)).Run()
	}
	// pkill -P signals only pid's children (and exits non-zero when there
	// are none), so pid itself is signalled separately.
	_ = exec.Command("pkill", "-TERM", "-P", strconv.Itoa(pid)).Run()
	return exec.Command("kill", "-TERM", strconv.Itoa(pid)).Run()
}
