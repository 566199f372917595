package spawn

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jaakkos/opencode-orchestrator/internal/domain"
)

// workerBinary is the subprocess entrypoint.
const workerBinary = "opencode"

// termGrace is how long a stopped worker gets between SIGTERM and SIGKILL.
const termGrace = 2 * time.Second

// launched is a handle on a running worker subprocess after readiness.
type launched struct {
	pid  int
	url  string
	port int
	stop func()
}

// launchFunc starts a worker subprocess and waits for readiness. Tests
// substitute this to count spawns without forking.
type launchFunc func(ctx context.Context, profile domain.WorkerProfile, env map[string]string, deadline time.Duration) (*launched, error)

// readyLine is the readiness banner on the child's output.
var (
	readyPrefix = "opencode server listening"
	urlPattern  = regexp.MustCompile(`https?://[^\s]+`)
)

// execLaunch runs `opencode serve` and scans stdout and stderr for the
// readiness banner. Port 0 lets the OS assign; the actual port comes back in
// the banner URL.
func execLaunch(ctx context.Context, profile domain.WorkerProfile, env map[string]string, deadline time.Duration) (*launched, error) {
	port := profile.Port

	cmd := exec.Command(workerBinary, "serve",
		"--hostname=127.0.0.1",
		"--port="+strconv.Itoa(port))
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, domain.E(domain.KindSpawnExit, "spawn.launch", profile.ID, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, domain.E(domain.KindSpawnExit, "spawn.launch", profile.ID, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, domain.E(domain.KindSpawnExit, "spawn.launch", profile.ID, err)
	}
	pid := cmd.Process.Pid

	// Both scanners end at pipe EOF; closing lines after they finish lets
	// the post-readiness drain goroutine exit with the child.
	lines := make(chan string, 32)
	var scanners sync.WaitGroup
	scanners.Add(2)
	go func() { defer scanners.Done(); scanLines(stdout, lines) }()
	go func() { defer scanners.Done(); scanLines(stderr, lines) }()
	go func() {
		scanners.Wait()
		close(lines)
	}()

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	kill := func() {
		terminate(pid)
		<-exited
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				// Pipes closed without a banner; wait on the exit paths.
				lines = nil
				continue
			}
			url, ok := parseReadyLine(line)
			if !ok {
				continue
			}
			actualPort := portFromURL(url)
			if actualPort == 0 {
				actualPort = port
			}
			// Keep draining so the child never blocks on a full pipe.
			go func() {
				for range lines {
				}
			}()
			return &launched{pid: pid, url: url, port: actualPort, stop: kill}, nil

		case err := <-exited:
			return nil, domain.Errorf(domain.KindSpawnExit, "spawn.launch", profile.ID,
				"worker exited before readiness: %v", err)

		case <-timer.C:
			kill()
			return nil, domain.Errorf(domain.KindSpawnTimeout, "spawn.launch", profile.ID,
				"no readiness banner within %s", deadline)

		case <-ctx.Done():
			kill()
			return nil, domain.E(domain.KindSpawnTimeout, "spawn.launch", profile.ID, ctx.Err())
		}
	}
}

func scanLines(r io.Reader, out chan<- string) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		out <- sc.Text()
	}
}

// parseReadyLine matches the banner and extracts the worker URL.
func parseReadyLine(line string) (string, bool) {
	if !strings.HasPrefix(strings.TrimSpace(line), readyPrefix) {
		return "", false
	}
	url := urlPattern.FindString(line)
	if url == "" {
		return "", false
	}
	return strings.TrimRight(url, "/"), true
}

func portFromURL(url string) int {
	i := strings.LastIndex(url, ":")
	if i < 0 {
		return 0
	}
	p, err := strconv.Atoi(strings.TrimRight(url[i+1:], "/"))
	if err != nil {
		return 0
	}
	return p
}

// terminate delivers SIGTERM to the worker's process group, escalating to
// SIGKILL after the grace period.
func terminate(pid int) {
	if pid <= 0 {
		return
	}
	signalGroup(pid, false)
	go func() {
		time.Sleep(termGrace)
		signalGroup(pid, true)
	}()
}
