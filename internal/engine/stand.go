package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
)

// defaultLogTail is the number of log lines served when none is requested.
const defaultLogTail = "150"

// Stand is one test-tools container on the docker host, addressed by its
// container name.
//
// Two locks with distinct roles: opMu serializes mutating operations (start,
// stop, backup, update) so a queue worker and an HTTP handler never act on
// the same stand at once; mu guards the state fields and is never held across
// network calls, so Refresh and Status stay responsive while an operation
// runs for hours.
type Stand struct {
	name string

	docker      DockerAPI
	domain      string
	stopTimeout time.Duration
	httpClient  *http.Client
	log         *slog.Logger

	opMu sync.Mutex

	mu        sync.Mutex
	queue     *taskQueue
	stopTimer *time.Timer
	stopGen   uint64

	running       bool
	testToolsPort string
	uniPort       string
	dbAddr        string
	tomcatCode    *int
	lastTask      string
	lastError     string
	activeTask    string
	uniVersion    string
}

// StandStatus is a point-in-time copy of a stand's observable state.
type StandStatus struct {
	Name          string
	Running       bool
	TomcatCode    *int
	DBAddr        string
	TestToolsPort string
	UniPort       string
	LastTask      string
	LastError     string
	ActiveTask    string
	UniVersion    string
}

// engineStatus is the JSON document the test-tools agent serves on
// /engine_status.
type engineStatus struct {
	DBAddr           string `json:"db_addr"`
	TomcatReturnCode *int   `json:"tomcat_returncode"`
	LastTask         string `json:"last_task"`
	LastError        string `json:"last_error"`
	ActiveTask       string `json:"active_task"`
	UniVersion       string `json:"uni_version"`
}

func newStand(name string, e *Engine) *Stand {
	return &Stand{
		name:        name,
		docker:      e.docker,
		domain:      e.domainName,
		stopTimeout: e.stopTimeout,
		httpClient:  e.httpClient,
		log:         e.log.With("stand", name),
	}
}

// Name returns the container name of the stand.
func (s *Stand) Name() string { return s.name }

// Status returns a copy of the stand's current state.
func (s *Stand) Status() StandStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	var code *int
	if s.tomcatCode != nil {
		c := *s.tomcatCode
		code = &c
	}
	return StandStatus{
		Name:          s.name,
		Running:       s.running,
		TomcatCode:    code,
		DBAddr:        s.dbAddr,
		TestToolsPort: s.testToolsPort,
		UniPort:       s.uniPort,
		LastTask:      s.lastTask,
		LastError:     s.lastError,
		ActiveTask:    s.activeTask,
		UniVersion:    s.uniVersion,
	}
}

func (s *Stand) setQueue(q *taskQueue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = q
}

func (s *Stand) getQueue() *taskQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue
}

// Refresh re-reads the stand's state from the container and, when it is
// running, from the test-tools agent inside it. It deliberately does not take
// opMu so the status page works while a long operation is in flight.
func (s *Stand) Refresh(ctx context.Context) error {
	inspect, err := s.docker.ContainerInspect(ctx, s.name)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", s.name, err)
	}
	running := inspect.State != nil && inspect.State.Running

	if !running {
		s.mu.Lock()
		s.running = false
		s.tomcatCode = nil
		s.lastTask = "-"
		s.lastError = "-"
		s.activeTask = "-"
		s.uniVersion = "-"
		s.mu.Unlock()
		return nil
	}

	ttPort := publishedPort(inspect, testToolsContainerPort)
	uniPort := publishedPort(inspect, uniContainerPort)
	if ttPort == "" || uniPort == "" {
		s.log.Warn("found running container with unbound ports, cannot use it")
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	s.running = true
	s.testToolsPort = ttPort
	s.uniPort = uniPort
	s.mu.Unlock()

	body, err := s.agentAction(ctx, "engine_status", engineStatusTimeout)
	if err != nil {
		return err
	}
	var st engineStatus
	if err := json.Unmarshal(body, &st); err != nil {
		return fmt.Errorf("parse engine_status of %s: %w", s.name, err)
	}

	s.mu.Lock()
	s.dbAddr = st.DBAddr
	s.tomcatCode = st.TomcatReturnCode
	s.lastTask = st.LastTask
	s.lastError = st.LastError
	s.activeTask = st.ActiveTask
	s.uniVersion = st.UniVersion
	s.mu.Unlock()
	return nil
}

// Start starts the container and tomcat inside it. When a stop timeout is
// configured, an idle timer is armed that stops tomcat again once it fires.
func (s *Stand) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.start(ctx)
}

// start is Start without the operation lock. Caller holds opMu.
func (s *Stand) start(ctx context.Context) error {
	s.log.Info("start stand")
	s.cancelStopTimer()

	if err := s.docker.ContainerStart(ctx, s.name, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", s.name, err)
	}
	if err := s.Refresh(ctx); err != nil {
		return err
	}
	if _, err := s.agentAction(ctx, "start_tomcat", startTomcatTimeout); err != nil {
		return err
	}
	s.armStopTimer()
	return nil
}

// Stop stops tomcat inside the stand. The container itself keeps running so
// the stand stays discoverable and can be started again quickly.
func (s *Stand) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.stop(ctx)
}

func (s *Stand) stop(ctx context.Context) error {
	s.log.Info("stop stand")
	s.cancelStopTimer()
	_, err := s.agentAction(ctx, "stop_tomcat", stopTomcatTimeout)
	return err
}

// Backup starts the stand, waits until uni is healthy so a broken stand is
// never backed up, runs the database backup and stops tomcat again.
func (s *Stand) Backup(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.backup(ctx)
}

func (s *Stand) backup(ctx context.Context) error {
	s.log.Info("backup started")
	if err := s.start(ctx); err != nil {
		return err
	}
	if err := s.Refresh(ctx); err != nil {
		return err
	}
	if _, err := s.agentAction(ctx, "check_uni", checkUniTimeout); err != nil {
		return err
	}
	if _, err := s.agentAction(ctx, "backup", backupTimeout); err != nil {
		return err
	}
	if err := s.stop(ctx); err != nil {
		return err
	}
	s.log.Info("backup completed")
	return nil
}

// Update starts the stand, rebuilds and updates the test build, verifies uni
// comes up and stops tomcat again.
func (s *Stand) Update(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.update(ctx)
}

func (s *Stand) update(ctx context.Context) error {
	s.log.Info("update started")
	if err := s.start(ctx); err != nil {
		return err
	}
	if _, err := s.agentAction(ctx, "build_and_update", buildUpdateTimeout); err != nil {
		return err
	}
	if _, err := s.agentAction(ctx, "check_uni", checkUniTimeout); err != nil {
		return err
	}
	if err := s.stop(ctx); err != nil {
		return err
	}
	s.log.Info("update completed")
	return nil
}

// BackupAndUpdate backs the stand up and then updates it. When the backup
// fails the update does not happen.
func (s *Stand) BackupAndUpdate(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.backup(ctx); err != nil {
		return err
	}
	return s.update(ctx)
}

// Logs returns container log output. tail is a line count from the end,
// "all" for everything; anything unparsable falls back to the default.
func (s *Stand) Logs(ctx context.Context, tail string) (string, error) {
	s.log.Debug("read log", "tail", tail)
	if tail == "" {
		tail = defaultLogTail
	}
	if tail != "all" {
		if _, err := strconv.Atoi(tail); err != nil {
			tail = defaultLogTail
		}
	}
	rc, err := s.docker.ContainerLogs(ctx, s.name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tail,
	})
	if err != nil {
		return "", fmt.Errorf("logs of %s: %w", s.name, err)
	}
	defer rc.Close()

	b, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("read logs of %s: %w", s.name, err)
	}
	return string(b), nil
}

// armStopTimer arms the idle shutdown. The generation counter guards against
// a timer that already fired but has not started its work yet.
func (s *Stand) armStopTimer() {
	if s.stopTimeout <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelStopTimerLocked()
	gen := s.stopGen
	s.stopTimer = time.AfterFunc(s.stopTimeout, func() { s.stopByTimeout(gen) })
}

func (s *Stand) cancelStopTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelStopTimerLocked()
}

func (s *Stand) cancelStopTimerLocked() {
	s.stopGen++
	if s.stopTimer != nil {
		s.stopTimer.Stop()
		s.stopTimer = nil
	}
}

func (s *Stand) stopByTimeout(gen uint64) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	stale := gen != s.stopGen
	if !stale {
		s.stopTimer = nil
	}
	s.mu.Unlock()
	if stale {
		return
	}

	s.log.Info("stop by timeout")
	ctx, cancel := context.WithTimeout(context.Background(),
		stopTomcatTimeout+agentRetryAttempts*agentRetryInterval)
	defer cancel()
	if _, err := s.agentAction(ctx, "stop_tomcat", stopTomcatTimeout); err != nil {
		s.log.Error("stop by timeout failed", "err", err)
	}
}
