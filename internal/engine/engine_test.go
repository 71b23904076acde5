package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
)

// fakeDocker is an in-memory docker host.
type fakeDocker struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	listErr    error
	pingErr    error
	started    []string
	logs       map[string]string
	lastTail   string
}

type fakeContainer struct {
	running bool
	ttPort  string
	uniPort string
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{
		containers: make(map[string]*fakeContainer),
		logs:       make(map[string]string),
	}
}

func (f *fakeDocker) ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	names := make([]string, 0, len(f.containers))
	for name := range f.containers {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]container.Summary, 0, len(names))
	for _, name := range names {
		out = append(out, container.Summary{Names: []string{"/" + name}})
	}
	return out, nil
}

func (f *fakeDocker) ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return container.InspectResponse{}, errors.New("no such container")
	}
	resp := container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			Name:  "/" + containerID,
			State: &container.State{Running: c.running},
		},
	}
	if c.ttPort != "" || c.uniPort != "" {
		ports := nat.PortMap{}
		if c.ttPort != "" {
			ports[testToolsContainerPort] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: c.ttPort}}
		}
		if c.uniPort != "" {
			ports[uniContainerPort] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: c.uniPort}}
		}
		resp.NetworkSettings = &container.NetworkSettings{
			NetworkSettingsBase: container.NetworkSettingsBase{Ports: ports},
		}
	}
	return resp, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return errors.New("no such container")
	}
	c.running = true
	f.started = append(f.started, containerID)
	return nil
}

func (f *fakeDocker) ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastTail = options.Tail
	logs, ok := f.logs[containerID]
	if !ok {
		return nil, errors.New("no such container")
	}
	return io.NopCloser(strings.NewReader(logs)), nil
}

func (f *fakeDocker) Ping(ctx context.Context) (types.Ping, error) {
	return types.Ping{}, f.pingErr
}

// fakeAgent plays the test-tools agent inside a stand container.
type fakeAgent struct {
	mu         sync.Mutex
	actions    []string
	dbAddr     string
	tomcatCode *int
	failWith   map[string]int // action -> http status
	srv        *httptest.Server
}

func newFakeAgent(t *testing.T, dbAddr string) *fakeAgent {
	t.Helper()
	a := &fakeAgent{dbAddr: dbAddr, failWith: make(map[string]int)}
	a.srv = httptest.NewServer(http.HandlerFunc(a.handle))
	t.Cleanup(a.srv.Close)
	return a
}

func (a *fakeAgent) handle(w http.ResponseWriter, r *http.Request) {
	action := strings.Trim(r.URL.Path, "/")
	a.mu.Lock()
	a.actions = append(a.actions, action)
	status, fail := a.failWith[action]
	dbAddr, tomcatCode := a.dbAddr, a.tomcatCode
	a.mu.Unlock()

	if fail {
		http.Error(w, "agent says no", status)
		return
	}
	if action == "engine_status" {
		json.NewEncoder(w).Encode(map[string]any{
			"db_addr":           dbAddr,
			"tomcat_returncode": tomcatCode,
			"last_task":         "none",
			"last_error":        "",
			"active_task":       "",
			"uni_version":       "2.10.1",
		})
		return
	}
	fmt.Fprint(w, "OK")
}

func (a *fakeAgent) port(t *testing.T) string {
	t.Helper()
	_, port, err := net.SplitHostPort(a.srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split agent addr: %v", err)
	}
	return port
}

func (a *fakeAgent) recorded() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.actions))
	copy(out, a.actions)
	return out
}

func testEngine(docker DockerAPI, maxActive int) *Engine {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(log, docker, Options{
		DomainName:      "127.0.0.1",
		Image:           "tandemservice/test-tools",
		MaxActiveStands: maxActive,
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStands_AdoptsRunningContainer(t *testing.T) {
	agent := newFakeAgent(t, "db-1.example.org")
	docker := newFakeDocker()
	docker.containers["stand-a"] = &fakeContainer{running: true, ttPort: agent.port(t), uniPort: "33080"}

	eng := testEngine(docker, 6)
	stands, err := eng.Stands(context.Background())
	if err != nil {
		t.Fatalf("Stands failed: %v", err)
	}

	s, ok := stands["stand-a"]
	if !ok {
		t.Fatalf("expected stand-a in %v", stands)
	}

	st := s.Status()
	if !st.Running {
		t.Error("expected stand-a to be running")
	}
	if st.DBAddr != "db-1.example.org" {
		t.Errorf("expected db addr db-1.example.org, got %q", st.DBAddr)
	}
	if st.UniVersion != "2.10.1" {
		t.Errorf("expected uni version 2.10.1, got %q", st.UniVersion)
	}
	if s.getQueue() == nil {
		t.Error("expected stand to be attached to a task queue")
	}
	// A running stand must not be restarted during adoption.
	if len(docker.started) != 0 {
		t.Errorf("expected no container starts, got %v", docker.started)
	}
}

func TestStands_StartsStoppedContainerOnAdoption(t *testing.T) {
	agent := newFakeAgent(t, "db-1.example.org")
	docker := newFakeDocker()
	docker.containers["stand-a"] = &fakeContainer{running: false, ttPort: agent.port(t), uniPort: "33080"}

	eng := testEngine(docker, 6)
	if _, err := eng.Stands(context.Background()); err != nil {
		t.Fatalf("Stands failed: %v", err)
	}

	if len(docker.started) != 1 || docker.started[0] != "stand-a" {
		t.Errorf("expected stand-a to be started, got %v", docker.started)
	}
	actions := agent.recorded()
	found := false
	for _, a := range actions {
		if a == "start_tomcat" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected start_tomcat in agent actions, got %v", actions)
	}
}

func TestStands_DropsRemovedContainers(t *testing.T) {
	agent := newFakeAgent(t, "db-1.example.org")
	docker := newFakeDocker()
	docker.containers["stand-a"] = &fakeContainer{running: true, ttPort: agent.port(t), uniPort: "33080"}

	eng := testEngine(docker, 6)
	if _, err := eng.Stands(context.Background()); err != nil {
		t.Fatalf("Stands failed: %v", err)
	}

	docker.mu.Lock()
	delete(docker.containers, "stand-a")
	docker.mu.Unlock()

	stands, err := eng.Stands(context.Background())
	if err != nil {
		t.Fatalf("Stands failed: %v", err)
	}
	if len(stands) != 0 {
		t.Errorf("expected no stands after removal, got %v", stands)
	}
}

func TestStands_ListTimeoutServesPreviousList(t *testing.T) {
	agent := newFakeAgent(t, "db-1.example.org")
	docker := newFakeDocker()
	docker.containers["stand-a"] = &fakeContainer{running: true, ttPort: agent.port(t), uniPort: "33080"}

	eng := testEngine(docker, 6)
	if _, err := eng.Stands(context.Background()); err != nil {
		t.Fatalf("Stands failed: %v", err)
	}

	docker.mu.Lock()
	docker.listErr = context.DeadlineExceeded
	docker.mu.Unlock()

	stands, err := eng.Stands(context.Background())
	if err != nil {
		t.Fatalf("expected previous list on docker timeout, got error: %v", err)
	}
	if _, ok := stands["stand-a"]; !ok {
		t.Errorf("expected stand-a from previous list, got %v", stands)
	}
}

func TestStands_ListErrorPropagates(t *testing.T) {
	docker := newFakeDocker()
	docker.listErr = errors.New("daemon exploded")

	eng := testEngine(docker, 6)
	if _, err := eng.Stands(context.Background()); err == nil {
		t.Fatal("expected error from docker list failure")
	}
}

func TestStart_UnknownStand(t *testing.T) {
	docker := newFakeDocker()
	eng := testEngine(docker, 6)

	err := eng.Start(context.Background(), "ghost")
	if !errors.Is(err, ErrStandNotFound) {
		t.Errorf("expected ErrStandNotFound, got %v", err)
	}
}

func TestStart_NoResources(t *testing.T) {
	agent := newFakeAgent(t, "db-1.example.org")
	docker := newFakeDocker()
	// Two stands, both running with a live tomcat (returncode null), cap of 1.
	docker.containers["stand-a"] = &fakeContainer{running: true, ttPort: agent.port(t), uniPort: "33080"}
	docker.containers["stand-b"] = &fakeContainer{running: true, ttPort: agent.port(t), uniPort: "33081"}

	eng := testEngine(docker, 1)
	err := eng.Start(context.Background(), "stand-b")
	if !errors.Is(err, ErrNoResources) {
		t.Errorf("expected ErrNoResources, got %v", err)
	}
}

func TestStart_CountsOnlyLiveTomcats(t *testing.T) {
	code := 143
	agent := newFakeAgent(t, "db-1.example.org")
	agent.tomcatCode = &code // tomcat stopped cleanly, stand is not active

	docker := newFakeDocker()
	docker.containers["stand-a"] = &fakeContainer{running: true, ttPort: agent.port(t), uniPort: "33080"}

	eng := testEngine(docker, 1)
	if err := eng.Start(context.Background(), "stand-a"); err != nil {
		t.Errorf("expected start to succeed below the cap, got %v", err)
	}
}

func TestStop_CallsStopTomcat(t *testing.T) {
	agent := newFakeAgent(t, "db-1.example.org")
	docker := newFakeDocker()
	docker.containers["stand-a"] = &fakeContainer{running: true, ttPort: agent.port(t), uniPort: "33080"}

	eng := testEngine(docker, 6)
	if err := eng.Stop(context.Background(), "stand-a"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	actions := agent.recorded()
	if actions[len(actions)-1] != "stop_tomcat" {
		t.Errorf("expected stop_tomcat last, got %v", actions)
	}

	docker.mu.Lock()
	if c := docker.containers["stand-a"]; !c.running {
		t.Error("stop must not stop the container itself")
	}
	docker.mu.Unlock()
}

func TestLog_ReturnsContainerLogs(t *testing.T) {
	agent := newFakeAgent(t, "db-1.example.org")
	docker := newFakeDocker()
	docker.containers["stand-a"] = &fakeContainer{running: true, ttPort: agent.port(t), uniPort: "33080"}
	docker.logs["stand-a"] = "line1\nline2\n"

	eng := testEngine(docker, 6)
	out, err := eng.Log(context.Background(), "stand-a", "50")
	if err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	if out != "line1\nline2\n" {
		t.Errorf("unexpected log output %q", out)
	}
	if docker.lastTail != "50" {
		t.Errorf("expected tail 50, got %q", docker.lastTail)
	}
}

func TestBackupAll_RunsQueuedTasks(t *testing.T) {
	agent := newFakeAgent(t, "db-1.example.org")
	docker := newFakeDocker()
	docker.containers["stand-a"] = &fakeContainer{running: true, ttPort: agent.port(t), uniPort: "33080"}

	eng := testEngine(docker, 6)
	if err := eng.BackupAll(context.Background()); err != nil {
		t.Fatalf("BackupAll failed: %v", err)
	}

	waitFor(t, "backup to run", func() bool {
		for _, a := range agent.recorded() {
			if a == "backup" {
				return true
			}
		}
		return false
	})
	waitFor(t, "queue to drain", func() bool { return !eng.Busy() })
}

func TestUpdateAll_QueuesPerDatabase(t *testing.T) {
	agentA := newFakeAgent(t, "db-1.example.org")
	agentB := newFakeAgent(t, "db-2.example.org")
	docker := newFakeDocker()
	docker.containers["stand-a"] = &fakeContainer{running: true, ttPort: agentA.port(t), uniPort: "33080"}
	docker.containers["stand-b"] = &fakeContainer{running: true, ttPort: agentB.port(t), uniPort: "33081"}

	eng := testEngine(docker, 6)
	if _, err := eng.Stands(context.Background()); err != nil {
		t.Fatalf("Stands failed: %v", err)
	}

	status := eng.QueuesStatus()
	if len(status) != 2 {
		t.Errorf("expected one queue per database server, got %v", status)
	}
	if _, ok := status["db-1.example.org"]; !ok {
		t.Errorf("expected queue for db-1.example.org, got %v", status)
	}
	if _, ok := status["db-2.example.org"]; !ok {
		t.Errorf("expected queue for db-2.example.org, got %v", status)
	}

	if err := eng.UpdateAll(context.Background()); err != nil {
		t.Fatalf("UpdateAll failed: %v", err)
	}
	waitFor(t, "updates to run", func() bool {
		aDone, bDone := false, false
		for _, a := range agentA.recorded() {
			if a == "build_and_update" {
				aDone = true
			}
		}
		for _, a := range agentB.recorded() {
			if a == "build_and_update" {
				bDone = true
			}
		}
		return aDone && bDone
	})
}

func TestQueueWorker_RoutineErrorKeepsWorking(t *testing.T) {
	agent := newFakeAgent(t, "db-1.example.org")
	docker := newFakeDocker()
	docker.containers["stand-a"] = &fakeContainer{running: true, ttPort: agent.port(t), uniPort: "33080"}

	eng := testEngine(docker, 6)
	if _, err := eng.Stands(context.Background()); err != nil {
		t.Fatalf("Stands failed: %v", err)
	}

	// First task fails with the routine 400 class, second must still run.
	agent.mu.Lock()
	agent.failWith["backup"] = http.StatusBadRequest
	agent.mu.Unlock()

	if err := eng.BackupAll(context.Background()); err != nil {
		t.Fatalf("BackupAll failed: %v", err)
	}
	waitFor(t, "failed backup", func() bool { return !eng.Busy() })

	agent.mu.Lock()
	delete(agent.failWith, "backup")
	agent.mu.Unlock()

	if err := eng.UpdateAll(context.Background()); err != nil {
		t.Fatalf("UpdateAll failed: %v", err)
	}
	waitFor(t, "update after failed backup", func() bool {
		for _, a := range agent.recorded() {
			if a == "build_and_update" {
				return true
			}
		}
		return false
	})
}

func TestCounts(t *testing.T) {
	agent := newFakeAgent(t, "db-1.example.org")
	docker := newFakeDocker()
	docker.containers["stand-a"] = &fakeContainer{running: true, ttPort: agent.port(t), uniPort: "33080"}

	eng := testEngine(docker, 6)
	if _, err := eng.Stands(context.Background()); err != nil {
		t.Fatalf("Stands failed: %v", err)
	}

	c := eng.Counts()
	if c.Known != 1 {
		t.Errorf("expected 1 known stand, got %d", c.Known)
	}
	if c.Running != 1 {
		t.Errorf("expected 1 running stand, got %d", c.Running)
	}
}

func TestPing(t *testing.T) {
	docker := newFakeDocker()
	eng := testEngine(docker, 6)
	if err := eng.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}

	docker.pingErr = errors.New("daemon gone")
	if err := eng.Ping(context.Background()); err == nil {
		t.Error("expected ping error")
	}
}

func TestStatuses_SortedByName(t *testing.T) {
	agent := newFakeAgent(t, "db-1.example.org")
	docker := newFakeDocker()
	docker.containers["stand-b"] = &fakeContainer{running: true, ttPort: agent.port(t), uniPort: "33080"}
	docker.containers["stand-a"] = &fakeContainer{running: true, ttPort: agent.port(t), uniPort: "33081"}

	eng := testEngine(docker, 6)
	statuses, err := eng.Statuses(context.Background())
	if err != nil {
		t.Fatalf("Statuses failed: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[0].Name != "stand-a" || statuses[1].Name != "stand-b" {
		t.Errorf("expected statuses sorted by name, got %v then %v", statuses[0].Name, statuses[1].Name)
	}
}
