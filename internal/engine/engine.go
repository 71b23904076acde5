// Package engine tracks the stand containers on the local docker host and
// runs maintenance operations against the test-tools agent inside them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// dockerListTimeout caps how long a container list request may take before
// the previous stand list is served instead (see Stands).
const dockerListTimeout = 5 * time.Second

var (
	// ErrStandNotFound is returned for operations on unknown stand names.
	ErrStandNotFound = errors.New("stand does not exist")

	// ErrNoResources is returned when the active stand cap is reached.
	ErrNoResources = errors.New("no resources")
)

// Options configures an Engine.
type Options struct {
	// DomainName is where published stand ports are reachable.
	DomainName string
	// Image is the ancestor image identifying stand containers.
	Image string
	// MaxActiveStands caps concurrently running stands.
	MaxActiveStands int
	// StopTimeout is the idle timeout before a started stand's tomcat is
	// stopped again. Zero disables the idle shutdown.
	StopTimeout time.Duration
}

// Engine discovers stand containers and dispatches maintenance work.
type Engine struct {
	log         *slog.Logger
	docker      DockerAPI
	domainName  string
	image       string
	maxActive   int
	stopTimeout time.Duration
	httpClient  *http.Client

	mu     sync.Mutex
	stands map[string]*Stand
	queues map[string]*taskQueue
}

// Counts is a snapshot of engine gauges for metrics callbacks. It is computed
// from cached state only; no docker requests happen on a scrape.
type Counts struct {
	Known   int
	Running int
	Queued  int
}

// New creates an engine for the given docker host.
func New(log *slog.Logger, docker DockerAPI, opts Options) *Engine {
	log.Info("start engine", "image", opts.Image, "domain", opts.DomainName)
	return &Engine{
		log:         log,
		docker:      docker,
		domainName:  opts.DomainName,
		image:       opts.Image,
		maxActive:   opts.MaxActiveStands,
		stopTimeout: opts.StopTimeout,
		httpClient:  &http.Client{},
		stands:      make(map[string]*Stand),
		queues:      make(map[string]*taskQueue),
	}
}

// Stands reconciles the stand map against the containers created from the
// configured image on this docker host and returns it. A container seen for
// the first time is started if needed and asked which database server it
// uses, then attached to the task queue for that server.
func (e *Engine) Stands(ctx context.Context) (map[string]*Stand, error) {
	// The docker daemon can stall for a long time while copying data
	// (moby/moby#29058). If it does not answer within a few seconds, serve
	// the previous stand list; additions and removals show up on a later call.
	listCtx, cancel := context.WithTimeout(ctx, dockerListTimeout)
	defer cancel()

	summaries, err := e.docker.ContainerList(listCtx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("ancestor", e.image)),
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			e.log.Debug("cannot update stand list, timeout in docker request")
			return e.snapshot(), nil
		}
		return nil, fmt.Errorf("list containers: %w", err)
	}

	names := make(map[string]bool, len(summaries))
	for _, c := range summaries {
		if len(c.Names) == 0 {
			continue
		}
		// docker reports names with a leading slash
		names[strings.TrimPrefix(c.Names[0], "/")] = true
	}

	e.mu.Lock()
	for name := range e.stands {
		if !names[name] {
			delete(e.stands, name)
		}
	}
	var adopted []*Stand
	for name := range names {
		if _, ok := e.stands[name]; !ok {
			s := newStand(name, e)
			// Registered before any blocking work so a concurrent call
			// does not adopt the same name twice.
			e.stands[name] = s
			adopted = append(adopted, s)
		}
	}
	e.mu.Unlock()

	for _, s := range adopted {
		if err := e.adopt(ctx, s); err != nil {
			return nil, err
		}
	}
	return e.snapshot(), nil
}

func (e *Engine) snapshot() map[string]*Stand {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]*Stand, len(e.stands))
	for name, s := range e.stands {
		out[name] = s
	}
	return out
}

// adopt brings a newly discovered stand into a usable state. A stopped stand
// is started so it can be asked which database server it works with. On
// failure the stand is forgotten so a later Stands call retries.
func (e *Engine) adopt(ctx context.Context, s *Stand) error {
	err := func() error {
		s.opMu.Lock()
		defer s.opMu.Unlock()
		if err := s.Refresh(ctx); err != nil {
			return err
		}
		if !s.Status().Running {
			if err := s.start(ctx); err != nil {
				return err
			}
		}
		e.attachQueue(s)
		return nil
	}()
	if err != nil {
		e.mu.Lock()
		delete(e.stands, s.name)
		e.mu.Unlock()
		return fmt.Errorf("adopt stand %s: %w", s.name, err)
	}
	return nil
}

// attachQueue binds the stand to the task queue of its database server,
// creating the queue and its worker on first sight of that address.
func (e *Engine) attachQueue(s *Stand) {
	dbAddr := s.Status().DBAddr

	e.mu.Lock()
	q, ok := e.queues[dbAddr]
	if !ok {
		q = newTaskQueue(dbAddr)
		e.queues[dbAddr] = q
		go e.runQueueWorker(q)
	}
	e.mu.Unlock()

	s.setQueue(q)
}

func (e *Engine) runQueueWorker(q *taskQueue) {
	e.log.Debug("start new queue worker", "db_addr", q.dbAddr)
	tracer := otel.Tracer("standgroup/engine")

	for t := range q.ch {
		q.started(t.id)

		ctx, span := tracer.Start(context.Background(), "queue.task",
			trace.WithAttributes(
				attribute.String("task.id", t.id.String()),
				attribute.String("task.name", t.name),
				attribute.String("db.addr", q.dbAddr),
			),
			trace.WithSpanKind(trace.SpanKindConsumer),
		)
		e.log.Debug("start task", "task", t.name)

		if err := t.run(ctx); err != nil {
			span.RecordError(err)
			if IsRoutine(err) {
				e.log.Error("task failed", "task", t.name, "err", err)
			} else {
				e.log.Error("task failed unexpectedly", "task", t.name, "err", err)
			}
		}
		span.End()
	}
}

// RefreshAll reconciles the stand list and refreshes every stand
// concurrently. Individual refresh failures are logged, not fatal.
func (e *Engine) RefreshAll(ctx context.Context) (map[string]*Stand, error) {
	stands, err := e.Stands(ctx)
	if err != nil {
		return nil, err
	}
	var wg sync.WaitGroup
	for _, s := range stands {
		wg.Add(1)
		go func(s *Stand) {
			defer wg.Done()
			if err := s.Refresh(ctx); err != nil {
				e.log.Warn("refresh failed", "stand", s.name, "err", err)
			}
		}(s)
	}
	wg.Wait()
	return stands, nil
}

// Statuses returns a refreshed status list sorted by stand name.
func (e *Engine) Statuses(ctx context.Context) ([]StandStatus, error) {
	stands, err := e.RefreshAll(ctx)
	if err != nil {
		return nil, err
	}
	names := lo.Keys(stands)
	sort.Strings(names)

	out := make([]StandStatus, 0, len(names))
	for _, name := range names {
		out = append(out, stands[name].Status())
	}
	return out, nil
}

func (e *Engine) stand(ctx context.Context, name string) (*Stand, error) {
	stands, err := e.Stands(ctx)
	if err != nil {
		return nil, err
	}
	s, ok := stands[name]
	if !ok {
		return nil, ErrStandNotFound
	}
	return s, nil
}

// checkFreeResources fails when the configured number of active stands
// (running container with a live tomcat) is already reached.
func (e *Engine) checkFreeResources(ctx context.Context) error {
	stands, err := e.RefreshAll(ctx)
	if err != nil {
		return err
	}
	active := 0
	for _, s := range stands {
		st := s.Status()
		if st.Running && st.TomcatCode == nil {
			active++
		}
	}
	if active >= e.maxActive {
		return ErrNoResources
	}
	return nil
}

// Start starts the named stand, subject to the active stand cap.
func (e *Engine) Start(ctx context.Context, name string) error {
	if err := e.checkFreeResources(ctx); err != nil {
		return err
	}
	s, err := e.stand(ctx, name)
	if err != nil {
		return err
	}
	return s.Start(ctx)
}

// Stop stops tomcat in the named stand.
func (e *Engine) Stop(ctx context.Context, name string) error {
	s, err := e.stand(ctx, name)
	if err != nil {
		return err
	}
	return s.Stop(ctx)
}

// Log returns container log output of the named stand. tail is a line count
// from the end, or "all".
func (e *Engine) Log(ctx context.Context, name, tail string) (string, error) {
	s, err := e.stand(ctx, name)
	if err != nil {
		return "", err
	}
	return s.Logs(ctx, tail)
}

// BackupAll queues a database backup for every stand.
func (e *Engine) BackupAll(ctx context.Context) error {
	e.log.Info("backup all stands")
	stands, err := e.Stands(ctx)
	if err != nil {
		return err
	}
	for _, s := range sortedStands(stands) {
		e.log.Info("new task", "kind", "backup", "stand", s.name)
		if err := e.enqueue(s, "backup "+s.name, s.Backup); err != nil {
			return err
		}
	}
	return nil
}

// UpdateAll queues a test build update for every stand.
func (e *Engine) UpdateAll(ctx context.Context) error {
	e.log.Info("update all stands")
	stands, err := e.Stands(ctx)
	if err != nil {
		return err
	}
	for _, s := range sortedStands(stands) {
		e.log.Info("new task", "kind", "update", "stand", s.name)
		if err := e.enqueue(s, "update "+s.name, s.Update); err != nil {
			return err
		}
	}
	return nil
}

// BackupAndUpdate queues a backup followed by an update for every stand. When
// the backup of a stand fails its update does not happen.
func (e *Engine) BackupAndUpdate(ctx context.Context) error {
	e.log.Info("backup and update all stands")
	stands, err := e.Stands(ctx)
	if err != nil {
		return err
	}
	for _, s := range sortedStands(stands) {
		e.log.Info("new task", "kind", "backup_and_update", "stand", s.name)
		if err := e.enqueue(s, "backup_and_update "+s.name, s.BackupAndUpdate); err != nil {
			return err
		}
	}
	return nil
}

func sortedStands(stands map[string]*Stand) []*Stand {
	names := lo.Keys(stands)
	sort.Strings(names)
	out := make([]*Stand, 0, len(names))
	for _, name := range names {
		out = append(out, stands[name])
	}
	return out
}

func (e *Engine) enqueue(s *Stand, name string, run func(context.Context) error) error {
	q := s.getQueue()
	if q == nil {
		return fmt.Errorf("stand %s has no task queue", s.name)
	}
	return q.put(task{id: uuid.New(), name: name, run: run})
}

// QueuesStatus maps each database server address to the names of tasks still
// waiting in its queue.
func (e *Engine) QueuesStatus() map[string][]string {
	e.mu.Lock()
	queues := lo.Values(e.queues)
	e.mu.Unlock()

	out := make(map[string][]string, len(queues))
	for _, q := range queues {
		out[q.dbAddr] = q.pendingNames()
	}
	return out
}

// Busy reports whether any task queue still has waiting tasks. Mass actions
// are refused while another one is in flight.
func (e *Engine) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, q := range e.queues {
		if !q.empty() {
			return true
		}
	}
	return false
}

// Counts reports gauge values from cached state.
func (e *Engine) Counts() Counts {
	e.mu.Lock()
	stands := lo.Values(e.stands)
	queues := lo.Values(e.queues)
	e.mu.Unlock()

	var c Counts
	c.Known = len(stands)
	for _, s := range stands {
		if s.Status().Running {
			c.Running++
		}
	}
	for _, q := range queues {
		c.Queued += q.depth()
	}
	return c
}

// Ping verifies the docker daemon is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	_, err := e.docker.Ping(ctx)
	return err
}
