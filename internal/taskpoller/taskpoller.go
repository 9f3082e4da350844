// Package taskpoller runs the async generation task poller (spec §4.9): for
// providers whose initial call returns an opaque task id (video/3D/audio
// generation), it schedules a repeating poll bounded by a one-shot
// max-timeout, persists the final result, and broadcasts it to the room.
package taskpoller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/NoPKT/AgentIM-sub003/internal/ssrf"
	"github.com/NoPKT/AgentIM-sub003/internal/store"
)

// defaultMaxActiveTasks is MaxActiveTasks from spec §4.9.
const defaultMaxActiveTasks = 100

// ErrTooManyActiveTasks is returned by StartTask when the active-tasks cap
// is reached.
var ErrTooManyActiveTasks = fmt.Errorf("taskpoller: active task cap reached")

// Status is a provider poll's reported outcome.
type Status string

const (
	StatusAsync Status = "async" // still running, keep polling
	StatusMedia Status = "media" // finished, result is a downloadable URL
	StatusText  Status = "text"  // finished, result is inline text
)

// PollResult is what ProviderClient.Poll reports for one poll attempt.
type PollResult struct {
	Status   Status
	Text     string
	MediaURL string
	MimeType string
}

// ProviderClient polls a provider for the status of an in-flight task. The
// concrete HTTP implementation lives with the gateway integration that owns
// provider credentials; this package only drives the polling loop.
type ProviderClient interface {
	Poll(ctx context.Context, task store.AsyncTask) (PollResult, error)
}

// Sink receives the poller's terminal outcomes so the caller can persist and
// broadcast them without the poller needing to know about rooms, transport,
// or connection tables.
type Sink interface {
	// Complete is called when a poll reports media or text completion, with
	// any media already downloaded via the SSRF-protected fetch.
	Complete(ctx context.Context, task store.AsyncTask, result PollResult, mediaBytes []byte) error
	// Fail is called when a poll errors or the max-timeout fires.
	Fail(ctx context.Context, task store.AsyncTask, reason string) error
}

// maxMediaDownloadBytes bounds a single generated-media download.
const maxMediaDownloadBytes = 200 << 20 // 200MiB

// Poller drives the active-tasks map described in spec §4.9.
type Poller struct {
	tasks    store.AsyncTaskRepository
	provider ProviderClient
	sink     Sink
	ssrf     *ssrf.Filter
	logger   *zap.Logger

	mu     sync.Mutex
	active map[string]*activeTask // keyed by AsyncTask.ID.String()

	maxActive int
}

type activeTask struct {
	cancel context.CancelFunc
}

// New creates a Poller. maxActive <= 0 uses the spec default of 100.
func New(tasks store.AsyncTaskRepository, provider ProviderClient, sink Sink, filter *ssrf.Filter, logger *zap.Logger, maxActive int) *Poller {
	if maxActive <= 0 {
		maxActive = defaultMaxActiveTasks
	}
	return &Poller{
		tasks:     tasks,
		provider:  provider,
		sink:      sink,
		ssrf:      filter,
		logger:    logger.Named("taskpoller"),
		active:    make(map[string]*activeTask),
		maxActive: maxActive,
	}
}

// StartTask registers task and begins polling it. The caller is expected to
// have already posted the "generating…" status message (spec §4.9) before
// calling this.
func (p *Poller) StartTask(ctx context.Context, task store.AsyncTask) error {
	p.mu.Lock()
	if len(p.active) >= p.maxActive {
		p.mu.Unlock()
		return ErrTooManyActiveTasks
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	p.active[task.ID.String()] = &activeTask{cancel: cancel}
	p.mu.Unlock()

	go p.run(taskCtx, task)
	return nil
}

// Stop cancels every active poll loop, used during graceful shutdown.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, t := range p.active {
		t.cancel()
		delete(p.active, id)
	}
}

// ActiveCount reports the number of in-flight tasks.
func (p *Poller) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

func (p *Poller) run(ctx context.Context, task store.AsyncTask) {
	defer p.finish(task.ID.String())

	interval := time.Duration(task.PollIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	maxWait := time.Duration(task.MaxWaitMs) * time.Millisecond
	timeout := time.NewTimer(maxWait)
	defer timeout.Stop()

	log := p.logger.With(
		zap.String("task_id", task.ID.String()),
		zap.String("service_agent_id", task.ServiceAgentID),
		zap.String("provider_task_id", task.ProviderTaskID),
	)

	for {
		select {
		case <-ctx.Done():
			return

		case <-timeout.C:
			log.Warn("async task exceeded max wait, failing")
			if err := p.sink.Fail(context.Background(), task, "generation timed out"); err != nil {
				log.Error("failed to report task timeout", zap.Error(err))
			}
			p.deleteRow(task)
			return

		case <-ticker.C:
			result, err := p.provider.Poll(ctx, task)
			if err != nil {
				log.Warn("provider poll failed, failing task", zap.Error(err))
				if sinkErr := p.sink.Fail(context.Background(), task, err.Error()); sinkErr != nil {
					log.Error("failed to report task failure", zap.Error(sinkErr))
				}
				p.deleteRow(task)
				return
			}

			switch result.Status {
			case StatusAsync:
				continue

			case StatusMedia, StatusText:
				var mediaBytes []byte
				if result.Status == StatusMedia && result.MediaURL != "" {
					mediaBytes, err = p.downloadMedia(ctx, result.MediaURL)
					if err != nil {
						log.Warn("media download failed, failing task", zap.Error(err))
						if sinkErr := p.sink.Fail(context.Background(), task, "failed to download generated media: "+err.Error()); sinkErr != nil {
							log.Error("failed to report task failure", zap.Error(sinkErr))
						}
						p.deleteRow(task)
						return
					}
				}
				if err := p.sink.Complete(context.Background(), task, result, mediaBytes); err != nil {
					log.Error("failed to persist task completion", zap.Error(err))
				}
				p.deleteRow(task)
				return

			default:
				log.Error("provider returned unrecognized status", zap.String("status", string(result.Status)))
			}
		}
	}
}

// mediaDownloadRate bounds concurrent generated-media downloads per second
// across all active tasks, smoothing bursts when many rooms finish
// generating around the same time (spec §4.9, §4.10, §9).
const mediaDownloadRate = 3

var mediaDownloadClient = ssrf.NewRateLimitedClient(mediaDownloadRate, mediaDownloadRate*2, 2*time.Minute)

func (p *Poller) downloadMedia(ctx context.Context, mediaURL string) ([]byte, error) {
	return p.ssrf.Download(ctx, mediaDownloadClient, mediaURL, maxMediaDownloadBytes)
}

func (p *Poller) deleteRow(task store.AsyncTask) {
	if err := p.tasks.Delete(context.Background(), task.ID); err != nil {
		p.logger.Error("failed to delete completed async task row", zap.Error(err), zap.String("task_id", task.ID.String()))
	}
}

func (p *Poller) finish(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, id)
}
