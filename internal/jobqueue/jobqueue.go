// Package jobqueue moves pipeline work between processes. Payloads are
// typed structs validated at the queue boundary; results travel back to the
// submitter through a job handle.
package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/freeeve/chessflow/internal/model"
)

// Job names routed to registered handlers.
const (
	JobMap               = "pipeline.map"
	JobWritePositions    = "pipeline.write_positions"
	JobWriteAssociations = "pipeline.write_associations"
	JobPipeline          = "pipeline.run"
	JobDispatch          = "analysis.dispatch"
)

// Handler executes one job. The returned bytes are delivered to Await.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Handle identifies a submitted job.
type Handle struct {
	ID  string
	Job string
}

// Queue submits jobs and collects their results. Implementations:
// MemoryQueue (in-process) and RedisQueue (cross-process).
type Queue interface {
	// Register binds a handler to a job name. Must precede serving.
	Register(job string, h Handler)
	// Submit validates and enqueues payload under the named job.
	Submit(ctx context.Context, job string, payload Payload) (*Handle, error)
	// Await blocks until the job finishes or timeout elapses. A handler
	// error surfaces as an error here, wrapped with the job name.
	Await(ctx context.Context, h *Handle, timeout time.Duration) ([]byte, error)
}

// Payload is a job request body. Validate runs at Submit time so malformed
// requests fail at the producer, not inside a worker.
type Payload interface {
	Validate() error
}

// MapRequest asks a worker to claim up to Quota games, extract them, and
// return the candidates.
type MapRequest struct {
	Quota       int `json:"quota"`
	BatchSize   int `json:"batch_size"`
	Parallelism int `json:"parallelism"`
}

func (r MapRequest) Validate() error {
	if r.Quota < 1 {
		return fmt.Errorf("map request: quota must be >= 1, got %d", r.Quota)
	}
	if r.BatchSize < 1 {
		return fmt.Errorf("map request: batch_size must be >= 1, got %d", r.BatchSize)
	}
	return nil
}

// MapResult is one map job's output.
type MapResult struct {
	Candidates []model.Candidate   `json:"candidates"`
	Failures   []model.GameFailure `json:"failures,omitempty"`
	Games      int                 `json:"games"`
}

func (r MapResult) Validate() error { return nil }

// WriteRequest carries one chunk for exactly one table.
type WriteRequest struct {
	Positions    []model.Position    `json:"positions,omitempty"`
	Associations []model.Association `json:"associations,omitempty"`
}

func (r WriteRequest) Validate() error {
	if (len(r.Positions) == 0) == (len(r.Associations) == 0) {
		return fmt.Errorf("write request: exactly one of positions or associations must be set")
	}
	return nil
}

// WriteResult reports rows written by one write job.
type WriteResult struct {
	Rows int `json:"rows"`
}

func (r WriteResult) Validate() error { return nil }

// PipelineRequest runs a whole extraction pipeline.
type PipelineRequest struct {
	TotalGames  int `json:"total_games"`
	Workers     int `json:"workers"`
	BatchSize   int `json:"batch_size"`
	Parallelism int `json:"parallelism"`
}

func (r PipelineRequest) Validate() error {
	if r.TotalGames < 1 {
		return fmt.Errorf("pipeline request: total_games must be >= 1, got %d", r.TotalGames)
	}
	if r.Workers < 1 {
		return fmt.Errorf("pipeline request: workers must be >= 1, got %d", r.Workers)
	}
	return nil
}

// PipelineResult summarizes a pipeline run.
type PipelineResult struct {
	Games        int `json:"games"`
	Positions    int `json:"positions"`
	Associations int `json:"associations"`
	Failures     int `json:"failures"`
}

func (r PipelineResult) Validate() error { return nil }

// DispatchRequest runs an analysis dispatch.
type DispatchRequest struct {
	TotalPositions int           `json:"total_positions"`
	BatchSize      int           `json:"batch_size"`
	Workers        int           `json:"workers"`
	NodeBudget     int           `json:"node_budget"`
	Cooldown       time.Duration `json:"cooldown"`
}

func (r DispatchRequest) Validate() error {
	if r.TotalPositions < 1 {
		return fmt.Errorf("dispatch request: total_positions must be >= 1, got %d", r.TotalPositions)
	}
	if r.NodeBudget < 1 {
		return fmt.Errorf("dispatch request: node_budget must be >= 1, got %d", r.NodeBudget)
	}
	return nil
}

// DispatchResult summarizes an analysis dispatch run.
type DispatchResult struct {
	Scored int `json:"scored"`
}

func (r DispatchResult) Validate() error { return nil }

// Encode validates and marshals a payload for submission.
func Encode(p Payload) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return data, nil
}

// Decode unmarshals a payload and validates it on the consumer side.
func Decode[T Payload](data []byte) (T, error) {
	var p T
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("decoding payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// JobTimeout sizes an Await deadline to the requested volume: perItem for
// each of total items plus a fixed margin for claim and write overhead.
func JobTimeout(total int, perItem, margin time.Duration) time.Duration {
	return time.Duration(total)*perItem + margin
}
