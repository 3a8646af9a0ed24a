// Package processor defines the collaborators the scheduler consumes to do
// actual work (task processing, quality scoring, memory) and ships one
// concrete TaskProcessor that runs an external command.
package processor

import (
	"context"
	"time"
)

// Request is one unit of work handed to a TaskProcessor.
type Request struct {
	TaskID   string
	TaskType string
	Prompt   string
	Files    []string
	Strategy string
	Context  string // retrieved memory context, may be empty
	Options  map[string]string
}

// Response is the outcome reported by a TaskProcessor.
type Response struct {
	Success        bool
	Text           string
	GeneratedFiles []string
	ExecutionTime  time.Duration
	QualityScore   float64
	HasScore       bool // QualityScore was reported by the processor
}

// TaskProcessor performs one opaque, synchronous unit of work.
type TaskProcessor interface {
	Process(ctx context.Context, req Request) (Response, error)
}

// Func adapts a function to TaskProcessor.
type Func func(ctx context.Context, req Request) (Response, error)

func (f Func) Process(ctx context.Context, req Request) (Response, error) { return f(ctx, req) }

// QualityAssessor scores a response in [0,1].
type QualityAssessor interface {
	Assess(ctx context.Context, text, taskType, prompt string, files []string) (float64, error)
}

// AssessorFunc adapts a function to QualityAssessor.
type AssessorFunc func(ctx context.Context, text, taskType, prompt string, files []string) (float64, error)

func (f AssessorFunc) Assess(ctx context.Context, text, taskType, prompt string, files []string) (float64, error) {
	return f(ctx, text, taskType, prompt, files)
}

// MemoryStore retrieves context for a prompt and records responses.
type MemoryStore interface {
	GetContext(ctx context.Context, prompt, taskType string) (string, error)
	Save(ctx context.Context, prompt, response, taskType string, meta map[string]string) (string, error)
}
