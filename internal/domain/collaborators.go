package domain

import "context"

// Artifact is a locally staged recording. Release must be called exactly once
// by whoever received it; it removes any staged file.
type Artifact struct {
	WorkID  string
	Path    string
	Size    int64
	release func() error
}

// NewArtifact builds an artifact with an optional release hook.
func NewArtifact(workID, path string, size int64, release func() error) *Artifact {
	return &Artifact{WorkID: workID, Path: path, Size: size, release: release}
}

// Release frees the staged artifact. Safe to call on a nil artifact or more than once.
func (a *Artifact) Release() error {
	if a == nil || a.release == nil {
		return nil
	}
	fn := a.release
	a.release = nil
	return fn()
}

// ReadyWork is a unit of work whose recording can be fetched now.
type ReadyWork struct {
	WorkID string
	Label  string
}

// Retriever fetches recordings and lists which ones are ready.
type Retriever interface {
	// Fetch stages the recording for workID. Returns ErrNotFound or ErrTransient wrapped errors.
	Fetch(ctx context.Context, workID string) (*Artifact, error)
	ListReady(ctx context.Context) ([]ReadyWork, error)
}

// Generator turns an artifact into a minutes document.
type Generator interface {
	Generate(ctx context.Context, artifact *Artifact) (string, error)
}

// Deliverer posts text to a destination room.
type Deliverer interface {
	Deliver(ctx context.Context, destinationID, text string) error
	// MaxChunkSize is the largest message, in characters, the destination accepts.
	MaxChunkSize() int
}
