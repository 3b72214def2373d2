package assemble

import (
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
)

// ErrExecutableNotFound is returned, before any network access, when the
// executable to embed does not exist or is not a regular file.
var ErrExecutableNotFound = errors.New("executable not found")

// Stage names the step of Assemble that failed.
type Stage string

const (
	StageResolveBaseImage   Stage = "resolve base image"
	StageFetchConfiguration Stage = "fetch configuration"
	StageDownloadLayer      Stage = "download layer"
	StageEmbedExecutable    Stage = "embed executable"
)

// StageError is returned by Assemble for every fatal failure.
type StageError struct {
	Stage Stage
	// Layer is the zero-based index of the failing layer; only meaningful for StageDownloadLayer.
	Layer  int
	Digest digest.Digest
	Err    error
}

func (e *StageError) Error() string {
	if e.Stage == StageDownloadLayer {
		return fmt.Sprintf("%s %d (%s): %v", e.Stage, e.Layer+1, e.Digest, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
