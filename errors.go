package specfactory

import "errors"

var (
	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("specfactory: invalid configuration")

	// ErrUnknownProfile is returned for an unrecognized run profile name.
	ErrUnknownProfile = errors.New("specfactory: unknown run profile")

	// ErrStorageMisconfigured is returned when the selected output mode
	// cannot be constructed (missing bucket, unwritable root, ...).
	ErrStorageMisconfigured = errors.New("specfactory: storage misconfigured")

	// ErrJobNotFound is returned when a run is requested for a job key that
	// does not exist in storage.
	ErrJobNotFound = errors.New("specfactory: product job not found")

	// ErrLLMMisconfigured is returned when LLM extraction is enabled but no
	// provider can be built.
	ErrLLMMisconfigured = errors.New("specfactory: llm misconfigured")
)
