package bundlehost

import (
	"errors"
)

// Framework errors
var (
	// Lifecycle errors
	ErrIllegalBundleState    = errors.New("illegal bundle state")
	ErrUnresolvedConstraint  = errors.New("unresolved constraint")
	ErrActivationFailure     = errors.New("bundle activation failed")
	ErrFrameworkShuttingDown = errors.New("framework is shutting down")
	ErrFileIO                = errors.New("bundle content i/o failure")
	ErrOutOfMemory           = errors.New("out of memory")

	// Lookup errors
	ErrBundleNotFound   = errors.New("bundle not found")
	ErrInvalidLocation  = errors.New("invalid bundle location")
	ErrListenerNotFound = errors.New("listener not found")
	ErrListenerNil      = errors.New("listener cannot be nil")

	// Locking errors
	ErrLockInterrupted = errors.New("lock wait interrupted")

	// Activator errors
	ErrActivatorNotRegistered = errors.New("no activator factory registered")
	ErrActivatorAlreadyExists = errors.New("activator factory already registered")

	// Construction errors
	ErrFrameworkNil     = errors.New("framework is nil")
	ErrCollaboratorNil  = errors.New("collaborator cannot be nil")
	ErrFrameworkStopped = errors.New("framework has already stopped")
)
