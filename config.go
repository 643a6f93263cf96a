package handoff

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gosuda.org/handoff/internal/protocol"
	"gosuda.org/handoff/internal/sem"
)

// Role selects which side of the handoff a process plays
type Role uint8

const (
	RoleNone     Role = iota // No role selected
	RoleProducer             // Writes one message
	RoleConsumer             // Reads one message
)

func (r Role) String() string {
	switch r {
	case RoleProducer:
		return "producer"
	case RoleConsumer:
		return "consumer"
	default:
		return "none"
	}
}

// Transport selects how the message travels
type Transport uint8

const (
	TransportNone   Transport = iota // No transport selected
	TransportShm                     // Shared-memory ring guarded by semaphores
	TransportStream                  // Unix-domain stream socket
)

func (t Transport) String() string {
	switch t {
	case TransportShm:
		return "shm"
	case TransportStream:
		return "stream"
	default:
		return "none"
	}
}

// Default names of the process-external objects
const (
	DefaultKeyPath    = "/tmp"
	DefaultKeyID      = 'Q'
	DefaultMutexName  = "/mutex_sem"
	DefaultEmptyName  = "/empty_sem"
	DefaultFullName   = "/full_sem"
	DefaultSocketPath = "/tmp/producer_consumer_socket"
)

// DefaultAttachTimeout bounds the wait for a peer to finish initializing the ring
const DefaultAttachTimeout = 5 * time.Second

// Config describes one channel and how a role uses it
type Config struct {
	// Channel geometry. Fixed when the segment is created; a later opener
	// adopts whatever geometry the existing segment carries.
	QueueDepth int // Number of ring slots and initial count of the empty semaphore
	MaxMessage int // Payload bound in bytes

	// Names
	KeyPath    string // Path the segment key is derived from
	KeyID      byte   // Identifier byte mixed into the key
	SemDir     string // Directory holding the semaphore files
	MutexName  string
	EmptyName  string
	FullName   string
	SocketPath string // Stream transport endpoint

	// Waits. Zero means wait until the context is done.
	Timeout       time.Duration // Each semaphore acquisition and the stream accept
	AttachTimeout time.Duration // Peer ring initialization
	ConnectWait   time.Duration // Stream producer waiting for the endpoint to appear

	// Consumer policy
	RequireExisting bool // Fail instead of creating a missing channel
	Teardown        bool // Remove the channel after a successful receive
	ForceTeardown   bool // Remove it even while a peer may still be attached
}

// DefaultConfig returns the configuration of the classic single-slot demo
func DefaultConfig() Config {
	return Config{
		QueueDepth:    1,
		MaxMessage:    protocol.DefaultMaxMessage,
		KeyPath:       DefaultKeyPath,
		KeyID:         DefaultKeyID,
		SemDir:        sem.DefaultDir,
		MutexName:     DefaultMutexName,
		EmptyName:     DefaultEmptyName,
		FullName:      DefaultFullName,
		SocketPath:    DefaultSocketPath,
		AttachTimeout: DefaultAttachTimeout,
		Teardown:      true,
	}
}

// Validate reports the first problem with c
func (c Config) Validate() error {
	switch {
	case c.QueueDepth <= 0:
		return opError("validate config", ErrInvalidArguments, fmt.Errorf("queue depth must be positive, got %d", c.QueueDepth))
	case c.QueueDepth > 1<<20:
		return opError("validate config", ErrInvalidArguments, fmt.Errorf("queue depth %d is too large", c.QueueDepth))
	case c.MaxMessage <= 0 || c.MaxMessage > 1<<30:
		return opError("validate config", ErrInvalidArguments, fmt.Errorf("max message must be between 1 byte and 1GiB, got %d", c.MaxMessage))
	case c.Timeout < 0 || c.AttachTimeout < 0 || c.ConnectWait < 0:
		return opError("validate config", ErrInvalidArguments, errors.New("waits must not be negative"))
	}
	for _, name := range []string{c.MutexName, c.EmptyName, c.FullName} {
		if _, err := sem.Path(c.SemDir, name); err != nil {
			return opError("validate config", ErrInvalidArguments, err)
		}
	}
	m, e, f := semKey(c.MutexName), semKey(c.EmptyName), semKey(c.FullName)
	if m == e || m == f || e == f {
		return opError("validate config", ErrInvalidArguments, errors.New("semaphore names must be distinct"))
	}
	return nil
}

// semKey normalizes a semaphore name; "/full_sem" and "full_sem" are the same object
func semKey(name string) string {
	return strings.TrimPrefix(name, "/")
}
