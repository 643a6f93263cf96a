// Package handoff moves one message between two processes on the same host.
//
// The shared-memory transport is a bounded channel: a ring of QueueDepth
// slots in a System V shared memory segment, guarded by three named counting
// semaphores. mutex (initial 1) serializes all ring access, empty (initial
// QueueDepth) counts free slots and full (initial 0) counts unread ones.
// Produce and Consume each perform exactly one handoff and detach.
//
// Producer and consumer never talk to each other directly. They rendezvous
// through the segment, whose key is derived from a well-known path like
// ftok(3), and through the semaphore names. Either side may start first.
//
// The stream transport (SendStream, ReceiveStream) carries the same message
// as one length-prefixed frame over a unix-domain socket.
//
// All process-external objects are reached through a Backend. The default
// SystemBackend uses the real OS objects; MemoryBackend keeps them inside
// the process so roles can run as goroutines in tests.
package handoff
