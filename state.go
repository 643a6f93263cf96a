package handoff

// State is a step of the producer or consumer sequence
//
// Producer: Start, ResourceAttached, CapacityAcquired, CriticalSectionHeld,
// MessageWritten, Signaled, Detached, Done.
//
// Consumer: Start, ResourceAttached, FullnessAcquired, CriticalSectionHeld,
// MessageRead, Signaled, Detached, TornDown (only when the channel was
// removed), Done.
//
// Either sequence ends in Failed instead of Done when a step fails.
//
//go:generate go tool stringer -type=State -trimprefix=State
type State uint8

const (
	StateStart               State = iota // Nothing attached yet
	StateResourceAttached                 // Segment mapped and semaphores open
	StateCapacityAcquired                 // Producer holds one unit of empty
	StateFullnessAcquired                 // Consumer holds one unit of full
	StateCriticalSectionHeld              // Mutex held
	StateMessageWritten                   // Record pushed at the ring tail
	StateMessageRead                      // Record popped from the ring head
	StateSignaled                         // Mutex released and peer semaphore posted
	StateDetached                         // Local handles released
	StateTornDown                         // Segment and semaphore names removed
	StateDone                             // Sequence finished
	StateFailed                           // Sequence aborted
)
