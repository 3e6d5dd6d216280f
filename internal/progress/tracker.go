package progress

// Tracker reconstructs and persists the resume point. Two interchangeable
// strategies exist: FolderScan derives everything from what artifacts are
// on disk, Checkpoint persists explicit JobState snapshots and falls back
// to FolderScan when no usable snapshot exists.
type Tracker interface {
	// Recover overlays previously completed work onto a freshly built
	// JobState and returns it ready to resume from.
	Recover(fresh *JobState) (*JobState, error)

	// Observe is called after every processed frame. Strategies decide
	// internally whether this observation warrants a durable write.
	Observe(state *JobState) error

	// Force persists the state unconditionally. Called on stop, after a
	// segment finalizes, and after a merge ledger update.
	Force(state *JobState) error

	Close() error
}

// StateStore is the durable backend the checkpoint strategy writes
// through. The SQLite implementation lives in internal/store.
type StateStore interface {
	SaveState(state *JobState) error
	LoadState() (*JobState, error)
	SaveSnapshot(snap *Snapshot) error
	LoadSnapshot() (*Snapshot, error)
	Close() error
}
