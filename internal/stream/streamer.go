// Package stream schedules chunk work: a bounded priority queue of
// load/generate/mesh/save/unload tasks, a fixed worker pool, distance-based
// prioritization around focus points, and a two-pool memory budget.
package stream

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"voxelstream.dev/internal/registry"
	"voxelstream.dev/internal/world"
)

var (
	// ErrBudgetExhausted means the memory budget had no headroom for the
	// operation; the task is retried at a lower priority.
	ErrBudgetExhausted = errors.New("memory budget exhausted")
	// ErrCanceled means the task observed its cancellation flag; a non-error
	// completion, never logged as failure.
	ErrCanceled = errors.New("task canceled")
	// ErrQueueFull means the task queue is at capacity and the request's
	// priority is below High.
	ErrQueueFull = errors.New("task queue full")
)

const (
	defaultWorkers        = 4
	defaultMaxQueued      = 1000
	defaultMaxRetries     = 3
	defaultUpdateInterval = 0.5 // seconds

	primaryFocusID = "primary"
)

// FocusPoint drives prioritization: chunks near a focus are wanted at high
// priority, chunks beyond 1.5x its radius are candidates for unload.
type FocusPoint struct {
	ID     string
	Pos    world.Vec3
	Radius float64
	Weight float64
}

// Streamer is the chunk streaming scheduler.
type Streamer struct {
	reg    *registry.Registry
	log    *zap.Logger
	budget *MemoryBudget

	chunkSize      int
	maxQueued      int
	maxRetries     int
	updateInterval float64

	mu       sync.Mutex
	cond     *sync.Cond
	queue    *taskQueue
	inFlight map[uint64]*task
	active   map[world.ChunkCoord]int
	charges  map[world.ChunkCoord]*charge
	nextID   uint64
	nextSeq  uint64
	workers  int
	started  bool
	stopped  bool
	wg       sync.WaitGroup

	focusMu   sync.Mutex
	focuses   map[string]FocusPoint
	accum     float64
	forceEval bool

	completed atomic.Uint64
	dropped   atomic.Uint64
}

// Option configures a Streamer at construction.
type Option func(*Streamer)

func WithWorkers(n int) Option {
	return func(s *Streamer) {
		if n > 0 {
			s.workers = n
		}
	}
}

func WithMaxQueuedTasks(n int) Option {
	return func(s *Streamer) {
		if n > 0 {
			s.maxQueued = n
		}
	}
}

func WithMaxRetries(n int) Option {
	return func(s *Streamer) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

func WithUpdateInterval(d time.Duration) Option {
	return func(s *Streamer) {
		if d > 0 {
			s.updateInterval = d.Seconds()
		}
	}
}

func New(reg *registry.Registry, budget *MemoryBudget, logger *zap.Logger, opts ...Option) *Streamer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if budget == nil {
		budget = NewMemoryBudget(math.MaxInt64, math.MaxInt64, 0)
	}
	s := &Streamer{
		reg:            reg,
		log:            logger,
		budget:         budget,
		chunkSize:      reg.ChunkSize(),
		maxQueued:      defaultMaxQueued,
		maxRetries:     defaultMaxRetries,
		updateInterval: defaultUpdateInterval,
		queue:          newTaskQueue(),
		inFlight:       make(map[uint64]*task),
		active:         make(map[world.ChunkCoord]int),
		charges:        make(map[world.ChunkCoord]*charge),
		workers:        defaultWorkers,
		focuses:        make(map[string]FocusPoint),
	}
	s.cond = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Streamer) Name() string           { return "streamer" }
func (s *Streamer) Dependencies() []string { return []string{"registry"} }

// Initialize starts the worker pool.
func (s *Streamer) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("streamer already started")
	}
	s.started = true
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return nil
}

// SetWorkerCount grows the worker pool to n. Shrinking a running pool is
// not supported; extra workers would have to be drained mid-task.
func (s *Streamer) SetWorkerCount(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.workers = n
		return
	}
	for ; s.workers < n; s.workers++ {
		s.wg.Add(1)
		go s.worker()
	}
}

// Shutdown stops accepting work, wakes all workers, and waits for in-flight
// tasks to finish. Queued tasks are discarded.
func (s *Streamer) Shutdown() error {
	s.mu.Lock()
	s.stopped = true
	s.cond.Broadcast()
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

// RequestChunk asks for the chunk at coord to become resident. Already
// loaded coordinates and duplicate pending requests succeed without
// enqueueing. Returns false only when the queue is full and the priority is
// below High.
func (s *Streamer) RequestChunk(coord world.ChunkCoord, p Priority) bool {
	if s.reg.IsChunkLoaded(coord) {
		return true
	}
	op := OpGenerate
	if s.reg.Store().ChunkExists(coord) {
		op = OpLoad
	}
	return s.enqueue(coord, op, p)
}

// RequestChunkMesh asks for the chunk's derived mesh. The worker loads the
// chunk first when it is not resident.
func (s *Streamer) RequestChunkMesh(coord world.ChunkCoord, p Priority) bool {
	if c := s.reg.GetChunk(coord); c != nil && c.Mesh() != nil {
		return true
	}
	return s.enqueue(coord, OpMesh, p)
}

// RequestChunkSave asks for a dirty chunk to be written back.
func (s *Streamer) RequestChunkSave(coord world.ChunkCoord, p Priority) bool {
	c := s.reg.GetChunk(coord)
	if c == nil || !c.IsDirty() {
		return true
	}
	return s.enqueue(coord, OpSave, p)
}

// RequestChunkUnload asks for the chunk to be evicted (saved first when
// dirty).
func (s *Streamer) RequestChunkUnload(coord world.ChunkCoord, p Priority) bool {
	if !s.reg.IsChunkLoaded(coord) {
		return true
	}
	return s.enqueue(coord, OpUnload, p)
}

func (s *Streamer) enqueue(coord world.ChunkCoord, op Op, p Priority) bool {
	if p < PriorityCritical || p > PriorityVeryLow {
		p = PriorityLow
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	// One task per (coord, op), whether queued or already on a worker;
	// different ops may coexist.
	if s.queue.hasOp(coord, op) || s.inFlightOpLocked(coord, op) {
		return true
	}
	if s.queue.len() >= s.maxQueued && p > PriorityHigh {
		return false
	}
	s.nextID++
	s.nextSeq++
	t := &task{
		id:        s.nextID,
		coord:     coord,
		op:        op,
		priority:  p,
		seq:       s.nextSeq,
		estMemory: s.estimateMemory(op),
		canceled:  &atomic.Bool{},
	}
	s.queue.push(t)
	s.cond.Signal()
	return true
}

// inFlightOpLocked reports whether a worker is executing a task with the
// given coord and op. Caller holds s.mu.
func (s *Streamer) inFlightOpLocked(coord world.ChunkCoord, op Op) bool {
	for _, t := range s.inFlight {
		if t.coord == coord && t.op == op {
			return true
		}
	}
	return false
}

func (s *Streamer) estimateMemory(op Op) int64 {
	voxelBytes := int64(s.chunkSize) * int64(s.chunkSize) * int64(s.chunkSize) * 2
	switch op {
	case OpLoad, OpGenerate:
		return voxelBytes
	case OpMesh:
		// Meshes are usually far smaller than the voxel payload; the
		// estimate is corrected to actual size after generation.
		return voxelBytes / 2
	default:
		return 0
	}
}

// CancelChunkTasks marks every pending and in-flight task for coord as
// canceled and returns the count affected. With nothing pending it returns
// zero.
func (s *Streamer) CancelChunkTasks(coord world.ChunkCoord) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.queue.tasksFor(coord) {
		if !t.canceled.Swap(true) {
			n++
		}
	}
	for _, t := range s.inFlight {
		if t.coord == coord && !t.canceled.Swap(true) {
			n++
		}
	}
	return n
}

// SetFocusPoint replaces the primary focus point. Takes effect on the next
// periodic re-evaluation.
func (s *Streamer) SetFocusPoint(pos world.Vec3, radius float64) {
	s.focusMu.Lock()
	s.focuses[primaryFocusID] = FocusPoint{ID: primaryFocusID, Pos: pos, Radius: radius, Weight: 1}
	s.forceEval = true
	s.focusMu.Unlock()
}

// AddFocusPoint registers a secondary focus point under id.
func (s *Streamer) AddFocusPoint(id string, pos world.Vec3, radius, weight float64) {
	if id == "" || id == primaryFocusID {
		return
	}
	if weight <= 0 {
		weight = 1
	}
	s.focusMu.Lock()
	s.focuses[id] = FocusPoint{ID: id, Pos: pos, Radius: radius, Weight: weight}
	s.forceEval = true
	s.focusMu.Unlock()
}

// RemoveFocusPoint drops a secondary focus point.
func (s *Streamer) RemoveFocusPoint(id string) {
	if id == primaryFocusID {
		return
	}
	s.focusMu.Lock()
	delete(s.focuses, id)
	s.forceEval = true
	s.focusMu.Unlock()
}

// SetMemoryBudget reconfigures the two-pool budget.
func (s *Streamer) SetMemoryBudget(chunkMax, meshMax, reserve int64) {
	s.budget.SetLimits(chunkMax, meshMax, reserve)
}

// MemoryUsage reports current pool usage in bytes.
func (s *Streamer) MemoryUsage() (chunk, mesh int64) {
	return s.budget.Usage()
}

func (s *Streamer) PendingTaskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.len()
}

func (s *Streamer) ActiveTaskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// IsChunkProcessing reports whether any task for coord is queued or
// in flight.
func (s *Streamer) IsChunkProcessing(coord world.ChunkCoord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue.tasksFor(coord)) > 0 {
		return true
	}
	return s.active[coord] > 0
}

// PriorityForDistance buckets a world-space distance against the primary
// radius: Critical inside 30%, High inside 60%, Medium inside 90%, Low
// beyond that.
func PriorityForDistance(dist, radius float64) Priority {
	switch {
	case dist <= 0.3*radius:
		return PriorityCritical
	case dist <= 0.6*radius:
		return PriorityHigh
	case dist <= 0.9*radius:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Update accumulates elapsed time and, once the configured interval has
// passed (or a focus point changed), re-derives the desired chunk set:
// load/mesh requests for chunks near a focus, unload requests for loaded
// chunks beyond 1.5x every focus radius.
func (s *Streamer) Update(dt float64) {
	s.focusMu.Lock()
	s.accum += dt
	due := s.accum >= s.updateInterval || s.forceEval
	if !due {
		s.focusMu.Unlock()
		return
	}
	s.accum = 0
	s.forceEval = false
	focuses := make([]FocusPoint, 0, len(s.focuses))
	primaryRadius := 0.0
	for _, f := range s.focuses {
		focuses = append(focuses, f)
		if f.ID == primaryFocusID {
			primaryRadius = f.Radius
		}
	}
	s.focusMu.Unlock()

	if len(focuses) == 0 {
		return
	}
	if primaryRadius <= 0 {
		primaryRadius = focuses[0].Radius
	}

	for _, f := range focuses {
		s.scanFocus(f, primaryRadius)
	}

	// Hysteresis: evict only once a chunk is outside 1.5x every radius, so
	// chunks at the boundary do not thrash.
	for _, coord := range s.reg.LoadedChunks() {
		center := coord.Center(s.chunkSize)
		keep := false
		for _, f := range focuses {
			if center.DistanceTo(f.Pos) <= 1.5*f.Radius {
				keep = true
				break
			}
		}
		if !keep {
			s.RequestChunkUnload(coord, PriorityVeryLow)
		}
	}
}

// scanFocus walks the chunk-coordinate box around one focus point and
// requests every chunk whose cell center falls inside the radius.
func (s *Streamer) scanFocus(f FocusPoint, primaryRadius float64) {
	min := world.CoordFromWorld(world.Vec3{X: f.Pos.X - f.Radius, Y: f.Pos.Y - f.Radius, Z: f.Pos.Z - f.Radius}, s.chunkSize)
	max := world.CoordFromWorld(world.Vec3{X: f.Pos.X + f.Radius, Y: f.Pos.Y + f.Radius, Z: f.Pos.Z + f.Radius}, s.chunkSize)

	promote := int(f.Weight) - 1
	for y := min.Y; y <= max.Y; y++ {
		for z := min.Z; z <= max.Z; z++ {
			for x := min.X; x <= max.X; x++ {
				coord := world.ChunkCoord{X: x, Y: y, Z: z}
				dist := coord.Center(s.chunkSize).DistanceTo(f.Pos)
				if dist > f.Radius {
					continue
				}
				p := PriorityForDistance(dist, primaryRadius)
				for i := 0; i < promote && p > PriorityCritical; i++ {
					p--
				}
				if s.reg.IsChunkLoaded(coord) {
					s.RequestChunkMesh(coord, p)
				} else {
					s.RequestChunk(coord, p)
				}
			}
		}
	}
}

func (s *Streamer) worker() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for s.queue.len() == 0 && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped {
			s.mu.Unlock()
			return
		}
		t := s.queue.pop()
		if t.isCanceled() {
			// First checkpoint: canceled before work started, nothing to undo.
			s.mu.Unlock()
			continue
		}
		s.inFlight[t.id] = t
		s.active[t.coord]++
		s.mu.Unlock()

		err := s.execute(t)

		s.mu.Lock()
		delete(s.inFlight, t.id)
		if s.active[t.coord]--; s.active[t.coord] <= 0 {
			delete(s.active, t.coord)
		}
		s.mu.Unlock()

		switch {
		case err == nil:
			s.completed.Add(1)
		case errors.Is(err, ErrCanceled):
			// Non-error completion.
		case errors.Is(err, ErrBudgetExhausted):
			s.demote(t)
		default:
			// Terminal: logged, not retried. A future re-evaluation may
			// request the chunk again.
			s.log.Error("streaming task failed",
				zap.String("op", t.op.String()),
				zap.String("coord", t.coord.String()),
				zap.Error(err))
			s.dropped.Add(1)
		}
	}
}

// demote re-queues a budget-starved task one priority level lower. At the
// floor, or past the retry ceiling, the task is dropped and must be
// re-requested by a future Update.
func (s *Streamer) demote(t *task) {
	t.retries++
	if t.retries > s.maxRetries || t.priority >= PriorityVeryLow {
		s.dropped.Add(1)
		s.log.Debug("dropping budget-starved task",
			zap.String("op", t.op.String()),
			zap.String("coord", t.coord.String()),
			zap.Int("retries", t.retries))
		return
	}
	t.priority++

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || (s.queue.len() >= s.maxQueued && t.priority > PriorityHigh) {
		s.dropped.Add(1)
		return
	}
	s.nextSeq++
	t.seq = s.nextSeq
	s.queue.push(t)
	s.cond.Signal()
}

// charge records the bytes the budget currently accounts for one resident
// coordinate. Executors settle against it with deltas, so a load that lost
// a race with a concurrent insert, or a mesh rebuilt after invalidation,
// adjusts the pools instead of charging again.
type charge struct {
	chunk int64
	mesh  int64
}

// chargeLocked returns the charge record for coord, creating it on first
// use. Caller holds s.mu.
func (s *Streamer) chargeLocked(coord world.ChunkCoord) *charge {
	ch := s.charges[coord]
	if ch == nil {
		ch = &charge{}
		s.charges[coord] = ch
	}
	return ch
}

// settleChunk moves the accounted chunk bytes for coord to actual and
// applies the difference, minus the reservation already held, to the pool.
func (s *Streamer) settleChunk(coord world.ChunkCoord, actual, reserved int64) {
	s.mu.Lock()
	ch := s.chargeLocked(coord)
	prev := ch.chunk
	ch.chunk = actual
	s.mu.Unlock()
	s.budget.Adjust(actual-prev-reserved, 0)
}

// settleMesh is settleChunk for the mesh pool.
func (s *Streamer) settleMesh(coord world.ChunkCoord, actual, reserved int64) {
	s.mu.Lock()
	ch := s.chargeLocked(coord)
	prev := ch.mesh
	ch.mesh = actual
	s.mu.Unlock()
	s.budget.Adjust(0, actual-prev-reserved)
}

func (s *Streamer) execute(t *task) error {
	switch t.op {
	case OpLoad, OpGenerate:
		return s.executeLoad(t)
	case OpMesh:
		return s.executeMesh(t)
	case OpSave:
		return s.executeSave(t)
	case OpUnload:
		return s.executeUnload(t)
	default:
		return fmt.Errorf("unknown op %d", t.op)
	}
}

func (s *Streamer) executeLoad(t *task) error {
	if s.reg.IsChunkLoaded(t.coord) {
		return nil
	}
	// Second checkpoint: last look before committing budget.
	if t.isCanceled() {
		return ErrCanceled
	}
	hp := t.priority <= PriorityHigh
	if !s.budget.Reserve(t.estMemory, 0, hp) {
		return ErrBudgetExhausted
	}

	var (
		c   *world.Chunk
		err error
	)
	if t.op == OpGenerate {
		c, err = s.reg.CreateChunk(t.coord)
		if err != nil {
			// Lost a race with a concurrent load; the chunk is resident.
			if winner := s.reg.GetChunk(t.coord); winner != nil {
				c, err = winner, nil
			}
		}
	} else {
		c, err = s.reg.LoadChunk(t.coord)
	}
	if err != nil {
		s.budget.Adjust(-t.estMemory, 0)
		return err
	}

	// Settle the optimistic reservation against the charge ledger. When a
	// concurrent load already accounted this chunk, the delta refunds the
	// whole reservation instead of charging the chunk twice.
	s.settleChunk(t.coord, c.MemoryUsage(), t.estMemory)

	// A resident chunk wants a mesh; queue it at the same priority.
	s.RequestChunkMesh(t.coord, t.priority)
	return nil
}

func (s *Streamer) executeMesh(t *task) error {
	c := s.reg.GetChunk(t.coord)
	if c == nil {
		var err error
		c, err = s.reg.LoadChunk(t.coord)
		if err != nil {
			return fmt.Errorf("load for mesh: %w", err)
		}
	}
	if c.Mesh() != nil {
		return nil
	}
	if t.isCanceled() {
		return ErrCanceled
	}
	hp := t.priority <= PriorityHigh
	if !s.budget.Reserve(0, t.estMemory, hp) {
		return ErrBudgetExhausted
	}
	if err := c.GenerateMesh(); err != nil {
		s.budget.Adjust(0, -t.estMemory)
		return err
	}
	// Rebuilding after invalidation replaces the old charge rather than
	// stacking a new one on top of it.
	s.settleMesh(t.coord, c.MeshMemoryUsage(), t.estMemory)
	return nil
}

func (s *Streamer) executeSave(t *task) error {
	c := s.reg.GetChunk(t.coord)
	if c == nil || !c.IsDirty() {
		return nil
	}
	if t.isCanceled() {
		return ErrCanceled
	}
	return s.reg.SerializeChunk(c)
}

func (s *Streamer) executeUnload(t *task) error {
	c := s.reg.GetChunk(t.coord)
	if c == nil {
		return nil
	}
	if t.isCanceled() {
		return ErrCanceled
	}
	if err := s.reg.UnloadChunk(t.coord); err != nil {
		return err
	}
	// Release exactly what was charged, including a mesh charge whose mesh
	// was invalidated and never rebuilt.
	s.mu.Lock()
	ch := s.charges[t.coord]
	delete(s.charges, t.coord)
	s.mu.Unlock()
	if ch != nil {
		s.budget.Adjust(-ch.chunk, -ch.mesh)
	}
	return nil
}

// Stats is a point-in-time snapshot for the status feed and tools.
type Stats struct {
	Pending        int    `json:"pending"`
	Active         int    `json:"active"`
	Completed      uint64 `json:"completed"`
	Dropped        uint64 `json:"dropped"`
	LoadedChunks   int    `json:"loaded_chunks"`
	DirtyChunks    int    `json:"dirty_chunks"`
	ChunkMemory    int64  `json:"chunk_memory"`
	MeshMemory     int64  `json:"mesh_memory"`
	MaxChunkMemory int64  `json:"max_chunk_memory"`
	MaxMeshMemory  int64  `json:"max_mesh_memory"`
	FocusPoints    int    `json:"focus_points"`
}

func (s *Streamer) Snapshot() Stats {
	chunkMem, meshMem := s.budget.Usage()
	maxChunk, maxMesh, _ := s.budget.Limits()

	s.focusMu.Lock()
	nFocus := len(s.focuses)
	s.focusMu.Unlock()

	s.mu.Lock()
	pending := s.queue.len()
	active := len(s.inFlight)
	s.mu.Unlock()

	return Stats{
		Pending:        pending,
		Active:         active,
		Completed:      s.completed.Load(),
		Dropped:        s.dropped.Load(),
		LoadedChunks:   s.reg.LoadedCount(),
		DirtyChunks:    s.reg.DirtyCount(),
		ChunkMemory:    chunkMem,
		MeshMemory:     meshMem,
		MaxChunkMemory: maxChunk,
		MaxMeshMemory:  maxMesh,
		FocusPoints:    nFocus,
	}
}
