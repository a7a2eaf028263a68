// Package replicate implements the timer-driven worker that drains a
// database's FIFO toward its pool's replica server.
package replicate

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pierrec/lz4"

	"github.com/chronodb/chronodb/internal/fifo"
	"github.com/chronodb/chronodb/internal/promise"
	"github.com/chronodb/chronodb/pkg/cluster"
)

// Status is the Replicator's state machine position.
type Status int

const (
	StatusIdle Status = iota
	StatusRunning
	StatusStopping
	StatusPaused
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusPaused:
		return "paused"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// tickInterval is the backpressure delay between drain attempts.
const tickInterval = 100 * time.Millisecond

const initReplFileName = ".replicate"

// ReplFinishedSender abstracts sending the zero-body BPROTO_REPL_FINISHED
// packet to the replica once the FIFO has drained during initial sync.
// *cluster.Server satisfies it. Replicator itself holds a *cluster.Server
// and calls its SendPkg directly rather than going through this interface.
type ReplFinishedSender interface {
	SendPkg(ctx context.Context, pkg cluster.Packet, timeout time.Duration, cb promise.Callback)
}

// Logger is the minimal structured-logging collaborator this package needs;
// satisfied by a *zap.SugaredLogger in production (see internal/runtime).
type Logger interface {
	Debugf(template string, args ...interface{})
	Errorf(template string, args ...interface{})
}

// Replicator drains one database's FIFO toward its replica server, one
// packet per timer tick, honoring WriteError-retries /
// everything-else-commits semantics.
type Replicator struct {
	mu      sync.Mutex
	status  Status
	timer   *time.Timer
	stopped chan struct{}

	fifo    *fifo.FIFO
	replica *cluster.Server
	log     Logger

	dataDir string

	// sendFn issues one replication packet to the replica and invokes cb
	// with the outcome; in production this is replica.SendPkg, overridden
	// in tests to avoid a live connection.
	sendFn func(ctx context.Context, rec fifo.Record, cb promise.Callback)
}

// New constructs an idle Replicator over the given FIFO/replica pair. It
// does not read the initial-sync file; callers use ReadInitialSyncFile to
// learn which series a new replica needs a full snapshot of.
func New(dataDir string, f *fifo.FIFO, replica *cluster.Server, log Logger) *Replicator {
	r := &Replicator{
		status:  StatusIdle,
		fifo:    f,
		replica: replica,
		log:     log,
		dataDir: dataDir,
	}
	r.sendFn = func(ctx context.Context, rec fifo.Record, cb promise.Callback) {
		replica.SendPkg(ctx, cluster.Packet{Type: cluster.PacketType(rec.Type), Body: rec.Body}, 0, cb)
	}
	return r
}

// Status returns the current state.
func (r *Replicator) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Start transitions IDLE -> RUNNING and arms the first tick. Only valid
// from Idle.
func (r *Replicator) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusIdle {
		return fmt.Errorf("replicate: Start called while status=%s, want idle", r.status)
	}
	r.status = StatusRunning
	r.armLocked()
	return nil
}

// Pause requests the replicator stop. From Idle this is immediate; from
// Running it waits for in-flight work to settle via Stopping.
func (r *Replicator) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.status {
	case StatusIdle:
		r.status = StatusPaused
	case StatusRunning:
		r.status = StatusStopping
	}
}

// Continue resumes a paused or stopping replicator: continue(STOPPING) ->
// RUNNING; continue(PAUSED|IDLE) -> IDLE then start.
func (r *Replicator) Continue() error {
	r.mu.Lock()
	switch r.status {
	case StatusStopping:
		r.status = StatusRunning
		r.armLocked()
		r.mu.Unlock()
		return nil
	case StatusPaused, StatusIdle:
		r.status = StatusIdle
		r.mu.Unlock()
		return r.Start()
	default:
		r.mu.Unlock()
		return fmt.Errorf("replicate: Continue invalid from status=%s", r.status)
	}
}

// Close stops the timer permanently; no further transitions are allowed
// afterward.
func (r *Replicator) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == StatusClosed {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.status = StatusClosed
}

func (r *Replicator) armLocked() {
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(tickInterval, r.tick)
}

// tick runs one iteration of the drain loop. It is invoked by the timer.
// After a send it leaves re-arming to onResponse, and after a failed or
// empty peek it re-arms directly; otherwise it moves Running to Idle and
// Stopping to Paused without re-arming.
func (r *Replicator) tick() {
	r.mu.Lock()
	status := r.status
	r.mu.Unlock()

	if status == StatusClosed {
		return
	}

	if status == StatusRunning && r.fifo.HasData() && r.replicaReady() {
		rec, err := r.fifo.Peek()
		if err != nil {
			r.logErrorf("replicate: peek failed: %v", err)
			r.rearm()
			return
		}
		if rec == nil {
			r.rearm()
			return
		}
		r.sendFn(context.Background(), *rec, r.onResponse)
		return // onResponse rearms once the send settles
	}

	if r.replica.IsSynchronizing() && !r.fifo.HasData() {
		r.sendReplFinished()
	}

	r.mu.Lock()
	if r.status == StatusStopping {
		r.status = StatusPaused
	} else if r.status == StatusRunning {
		r.status = StatusIdle
	}
	r.mu.Unlock()
}

func (r *Replicator) replicaReady() bool {
	return r.replica.IsAvailable() || r.replica.IsSynchronizing()
}

// onResponse is the promise callback for one replicated packet.
func (r *Replicator) onResponse(p *promise.Promise) {
	switch p.Status {
	case promise.StatusWriteError:
		// Leave the record in the FIFO; next tick retries.
	case promise.StatusTimeoutError, promise.StatusCancelledError, promise.StatusTypeError:
		if err := r.fifo.CommitErr(); err != nil {
			r.logErrorf("replicate: commit_err failed: %v", err)
		}
	case promise.StatusSuccess:
		if cluster.IsError(cluster.PacketType(p.RespType)) {
			r.logErrorf("replicate: error occurred while processing data on the replica")
			if err := r.fifo.CommitErr(); err != nil {
				r.logErrorf("replicate: commit_err failed: %v", err)
			}
		} else {
			if err := r.fifo.Commit(); err != nil {
				r.logErrorf("replicate: commit failed: %v", err)
			}
		}
	}
	r.rearm()
}

func (r *Replicator) sendReplFinished() {
	r.replica.SendPkg(context.Background(), cluster.Packet{Type: cluster.PacketReplFinished}, 0,
		func(p *promise.Promise) {
			if p.Status != promise.StatusSuccess {
				r.logDebugf("replicate: error sending replication finished to replica")
				return
			}
			if cluster.PacketType(p.RespType) == cluster.PacketAckReplFinished {
				r.logDebugf("replicate: replication finished ACK received")
			}
		})
}

func (r *Replicator) rearm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == StatusClosed {
		return
	}
	r.armLocked()
}

func (r *Replicator) logErrorf(format string, args ...interface{}) {
	if r.log != nil {
		r.log.Errorf(format, args...)
	}
}

func (r *Replicator) logDebugf(format string, args ...interface{}) {
	if r.log != nil {
		r.log.Debugf(format, args...)
	}
}

// WriteInitialSyncFile writes every given series id to the initial sync
// file for a brand-new replica, lz4-compressed because this snapshot lists
// every series in the database and can be large: lz4 suits bulk, one-shot
// payloads, while snappy is reserved for small per-message records.
func WriteInitialSyncFile(dataDir string, seriesIDs []uint32) error {
	path := filepath.Join(dataDir, initReplFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("replicate: create %s: %w", path, err)
	}
	defer f.Close()

	zw := lz4.NewWriter(f)
	defer zw.Close()

	for _, id := range seriesIDs {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], id)
		if _, err := zw.Write(b[:]); err != nil {
			return fmt.Errorf("replicate: write series id: %w", err)
		}
	}
	return nil
}

// ReadInitialSyncFile opens the .replicate file (if any) with r+ semantics,
// consumed on boot, and returns the tagged series ids, or (nil, false, nil)
// if the file doesn't exist (a normal, already-synced replica).
func ReadInitialSyncFile(dataDir string) (ids []uint32, found bool, err error) {
	path := filepath.Join(dataDir, initReplFileName)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("replicate: open %s: %w", path, err)
	}
	defer f.Close()

	zr := lz4.NewReader(f)
	for {
		var b [4]byte
		_, readErr := io.ReadFull(zr, b[:])
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return nil, false, fmt.Errorf("replicate: read %s: %w", path, readErr)
		}
		ids = append(ids, binary.LittleEndian.Uint32(b[:]))
	}
	return ids, true, nil
}
