package callrecord

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"
)

var log = logging.Logger("callrecord")

// ErrNotFound is returned when no record exists for a call id.
var ErrNotFound = errors.New("callrecord: not found")

// UpsertRequest asks the store to create or update the record for a call.
// Requests are applied in strict FIFO order by a single writer goroutine so
// an older write can never clobber a newer one.
type UpsertRequest struct {
	CallID      uint64
	RemoteParty string
	Candidate   CallType
	OfferKind   string
	SentAt      uint64

	// Connected reports whether the session already reached its connected
	// state when the request was enqueued; see Validate.
	Connected bool
}

// Store is the sqlite-backed call record store. Writes go through an ordered
// queue; reads hit the database directly and may race with in-flight writes,
// so validation always re-fetches inside the writer rather than trusting a
// cached copy.
type Store struct {
	db     *sql.DB
	writes chan writeJob
	done   chan struct{}
}

type writeJob struct {
	req UpsertRequest
	ack chan struct{} // non-nil for Flush barriers
}

// Open opens or creates the call record database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "callrecords.db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS call_records (
			id             TEXT PRIMARY KEY,
			interaction_id TEXT NOT NULL,
			call_id        INTEGER NOT NULL UNIQUE,
			remote_party   TEXT NOT NULL,
			call_type      TEXT NOT NULL,
			offer_kind     TEXT NOT NULL DEFAULT 'audio',
			sent_at        INTEGER NOT NULL DEFAULT 0,
			created_at     DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at     DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create call_records table: %w", err)
	}

	s := &Store{
		db:     db,
		writes: make(chan writeJob, 128),
		done:   make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

// Close drains pending writes and closes the database. Callers must stop
// enqueueing before closing.
func (s *Store) Close() error {
	close(s.writes)
	<-s.done
	return s.db.Close()
}

// EnqueueUpsert queues a create-or-update for the record identified by the
// request's call id. Fire-and-forget: rejections and write errors are logged,
// never propagated — the state transition that produced the request has
// already committed.
func (s *Store) EnqueueUpsert(req UpsertRequest) {
	select {
	case s.writes <- writeJob{req: req}:
	case <-s.done:
		log.Warnw("dropping record write after close", "call_id", req.CallID)
	}
}

// Flush blocks until every write enqueued before the call has been applied.
func (s *Store) Flush() {
	ack := make(chan struct{})
	select {
	case s.writes <- writeJob{ack: ack}:
	case <-s.done:
		return
	}
	select {
	case <-ack:
	case <-s.done:
	}
}

func (s *Store) writeLoop() {
	defer close(s.done)
	for job := range s.writes {
		if job.ack != nil {
			close(job.ack)
			continue
		}
		if err := s.apply(job.req); err != nil {
			log.Errorw("record write failed", "call_id", job.req.CallID, "candidate", job.req.Candidate, "err", err)
		}
	}
}

// apply re-fetches the current row and validates the candidate against it.
// Cross-device sync may have updated the row since the request was enqueued;
// the allowed-transition graph decides who wins.
func (s *Store) apply(req UpsertRequest) error {
	existing, err := s.FetchByCallID(req.CallID)
	switch {
	case errors.Is(err, ErrNotFound):
		accepted, _ := Validate(req.Candidate, req.Connected, nil)
		return s.create(req, accepted)
	case err != nil:
		return err
	}

	accepted, ok := Validate(req.Candidate, req.Connected, &existing.Type)
	if !ok {
		log.Debugw("rejected record transition",
			"call_id", req.CallID, "existing", existing.Type, "candidate", req.Candidate)
		return nil
	}
	_, err = s.db.Exec(
		`UPDATE call_records SET call_type = ?, updated_at = CURRENT_TIMESTAMP WHERE call_id = ?`,
		string(accepted), req.CallID,
	)
	return err
}

func (s *Store) create(req UpsertRequest, accepted CallType) error {
	_, err := s.db.Exec(`
		INSERT INTO call_records (id, interaction_id, call_id, remote_party, call_type, offer_kind, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), uuid.NewString(), req.CallID, req.RemoteParty,
		string(accepted), req.OfferKind, req.SentAt,
	)
	return err
}

// FetchByCallID returns the record for a call id, or ErrNotFound.
func (s *Store) FetchByCallID(callID uint64) (*Record, error) {
	row := s.db.QueryRow(`
		SELECT id, interaction_id, call_id, remote_party, call_type, offer_kind, sent_at, created_at, updated_at
		FROM call_records WHERE call_id = ?`, callID)

	var r Record
	var typ string
	err := row.Scan(&r.ID, &r.InteractionID, &r.CallID, &r.RemoteParty, &typ, &r.OfferKind, &r.SentAt, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Type = CallType(typ)
	return &r, nil
}
