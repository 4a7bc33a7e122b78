// Package demostore keeps the whole demo dataset as one JSON document in a
// key-value store. It implements the organization and referral repositories
// so the server runs without PostgreSQL.
package demostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rcn/rcn/internal/domain/org"
	"github.com/rcn/rcn/internal/domain/referral"
	"github.com/rcn/rcn/internal/platform/kv"
)

// StateKey is where the document lives.
const StateKey = "rcn:demo-state"

// userRecord keeps the password hash, which org.User never serializes.
type userRecord struct {
	org.User
	PasswordHash string `json:"password_hash"`
}

// State is the persisted document.
type State struct {
	Organizations      map[uuid.UUID]*org.Organization `json:"organizations"`
	Branches           map[uuid.UUID]*org.Branch       `json:"branches"`
	Departments        map[uuid.UUID]*org.Department   `json:"departments"`
	Users              map[uuid.UUID]*userRecord       `json:"users"`
	CreditTransactions []*org.CreditTransaction        `json:"credit_transactions"`

	Referrals map[uuid.UUID]*referral.Referral `json:"referrals"`
	Activity  []*referral.ActivityEntry        `json:"activity"`
	Payments  []*referral.PaymentRecord        `json:"payments"`
	Messages  []*referral.ChatMessage          `json:"messages"`
}

func emptyState() *State {
	return &State{
		Organizations: make(map[uuid.UUID]*org.Organization),
		Branches:      make(map[uuid.UUID]*org.Branch),
		Departments:   make(map[uuid.UUID]*org.Department),
		Users:         make(map[uuid.UUID]*userRecord),
		Referrals:     make(map[uuid.UUID]*referral.Referral),
	}
}

// fill replaces nil maps left by an older or hand-edited document.
func (st *State) fill() {
	e := emptyState()
	if st.Organizations == nil {
		st.Organizations = e.Organizations
	}
	if st.Branches == nil {
		st.Branches = e.Branches
	}
	if st.Departments == nil {
		st.Departments = e.Departments
	}
	if st.Users == nil {
		st.Users = e.Users
	}
	if st.Referrals == nil {
		st.Referrals = e.Referrals
	}
}

func decodeState(b []byte) (*State, error) {
	st := &State{}
	if err := json.Unmarshal(b, st); err != nil {
		return nil, fmt.Errorf("decode demo state: %w", err)
	}
	st.fill()
	return st, nil
}

type txKey struct{}

// tx marks a context as running inside WithinTx.
type tx struct {
	dirty bool
}

func txFrom(ctx context.Context) *tx {
	t, _ := ctx.Value(txKey{}).(*tx)
	return t
}

// Store serializes every access with one mutex. WithinTx holds it for the
// whole callback, so repository calls made with the callback's context run
// without locking again.
type Store struct {
	kv     kv.KV
	logger zerolog.Logger
	now    func() time.Time
	seed   func(now time.Time) (*State, error)

	mu    sync.Mutex
	state *State
}

func New(store kv.KV, logger zerolog.Logger) *Store {
	return &Store{
		kv:     store,
		logger: logger.With().Str("component", "demostore").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
		seed:   SeedState,
	}
}

// Ping checks the backing store.
func (s *Store) Ping(ctx context.Context) error { return s.kv.Ping(ctx) }

// load reads the document, seeding it on first use. Callers hold mu.
func (s *Store) load(ctx context.Context) (seeded bool, err error) {
	if s.state != nil {
		return false, nil
	}
	raw, err := s.kv.Get(ctx, StateKey)
	if errors.Is(err, kv.ErrMiss) {
		st, err := s.seed(s.now())
		if err != nil {
			return false, err
		}
		if err := s.persist(ctx, st); err != nil {
			return false, err
		}
		s.state = st
		s.logger.Info().Msg("demo state seeded")
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read demo state: %w", err)
	}
	st, err := decodeState([]byte(raw))
	if err != nil {
		return false, err
	}
	s.state = st
	return false, nil
}

func (s *Store) persist(ctx context.Context, st *State) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode demo state: %w", err)
	}
	if err := s.kv.Set(ctx, StateKey, string(b), 0); err != nil {
		return fmt.Errorf("write demo state: %w", err)
	}
	return nil
}

func (s *Store) read(ctx context.Context, fn func(st *State) error) error {
	if txFrom(ctx) != nil {
		return fn(s.state)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.load(ctx); err != nil {
		return err
	}
	return fn(s.state)
}

// write runs fn and saves the whole document. Inside a transaction the save
// waits for the outermost commit.
func (s *Store) write(ctx context.Context, fn func(st *State) error) error {
	if t := txFrom(ctx); t != nil {
		t.dirty = true
		return fn(s.state)
	}
	return s.WithinTx(ctx, func(ctx context.Context) error {
		txFrom(ctx).dirty = true
		return fn(s.state)
	})
}

// WithinTx runs fn atomically. A failing fn, or a failed save, restores the
// document as it was before. Nested calls join the outer transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFrom(ctx) != nil {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.load(ctx); err != nil {
		return err
	}

	snapshot, err := json.Marshal(s.state)
	if err != nil {
		return fmt.Errorf("snapshot demo state: %w", err)
	}
	restore := func() {
		st, err := decodeState(snapshot)
		if err != nil {
			s.logger.Error().Err(err).Msg("demo state rollback failed; reloading on next access")
			s.state = nil
			return
		}
		s.state = st
	}

	t := &tx{}
	if err := fn(context.WithValue(ctx, txKey{}, t)); err != nil {
		restore()
		return err
	}
	if !t.dirty {
		return nil
	}
	if err := s.persist(ctx, s.state); err != nil {
		restore()
		return err
	}
	return nil
}

// Seed loads the document, creating the demo dataset when none is stored.
// It reports whether seeding happened.
func (s *Store) Seed(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

// Reset discards the stored document and writes a fresh demo dataset.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.seed(s.now())
	if err != nil {
		return err
	}
	if err := s.persist(ctx, st); err != nil {
		return err
	}
	s.state = st
	s.logger.Info().Msg("demo state reset")
	return nil
}

// Snapshot returns a deep copy of the current document.
func (s *Store) Snapshot(ctx context.Context) (*State, error) {
	var b []byte
	err := s.read(ctx, func(st *State) error {
		var err error
		b, err = json.Marshal(st)
		return err
	})
	if err != nil {
		return nil, err
	}
	return decodeState(b)
}

// Repositories bundles the typed views handed to the services.
type Repositories struct {
	Organizations org.OrganizationRepository
	Branches      org.BranchRepository
	Departments   org.DepartmentRepository
	Users         org.UserRepository
	Tx            org.TxRunner
	Referrals     referral.Repository
}

func (s *Store) Repositories() Repositories {
	return Repositories{
		Organizations: &orgRepo{s},
		Branches:      &branchRepo{s},
		Departments:   &departmentRepo{s},
		Users:         &userRepo{s},
		Tx:            s,
		Referrals:     &referralRepo{s},
	}
}
