// Package session ties buffer tables and virtual workspaces to a client.
//
// A Session owns one buffer table, holding both regular and I/O-mapped
// buffers, and a small set of virtual workspaces. Everything it hands out is
// named by a WSID. Unlike the tables underneath it, a Session is safe for
// concurrent use: one mutex serializes every operation.
package session

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mknyszek/wsmem/bufdesc"
	"github.com/mknyszek/wsmem/internal/log"
	"github.com/mknyszek/wsmem/pinned"
	"github.com/mknyszek/wsmem/virtmem"
)

var (
	// ErrBadID is returned for a WSID that is malformed or names nothing
	// of its kind.
	ErrBadID = errors.New("bad workspace id")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("session closed")

	// ErrWorkspaceLimit is returned by AllocVirtual when the session already
	// has as many virtual workspaces as it may.
	ErrWorkspaceLimit = errors.New("too many virtual workspaces")
)

// Info describes what a WSID names.
type Info struct {
	ID   WSID
	Kind MemKind

	// Virt and Phys are the buffer's addresses. For a virtual workspace
	// Phys is the page table's physical address and Virt is zero.
	Virt pinned.Addr
	Phys pinned.Addr

	// Size is the buffer size, or the rounded workspace size.
	Size pinned.Bytes

	// Entries is the number of super pages of a virtual workspace.
	Entries int
}

// Session is the set of buffers and workspaces owned by one client.
type Session struct {
	alloc pinned.Allocator
	log   log.Logger

	maxWorkspaces  int
	superPageOrder uint8
	tableOpts      []bufdesc.Option

	// mu protects the fields below.
	mu         sync.Mutex
	closed     bool
	buffers    *bufdesc.Table
	workspaces []*virtmem.Workspace
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger for the session and everything it creates.
func WithLogger(l log.Logger) Option {
	return func(s *Session) {
		s.log = l
		s.tableOpts = append(s.tableOpts, bufdesc.WithLogger(l))
	}
}

// WithFill sets the fill patterns of every table the session creates.
func WithFill(f pinned.Fill) Option {
	return func(s *Session) {
		s.tableOpts = append(s.tableOpts, bufdesc.WithFill(f))
	}
}

// WithWarningRate limits double-free warnings to one per period. It must
// follow WithLogger.
func WithWarningRate(every time.Duration) Option {
	return func(s *Session) {
		s.tableOpts = append(s.tableOpts, bufdesc.WithWarningRate(every))
	}
}

// WithMaxWorkspaces sets how many virtual workspaces may exist at once.
func WithMaxWorkspaces(n int) Option {
	return func(s *Session) {
		s.maxWorkspaces = n
	}
}

// WithSuperPageOrder sets the super page order used by AllocVirtual when it
// is passed zero.
func WithSuperPageOrder(order uint8) Option {
	return func(s *Session) {
		s.superPageOrder = order
	}
}

// New creates a session allocating from a.
func New(a pinned.Allocator, opts ...Option) *Session {
	s := &Session{
		alloc:          a,
		log:            log.Component("session"),
		maxWorkspaces:  1,
		superPageOrder: virtmem.DefaultSuperPageOrder,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.buffers = bufdesc.New(a, s.tableOpts...)
	return s
}

// Alloc allocates a regular buffer of at least size bytes.
func (s *Session) Alloc(size pinned.Bytes) (WSID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	i, err := s.buffers.AllocateBuffer(size)
	if err != nil {
		return 0, err
	}
	return MakeWSID(MemRegular, int32(i)), nil
}

// AddIO records device memory. The session never frees the region itself.
func (s *Session) AddIO(r pinned.Region) (WSID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	i, err := s.buffers.AddBuffer(bufdesc.NewIOMapped(r))
	if err != nil {
		return 0, err
	}
	return MakeWSID(MemIO, int32(i)), nil
}

// AllocVirtual constructs a virtual workspace of at least size bytes made of
// super pages of the given order. An order of zero selects the session's
// default.
func (s *Session) AllocVirtual(size pinned.Bytes, order uint8) (WSID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if order == 0 {
		order = s.superPageOrder
	}
	slot, n := -1, 0
	for i, w := range s.workspaces {
		if w == nil {
			if slot < 0 {
				slot = i
			}
			continue
		}
		n++
	}
	if n >= s.maxWorkspaces {
		s.log.Warningf("Cannot allocate more than %d virtual workspaces", s.maxWorkspaces)
		return 0, fmt.Errorf("%d of %d workspaces in use: %w", n, s.maxWorkspaces, ErrWorkspaceLimit)
	}
	w := virtmem.New(s.alloc, virtmem.WithLogger(s.log), virtmem.WithTableOptions(s.tableOpts...))
	if err := w.Construct(size, order); err != nil {
		return 0, err
	}
	if slot < 0 {
		slot = len(s.workspaces)
		s.workspaces = append(s.workspaces, w)
	} else {
		s.workspaces[slot] = w
	}
	return MakeWSID(MemVirtual, int32(slot)), nil
}

// lookupBuffer returns the descriptor named by a regular or I/O ID.
func (s *Session) lookupBuffer(id WSID) (*bufdesc.Descriptor, bool) {
	d, ok := s.buffers.Get(bufdesc.Index(id.Index()))
	if !ok {
		return nil, false
	}
	switch id.Kind() {
	case MemRegular:
		return d, d.Kind() == bufdesc.KindRegular
	case MemIO:
		return d, d.Kind() == bufdesc.KindIOMapped
	}
	return nil, false
}

func (s *Session) lookupWorkspace(id WSID) (*virtmem.Workspace, bool) {
	i := int(id.Index())
	if i < 0 || i >= len(s.workspaces) || s.workspaces[i] == nil {
		return nil, false
	}
	return s.workspaces[i], true
}

// Free releases whatever id names. IDs beyond the buffer table fail with
// ErrBadID. Freeing an ID twice fails with ErrBadID or, for buffers, an
// error matching bufdesc.ErrInvalidIndex.
func (s *Session) Free(id WSID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if !id.Valid() {
		s.log.Warningf("Free failed due to bad workspace id %v", id)
		return fmt.Errorf("freeing %v: %w", id, ErrBadID)
	}
	switch id.Kind() {
	case MemRegular, MemIO:
		if i := id.Index(); i < 0 || int(i) >= s.buffers.Capacity() {
			s.log.Warningf("Free of %v is out of range of the buffer table", id)
			return fmt.Errorf("freeing %v: %w", id, ErrBadID)
		}
		if _, ok := s.buffers.Get(bufdesc.Index(id.Index())); ok {
			if _, ok := s.lookupBuffer(id); !ok {
				s.log.Warningf("Free of %v names a buffer of another kind", id)
				return fmt.Errorf("freeing %v: %w", id, ErrBadID)
			}
		}
		return s.buffers.FreeBuffer(bufdesc.Index(id.Index()))
	default:
		w, ok := s.lookupWorkspace(id)
		if !ok {
			s.log.Warningf("Virtual free failed due to bad workspace id %v", id)
			return fmt.Errorf("freeing %v: %w", id, ErrBadID)
		}
		w.Destruct()
		s.workspaces[id.Index()] = nil
		return nil
	}
}

// Lookup describes what id names.
func (s *Session) Lookup(id WSID) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Info{}, ErrClosed
	}
	if !id.Valid() {
		return Info{}, fmt.Errorf("looking up %v: %w", id, ErrBadID)
	}
	if id.Kind() == MemVirtual {
		w, ok := s.lookupWorkspace(id)
		if !ok {
			return Info{}, fmt.Errorf("looking up %v: %w", id, ErrBadID)
		}
		return Info{
			ID:      id,
			Kind:    MemVirtual,
			Phys:    w.PageTableAddr(),
			Size:    w.RoundedSize(),
			Entries: w.ValidEntries(),
		}, nil
	}
	d, ok := s.lookupBuffer(id)
	if !ok {
		return Info{}, fmt.Errorf("looking up %v: %w", id, ErrBadID)
	}
	return Info{
		ID:   id,
		Kind: id.Kind(),
		Virt: d.Virt(),
		Phys: d.Phys(),
		Size: d.Size(),
	}, nil
}

// Translate returns the physical address of the byte at offset within the
// buffer or workspace named by id.
func (s *Session) Translate(id WSID, offset pinned.Bytes) (pinned.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if !id.Valid() {
		return 0, fmt.Errorf("translating %v: %w", id, ErrBadID)
	}
	if id.Kind() == MemVirtual {
		w, ok := s.lookupWorkspace(id)
		if !ok {
			return 0, fmt.Errorf("translating %v: %w", id, ErrBadID)
		}
		a, ok := w.Translate(offset)
		if !ok {
			return 0, fmt.Errorf("offset %#x past workspace %v of %d bytes: %w", offset, id, w.RoundedSize(), ErrBadID)
		}
		return a, nil
	}
	d, ok := s.lookupBuffer(id)
	if !ok {
		return 0, fmt.Errorf("translating %v: %w", id, ErrBadID)
	}
	if offset >= d.Size() {
		return 0, fmt.Errorf("offset %#x past buffer %v of %d bytes: %w", offset, id, d.Size(), ErrBadID)
	}
	return d.Phys().Add(offset), nil
}

// Counts returns the number of live buffers and virtual workspaces.
func (s *Session) Counts() (buffers, workspaces int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.workspaces {
		if w != nil {
			workspaces++
		}
	}
	return s.buffers.Occupied(), workspaces
}

// Capacity returns the number of slots in the buffer table.
func (s *Session) Capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffers.Capacity()
}

// Check verifies the bookkeeping of every table in the session.
func (s *Session) Check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buffers.Check(); err != nil {
		return fmt.Errorf("buffer table: %w", err)
	}
	for i, w := range s.workspaces {
		if w == nil {
			continue
		}
		if err := w.Check(); err != nil {
			return fmt.Errorf("workspace %d: %w", i, err)
		}
	}
	return nil
}

// Dump writes the buffer table, for MemRegular or MemIO, or every virtual
// workspace, for MemVirtual, to w. See bufdesc.Table.Dump for start and
// stop.
func (s *Session) Dump(w io.Writer, kind MemKind, start, stop int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case MemRegular, MemIO:
		s.buffers.Dump(w, start, stop)
	case MemVirtual:
		for i, ws := range s.workspaces {
			if ws == nil {
				continue
			}
			fmt.Fprintf(w, "Workspace %v:\n", MakeWSID(MemVirtual, int32(i)))
			ws.Dump(w, start, stop)
		}
	default:
		return fmt.Errorf("dumping %v tables: %w", kind, ErrBadID)
	}
	return nil
}

// Close releases every buffer and workspace. Later calls fail with
// ErrClosed; closing twice is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	nw := 0
	for i, w := range s.workspaces {
		if w == nil {
			continue
		}
		w.Destruct()
		s.workspaces[i] = nil
		nw++
	}
	if s.buffers.HasLiveEntries() || nw > 0 {
		s.log.Infof("Closing session with %d live buffers and %d workspaces", s.buffers.Occupied(), nw)
	}
	s.buffers.Destruct()
	s.workspaces = nil
	s.closed = true
	return nil
}
