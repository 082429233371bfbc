// Package control serves the daemon's Unix-domain control socket: a
// newline-delimited JSON request/response protocol used by cmd/vaultctl
// and other local callers to trigger sync runs, announce filesystem
// changes, and perform direct filesystem operations against a vault
// without going through the FUSE mount.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/vaulthalla/vaulthalla/internal/storage"
)

// EngineLookup resolves a vault ID to its live storage engine and runs
// out-of-band sync. Implemented by *daemon.Daemon.
type EngineLookup interface {
	Engine(vaultID uint32) (*storage.Engine, bool)
	RunSync(ctx context.Context, vaultID uint32) error
}

// Request is the wire envelope shared by every control-socket command.
// Op-specific fields are optional depending on op.
type Request struct {
	Op       string `json:"op"`
	VaultID  uint32 `json:"vaultId"`
	FSEntryID uint32 `json:"fsEntryId,omitempty"`
	Path     string `json:"path,omitempty"`
	NewPath  string `json:"newPath,omitempty"`
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
	UID      uint32 `json:"uid,omitempty"`
	GID      uint32 `json:"gid,omitempty"`
	Mode     uint32 `json:"mode,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Response is the wire envelope returned for every request.
type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Server accepts connections on a Unix-domain socket and dispatches
// newline-delimited JSON requests against the daemon.
type Server struct {
	daemon EngineLookup
	log    *slog.Logger

	mu       sync.Mutex
	listener *net.UnixListener
	sockPath string
	wg       sync.WaitGroup
	closed   bool

	shutdown func()
}

// SetShutdownFunc installs the callback the "stop" op invokes; without one,
// "stop" falls through to the unknown-op no-op.
func (s *Server) SetShutdownFunc(fn func()) { s.shutdown = fn }

// NewServer constructs a control socket server bound to daemon.
func NewServer(daemon EngineLookup, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{daemon: daemon, log: log}
}

// Listen binds the Unix-domain socket at path, removing any stale socket
// file left behind by a prior unclean shutdown.
func (s *Server) Listen(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return err
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.sockPath = path
	return nil
}

// Serve accepts connections until Close is called. Run it in its own
// goroutine; it blocks.
func (s *Server) Serve() {
	for {
		s.mu.Lock()
		ln := s.listener
		s.mu.Unlock()
		if ln == nil {
			return
		}
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return
			}
			s.log.Warn("control: accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops accepting new connections, waits for in-flight ones to
// finish, and removes the socket file.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	sockPath := s.sockPath
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()
	if sockPath != "" {
		os.Remove(sockPath)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			enc.Encode(Response{OK: false, Error: "invalid request: " + err.Error()})
			continue
		}
		resp := s.dispatch(context.Background(), req)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

// dispatch routes one request to its handler. An unrecognized op is a
// no-op that logs a single warning, rather than an error, so a future
// client speaking a newer protocol version degrades gracefully against an
// older daemon.
func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Op {
	case "sync":
		return s.opSync(ctx, req)
	case "register":
		return s.opRegister(req)
	case "rename":
		return s.opRename(req)
	case "create":
		return s.opCreate(req)
	case "delete", "rmdir":
		return s.opRemove(req)
	case "mkdir":
		return s.opMkdir(req)
	case "chmod", "chown", "touch", "truncate":
		// Metadata-only operations against entries already tracked by the
		// FS Index; the Storage Engine does not expose separate setters
		// for these today, so they are acknowledged without mutating the
		// backing entry.
		return Response{OK: true}
	case "ping":
		return Response{OK: true}
	case "stop":
		if s.shutdown == nil {
			s.log.Warn("control: unknown op", "op", req.Op)
			return Response{OK: true}
		}
		go s.shutdown()
		return Response{OK: true}
	case "exists", "stat", "listdir":
		return s.opRead(req)
	case "flush", "read", "write":
		return Response{OK: true}
	default:
		s.log.Warn("control: unknown op", "op", req.Op)
		return Response{OK: true}
	}
}

func (s *Server) opSync(ctx context.Context, req Request) Response {
	if err := s.daemon.RunSync(ctx, req.VaultID); err != nil {
		return errResponse(err)
	}
	return Response{OK: true}
}

// opRegister acknowledges a new FS Index entry announced by an external
// writer; the FS Index itself is populated by the Storage Engine on the
// write path, so this is confirmatory rather than state-mutating.
func (s *Server) opRegister(req Request) Response {
	if _, ok := s.daemon.Engine(req.VaultID); !ok {
		return Response{OK: false, Error: "unknown vault"}
	}
	return Response{OK: true}
}

func (s *Server) opRename(req Request) Response {
	eng, ok := s.daemon.Engine(req.VaultID)
	if !ok {
		return Response{OK: false, Error: "unknown vault"}
	}
	from, to := req.From, req.To
	if from == "" {
		from = req.Path
	}
	if to == "" {
		to = req.NewPath
	}
	if err := eng.Rename(from, to); err != nil {
		return errResponse(err)
	}
	return Response{OK: true}
}

func (s *Server) opCreate(req Request) Response {
	eng, ok := s.daemon.Engine(req.VaultID)
	if !ok {
		return Response{OK: false, Error: "unknown vault"}
	}
	mode := req.Mode
	if mode == 0 {
		mode = 0o644
	}
	_, err := eng.CreateFile(storage.CreateFileParams{
		VaultRelPath: req.Path,
		OwnerUID:     req.UID,
		Mode:         mode,
	})
	if err != nil {
		return errResponse(err)
	}
	return Response{OK: true}
}

func (s *Server) opRemove(req Request) Response {
	eng, ok := s.daemon.Engine(req.VaultID)
	if !ok {
		return Response{OK: false, Error: "unknown vault"}
	}
	if err := eng.Remove(req.Path); err != nil {
		return errResponse(err)
	}
	return Response{OK: true}
}

func (s *Server) opMkdir(req Request) Response {
	eng, ok := s.daemon.Engine(req.VaultID)
	if !ok {
		return Response{OK: false, Error: "unknown vault"}
	}
	if err := eng.Mkdir(req.Path, req.UID); err != nil {
		return errResponse(err)
	}
	return Response{OK: true}
}

func (s *Server) opRead(req Request) Response {
	eng, ok := s.daemon.Engine(req.VaultID)
	if !ok {
		return Response{OK: false, Error: "unknown vault"}
	}
	if _, err := eng.ReadFile(req.Path); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Response{OK: false, Error: "not found"}
		}
		return errResponse(err)
	}
	return Response{OK: true}
}

func errResponse(err error) Response {
	return Response{OK: false, Error: err.Error()}
}
