// Package fileserver is the per-file blob subsystem's HTTP surface: a
// minimal static handler over WriteFileMsg/ReadFileMsg, the way the
// teacher's main.go wired a plain http.ServeMux alongside its WebSocket
// handler rather than reaching for a router framework.
package fileserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/robbynshaw/hypermerge/hmerror"
	"github.com/robbynshaw/hypermerge/ids"
	"github.com/robbynshaw/hypermerge/repo"
	"github.com/robbynshaw/hypermerge/transport"
)

const requestTimeout = 10 * time.Second

// Server exposes GET (read) and PUT (write) over an actor's file blob.
type Server struct {
	rb  *repo.RepoBackend
	gw  *transport.Gateway
	log *zap.SugaredLogger
}

// New builds a Server bridging HTTP requests to rb through gw, the shared
// frontend-channel reader also used by the WebSocket transport.
func New(rb *repo.RepoBackend, gw *transport.Gateway, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Server{rb: rb, gw: gw, log: log}
}

// Mux registers the handler under "/files/" on mux and returns mux.
func (s *Server) Mux(mux *http.ServeMux) *http.ServeMux {
	mux.HandleFunc("/files/", s.serveFile)
	return mux
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request) {
	idStr := strings.TrimPrefix(r.URL.Path, "/files/")
	actorID, err := ids.ParseActorId(idStr)
	if err != nil {
		http.Error(w, "bad actor id: "+err.Error(), http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleRead(w, r, actorID)
	case http.MethodPut:
		s.handleWrite(w, r, actorID)
	default:
		w.Header().Set("Allow", "GET, PUT")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request, actorID ids.ActorId) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	queryID := s.gw.NextQueryID()
	replyCh := s.gw.AwaitReply(queryID)
	s.rb.Receive(repo.ReadFileMsg{Id: actorID, QueryId: queryID})

	select {
	case reply, ok := <-replyCh:
		if !ok {
			http.Error(w, "repo closed", http.StatusServiceUnavailable)
			return
		}
		s.writeReadReply(w, reply)
	case <-ctx.Done():
		http.Error(w, "timed out waiting for file", http.StatusGatewayTimeout)
	}
}

func (s *Server) writeReadReply(w http.ResponseWriter, reply repo.Reply) {
	switch payload := reply.Payload.(type) {
	case []byte:
		w.Header().Set("Content-Type", "application/octet-stream")
		if _, err := w.Write(payload); err != nil {
			s.log.Warnw("failed writing file response", "err", err)
		}
	case error:
		s.writeError(w, payload)
	default:
		http.Error(w, "unexpected reply payload", http.StatusInternalServerError)
	}
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request, actorID ids.ActorId) {
	data, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
	if err != nil {
		http.Error(w, "reading body: "+err.Error(), http.StatusBadRequest)
		return
	}
	header := repo.FileHeader{
		Type:  r.Header.Get("Content-Type"),
		Bytes: uint64(len(data)),
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	queryID := s.gw.NextQueryID()
	replyCh := s.gw.AwaitReply(queryID)
	s.rb.Receive(repo.WriteFileMsg{Id: actorID, Bytes: data, Header: header, QueryId: queryID})

	select {
	case reply, ok := <-replyCh:
		if !ok {
			http.Error(w, "repo closed", http.StatusServiceUnavailable)
			return
		}
		if err, ok := reply.Payload.(error); ok {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case <-ctx.Done():
		http.Error(w, "timed out writing file", http.StatusGatewayTimeout)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch err.(type) {
	case *hmerror.MissingDocOnReceive:
		status = http.StatusNotFound
	case *hmerror.FileRewrite, *hmerror.FileSizeMismatch:
		status = http.StatusConflict
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
