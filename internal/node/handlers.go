package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/timskillet/replicated-filestore/internal/dfserr"
	"github.com/timskillet/replicated-filestore/internal/transport"
	"github.com/timskillet/replicated-filestore/internal/types"
)

// maxJSONBody bounds control-plane request bodies.
const maxJSONBody = 1 << 20

// Handler exposes the agent's HTTP surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /chunks/{id}", s.handleStoreChunk)
	mux.HandleFunc("GET /chunks/{id}", s.handleGetChunk)
	mux.HandleFunc("DELETE /chunks/{id}", s.handleDeleteChunk)
	mux.HandleFunc("GET /chunks", s.handleListChunks)
	mux.HandleFunc("POST /replicate", s.handleReplicate)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())
	return mux
}

func (s *Server) handleStoreChunk(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := r.PathValue("id")

	var err error
	defer func() { s.metrics.Observe("write", start, err) }()

	if err = ValidChunkID(id); err != nil {
		transport.WriteError(w, err)
		return
	}

	// One extra byte past the limit distinguishes "exactly chunk size" from "too big".
	data, rerr := io.ReadAll(io.LimitReader(r.Body, s.cfg.ChunkSize+1))
	if rerr != nil {
		err = fmt.Errorf("%w: failed to read chunk data: %v", dfserr.ErrTransferFailure, rerr)
		transport.WriteError(w, err)
		return
	}
	if int64(len(data)) > s.cfg.ChunkSize {
		err = fmt.Errorf("%w: chunk exceeds %d bytes", dfserr.ErrInvalidArgument, s.cfg.ChunkSize)
		transport.WriteError(w, err)
		return
	}

	sum, err := s.store.Put(id, data, r.Header.Get(types.ChecksumHeader))
	if err != nil {
		s.log.Warn().Err(err).Str("chunk_id", id).Msg("rejected chunk write")
		transport.WriteError(w, err)
		return
	}

	s.log.Debug().Str("chunk_id", id).Int("size", len(data)).Msg("stored chunk")
	transport.WriteJSON(w, http.StatusCreated, types.StoreChunkResponse{ChunkID: id, Size: int64(len(data)), Checksum: sum})
}

// handleGetChunk also serves HEAD as an existence check.
func (s *Server) handleGetChunk(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := ValidChunkID(id); err != nil {
		transport.WriteError(w, err)
		return
	}

	if r.Method == http.MethodHead {
		if !s.store.Has(id) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	start := time.Now()
	data, sum, err := s.store.Get(id)
	s.metrics.Observe("read", start, err)
	if err != nil {
		if errors.Is(err, dfserr.ErrChecksumMismatch) {
			s.log.Error().Err(err).Str("chunk_id", id).Msg("corrupt chunk on disk")
		}
		transport.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set(types.ChecksumHeader, sum)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleDeleteChunk(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := r.PathValue("id")
	err := s.store.Delete(id)
	s.metrics.Observe("delete", start, err)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	s.log.Info().Str("chunk_id", id).Msg("deleted chunk")
	transport.WriteJSON(w, http.StatusOK, map[string]string{"chunk_id": id, "status": "deleted"})
}

func (s *Server) handleListChunks(w http.ResponseWriter, r *http.Request) {
	ids, err := s.store.List()
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	transport.WriteJSON(w, http.StatusOK, types.ChunkListResponse{Chunks: ids, Count: len(ids)})
}

func (s *Server) handleReplicate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	var req types.ReplicateRequest
	if err := transport.DecodeJSON(r, &req); err != nil {
		transport.WriteError(w, err)
		return
	}
	if err := ValidChunkID(req.ChunkID); err != nil {
		transport.WriteError(w, err)
		return
	}
	if !s.store.Has(req.ChunkID) {
		transport.WriteError(w, fmt.Errorf("%w: chunk %s is not stored here", dfserr.ErrNotFound, req.ChunkID))
		return
	}

	if req.Sync {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()
		results := s.repl.Push(ctx, req)
		transport.WriteJSON(w, http.StatusOK, types.ReplicateResponse{ChunkID: req.ChunkID, Results: results})
		return
	}

	if err := s.repl.Enqueue(req); err != nil {
		transport.WriteError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusAccepted, types.ReplicateResponse{ChunkID: req.ChunkID, Queued: true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	used, capacity, count, err := s.storage()
	status := "healthy"
	if err != nil {
		status = "degraded"
		s.log.Warn().Err(err).Msg("failed to read storage usage")
	}
	transport.WriteJSON(w, http.StatusOK, types.NodeHealth{
		NodeID:        s.addr.NodeID,
		Status:        status,
		UptimeSeconds: time.Since(s.started).Seconds(),
		UsedBytes:     used,
		CapacityBytes: capacity,
		ChunkCount:    count,
		System:        s.systemStats(),
	})
}
