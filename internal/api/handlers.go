package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/timskillet/replicated-filestore/internal/dfserr"
	"github.com/timskillet/replicated-filestore/internal/events"
	"github.com/timskillet/replicated-filestore/internal/namespace"
	"github.com/timskillet/replicated-filestore/internal/transport"
	"github.com/timskillet/replicated-filestore/internal/types"
)

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	return transport.DecodeJSON(r, v)
}

func (s *Server) replicationFactor(requested int) int {
	if requested == 0 {
		return s.cfg.ReplicationFactor
	}
	return requested
}

func (s *Server) handleCreateFile(w http.ResponseWriter, r *http.Request) {
	var req types.CreateFileRequest
	if err := decode(w, r, &req); err != nil {
		transport.WriteError(w, err)
		return
	}
	f, err := s.ns.CreateFile(r.Context(), req.Path, s.replicationFactor(req.ReplicationFactor))
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	s.hub.Publish(events.Event{Type: events.FileCreated, Path: f.Path})
	transport.WriteJSON(w, http.StatusCreated, f)
}

// fileInfo resolves replica addresses. Alive holders come first, in recorded order, so
// readers reach a live copy before timing out on a dead one.
func (s *Server) fileInfo(f *types.File, chunks []*types.Chunk) types.FileInfo {
	info := types.FileInfo{
		Path:              f.Path,
		ReplicationFactor: f.ReplicationFactor,
		Size:              f.TotalSize,
		Chunks:            make([]types.ChunkLocation, 0, len(chunks)),
		MissingChunks:     f.MissingChunks,
		CreatedAt:         f.CreatedAt,
		ModifiedAt:        f.ModifiedAt,
	}
	for _, c := range chunks {
		var alive, dead []string
		for _, id := range c.ReplicaLocations {
			if s.monitor.IsAlive(id) {
				alive = append(alive, id)
			} else {
				dead = append(dead, id)
			}
		}
		info.Chunks = append(info.Chunks, types.ChunkLocation{
			ChunkID:   c.ChunkID,
			Size:      c.SizeBytes,
			Checksum:  c.Checksum,
			Locations: c.ReplicaLocations,
			Targets:   s.monitor.Addresses(append(alive, dead...)),
		})
	}
	return info
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	f, chunks, err := s.ns.GetFileInfo(r.PathValue("path"))
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, s.fileInfo(f, chunks))
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	released, err := s.ns.DeleteFile(r.Context(), r.PathValue("path"))
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	// Bytes on agents are reclaimed in the background; the record is already gone.
	go s.engine.Purge(context.Background(), released)

	p := "/" + r.PathValue("path")
	s.hub.Publish(events.Event{Type: events.FileDeleted, Path: p})
	transport.WriteJSON(w, http.StatusOK, map[string]any{"path": p, "status": "deleted", "released_chunks": len(released)})
}

func (s *Server) handleCreateDirectory(w http.ResponseWriter, r *http.Request) {
	var req types.CreateDirectoryRequest
	if err := decode(w, r, &req); err != nil {
		transport.WriteError(w, err)
		return
	}
	d, err := s.ns.CreateDirectory(r.Context(), req.Path)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusCreated, d)
}

func (s *Server) handleListDirectory(w http.ResponseWriter, r *http.Request) {
	p := "/" + r.PathValue("path")
	entries, err := s.ns.ListDirectory(p)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	if entries == nil {
		entries = []types.DirEntry{}
	}
	clean, _ := namespace.CleanPath(p)
	transport.WriteJSON(w, http.StatusOK, types.ListDirectoryResponse{Path: clean, Contents: entries})
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var req types.AllocateRequest
	if err := decode(w, r, &req); err != nil {
		transport.WriteError(w, err)
		return
	}
	if req.Size > s.cfg.ChunkSize {
		transport.WriteError(w, fmt.Errorf("%w: chunk size %d exceeds %d", dfserr.ErrInvalidArgument, req.Size, s.cfg.ChunkSize))
		return
	}
	alloc, err := s.engine.Allocate(r.Context(), req.Size, s.replicationFactor(req.ReplicationFactor))
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, alloc)
}

func (s *Server) handleGetChunk(w http.ResponseWriter, r *http.Request) {
	c, err := s.ns.Chunk(r.PathValue("id"))
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, c)
}

func (s *Server) handleCompleteChunk(w http.ResponseWriter, r *http.Request) {
	var req types.CompleteChunkRequest
	if err := decode(w, r, &req); err != nil {
		transport.WriteError(w, err)
		return
	}
	f, err := s.ns.CompleteChunk(r.Context(), r.PathValue("id"), req.FilePath, req.Size, req.Checksum)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, f)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var req types.ReplicaReport
	if err := decode(w, r, &req); err != nil {
		transport.WriteError(w, err)
		return
	}
	c, err := s.engine.HandleReport(r.Context(), r.PathValue("id"), req)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, c)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req types.RegisterRequest
	if err := decode(w, r, &req); err != nil {
		transport.WriteError(w, err)
		return
	}
	n, err := s.monitor.Register(r.Context(), req)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, n)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req types.HeartbeatRequest
	if err := decode(w, r, &req); err != nil {
		transport.WriteError(w, err)
		return
	}
	// Listener callbacks triggered here may outlive the request.
	n, err := s.monitor.Heartbeat(context.WithoutCancel(r.Context()), req)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "state": string(n.State)})
}

func (s *Server) handleListDataNodes(w http.ResponseWriter, r *http.Request) {
	transport.WriteJSON(w, http.StatusOK, types.DataNodesResponse{DataNodes: s.monitor.Nodes()})
}

func (s *Server) handleClusterStats(w http.ResponseWriter, r *http.Request) {
	transport.WriteJSON(w, http.StatusOK, s.Stats())
}

// Stats aggregates capacity over every registered node, alive or not.
func (s *Server) Stats() types.ClusterStats {
	var st types.ClusterStats
	for _, n := range s.monitor.Nodes() {
		st.TotalNodes++
		if n.Alive {
			st.AliveNodes++
		}
		st.TotalCapacity += n.CapacityBytes
		st.UsedSpace += n.UsedBytes
	}
	st.DeadNodes = st.TotalNodes - st.AliveNodes
	st.AvailableSpace = st.TotalCapacity - st.UsedSpace
	if st.AvailableSpace < 0 {
		st.AvailableSpace = 0
	}
	if st.TotalCapacity > 0 {
		st.UsagePercentage = float64(st.UsedSpace) / float64(st.TotalCapacity) * 100
	}
	st.TotalFiles, st.TotalChunks = s.ns.Counts()
	st.UnderReplicatedChunks = len(s.engine.UnderReplicated())
	return st
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	transport.WriteJSON(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"alive_nodes": len(s.monitor.AliveNodes()),
	})
}
