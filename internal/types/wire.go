package types

// Coordinator request and response bodies.

type CreateFileRequest struct {
	Path              string `json:"path"`
	ReplicationFactor int    `json:"replication_factor"`
}

type CreateDirectoryRequest struct {
	Path string `json:"path"`
}

type ListDirectoryResponse struct {
	Path     string     `json:"path"`
	Contents []DirEntry `json:"contents"`
}

type AllocateRequest struct {
	Size              int64 `json:"size"`
	ReplicationFactor int   `json:"replication_factor"`
}

// Allocation is an ordered placement; Targets[0] is the primary.
type Allocation struct {
	ChunkID   string        `json:"chunk_id"`
	Locations []string      `json:"locations"`
	Targets   []NodeAddress `json:"targets"`
	Degraded  bool          `json:"degraded,omitempty"`
}

type CompleteChunkRequest struct {
	FilePath string `json:"file_path"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

type ReplicaReport struct {
	NodeID        string   `json:"node_id"`
	FailedTargets []string `json:"failed_targets"`
}

type RegisterRequest struct {
	NodeID        string `json:"node_id"`
	Host          string `json:"host"`
	RPCPort       int    `json:"rpc_port"`
	APIPort       int    `json:"api_port"`
	CapacityBytes int64  `json:"capacity_bytes"`
}

type HeartbeatRequest struct {
	NodeID        string `json:"node_id"`
	UsedBytes     int64  `json:"used_bytes"`
	CapacityBytes int64  `json:"capacity_bytes"`
	ChunkCount    int    `json:"chunk_count"`
}

type DataNodesResponse struct {
	DataNodes []DataNode `json:"datanodes"`
}

type ClusterStats struct {
	TotalNodes            int     `json:"total_nodes"`
	AliveNodes            int     `json:"alive_nodes"`
	DeadNodes             int     `json:"dead_nodes"`
	TotalCapacity         int64   `json:"total_capacity"`
	UsedSpace             int64   `json:"used_space"`
	AvailableSpace        int64   `json:"available_space"`
	TotalFiles            int     `json:"total_files"`
	TotalChunks           int     `json:"total_chunks"`
	UnderReplicatedChunks int     `json:"under_replicated_chunks"`
	UsagePercentage       float64 `json:"usage_percentage"`
}

// Agent request and response bodies.

type ReplicateRequest struct {
	ChunkID     string        `json:"chunk_id"`
	TargetNodes []NodeAddress `json:"target_nodes"`
	Sync        bool          `json:"sync,omitempty"`
}

type ReplicaResult struct {
	NodeID string `json:"node_id"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

type ReplicateResponse struct {
	ChunkID string          `json:"chunk_id"`
	Queued  bool            `json:"queued"`
	Results []ReplicaResult `json:"results,omitempty"`
}

type StoreChunkResponse struct {
	ChunkID  string `json:"chunk_id"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

type ChunkListResponse struct {
	Chunks []string `json:"chunks"`
	Count  int      `json:"count"`
}

type NodeHealth struct {
	NodeID        string       `json:"node_id"`
	Status        string       `json:"status"`
	UptimeSeconds float64      `json:"uptime_seconds"`
	UsedBytes     int64        `json:"used_bytes"`
	CapacityBytes int64        `json:"capacity_bytes"`
	ChunkCount    int          `json:"chunk_count"`
	System        *SystemStats `json:"system,omitempty"`
}

// SystemStats is best effort; fields stay zero when the platform does not report them.
type SystemStats struct {
	CPUPercent      float64 `json:"cpu_percent"`
	MemoryPercent   float64 `json:"memory_percent"`
	MemoryAvailable uint64  `json:"memory_available"`
}

// ChecksumHeader carries the hex SHA-256 of a chunk payload.
const ChecksumHeader = "X-Chunk-Checksum"
