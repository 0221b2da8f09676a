package types

import (
	"strconv"
	"time"
)

type NodeState string

const (
	NodeRegistering NodeState = "REGISTERING"
	NodeAlive       NodeState = "ALIVE"
	NodeDead        NodeState = "DEAD"
)

type ChunkState string

const (
	ChunkAllocated ChunkState = "ALLOCATED"
	ChunkComplete  ChunkState = "COMPLETE"
)

// NodeAddress is recorded at registration time and is the only way to reach an agent.
type NodeAddress struct {
	NodeID  string `json:"node_id"`
	Host    string `json:"host"`
	RPCPort int    `json:"rpc_port,omitempty"`
	APIPort int    `json:"api_port"`
}

// BaseURL returns the agent's HTTP endpoint.
func (a NodeAddress) BaseURL() string {
	return "http://" + a.Host + ":" + strconv.Itoa(a.APIPort)
}

type DataNode struct {
	NodeID        string    `json:"node_id"`
	Host          string    `json:"host"`
	RPCPort       int       `json:"rpc_port"`
	APIPort       int       `json:"api_port"`
	CapacityBytes int64     `json:"capacity_bytes"`
	UsedBytes     int64     `json:"used_bytes"`
	ChunkCount    int       `json:"chunk_count"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	State         NodeState `json:"state"`
	Alive         bool      `json:"alive"`
}

func (n DataNode) Address() NodeAddress {
	return NodeAddress{NodeID: n.NodeID, Host: n.Host, RPCPort: n.RPCPort, APIPort: n.APIPort}
}

// Utilization is used/capacity. A node that has not reported capacity ranks as full.
func (n DataNode) Utilization() float64 {
	if n.CapacityBytes <= 0 {
		return 1
	}
	return float64(n.UsedBytes) / float64(n.CapacityBytes)
}

type Chunk struct {
	ChunkID           string     `json:"chunk_id"`
	SizeBytes         int64      `json:"size"`
	Checksum          string     `json:"checksum"`
	ReplicaLocations  []string   `json:"locations"`
	ReplicationFactor int        `json:"replication_factor"`
	State             ChunkState `json:"state"`
	FilePath          string     `json:"file_path,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Clone returns a deep copy safe to hand out of a locked structure.
func (c *Chunk) Clone() *Chunk {
	cp := *c
	cp.ReplicaLocations = append([]string(nil), c.ReplicaLocations...)
	return &cp
}

// HasReplica reports whether nodeID is listed as a holder.
func (c *Chunk) HasReplica(nodeID string) bool {
	for _, id := range c.ReplicaLocations {
		if id == nodeID {
			return true
		}
	}
	return false
}

type File struct {
	Path              string    `json:"path"`
	ReplicationFactor int       `json:"replication_factor"`
	ChunkIDs          []string  `json:"chunk_ids"`
	TotalSize         int64     `json:"size"`
	MissingChunks     []string  `json:"missing_chunks,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	ModifiedAt        time.Time `json:"modified_at"`
}

func (f *File) Clone() *File {
	cp := *f
	cp.ChunkIDs = append([]string(nil), f.ChunkIDs...)
	cp.MissingChunks = append([]string(nil), f.MissingChunks...)
	return &cp
}

type Directory struct {
	Path       string          `json:"path"`
	ParentPath string          `json:"parent_path"`
	Children   map[string]bool `json:"children"`
	CreatedAt  time.Time       `json:"created_at"`
	ModifiedAt time.Time       `json:"modified_at"`
}

func (d *Directory) Clone() *Directory {
	cp := *d
	cp.Children = make(map[string]bool, len(d.Children))
	for name := range d.Children {
		cp.Children[name] = true
	}
	return &cp
}

const (
	EntryFile      = "file"
	EntryDirectory = "directory"
)

type DirEntry struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Type       string    `json:"type"`
	Size       int64     `json:"size,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Snapshot is the full persisted namespace, loaded once at coordinator start.
type Snapshot struct {
	Files       []*File
	Directories []*Directory
	Chunks      []*Chunk
}

// ChunkLocation is a chunk as returned inside file info, with resolved addresses.
type ChunkLocation struct {
	ChunkID   string        `json:"chunk_id"`
	Size      int64         `json:"size"`
	Checksum  string        `json:"checksum"`
	Locations []string      `json:"locations"`
	Targets   []NodeAddress `json:"targets"`
}

type FileInfo struct {
	Path              string          `json:"path"`
	ReplicationFactor int             `json:"replication_factor"`
	Size              int64           `json:"size"`
	Chunks            []ChunkLocation `json:"chunks"`
	MissingChunks     []string        `json:"missing_chunks,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	ModifiedAt        time.Time       `json:"modified_at"`
}

// Mutation is one atomic write against the metadata backend.
type Mutation struct {
	PutFiles       []*File
	PutDirectories []*Directory
	PutChunks      []*Chunk
	DeleteFiles    []string
	DeleteChunks   []string
}

func (m Mutation) Empty() bool {
	return len(m.PutFiles) == 0 && len(m.PutDirectories) == 0 && len(m.PutChunks) == 0 &&
		len(m.DeleteFiles) == 0 && len(m.DeleteChunks) == 0
}
