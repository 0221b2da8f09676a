package node

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"

	"github.com/timskillet/replicated-filestore/internal/config"
	"github.com/timskillet/replicated-filestore/internal/types"
)

// Resolver discovers the agent's identity and advertised host. It runs once at startup.
type Resolver interface {
	Resolve(ctx context.Context) (nodeID, host string, err error)
}

// EnvResolver uses configured values, falling back to the machine hostname.
type EnvResolver struct {
	NodeID string
	Host   string
}

func (r EnvResolver) Resolve(context.Context) (string, string, error) {
	hostname, _ := os.Hostname()
	nodeID, host := r.NodeID, r.Host
	if host == "" {
		host = hostname
	}
	if host == "" {
		host = "localhost"
	}
	if nodeID == "" {
		nodeID = hostname
	}
	if nodeID == "" {
		return "", "", fmt.Errorf("NODE_ID is required when the hostname is unavailable")
	}
	return nodeID, host, nil
}

// MetadataAPI is the part of the IMDS client the resolver uses.
type MetadataAPI interface {
	GetMetadata(ctx context.Context, params *imds.GetMetadataInput, optFns ...func(*imds.Options)) (*imds.GetMetadataOutput, error)
}

// EC2Resolver reads the instance id and private IPv4 from instance metadata. Configured
// values win over metadata, which keeps local runs working.
type EC2Resolver struct {
	Client MetadataAPI
	NodeID string
	Host   string
}

func NewEC2Resolver(nodeID, host string) *EC2Resolver {
	return &EC2Resolver{Client: imds.New(imds.Options{}), NodeID: nodeID, Host: host}
}

func (r *EC2Resolver) Resolve(ctx context.Context) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	nodeID := r.NodeID
	if nodeID == "" {
		id, err := r.get(ctx, "instance-id")
		if err != nil {
			return "", "", fmt.Errorf("failed to get instance ID: %w", err)
		}
		nodeID = id
	}

	host := r.Host
	if host == "" {
		ip, err := r.get(ctx, "local-ipv4")
		if err != nil {
			return "", "", fmt.Errorf("failed to get private IP: %w", err)
		}
		host = ip
	}
	return nodeID, host, nil
}

func (r *EC2Resolver) get(ctx context.Context, path string) (string, error) {
	out, err := r.Client.GetMetadata(ctx, &imds.GetMetadataInput{Path: path})
	if err != nil {
		return "", err
	}
	defer out.Content.Close()
	body, err := io.ReadAll(out.Content)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// NewResolver picks the resolver named by NODE_DISCOVERY.
func NewResolver(cfg *config.Config) (Resolver, error) {
	switch cfg.NodeDiscovery {
	case "", "env":
		return EnvResolver{NodeID: cfg.NodeID, Host: cfg.NodeHost}, nil
	case "ec2":
		return NewEC2Resolver(cfg.NodeID, cfg.NodeHost), nil
	default:
		return nil, fmt.Errorf("unknown NODE_DISCOVERY %q", cfg.NodeDiscovery)
	}
}

// ResolveAddress runs the resolver and applies host aliases, producing the address the
// coordinator will record at registration.
func ResolveAddress(ctx context.Context, r Resolver, cfg *config.Config) (types.NodeAddress, error) {
	nodeID, host, err := r.Resolve(ctx)
	if err != nil {
		return types.NodeAddress{}, err
	}
	if alias, ok := cfg.HostAliases[host]; ok {
		host = alias
	}
	return types.NodeAddress{
		NodeID:  nodeID,
		Host:    host,
		RPCPort: cfg.NodeRPCPort,
		APIPort: cfg.NodeAPIPort,
	}, nil
}
