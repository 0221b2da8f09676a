package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/timskillet/replicated-filestore/internal/client"
	"github.com/timskillet/replicated-filestore/internal/logging"
)

func usage() {
	fmt.Println("Usage: dfs-client [flags] <command> [args]")
	fmt.Println("Commands:")
	fmt.Println("  upload <LOCAL_PATH> <REMOTE_PATH>")
	fmt.Println("  download <REMOTE_PATH> <LOCAL_PATH>")
	fmt.Println("  ls [REMOTE_DIR]")
	fmt.Println("  mkdir <REMOTE_DIR>")
	fmt.Println("  rm <REMOTE_PATH>")
	fmt.Println("  info <REMOTE_PATH>")
	fmt.Println("  nodes")
	fmt.Println("  stats")
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func main() {
	defaultURL := os.Getenv("DFS_API_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8080"
	}
	apiURL := flag.String("api", defaultURL, "NameNode URL")
	chunkSize := flag.Int64("chunk-size", client.DefaultChunkSize, "Chunk size in bytes for uploads")
	replication := flag.Int("replication", 0, "Replication factor (0 uses the NameNode default)")
	logLevel := flag.String("log-level", "warn", "Log level")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c := client.New(*apiURL, client.Options{
		ChunkSize:         *chunkSize,
		ReplicationFactor: *replication,
		Logger:            logging.New(*logLevel, "console", "dfs-client"),
	})
	if err := run(ctx, c, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

func need(args []string, n int, cmd string) error {
	if len(args) < n {
		return fmt.Errorf("%s: expected %d arguments, got %d", cmd, n, len(args))
	}
	return nil
}

func run(ctx context.Context, c *client.Client, cmd string, args []string) error {
	switch cmd {
	case "upload":
		if err := need(args, 2, cmd); err != nil {
			return err
		}
		start := time.Now()
		f, err := c.UploadFile(ctx, args[0], args[1], 0)
		if err != nil {
			return err
		}
		fmt.Printf("✅ Uploaded %s (%d bytes) in %s\n", f.Path, f.TotalSize, time.Since(start).Round(time.Millisecond))

	case "download":
		if err := need(args, 2, cmd); err != nil {
			return err
		}
		info, err := c.DownloadFile(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("✅ Downloaded %s (%d bytes, %d chunks) to %s\n", info.Path, info.Size, len(info.Chunks), args[1])

	case "ls":
		dir := "/"
		if len(args) > 0 {
			dir = args[0]
		}
		entries, err := c.ListDirectory(ctx, dir)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", e.Type, e.Size, e.ModifiedAt.Format(time.RFC3339), e.Name)
		}
		return tw.Flush()

	case "mkdir":
		if err := need(args, 1, cmd); err != nil {
			return err
		}
		d, err := c.CreateDirectory(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Println("Created", d.Path)

	case "rm":
		if err := need(args, 1, cmd); err != nil {
			return err
		}
		if err := c.DeleteFile(ctx, args[0]); err != nil {
			return err
		}
		fmt.Println("Deleted", args[0])

	case "info":
		if err := need(args, 1, cmd); err != nil {
			return err
		}
		info, err := c.GetFileInfo(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s  size=%d  replication=%d  chunks=%d\n", info.Path, info.Size, info.ReplicationFactor, len(info.Chunks))
		for i, ch := range info.Chunks {
			fmt.Printf("  [%d] %s  %d bytes  %s  %v\n", i, ch.ChunkID, ch.Size, ch.Checksum[:min(16, len(ch.Checksum))], ch.Locations)
		}
		if len(info.MissingChunks) > 0 {
			fmt.Printf("  missing: %v\n", info.MissingChunks)
		}

	case "nodes":
		nodes, err := c.Nodes(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NODE\tSTATE\tADDRESS\tUSED\tCAPACITY\tCHUNKS")
		for _, n := range nodes {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\n", n.NodeID, n.State, n.Address().BaseURL(), n.UsedBytes, n.CapacityBytes, n.ChunkCount)
		}
		return tw.Flush()

	case "stats":
		st, err := c.ClusterStats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("nodes: %d alive / %d dead / %d total\n", st.AliveNodes, st.DeadNodes, st.TotalNodes)
		fmt.Printf("space: %d used / %d total (%.1f%%)\n", st.UsedSpace, st.TotalCapacity, st.UsagePercentage)
		fmt.Printf("files: %d  chunks: %d  under-replicated: %d\n", st.TotalFiles, st.TotalChunks, st.UnderReplicatedChunks)

	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}
