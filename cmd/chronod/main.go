// Command chronod runs a single chronodb cluster node: it loads node
// configuration, joins its cluster's pool set, and starts the replicator
// for any pool it replicates.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/chronodb/chronodb/internal/runtime"
	"github.com/chronodb/chronodb/pkg/cluster"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("CHRONOD")
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:   "chronod",
		Short: "chronodb cluster coordination node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	flags := cmd.Flags()
	flags.String("data-dir", "./data", "directory holding this node's FIFO and initial-sync files")
	flags.Uint16("pool", 0, "this node's pool id")
	flags.Int("replication-timeout", 30, "seconds, stored as runtime.Config.ReplicationTimeout; the replicator does not read it")
	flags.StringSlice("peer", nil, "peer in uuid=name=pool form, repeatable")
	flags.String("config", "", "path to a config file (yaml/json/toml) read by viper")

	_ = v.BindPFlags(flags)

	return cmd
}

func run(v *viper.Viper) error {
	if cfgFile := v.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("chronod: read config: %w", err)
		}
	}

	cfg := runtime.Config{
		DataDir:            v.GetString("data-dir"),
		PoolID:             uint16(v.GetUint("pool")),
		ReplicationTimeout: v.GetInt("replication-timeout"),
		Peers:              v.GetStringSlice("peer"),
	}

	rt, err := runtime.New(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	local := cluster.NewServer(uuid.New(), fmt.Sprintf("pool-%d-local", cfg.PoolID), cfg.PoolID, nil)
	servers := []*cluster.Server{local}

	peers, err := parsePeers(cfg.Peers)
	if err != nil {
		return err
	}
	servers = append(servers, peers...)

	set, replica, err := cluster.NewSet(servers, local)
	if err != nil {
		return fmt.Errorf("chronod: build pool set: %w", err)
	}
	rt.SetPools(set)

	if replica != nil {
		if _, err := rt.StartReplicator(cfg.PoolID, replica); err != nil {
			return fmt.Errorf("chronod: start replicator: %w", err)
		}
	}

	rt.Log.Infof("chronod node up: pool=%d peers=%d", cfg.PoolID, len(peers))
	select {}
}

// parsePeers turns "uuid=name=pool" flag values into bootstrap Server
// records with no live sender attached; a production deployment would
// dial each peer and call SetSender once connected.
func parsePeers(raw []string) ([]*cluster.Server, error) {
	out := make([]*cluster.Server, 0, len(raw))
	for _, p := range raw {
		parts := strings.SplitN(p, "=", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("chronod: bad --peer %q, want uuid=name=pool", p)
		}
		id, err := uuid.Parse(parts[0])
		if err != nil {
			return nil, fmt.Errorf("chronod: bad peer uuid %q: %w", parts[0], err)
		}
		pool, err := strconv.ParseUint(parts[2], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("chronod: bad peer pool %q: %w", parts[2], err)
		}
		out = append(out, cluster.NewServer(id, parts[1], uint16(pool), nil))
	}
	return out, nil
}
