package main

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"openhashdb-bitswap/network/libp2p"
)

const bootnodeStatsInterval = time.Minute

var bootnodeCmd = &cobra.Command{
	Use:   "bootnode",
	Short: "Run a DHT server and relay that other nodes bootstrap from",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		kp := keyPath
		if kp == "" {
			kp = filepath.Join(repoPath, "peer.key")
		}
		node, err := libp2p.NewNode(ctx, libp2p.Config{
			KeyPath:   kp,
			P2PPort:   p2pPort,
			Bootnodes: splitBootnodes(bootnodes),
			Bootnode:  true,
		})
		if err != nil {
			return fmt.Errorf("failed to create bootnode: %w", err)
		}
		defer node.Close()

		fmt.Println("bootnode started")
		fmt.Printf("Node ID: %s\n", node.ID())
		fmt.Println("Addresses:")
		for _, addr := range node.Addrs() {
			fmt.Printf("  %s\n", addr)
		}

		ticker := time.NewTicker(bootnodeStatsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				stats := node.DHTStats()
				log.Infof("%d connected peers, %d in routing table", len(node.ConnectedPeers()), stats.PeerCount)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(bootnodeCmd)
}
