package main

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"openhashdb-bitswap/api/rest"
	"openhashdb-bitswap/core/blockstore"
	"openhashdb-bitswap/network/bitswap"
	"openhashdb-bitswap/network/libp2p"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the bitswap node with its REST API",
	RunE: func(cmd *cobra.Command, args []string) error {
		enableRest, _ := cmd.Flags().GetBool("enable-rest")
		enableMDNS, _ := cmd.Flags().GetBool("mdns")

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		store, err := blockstore.Open(filepath.Join(repoPath, "blocks"))
		if err != nil {
			return fmt.Errorf("failed to open blockstore: %w", err)
		}
		defer store.Close()
		if free, err := store.GetAvailableSpace(); err == nil {
			log.Infof("blockstore at %s, %d MiB free", repoPath, free>>20)
		}

		kp := keyPath
		if kp == "" {
			kp = filepath.Join(repoPath, "peer.key")
		}
		node, err := libp2p.NewNode(ctx, libp2p.Config{
			KeyPath:    kp,
			P2PPort:    p2pPort,
			Bootnodes:  splitBootnodes(bootnodes),
			EnableMDNS: enableMDNS,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize libp2p node: %w", err)
		}
		defer node.Close()

		bs := bitswap.New(node.Host(), node.Routing(), store)
		if err := bs.Start(ctx); err != nil {
			return err
		}
		defer bs.Stop()

		fmt.Println("bitswap daemon started")
		fmt.Printf("Node ID: %s\n", node.ID())
		fmt.Println("Addresses:")
		for _, addr := range node.Addrs() {
			fmt.Printf("  %s\n", addr)
		}

		if enableRest {
			apiServer := rest.NewServer(bs, node)
			addr := fmt.Sprintf("0.0.0.0:%d", apiPort)
			fmt.Printf("REST API available at: http://%s\n", addr)
			go func() {
				if err := apiServer.Start(addr); err != nil {
					log.Errorf("REST API server error: %s", err)
					stop()
				}
			}()
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = apiServer.Stop(sctx)
			}()
		}

		<-ctx.Done()
		log.Info("shutting down")
		return nil
	},
}

func init() {
	daemonCmd.Flags().Bool("enable-rest", true, "Enable REST API")
	daemonCmd.Flags().Bool("mdns", true, "Discover peers on the local network with mDNS")
}
