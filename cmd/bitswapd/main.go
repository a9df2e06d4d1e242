package main

import (
	"fmt"
	"os"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"
)

var log = logging.Logger("bitswapd")

var (
	repoPath  string
	keyPath   string
	apiPort   int
	p2pPort   int
	bootnodes string
	apiURL    string
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "bitswapd",
	Short: "A bitswap block exchange node",
	Long: `bitswapd runs a libp2p node that exchanges content-addressed blocks with
its peers over the bitswap protocol.

The daemon command starts the node and its REST API. The get, put, and
wantlist commands talk to a running daemon through that API.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logging.SetLogLevel("*", logLevel); err != nil {
			return fmt.Errorf("invalid log level %q: %w", logLevel, err)
		}
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&repoPath, "repo", "./bitswap-repo", "Repository path for blocks and identity")
	rootCmd.PersistentFlags().StringVar(&keyPath, "key-path", "", "Path to the node's private key file (default <repo>/peer.key)")
	rootCmd.PersistentFlags().IntVar(&apiPort, "api-port", 8080, "REST API port")
	rootCmd.PersistentFlags().IntVar(&p2pPort, "p2p-port", 0, "P2P port (0 for random)")
	rootCmd.PersistentFlags().StringVar(&bootnodes, "bootnode", "", "Comma-separated list of bootnode addresses")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "REST API URL of a running daemon (default http://localhost:<api-port>)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(daemonCmd, getCmd, putCmd, wantlistCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func splitBootnodes(s string) []string {
	var out []string
	for _, addr := range strings.Split(s, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
