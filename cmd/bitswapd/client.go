package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"openhashdb-bitswap/api/rest"
)

var getCmd = &cobra.Command{
	Use:   "get [cid]",
	Short: "Fetch a block through the daemon",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		output, _ := cmd.Flags().GetString("output")

		out := cmd.OutOrStdout()
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("failed to create output file: %w", err)
			}
			defer f.Close()
			out = f
		}
		return newClient(getAPIURL()).getBlock(args[0], timeout, out)
	},
}

var putCmd = &cobra.Command{
	Use:   "put [file]",
	Short: "Add a file as a single block through the daemon (reads stdin without a file)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		codec, _ := cmd.Flags().GetString("codec")

		var in io.Reader = cmd.InOrStdin()
		if len(args) == 1 {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open file: %w", err)
			}
			defer f.Close()
			in = f
		}
		resp, err := newClient(getAPIURL()).putBlock(in, codec)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (%d bytes)\n", resp.CID, resp.Size)
		return nil
	},
}

var wantlistCmd = &cobra.Command{
	Use:   "wantlist",
	Short: "Show the daemon's wantlist, or a peer's wantlist with --peer",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, _ := cmd.Flags().GetString("peer")
		resp, err := newClient(getAPIURL()).wantlist(p)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(resp.Entries) == 0 {
			fmt.Fprintln(out, "wantlist is empty")
			return nil
		}
		for _, e := range resp.Entries {
			fmt.Fprintf(out, "%s\t%s\tpriority=%d\n", e.CID, e.WantType, e.Priority)
		}
		return nil
	},
}

func init() {
	getCmd.Flags().Duration("timeout", rest.DefaultWantTimeout, "How long to wait for the block")
	getCmd.Flags().StringP("output", "o", "", "Write the block to a file instead of stdout")
	putCmd.Flags().String("codec", "raw", "CID codec for the block (raw, dag-pb, dag-cbor)")
	wantlistCmd.Flags().String("peer", "", "Show what this peer wants from the daemon")
}

func getAPIURL() string {
	if apiURL != "" {
		return strings.TrimSuffix(apiURL, "/")
	}
	return fmt.Sprintf("http://localhost:%d", apiPort)
}

type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string) *client {
	return &client{baseURL: baseURL, http: &http.Client{}}
}

// apiError turns a non-2xx reply into an error carrying the server message.
func apiError(resp *http.Response) error {
	var e rest.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Message != "" {
		return fmt.Errorf("API error %d: %s", resp.StatusCode, e.Message)
	}
	return fmt.Errorf("API error: status %d", resp.StatusCode)
}

func (c *client) getBlock(cidStr string, timeout time.Duration, out io.Writer) error {
	u := fmt.Sprintf("%s/block/%s?timeout=%s", c.baseURL, url.PathEscape(cidStr), url.QueryEscape(timeout.String()))
	resp, err := c.http.Get(u)
	if err != nil {
		return fmt.Errorf("failed to reach API at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("failed to write block: %w", err)
	}
	return nil
}

func (c *client) putBlock(in io.Reader, codec string) (*rest.PutBlockResponse, error) {
	u := fmt.Sprintf("%s/block?codec=%s", c.baseURL, url.QueryEscape(codec))
	resp, err := c.http.Post(u, "application/octet-stream", in)
	if err != nil {
		return nil, fmt.Errorf("failed to reach API at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, apiError(resp)
	}
	var out rest.PutBlockResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &out, nil
}

func (c *client) wantlist(p string) (*rest.WantlistResponse, error) {
	u := c.baseURL + "/wantlist"
	if p != "" {
		u += "/" + url.PathEscape(p)
	}
	resp, err := c.http.Get(u)
	if err != nil {
		return nil, fmt.Errorf("failed to reach API at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	var out rest.WantlistResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &out, nil
}
