package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rvardiashvili/Orchard/internal/config"
	"github.com/rvardiashvili/Orchard/internal/control"
)

// controlClient talks to the daemon's loopback API.
type controlClient struct {
	base string
	http *http.Client
}

func newControlClient() (*controlClient, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, &exitError{code: ExitConfig, err: err}
	}
	return &controlClient{
		base: "http://" + cfg.ControlAddr,
		http: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (c *controlClient) get(path string, out any) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return fmt.Errorf("is orchardd running? %w", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func (c *controlClient) post(path string, out any) error {
	resp, err := c.http.Post(c.base+path, "application/json", nil)
	if err != nil {
		return fmt.Errorf("is orchardd running? %w", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newControlClient()
			if err != nil {
				return err
			}
			var st control.Status
			if err := c.get("/status", &st); err != nil {
				return err
			}

			online := "offline"
			if st.Online {
				online = "online"
			}
			fmt.Printf("remote:    %s\n", online)
			fmt.Printf("paused:    %v\n", st.Paused)
			if st.AuthFailed {
				fmt.Printf("auth:      FAILED (re-authenticate and resume)\n")
			}
			fmt.Printf("queue:     %d pending\n", st.QueueDepth)
			fmt.Printf("cache:     %s\n", humanize.IBytes(uint64(st.CacheBytes)))
			fmt.Printf("conflicts: %d\n", st.Conflicts)
			if st.FailedCount > 0 {
				fmt.Printf("failed:    %d actions\n", st.FailedCount)
			}

			keys := make([]string, 0, len(st.States))
			for k := range st.States {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("  %-14s %d\n", k, st.States[k])
			}
			return nil
		},
	}
}

func newConflictsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List objects awaiting manual conflict resolution",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newControlClient()
			if err != nil {
				return err
			}
			var entries []control.ConflictEntry
			if err := c.get("/conflicts", &entries); err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("no conflicts")
				return nil
			}
			for _, e := range entries {
				fmt.Printf("%s  %s\n", e.ObjectID, e.Name)
			}
			return nil
		},
	}
}

func newResolveCommand() *cobra.Command {
	var choice string
	cmd := &cobra.Command{
		Use:   "resolve <object-id>",
		Short: "Resolve a conflict keeping the local or remote version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newControlClient()
			if err != nil {
				return err
			}
			path := "/resolve/" + url.PathEscape(args[0]) + "?choice=" + url.QueryEscape(choice)
			if err := c.post(path, nil); err != nil {
				return err
			}
			fmt.Printf("resolved %s keeping %s\n", args[0], choice)
			return nil
		},
	}
	cmd.Flags().StringVar(&choice, "keep", "local", "which version to keep: local or remote")
	return cmd
}

func newPinCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pin <object-id>",
		Short: "Pin a file so it stays fully cached",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newControlClient()
			if err != nil {
				return err
			}
			if err := c.post("/pin/"+url.PathEscape(args[0]), nil); err != nil {
				return err
			}
			fmt.Printf("pinned %s\n", args[0])
			return nil
		},
	}
}

func newUnpinCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unpin <object-id>",
		Short: "Unpin a file, making it eligible for eviction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newControlClient()
			if err != nil {
				return err
			}
			if err := c.post("/pin/"+url.PathEscape(args[0])+"?unpin=1", nil); err != nil {
				return err
			}
			fmt.Printf("unpinned %s\n", args[0])
			return nil
		},
	}
}

func newPauseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Pause the sync engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newControlClient()
			if err != nil {
				return err
			}
			if err := c.post("/pause", nil); err != nil {
				return err
			}
			fmt.Println("paused")
			return nil
		},
	}
}

func newResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume the sync engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newControlClient()
			if err != nil {
				return err
			}
			if err := c.post("/resume", nil); err != nil {
				return err
			}
			fmt.Println("resumed")
			return nil
		},
	}
}
