package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kalambet/pocketchat/internal/api"
	"github.com/kalambet/pocketchat/internal/chat"
	"github.com/kalambet/pocketchat/internal/config"
	"github.com/kalambet/pocketchat/internal/storage"
)

// historySource lists, reads and deletes stored chats, either straight
// from the database or through a running server.
type historySource interface {
	List(ctx context.Context, limit int) ([]api.ChatSummary, error)
	Get(ctx context.Context, id int64) (api.ChatDetail, error)
	Delete(ctx context.Context, id int64) error
	Close() error
}

type localHistory struct {
	store *storage.Store
}

func (h localHistory) List(ctx context.Context, limit int) ([]api.ChatSummary, error) {
	chats, err := h.store.ListChats(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]api.ChatSummary, len(chats))
	for i, c := range chats {
		out[i] = api.Summarize(c)
	}
	return out, nil
}

func (h localHistory) Get(ctx context.Context, id int64) (api.ChatDetail, error) {
	c, err := h.store.GetChat(ctx, id)
	if err != nil {
		return api.ChatDetail{}, err
	}
	return api.Detail(c), nil
}

func (h localHistory) Delete(ctx context.Context, id int64) error {
	return h.store.DeleteChat(ctx, id)
}

func (h localHistory) Close() error { return h.store.Close() }

type remoteHistory struct {
	client *apiClient
}

func (h remoteHistory) List(ctx context.Context, limit int) ([]api.ChatSummary, error) {
	resp, err := h.client.get(ctx, fmt.Sprintf("/chats?limit=%d", limit))
	if err != nil {
		return nil, err
	}
	var out []api.ChatSummary
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (h remoteHistory) Get(ctx context.Context, id int64) (api.ChatDetail, error) {
	resp, err := h.client.get(ctx, "/chats/"+strconv.FormatInt(id, 10))
	if err != nil {
		return api.ChatDetail{}, err
	}
	var out api.ChatDetail
	if err := decodeJSON(resp, &out); err != nil {
		return api.ChatDetail{}, err
	}
	return out, nil
}

func (h remoteHistory) Delete(ctx context.Context, id int64) error {
	resp, err := h.client.delete(ctx, "/chats/"+strconv.FormatInt(id, 10))
	if err != nil {
		return err
	}
	var out map[string]string
	return decodeJSON(resp, &out)
}

func (h remoteHistory) Close() error { return nil }

var openHistory = func(cmd *cobra.Command) (historySource, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if remote, _ := cmd.Flags().GetBool("remote"); remote {
		client, err := newAPIClient(cfg)
		if err != nil {
			return nil, err
		}
		return remoteHistory{client: client}, nil
	}
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	return localHistory{store: store}, nil
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List, show and delete stored chats",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent chats",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		src, err := openHistory(cmd)
		if err != nil {
			return err
		}
		defer src.Close()

		chats, err := src.List(cmd.Context(), limit)
		if err != nil {
			return fmt.Errorf("listing chats: %w", err)
		}
		if len(chats) == 0 {
			fmt.Fprintln(os.Stderr, "No chats yet.")
			return nil
		}
		writeChatList(os.Stdout, chats)
		return nil
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a stored chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseChatID(args[0])
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")
		src, err := openHistory(cmd)
		if err != nil {
			return err
		}
		defer src.Close()

		c, err := src.Get(cmd.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("chat %d not found", id)
		}
		if err != nil {
			return err
		}
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(c)
		}
		writeChat(os.Stdout, c)
		return nil
	},
}

var historyRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a stored chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseChatID(args[0])
		if err != nil {
			return err
		}
		src, err := openHistory(cmd)
		if err != nil {
			return err
		}
		defer src.Close()

		err = src.Delete(cmd.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("chat %d not found", id)
		}
		if err != nil {
			return err
		}
		printSuccess("Deleted chat %d", id)
		return nil
	},
}

func init() {
	historyCmd.PersistentFlags().Bool("remote", false, "read history through the running server")
	historyListCmd.Flags().Int("limit", 20, "maximum number of chats to list")
	historyShowCmd.Flags().Bool("json", false, "print the chat as JSON")
	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyRmCmd)
}

func parseChatID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid chat id %q", s)
	}
	return id, nil
}

func writeChatList(w io.Writer, chats []api.ChatSummary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tPROVIDER\tMESSAGES\tUPDATED")
	for _, c := range chats {
		fmt.Fprintf(tw, "%d\t%s\t%s/%s\t%d\t%s\n",
			c.ID, c.Title, c.Provider, c.Model, c.MessageCount, c.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	tw.Flush()
}

func writeChat(w io.Writer, c api.ChatDetail) {
	fmt.Fprintf(w, "%s\n", colorize(colorBold, c.Title))
	fmt.Fprintf(w, "%s\n\n", colorize(colorDim, fmt.Sprintf("#%d  %s/%s  %s", c.ID, c.Provider, c.Model, c.UpdatedAt.Local().Format("2006-01-02 15:04"))))
	reply := 0
	for _, m := range c.Messages {
		switch m.Role {
		case chat.RoleSystem:
			fmt.Fprintf(w, "%s\n\n", colorize(colorDim, "system: "+m.Content))
		case chat.RoleUser:
			fmt.Fprintf(w, "%s %s\n\n", colorize(colorCyan, "you:"), m.Content)
		case chat.RoleAssistant:
			if reply < len(c.Thinking) && strings.TrimSpace(c.Thinking[reply]) != "" {
				fmt.Fprintf(w, "%s\n", colorize(colorDim, strings.TrimSpace(c.Thinking[reply])))
			}
			reply++
			fmt.Fprintf(w, "%s %s\n\n", colorize(colorGreen, "assistant:"), m.Content)
		}
	}
}
