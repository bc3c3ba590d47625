package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/agkyra/archivesync/internal/messager"
)

// newEventsCmd builds the events command: connect to a running watch
// daemon's --gui-addr WebSocket feed and print each event as it arrives.
// The archivesync CLI itself holds no long-lived Messager — only a running
// watch daemon does — so this command is a thin WebSocket client mirroring
// internal/guisession's server side, the same "relay, don't process"
// boundary spec.md §1 draws around the synchronization core.
func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events <gui-addr>",
		Short: "Stream sync events from a running watch daemon",
		Long: `Connect to a watch daemon's --gui-addr WebSocket feed (e.g.
127.0.0.1:4433) and print each synchronization event as it arrives.`,
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(cmd.Context(), args[0])
		},
	}

	return cmd
}

func runEvents(ctx context.Context, addr string) error {
	url := fmt.Sprintf("ws://%s/events", addr)

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", url, err)
	}
	defer conn.CloseNow()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("event stream closed: %w", err)
		}

		var msg messager.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			fmt.Printf("(unparseable event: %v)\n", err)
			continue
		}

		printEvent(msg)
	}
}

func printEvent(msg messager.Message) {
	switch {
	case msg.Archive != "" && msg.Name != "":
		fmt.Printf("[%s] %s %s\n", msg.Kind, msg.Archive, msg.Name)
	case msg.Name != "":
		fmt.Printf("[%s] %s\n", msg.Kind, msg.Name)
	default:
		fmt.Printf("[%s]\n", msg.Kind)
	}

	switch p := msg.Payload.(type) {
	case map[string]any:
		for k, v := range p {
			fmt.Printf("    %s: %v\n", k, v)
		}
	}
}
