package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nexus/internal/auth"
	"github.com/nextlevelbuilder/nexus/pkg/protocol"
)

func chatCmd() *cobra.Command {
	var (
		addr    string
		key     string
		message string
		follow  bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a running gateway from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(addr, key, message, follow)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8420", "gateway host:port")
	cmd.Flags().StringVar(&key, "key", "", "member address (default: $NEXUS_KEY)")
	cmd.Flags().StringVarP(&message, "message", "m", "", "send one message and exit")
	cmd.Flags().BoolVar(&follow, "follow", false, "tail the owner stream over WebSocket alongside the chat")
	return cmd
}

func runChat(addr, key, message string, follow bool) error {
	if key == "" {
		key = os.Getenv("NEXUS_KEY")
	}
	if key == "" {
		return fmt.Errorf("no member key: pass --key or set NEXUS_KEY (generate one with `nexus keygen`)")
	}
	if !auth.ValidKey(key) {
		return fmt.Errorf("malformed key %q: want 0x plus 40 hex digits", key)
	}

	client := &chatClient{
		base: "http://" + addr,
		key:  auth.NormalizeKey(key),
		// No client timeout: SSE responses stay open for the whole run.
		http: &http.Client{},
	}

	if follow {
		stop, err := client.followOwnerStream(addr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "owner stream unavailable: %v\n", err)
		} else {
			defer stop()
		}
	}

	if message != "" {
		return client.send(message)
	}

	fmt.Fprintf(os.Stderr, "Nexus chat (%s)\n", addr)
	fmt.Fprintf(os.Stderr, "Type \"exit\" to quit, \"/help\" for commands\n\n")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "You: ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			return nil
		}
		if err := client.send(input); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n\n", err)
		}
	}
}

type chatClient struct {
	base string
	key  string
	http *http.Client
}

// send POSTs one input and renders the SSE stream until the run ends.
func (c *chatClient) send(input string) error {
	body, _ := json.Marshal(map[string]any{
		"user_input":             input,
		"client_timestamp_utc":   time.Now().UTC().Format(time.RFC3339),
		"client_timezone_offset": timezoneOffsetMinutes(),
	})

	req, err := http.NewRequest(http.MethodPost, c.base+"/chat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.key)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("gateway returned HTTP %d", resp.StatusCode)
	}

	return renderStream(bufio.NewReader(resp.Body))
}

// renderStream consumes SSE frames, writing reply text to stdout and
// side-channel lines (tools, errors) to stderr.
func renderStream(r *bufio.Reader) error {
	status := "nexus is thinking..."
	fmt.Fprint(os.Stderr, status)
	pending := true
	clearStatus := func() {
		if pending {
			clearLine(os.Stderr, status)
			pending = false
		}
	}
	defer clearStatus()

	for {
		ev, err := readEvent(r)
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("stream ended before the run finished")
			}
			return err
		}

		switch ev.Event {
		case protocol.EventTextChunk:
			clearStatus()
			if chunk, ok := ev.Payload["chunk"].(string); ok {
				fmt.Print(chunk)
			}

		case protocol.EventToolCallStarted:
			clearStatus()
			name, _ := ev.Payload["tool_name"].(string)
			fmt.Fprintln(os.Stderr, sideLine("[tool] "+name))

		case protocol.EventToolCallFinished:
			if st, _ := ev.Payload["status"].(string); st == "error" {
				name, _ := ev.Payload["tool_name"].(string)
				fmt.Fprintln(os.Stderr, sideLine("[tool] "+name+" failed"))
			}

		case protocol.EventError:
			clearStatus()
			if msg, ok := ev.Payload["message"].(string); ok {
				fmt.Fprintf(os.Stderr, "error: %s\n", msg)
			}

		case protocol.EventCommandResult:
			clearStatus()
			if result, ok := ev.Payload["result"].(string); ok {
				fmt.Println(result)
			}
			fmt.Println()
			return nil

		case protocol.EventRunFinished:
			clearStatus()
			fmt.Println()
			fmt.Println()
			return nil
		}
	}
}

// readEvent parses one SSE frame into its data body. Comment lines
// (": connected", ": keepalive") and blank separators are skipped; the
// "event:" line is redundant with the JSON body.
func readEvent(r *bufio.Reader) (protocol.UIEvent, error) {
	var ev protocol.UIEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return ev, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" || strings.HasPrefix(line, ":") || strings.HasPrefix(line, "event:") {
			continue
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				return ev, fmt.Errorf("bad stream frame: %w", err)
			}
			return ev, nil
		}
	}
}

// followOwnerStream dials the persistent per-owner WebSocket and prints
// command results as they fan out, the way a dashboard would.
func (c *chatClient) followOwnerStream(addr string) (func(), error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws/" + c.key}
	header := http.Header{"Authorization": {"Bearer " + c.key}}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		return nil, err
	}

	go func() {
		for {
			var ev protocol.UIEvent
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			if ev.Event != protocol.EventCommandResult {
				continue
			}
			name, _ := ev.Payload["command"].(string)
			result, _ := ev.Payload["result"].(string)
			fmt.Fprintln(os.Stderr, sideLine(fmt.Sprintf("[%s] %s", name, result)))
		}
	}()

	return func() { conn.Close() }, nil
}

// sideLineWidth keeps tool and follow lines from wrapping mid-status.
const sideLineWidth = 100

func sideLine(s string) string {
	return runewidth.Truncate(strings.ReplaceAll(s, "\n", " "), sideLineWidth, "...")
}

// clearLine erases a transient status line; width-aware so wide runes
// (CJK, emoji) are fully overwritten.
func clearLine(w io.Writer, line string) {
	fmt.Fprintf(w, "\r%s\r", strings.Repeat(" ", runewidth.StringWidth(line)))
}

// timezoneOffsetMinutes reports the local zone in the JavaScript
// getTimezoneOffset convention (minutes to add to local time to reach
// UTC), which is what the gateway expects: UTC+7 is sent as -420.
func timezoneOffsetMinutes() int {
	_, seconds := time.Now().Zone()
	return -seconds / 60
}
