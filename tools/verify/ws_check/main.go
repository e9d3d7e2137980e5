package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type check struct {
	req    rpcRequest
	verify func(resp map[string]any) error
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<marshal-error:%v>", err)
	}
	return string(b)
}

func main() {
	url := flag.String("url", "ws://127.0.0.1:18790/ws", "websocket endpoint")
	timeout := flag.Duration("timeout", 8*time.Second, "overall timeout")
	token := flag.String("token", "", "bearer token expected by the gateway")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if strings.TrimSpace(*token) == "" {
		fmt.Fprintln(os.Stderr, "token is required")
		os.Exit(2)
	}

	_, unauthResp, unauthErr := websocket.Dial(ctx, *url, nil)
	if unauthErr == nil {
		fmt.Fprintln(os.Stderr, "expected missing-auth dial to fail but it succeeded")
		os.Exit(1)
	}
	if unauthResp == nil || unauthResp.StatusCode != http.StatusUnauthorized {
		fmt.Fprintf(os.Stderr, "expected 401 for missing auth, got response=%v err=%v\n", unauthResp, unauthErr)
		os.Exit(1)
	}
	fmt.Printf("AUTH_CHECK missing token rejected status=%d\n", unauthResp.StatusCode)

	conn, _, err := websocket.Dial(ctx, *url, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + strings.TrimSpace(*token)},
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "authorized dial failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	aspect := fmt.Sprintf("verify-%d", time.Now().UnixNano())
	var taskID string
	checks := []check{
		{
			req: rpcRequest{JSONRPC: "2.0", ID: 0, Method: "task.create", Params: map[string]any{"title": "ws check", "agent": "verify-a"}},
			verify: func(resp map[string]any) error {
				if !hasErrorCode(resp, -32600) {
					return fmt.Errorf("expected handshake-required error (-32600) for pre-hello mutate")
				}
				return nil
			},
		},
		{
			req:    rpcRequest{JSONRPC: "2.0", ID: 1, Method: "system.hello", Params: map[string]any{"version": "1.0"}},
			verify: noError,
		},
		{
			req:    rpcRequest{JSONRPC: "2.0", ID: 2, Method: "system.status", Params: map[string]any{}},
			verify: noError,
		},
		{
			req: rpcRequest{JSONRPC: "2.0", ID: 3, Method: "task.create", Params: map[string]any{"title": "ws check", "agent": "verify-a"}},
			verify: func(resp map[string]any) error {
				if err := noError(resp); err != nil {
					return err
				}
				result, _ := resp["result"].(map[string]any)
				taskID, _ = result["task_id"].(string)
				if taskID == "" {
					return fmt.Errorf("expected task_id in result")
				}
				return nil
			},
		},
	}
	run(ctx, conn, checks)

	// Claims depend on the task id returned above.
	run(ctx, conn, []check{
		{
			req:    rpcRequest{JSONRPC: "2.0", ID: 4, Method: "task.claim", Params: map[string]any{"task_id": taskID, "aspect": aspect, "agent": "verify-a", "ttl_minutes": 1}},
			verify: wantSuccess(true),
		},
		{
			req:    rpcRequest{JSONRPC: "2.0", ID: 5, Method: "task.claim", Params: map[string]any{"task_id": taskID, "aspect": aspect, "agent": "verify-b"}},
			verify: wantSuccess(false),
		},
		{
			req:    rpcRequest{JSONRPC: "2.0", ID: 6, Method: "task.complete", Params: map[string]any{"task_id": taskID, "agent": "verify-a"}},
			verify: wantSuccess(true),
		},
	})

	fmt.Println("VERDICT PASS")
}

func run(ctx context.Context, conn *websocket.Conn, checks []check) {
	for _, c := range checks {
		fmt.Printf(">> %s\n", mustJSON(c.req))
		if err := wsjson.Write(ctx, conn, c.req); err != nil {
			fmt.Fprintf(os.Stderr, "write failed: %v\n", err)
			os.Exit(1)
		}
		resp, err := readResponse(ctx, conn)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("<< %s\n", mustJSON(resp))
		if err := c.verify(resp); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", c.req.Method, err)
			os.Exit(1)
		}
	}
}

// readResponse skips server notifications, which carry no id.
func readResponse(ctx context.Context, conn *websocket.Conn) (map[string]any, error) {
	for {
		var resp map[string]any
		if err := wsjson.Read(ctx, conn, &resp); err != nil {
			return nil, err
		}
		if _, ok := resp["id"]; ok {
			return resp, nil
		}
	}
}

func noError(resp map[string]any) error {
	if e, ok := resp["error"]; ok && e != nil {
		return fmt.Errorf("unexpected error %s", mustJSON(e))
	}
	return nil
}

func wantSuccess(want bool) func(map[string]any) error {
	return func(resp map[string]any) error {
		if err := noError(resp); err != nil {
			return err
		}
		result, _ := resp["result"].(map[string]any)
		if got, _ := result["success"].(bool); got != want {
			return fmt.Errorf("success=%v, want %v", got, want)
		}
		return nil
	}
}

func hasErrorCode(resp map[string]any, want int) bool {
	errVal, ok := resp["error"]
	if !ok || errVal == nil {
		return false
	}
	errMap, ok := errVal.(map[string]any)
	if !ok {
		return false
	}
	code, ok := errMap["code"].(float64)
	if !ok {
		return false
	}
	return int(code) == want
}
