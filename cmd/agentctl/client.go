package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
)

type client struct {
	base string
	http http.Client
}

func (c *client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, buf)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var remote struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&remote) == nil && remote.Error != "" {
			return nil, fmt.Errorf("%s: %s", resp.Status, remote.Error)
		}
		return nil, errors.New(resp.Status)
	}
	return resp, nil
}

// print re-indents a JSON response body onto stdout.
func (c *client) print(resp *http.Response) error {
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		fmt.Println("ok")
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		os.Stdout.Write(data)
		return nil
	}
	out.WriteByte('\n')
	_, err = out.WriteTo(os.Stdout)
	return err
}

func (c *client) getJSON(ctx context.Context, path string) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.print(resp)
}

// agentArg peels the agent identifier off the front of args.
func agentArg(args []string) (string, []string, error) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return "", nil, errors.New("an agent id or name is required")
	}
	return url.PathEscape(args[0]), args[1:], nil
}

func (c *client) agentJSON(ctx context.Context, args []string, suffix string) error {
	agent, _, err := agentArg(args)
	if err != nil {
		return err
	}
	return c.getJSON(ctx, "/api/v1/agents/"+agent+suffix)
}

func (c *client) create(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	caps := fs.String("capabilities", "", "comma-separated capability list")
	maxRestarts := fs.Int("max-restarts", 3, "restart budget")
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return errors.New("a name is required")
	}
	name := args[0]
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	body := map[string]any{
		"name":         name,
		"max_restarts": *maxRestarts,
	}
	if *caps != "" {
		body["capabilities"] = strings.Split(*caps, ",")
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/agents", body)
	if err != nil {
		return err
	}
	return c.print(resp)
}

func (c *client) lifecycle(ctx context.Context, args []string, action string) error {
	agent, _, err := agentArg(args)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/agents/"+agent+"/"+action, nil)
	if err != nil {
		return err
	}
	return c.print(resp)
}

func (c *client) shutdown(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("shutdown", flag.ExitOnError)
	hard := fs.Bool("hard", false, "skip the cleanup hook")
	agent, rest, err := agentArg(args)
	if err != nil {
		return err
	}
	if err := fs.Parse(rest); err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/agents/"+agent+"/shutdown",
		map[string]any{"graceful": !*hard})
	if err != nil {
		return err
	}
	return c.print(resp)
}

func (c *client) remove(ctx context.Context, args []string) error {
	agent, _, err := agentArg(args)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodDelete, "/api/v1/agents/"+agent, nil)
	if err != nil {
		return err
	}
	return c.print(resp)
}

func (c *client) generate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	prompt := fs.String("prompt", "", "prompt text (required)")
	model := fs.String("model", "", "model override")
	maxTokens := fs.Int("max-tokens", 0, "completion token cap")
	stream := fs.Bool("stream", false, "stream chunks as they arrive")
	agent, rest, err := agentArg(args)
	if err != nil {
		return err
	}
	if err := fs.Parse(rest); err != nil {
		return err
	}
	if *prompt == "" {
		return errors.New("-prompt is required")
	}

	body := map[string]any{
		"prompt": *prompt,
		"stream": *stream,
	}
	if *model != "" {
		body["model"] = *model
	}
	if *maxTokens > 0 {
		body["max_tokens"] = *maxTokens
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/agents/"+agent+"/generate", body)
	if err != nil {
		return err
	}
	if !*stream {
		return c.print(resp)
	}
	return printStream(resp)
}

// printStream renders server-sent chunks as they arrive: content to stdout,
// final usage to stderr.
func printStream(resp *http.Response) error {
	defer resp.Body.Close()
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var chunk struct {
			Content string `json:"content"`
			Done    bool   `json:"done"`
			Usage   struct {
				TotalTokens int `json:"total_tokens"`
			} `json:"usage"`
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if chunk.Done {
			fmt.Fprintf(os.Stderr, "\n[%d tokens]\n", chunk.Usage.TotalTokens)
			break
		}
		fmt.Print(chunk.Content)
	}
	fmt.Println()
	return scanner.Err()
}

func (c *client) events(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	agent := fs.String("agent", "", "filter by agent id")
	eventType := fs.String("type", "", "filter by event type")
	limit := fs.Int("limit", 50, "maximum number of events")
	if err := fs.Parse(args); err != nil {
		return err
	}
	q := url.Values{}
	if *agent != "" {
		q.Set("agent", *agent)
	}
	if *eventType != "" {
		q.Set("type", *eventType)
	}
	q.Set("limit", strconv.Itoa(*limit))
	return c.getJSON(ctx, "/api/v1/events?"+q.Encode())
}
