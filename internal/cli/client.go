package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/throw-if-null/taskrelay/internal/api"
)

// Client talks to a taskrelayd instance.
type Client struct {
	base string
	http *http.Client
}

func NewClient(base string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{base: strings.TrimRight(base, "/"), http: hc}
}

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

func (c *Client) do(method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(in); err != nil {
			return err
		}
		body = &buf
	}
	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		msg := strings.TrimSpace(string(b))
		var e api.ErrorResponse
		if json.Unmarshal(b, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	switch v := out.(type) {
	case nil:
		return nil
	case *string:
		*v = string(b)
		return nil
	default:
		return json.Unmarshal(b, out)
	}
}

func (c *Client) Submit(req api.CreateTaskRequest) (*api.CreateTaskResponse, error) {
	var out api.CreateTaskResponse
	if err := c.do(http.MethodPost, "/v1/tasks", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) List(limit int) ([]api.Task, error) {
	path := "/v1/tasks"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []api.Task
	err := c.do(http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) Get(id string) (*api.Task, error) {
	var out api.Task
	if err := c.do(http.MethodGet, "/v1/tasks/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Output(id string, tail int) (string, error) {
	path := "/v1/tasks/" + url.PathEscape(id) + "/output"
	if tail >= 0 {
		path += "?tail=" + strconv.Itoa(tail)
	}
	var out string
	err := c.do(http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) Interactions(id string) ([]api.Interaction, error) {
	var out []api.Interaction
	err := c.do(http.MethodGet, "/v1/tasks/"+url.PathEscape(id)+"/interactions", nil, &out)
	return out, err
}

// action posts to a task sub-resource and returns the daemon's message.
func (c *Client) action(method, path string, in any) (string, error) {
	var out api.MessageResponse
	if err := c.do(method, path, in, &out); err != nil {
		return "", err
	}
	return out.Message, nil
}

func (c *Client) Interrupt(id string) (string, error) {
	return c.action(http.MethodPost, "/v1/tasks/"+url.PathEscape(id)+"/interrupt", nil)
}

func (c *Client) Rollback(id string) (string, error) {
	return c.action(http.MethodPost, "/v1/tasks/"+url.PathEscape(id)+"/rollback", nil)
}

func (c *Client) Delete(id string) (string, error) {
	return c.action(http.MethodDelete, "/v1/tasks/"+url.PathEscape(id), nil)
}

func (c *Client) Respond(id, interactionID, response string) (string, error) {
	return c.action(http.MethodPost, "/v1/tasks/"+url.PathEscape(id)+"/interact",
		api.InteractRequest{InteractionID: interactionID, Response: &response})
}

// Watch subscribes to a task's events and calls fn for each until fn returns
// false or the connection ends.
func (c *Client) Watch(id string, fn func(api.Event) bool) error {
	u, err := url.Parse(c.base)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/v1/ws"
	u.RawQuery = url.Values{"taskId": []string{id}}.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("connect relay: %w", err)
	}
	defer conn.Close()
	for {
		var ev api.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		if !fn(ev) {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		}
	}
}
