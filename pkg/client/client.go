// Package client is a small HTTP client for the uniqueue ops surface: queue
// and item listings, peeks, claimable counts, and the reclamation trigger.
// Producing and consuming items stays in pkg/queue.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/uniqueue/uniqueue/pkg/queue"
)

type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// ListQueues returns the known queue names grouped by backend type.
func (c *Client) ListQueues(ctx context.Context) (map[string][]string, error) {
	var result struct {
		Queues map[string][]string `json:"queues"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("%s/v1/queues", c.baseURL), &result); err != nil {
		return nil, err
	}
	return result.Queues, nil
}

// ListItems returns every item in the queue, claimed ones included.
func (c *Client) ListItems(ctx context.Context, queueName string) ([]queue.Item, error) {
	var items []queue.Item
	u := fmt.Sprintf("%s/v1/queues/%s/items", c.baseURL, url.PathEscape(queueName))
	if err := c.getJSON(ctx, u, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// PeekItem looks up one item by its unique key without touching it. A key
// the queue has never seen returns (nil, nil).
func (c *Client) PeekItem(ctx context.Context, queueName, key string) (*queue.Item, error) {
	u := fmt.Sprintf("%s/v1/queues/%s/items/peek?key=%s",
		c.baseURL, url.PathEscape(queueName), url.QueryEscape(key))
	httpReq, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("peek failed: %s - %s", resp.Status, string(bodyBytes))
	}

	var it queue.Item
	if err := json.NewDecoder(resp.Body).Decode(&it); err != nil {
		return nil, err
	}
	return &it, nil
}

// ItemsLeft returns the claimable count, optionally at or above a priority
// floor.
func (c *Client) ItemsLeft(ctx context.Context, queueName string, minPriority *int) (int, error) {
	u := fmt.Sprintf("%s/v1/queues/%s/count", c.baseURL, url.PathEscape(queueName))
	if minPriority != nil {
		u = fmt.Sprintf("%s?min_priority=%d", u, *minPriority)
	}
	var result struct {
		Count int `json:"count"`
	}
	if err := c.getJSON(ctx, u, &result); err != nil {
		return 0, err
	}
	return result.Count, nil
}

// ReclaimLocks frees expired locks on the named queues, or on every known
// queue when none are named, and returns how many were freed.
func (c *Client) ReclaimLocks(ctx context.Context, queueNames ...string) (int, error) {
	reqBody, err := json.Marshal(map[string]any{"queues": queueNames})
	if err != nil {
		return 0, err
	}

	u := fmt.Sprintf("%s/v1/locks/reclaim", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", u, bytes.NewReader(reqBody))
	if err != nil {
		return 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("reclaim failed: %s - %s", resp.Status, string(bodyBytes))
	}

	var result struct {
		Reclaimed int `json:"reclaimed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, err
	}
	return result.Reclaimed, nil
}

func (c *Client) getJSON(ctx context.Context, u string, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("request failed: %s - %s", resp.Status, string(bodyBytes))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
