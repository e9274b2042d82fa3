package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/vnmchuo/agent-gateway/internal/metering"
	"github.com/vnmchuo/agent-gateway/internal/pricing"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultPollTimeout  = 240 * time.Second
)

type ImageTaskKind string

const (
	ImageGeneration ImageTaskKind = "generation"
	ImageEdit       ImageTaskKind = "edit"
)

// ErrPollTimeout reports a task that never reached a terminal status within
// the polling window. The upstream task's eventual outcome stays unresolved.
var ErrPollTimeout = errors.New("image task timed out waiting for completion")

type Image struct {
	Type string `json:"type"` // "url" or "base64"
	Data string `json:"data"`
}

type ImageTaskResult struct {
	Data    map[string]any
	Images  []Image
	Usage   pricing.Usage
	Cost    int64
	Pricing pricing.ImageBreakdown
}

type ImageTaskOptions struct {
	Kind         ImageTaskKind
	Payload      map[string]any
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// RunImageTask submits an image generation or edit task and polls until it
// reaches a terminal status, then prices the produced images.
func RunImageTask(ctx context.Context, client *Client, engine *pricing.Engine, opts ImageTaskOptions) (*ImageTaskResult, error) {
	prompt, _ := opts.Payload["prompt"].(string)
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, errors.New("image tasks require a prompt")
	}

	basePath := "/vendors/google/v1/nano-banana/generation"
	if opts.Kind == ImageEdit {
		basePath = "/vendors/google/v1/nano-banana/edit"
	}

	requestBody := map[string]any{"prompt": prompt}
	if opts.Kind == ImageEdit {
		images, err := editImages(opts.Payload)
		if err != nil {
			return nil, err
		}
		requestBody["images"] = images
		if mask, ok := opts.Payload["maskBase64"].(string); ok && mask != "" {
			requestBody["mask"] = "data:image/png;base64," + mask
		}
	}

	submitted, err := client.Post(ctx, basePath, requestBody)
	if err != nil {
		return nil, err
	}
	taskID := extractTaskID(submitted)
	if taskID == "" {
		return nil, errors.New("failed to obtain task ID")
	}

	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	timeout := opts.PollTimeout
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}

	finalTask, err := pollTask(ctx, client, basePath+"/"+url.PathEscape(taskID), interval, timeout)
	if err != nil {
		return nil, err
	}

	images := extractImages(finalTask)
	usage, vendorCost := metering.ExtractUsageAndCost(finalTask)
	breakdown := engine.ImageCost(int64(len(images)))
	cost := resolveCostWithMarkup(engine, breakdown.Cost, vendorCost)

	return &ImageTaskResult{
		Data:    finalTask,
		Images:  images,
		Usage:   usage,
		Cost:    cost,
		Pricing: breakdown,
	}, nil
}

func editImages(payload map[string]any) ([]string, error) {
	var images []string
	if list, ok := payload["images"].([]any); ok {
		for _, entry := range list {
			if value, ok := entry.(string); ok && strings.TrimSpace(value) != "" {
				images = append(images, value)
			}
		}
	}
	if b64, ok := payload["imageBase64"].(string); ok && b64 != "" {
		images = append(images, "data:image/png;base64,"+b64)
	}
	if len(images) == 0 {
		return nil, errors.New("image edit requires at least one base image or remote URL")
	}
	return images, nil
}

func pollTask(ctx context.Context, client *Client, pollPath string, interval, timeout time.Duration) (map[string]any, error) {
	startedAt := time.Now()
	for {
		result, err := client.Get(ctx, pollPath)
		if err != nil {
			return nil, err
		}

		status := taskStatus(result)
		if isTaskFailed(status) {
			if status == "" {
				status = "unknown"
			}
			return nil, fmt.Errorf("image task failed with status: %s", status)
		}
		if isTaskCompleted(status) {
			return result, nil
		}

		if time.Since(startedAt) > timeout {
			return nil, ErrPollTimeout
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func taskStatus(result map[string]any) string {
	if status := readString(result, "status", "state", "task_status"); status != "" {
		return status
	}
	for _, key := range []string{"task", "task_info", "taskInfo"} {
		if nested, ok := result[key].(map[string]any); ok {
			if status := readString(nested, "status", "state"); status != "" {
				return status
			}
		}
	}
	return ""
}

func isTaskCompleted(status string) bool {
	normalized := strings.ToLower(status)
	for _, marker := range []string{"success", "complete", "finished", "done"} {
		if strings.Contains(normalized, marker) {
			return true
		}
	}
	return false
}

func isTaskFailed(status string) bool {
	normalized := strings.ToLower(status)
	for _, marker := range []string{"fail", "error", "cancel"} {
		if strings.Contains(normalized, marker) {
			return true
		}
	}
	return false
}

func extractTaskID(payload map[string]any) string {
	if id := readString(payload, "task_id", "taskId", "id"); id != "" {
		return id
	}
	for _, key := range []string{"task", "task_info", "taskInfo"} {
		if nested, ok := payload[key].(map[string]any); ok {
			if id := readString(nested, "task_id", "taskId", "id"); id != "" {
				return id
			}
		}
	}
	return ""
}

var httpURL = regexp.MustCompile(`(?i)^https?://`)
var base64Chars = regexp.MustCompile(`^[A-Za-z0-9+/=\r\n]+$`)

// extractImages collects every string in the payload that looks like an
// image reference: http(s) URLs, or base64 blobs of at least 200 chars.
func extractImages(payload any) []Image {
	var images []Image
	traverseStrings(payload, func(value string) {
		trimmed := strings.TrimSpace(value)
		if httpURL.MatchString(trimmed) {
			images = append(images, Image{Type: "url", Data: trimmed})
			return
		}
		if len(trimmed) >= 200 && base64Chars.MatchString(trimmed) {
			images = append(images, Image{Type: "base64", Data: trimmed})
		}
	})
	return images
}

func traverseStrings(value any, visit func(string)) {
	switch v := value.(type) {
	case string:
		visit(v)
	case []any:
		for _, item := range v {
			traverseStrings(item, visit)
		}
	case map[string]any:
		for _, item := range v {
			traverseStrings(item, visit)
		}
	}
}

func readString(source map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := source[key].(string); ok {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}
