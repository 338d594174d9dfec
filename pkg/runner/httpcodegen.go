package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/necrocode/engine/pkg/types"
)

// HTTPCodegenClient calls an external code-generation service over HTTP,
// the concrete shape the CodegenClient interface is named against (spec.md
// explicitly scopes the service itself out, but something in this binary
// has to dial it). Grounded on the JSON POST + timeout'd http.Client idiom
// kindling's CLI uses to call OpenAI/Anthropic
// (cli/cmd/genai.go's callOpenAI), generalized from a provider-specific
// payload to the {file_path, operation, content}* shape spec.md §4.4 step 3
// names.
type HTTPCodegenClient struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

// NewHTTPCodegenClient returns a client posting to endpoint with a 5 minute
// default timeout, generous enough for a code-generation round trip.
func NewHTTPCodegenClient(endpoint, apiKey string) *HTTPCodegenClient {
	return &HTTPCodegenClient{
		Endpoint: endpoint,
		APIKey:   apiKey,
		Client:   &http.Client{Timeout: 5 * time.Minute},
	}
}

type codegenRequest struct {
	Prompt        string `json:"prompt"`
	WorkspacePath string `json:"workspace_path"`
}

type codegenFileChange struct {
	FilePath  string `json:"file_path"`
	Operation string `json:"operation"`
	Content   string `json:"content"`
}

type codegenResponse struct {
	Changes []codegenFileChange `json:"changes"`
	Error   string              `json:"error,omitempty"`
}

// GenerateCode implements CodegenClient.
func (c *HTTPCodegenClient) GenerateCode(ctx context.Context, prompt, workspacePath string) ([]types.FileChange, error) {
	body, err := json.Marshal(codegenRequest{Prompt: prompt, WorkspacePath: workspacePath})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrValidation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrTransientCodegen, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransientCodegen, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrTransientCodegen, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: codegen service returned %d", ErrTransientCodegen, resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: codegen service returned %d", ErrPermanentCodegen, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: codegen service returned %d: %s", ErrPermanentCodegen, resp.StatusCode, string(respBody))
	}

	var out codegenResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("%w: malformed codegen response: %v", ErrPermanentCodegen, err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrPermanentCodegen, out.Error)
	}

	changes := make([]types.FileChange, 0, len(out.Changes))
	for _, c := range out.Changes {
		changes = append(changes, types.FileChange{
			FilePath:  c.FilePath,
			Operation: types.FileChangeOp(c.Operation),
			Content:   c.Content,
		})
	}
	return changes, nil
}
