package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const (
	envAPIToken = "FORENSIX_API_TOKEN"
	envAPIURL   = "FORENSIX_API_URL"

	defaultAPIURL = "http://localhost:8080"

	// maxErrorBody caps how much of a failed download is read for its message.
	maxErrorBody = 64 << 10
)

type APIClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// credentials are the token and URL offered by one source.
type credentials struct {
	token   string
	baseURL string
}

func envCredentials() credentials {
	return credentials{token: os.Getenv(envAPIToken), baseURL: os.Getenv(envAPIURL)}
}

// connection is the resolved client target. Each setting remembers its source so auth
// status can explain it.
type connection struct {
	token       string
	tokenSource CredentialSource
	baseURL     string
	urlSource   CredentialSource
	// examiner is known only when the token came from the stored login.
	examiner string
}

// resolveConnection fills each setting from the first source that has it: flags, then the
// environment, then the stored login, then the local default. The stored login is read only
// when flags and environment leave something unset.
func resolveConnection(flags, env credentials, stored func() (*GlobalConfig, error)) (connection, error) {
	var conn connection
	offer := func(c credentials, source CredentialSource) {
		if conn.token == "" && c.token != "" {
			conn.token, conn.tokenSource = c.token, source
		}
		if conn.baseURL == "" && c.baseURL != "" {
			conn.baseURL, conn.urlSource = c.baseURL, source
		}
	}

	offer(flags, SourceFlag)
	offer(env, SourceEnv)
	if conn.token == "" || conn.baseURL == "" {
		cfg, err := stored()
		if err != nil {
			return connection{}, err
		}
		if cfg != nil {
			offer(credentials{token: cfg.APIToken, baseURL: cfg.APIURL}, SourceGlobalConfig)
			if conn.tokenSource == SourceGlobalConfig {
				conn.examiner = cfg.Examiner
			}
		}
	}
	offer(credentials{baseURL: defaultAPIURL}, SourceDefault)

	if conn.token == "" {
		conn.tokenSource = SourceNone
	}
	conn.baseURL = strings.TrimRight(conn.baseURL, "/")
	return conn, nil
}

// NewAPIClientWithCmd builds a client from --api-token/--api-url, FORENSIX_API_TOKEN and
// FORENSIX_API_URL (a .env file is honored), and the stored login. The token is optional;
// servers without API_TOKENS accept anonymous requests.
func NewAPIClientWithCmd(cmd *cobra.Command) (*APIClient, error) {
	_ = godotenv.Load()

	var flags credentials
	if cmd != nil {
		flags.token, _ = cmd.Flags().GetString("api-token")
		flags.baseURL, _ = cmd.Flags().GetString("api-url")
	}

	conn, err := resolveConnection(flags, envCredentials(), LoadGlobalConfig)
	if err != nil {
		return nil, err
	}
	return NewAPIClientWithConfig(conn.token, conn.baseURL), nil
}

// NewAPIClientWithConfig creates an APIClient with explicit config.
func NewAPIClientWithConfig(token, baseURL string) *APIClient {
	return &APIClient{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			// Uploads of large evidence files can take a while.
			Timeout: 10 * time.Minute,
		},
	}
}

// APIResponse represents the standard API response format.
type APIResponse struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
	Code  string          `json:"code,omitempty"`
}

// APIError represents an error from the API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// Get performs a GET request.
func (c *APIClient) Get(path string) (*APIResponse, error) {
	return c.do(http.MethodGet, path, nil, "")
}

// Post performs a POST request with JSON body.
func (c *APIClient) Post(path string, body interface{}) (*APIResponse, error) {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
	}
	return c.do(http.MethodPost, path, reqBody, "application/json")
}

// Delete performs a DELETE request.
func (c *APIClient) Delete(path string) (*APIResponse, error) {
	return c.do(http.MethodDelete, path, nil, "")
}

// FormField is one non-file field of a multipart upload. Repeated names are allowed.
type FormField struct {
	Name  string
	Value string
}

// PostFile uploads filePath as the "file" part of a multipart form, streaming the body.
func (c *APIClient) PostFile(path string, fields []FormField, filePath string, onProgress ProgressFunc) (*APIResponse, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(mw, fields, filepath.Base(filePath), &progressReader{
			reader:     file,
			total:      stat.Size(),
			onProgress: onProgress,
		}))
	}()

	return c.do(http.MethodPost, path, pr, mw.FormDataContentType())
}

func writeForm(mw *multipart.Writer, fields []FormField, filename string, body io.Reader) error {
	for _, f := range fields {
		if err := mw.WriteField(f.Name, f.Value); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, body); err != nil {
		return err
	}
	return mw.Close()
}

func (c *APIClient) newRequest(method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *APIClient) do(method, path string, body io.Reader, contentType string) (*APIResponse, error) {
	req, err := c.newRequest(method, path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, decodeAPIError(resp.StatusCode, respBody)
	}

	var apiResp APIResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &apiResp, nil
}

// decodeAPIError reads the server's error envelope. Bodies that are not an envelope, such as
// proxy error pages, are kept verbatim as the message.
func decodeAPIError(status int, body []byte) *APIError {
	var envelope APIResponse
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error == "" {
		return &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	}
	return &APIError{StatusCode: status, Code: envelope.Code, Message: envelope.Error}
}

// GetToFile streams a non-JSON API response, such as a heat-map PNG, to outputPath.
func (c *APIClient) GetToFile(path, outputPath string) error {
	req, err := c.newRequest(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.download(req, outputPath, nil)
}

// DownloadFile downloads a presigned URL to outputPath. No credentials are sent.
func (c *APIClient) DownloadFile(url, outputPath string, onProgress ProgressFunc) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.download(req, outputPath, onProgress)
}

// download writes the body next to outputPath and renames it into place once complete, so an
// interrupted transfer never leaves a truncated report behind.
func (c *APIClient) download(req *http.Request, outputPath string, onProgress ProgressFunc) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := decodeAPIError(resp.StatusCode, body)
		if apiErr.Code == "" {
			return fmt.Errorf("download failed with status %d: %s", resp.StatusCode, apiErr.Message)
		}
		return apiErr
	}

	tmp, err := os.CreateTemp(filepath.Dir(outputPath), "."+filepath.Base(outputPath)+".part-*")
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer os.Remove(tmp.Name())

	var body io.Reader = resp.Body
	if onProgress != nil {
		body = &progressReader{reader: resp.Body, total: resp.ContentLength, onProgress: onProgress}
	}

	written, err := io.Copy(tmp, body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if resp.ContentLength >= 0 && written != resp.ContentLength {
		return fmt.Errorf("download truncated: got %d of %d bytes", written, resp.ContentLength)
	}

	if err := os.Rename(tmp.Name(), outputPath); err != nil {
		return fmt.Errorf("failed to move download into place: %w", err)
	}
	return nil
}

// ProgressFunc is a callback for reporting upload/download progress.
type ProgressFunc func(current, total int64)

// progressReader wraps an io.Reader and reports progress.
type progressReader struct {
	reader     io.Reader
	total      int64
	current    int64
	onProgress ProgressFunc
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	pr.current += int64(n)
	if pr.onProgress != nil {
		pr.onProgress(pr.current, pr.total)
	}
	return n, err
}
