// Package robot talks to the assistant backend: transcription, the two
// answer modes, speech synthesis, and the admin surfaces of the console.
package robot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"goama/log"
)

// Client is the HTTP boundary to the robot backend. All methods are safe
// for concurrent use; the orchestrator serializes turn-scoped calls itself.
type Client struct {
	base string
	http *TracedClient
}

func NewClient(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: NewTracedClient(),
	}
}

func (c *Client) BaseURL() string { return c.base }

// Transcribe uploads one finished clip and returns the recognized text.
// The returned text may be empty when the backend heard nothing usable.
func (c *Client) Transcribe(ctx context.Context, data []byte, format, language string) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", "message."+format)
	if err != nil {
		return "", transportFailure("transcribe", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", transportFailure("transcribe", err)
	}
	if err := w.WriteField("language", language); err != nil {
		return "", transportFailure("transcribe", err)
	}
	if err := w.Close(); err != nil {
		return "", transportFailure("transcribe", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/transcribe", &buf)
	if err != nil {
		return "", transportFailure("transcribe", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", TranscriptionError{transportFailure("transcribe", err)}
	}
	c.trace("transcribe", resp)
	if resp.StatusCode != http.StatusOK {
		return "", TranscriptionError{failureFrom("transcribe", resp)}
	}

	// The backend normally answers {"text": "..."} but older builds reply
	// with the bare transcription.
	var body struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(resp.Body, &body); err == nil {
		return strings.TrimSpace(body.Text), nil
	}
	return strings.TrimSpace(string(resp.Body)), nil
}

// AskRetrieval queries the grounded answer mode. The language rides along so
// the backend can answer in the conversation language.
func (c *Client) AskRetrieval(ctx context.Context, question, language string) (string, error) {
	payload := map[string]any{
		"question":     question,
		"language":     language,
		"enable_voice": false,
	}
	resp, err := c.postJSON(ctx, "/text/ask", payload)
	if err != nil {
		return "", AnswerError{transportFailure("ask_retrieval", err)}
	}
	c.trace("ask_retrieval", resp)
	if resp.StatusCode != http.StatusOK {
		return "", AnswerError{failureFrom("ask_retrieval", resp)}
	}

	var body struct {
		Text     string `json:"text"`
		Response string `json:"response"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return "", AnswerError{transportFailure("ask_retrieval", err)}
	}
	if body.Text != "" {
		return body.Text, nil
	}
	return body.Response, nil
}

// AskFreeForm queries the unconstrained answer mode. No language field: the
// model follows the question.
func (c *Client) AskFreeForm(ctx context.Context, question string) (string, error) {
	resp, err := c.postJSON(ctx, "/ask", map[string]any{"question": question})
	if err != nil {
		return "", AnswerError{transportFailure("ask_freeform", err)}
	}
	c.trace("ask_freeform", resp)
	if resp.StatusCode != http.StatusOK {
		return "", AnswerError{failureFrom("ask_freeform", resp)}
	}

	var body struct {
		Response string `json:"response"`
		Answer   string `json:"answer"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return "", AnswerError{transportFailure("ask_freeform", err)}
	}
	if body.Response != "" {
		return body.Response, nil
	}
	return body.Answer, nil
}

// Speak renders text to an audio clip with the given voice and returns the
// encoded bytes as served by the backend.
func (c *Client) Speak(ctx context.Context, text, voice string) ([]byte, error) {
	resp, err := c.postJSON(ctx, "/speak", map[string]any{"text": text, "voice": voice})
	if err != nil {
		return nil, SynthesisError{transportFailure("speak", err)}
	}
	c.trace("speak", resp)
	if resp.StatusCode != http.StatusOK {
		return nil, SynthesisError{failureFrom("speak", resp)}
	}
	if len(resp.Body) == 0 {
		return nil, SynthesisError{failure{Op: "speak", Status: resp.StatusCode, Message: "empty audio response"}}
	}
	return resp.Body, nil
}

// Admin and diagnostics surfaces. These return the backend's JSON untouched;
// the console renders them without interpreting every field.

func (c *Client) Health(ctx context.Context) (json.RawMessage, error) {
	return c.getJSON(ctx, "health", "/health")
}

func (c *Client) Stats(ctx context.Context) (json.RawMessage, error) {
	return c.getJSON(ctx, "stats", "/stats")
}

func (c *Client) AdminMetrics(ctx context.Context) (json.RawMessage, error) {
	return c.getJSON(ctx, "admin_metrics", "/admin/metrics")
}

func (c *Client) Capabilities(ctx context.Context) (json.RawMessage, error) {
	return c.getJSON(ctx, "capabilities", "/capabilities")
}

func (c *Client) Salutations(ctx context.Context) (json.RawMessage, error) {
	return c.getJSON(ctx, "salutations", "/salutations")
}

// Restart asks the backend to restart itself. The call returns as soon as
// the backend acknowledges; availability afterwards is polled via Health.
func (c *Client) Restart(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/admin/restart", nil)
	if err != nil {
		return transportFailure("restart", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return transportFailure("restart", err)
	}
	c.trace("restart", resp)
	if resp.StatusCode != http.StatusOK {
		return failureFrom("restart", resp)
	}
	return nil
}

func (c *Client) DialogueSettings(ctx context.Context) (json.RawMessage, error) {
	return c.getJSON(ctx, "dialogue_settings", "/settings/dialogue")
}

func (c *Client) UpdateDialogueSettings(ctx context.Context, settings json.RawMessage) error {
	return c.postRaw(ctx, "dialogue_settings", "/settings/dialogue", settings)
}

func (c *Client) NetworkSettings(ctx context.Context) (json.RawMessage, error) {
	return c.getJSON(ctx, "network_settings", "/settings/network")
}

func (c *Client) UpdateNetworkSettings(ctx context.Context, settings json.RawMessage) error {
	return c.postRaw(ctx, "network_settings", "/settings/network", settings)
}

// Audio library management.

func (c *Client) AudioIndex(ctx context.Context) (json.RawMessage, error) {
	return c.getJSON(ctx, "audio_index", "/audio_index")
}

func (c *Client) UploadAudio(ctx context.Context, filename string, data []byte) (json.RawMessage, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, transportFailure("audio_upload", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, transportFailure("audio_upload", err)
	}
	if err := w.Close(); err != nil {
		return nil, transportFailure("audio_upload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/audio/upload", &buf)
	if err != nil {
		return nil, transportFailure("audio_upload", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportFailure("audio_upload", err)
	}
	c.trace("audio_upload", resp)
	if resp.StatusCode != http.StatusOK {
		return nil, failureFrom("audio_upload", resp)
	}
	return json.RawMessage(resp.Body), nil
}

func (c *Client) DeleteAudio(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.base+"/audio/"+url.PathEscape(id), nil)
	if err != nil {
		return transportFailure("audio_delete", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return transportFailure("audio_delete", err)
	}
	c.trace("audio_delete", resp)
	if resp.StatusCode != http.StatusOK {
		return failureFrom("audio_delete", resp)
	}
	return nil
}

func (c *Client) ConvertAudio(ctx context.Context, id string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/audio/"+url.PathEscape(id)+"/convert", nil)
	if err != nil {
		return nil, transportFailure("audio_convert", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportFailure("audio_convert", err)
	}
	c.trace("audio_convert", resp)
	if resp.StatusCode != http.StatusOK {
		return nil, failureFrom("audio_convert", resp)
	}
	return json.RawMessage(resp.Body), nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) (*TracedResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}

func (c *Client) postRaw(ctx context.Context, op, path string, payload json.RawMessage) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return transportFailure(op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return transportFailure(op, err)
	}
	c.trace(op, resp)
	if resp.StatusCode != http.StatusOK {
		return failureFrom(op, resp)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, op, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, transportFailure(op, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportFailure(op, err)
	}
	c.trace(op, resp)
	if resp.StatusCode != http.StatusOK {
		return nil, failureFrom(op, resp)
	}
	if !json.Valid(resp.Body) {
		return nil, failure{Op: op, Status: resp.StatusCode, Message: fmt.Sprintf("invalid JSON response (%d bytes)", len(resp.Body))}
	}
	return json.RawMessage(resp.Body), nil
}

func (c *Client) trace(op string, resp *TracedResponse) {
	m := resp.Metrics
	log.Backend(op, resp.StatusCode,
		float64(m.Total.Microseconds())/1000,
		float64(m.TTFB.Microseconds())/1000,
		m.ConnReused)
}
