package tts

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const azureOutputFormat = "audio-24khz-48kbitrate-mono-mp3"

// azureSynth speaks the Azure speech websocket protocol. One connection
// per request: the service streams MP3 frames interleaved with word
// boundary metadata, then closes the turn.
type azureSynth struct {
	key    string
	region string
	dialer *websocket.Dialer
	client *http.Client
}

func NewAzureSynth(key, region string) (*azureSynth, error) {
	if key == "" || region == "" {
		return nil, fmt.Errorf("azure engine requires subscription key and region")
	}
	return &azureSynth{
		key:    key,
		region: region,
		dialer: &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (a *azureSynth) wsEndpoint() string {
	return fmt.Sprintf("wss://%s.tts.speech.microsoft.com/cognitiveservices/websocket/v1", a.region)
}

func (a *azureSynth) Synthesize(ctx context.Context, req Request) (*Result, error) {
	header := http.Header{}
	header.Set("Ocp-Apim-Subscription-Key", a.key)

	conn, resp, err := a.dialer.DialContext(ctx, a.wsEndpoint(), header)
	if err != nil {
		if resp != nil {
			return nil, classifyStatus(resp.StatusCode, fmt.Errorf("azure handshake: %w", err))
		}
		return nil, fmt.Errorf("azure dial: %w", err)
	}
	defer conn.Close()

	// unblock reads when the caller gives up
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	requestID := strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := a.sendConfig(conn, requestID); err != nil {
		return nil, fmt.Errorf("azure config: %w", err)
	}
	ssml := buildSSML(req)
	if err := writeTextMessage(conn, requestID, "ssml", "application/ssml+xml", ssml); err != nil {
		return nil, fmt.Errorf("azure ssml: %w", err)
	}

	res := &Result{}
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("azure read: %w", err)
		}
		switch msgType {
		case websocket.BinaryMessage:
			payload, err := binaryAudioPayload(data)
			if err != nil {
				return nil, err
			}
			res.Audio = append(res.Audio, payload...)
		case websocket.TextMessage:
			path, body := splitTextMessage(data)
			switch path {
			case "audio.metadata":
				bs, err := parseBoundaryMetadata(body)
				if err != nil {
					return nil, err
				}
				res.Boundaries = append(res.Boundaries, bs...)
			case "turn.end":
				if len(res.Audio) == 0 {
					return nil, fmt.Errorf("azure returned no audio for request %s", requestID)
				}
				return res, nil
			}
		}
	}
}

func (a *azureSynth) sendConfig(conn *websocket.Conn, requestID string) error {
	speechConfig := map[string]any{
		"context": map[string]any{
			"system": map[string]string{"name": "overtone"},
		},
	}
	sc, err := json.Marshal(speechConfig)
	if err != nil {
		return err
	}
	if err := writeTextMessage(conn, requestID, "speech.config", "application/json", string(sc)); err != nil {
		return err
	}

	synthContext := map[string]any{
		"synthesis": map[string]any{
			"audio": map[string]any{
				"metadataOptions": map[string]string{
					"wordBoundaryEnabled":     "true",
					"sentenceBoundaryEnabled": "false",
				},
				"outputFormat": azureOutputFormat,
			},
		},
	}
	cc, err := json.Marshal(synthContext)
	if err != nil {
		return err
	}
	return writeTextMessage(conn, requestID, "synthesis.context", "application/json", string(cc))
}

func writeTextMessage(conn *websocket.Conn, requestID, path, contentType, body string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "X-RequestId:%s\r\n", requestID)
	fmt.Fprintf(&b, "X-Timestamp:%s\r\n", time.Now().UTC().Format("2006-01-02T15:04:05.000Z"))
	fmt.Fprintf(&b, "Content-Type:%s\r\n", contentType)
	fmt.Fprintf(&b, "Path:%s\r\n\r\n", path)
	b.WriteString(body)
	return conn.WriteMessage(websocket.TextMessage, []byte(b.String()))
}

// binaryAudioPayload strips the length-prefixed header from a binary frame.
// The first two bytes are the big-endian header size.
func binaryAudioPayload(data []byte) ([]byte, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("azure binary frame too short")
	}
	headerLen := int(binary.BigEndian.Uint16(data[:2]))
	if 2+headerLen > len(data) {
		return nil, fmt.Errorf("azure binary frame header overruns frame")
	}
	return data[2+headerLen:], nil
}

func splitTextMessage(data []byte) (path string, body []byte) {
	head := data
	if idx := strings.Index(string(data), "\r\n\r\n"); idx >= 0 {
		head = data[:idx]
		body = data[idx+4:]
	}
	for _, line := range strings.Split(string(head), "\r\n") {
		if v, ok := strings.CutPrefix(line, "Path:"); ok {
			path = strings.TrimSpace(v)
		}
	}
	return path, body
}

type azureMetadata struct {
	Metadata []struct {
		Type string `json:"Type"`
		Data struct {
			Offset   int64 `json:"Offset"`
			Duration int64 `json:"Duration"`
			Text     struct {
				Text string `json:"Text"`
			} `json:"text"`
		} `json:"Data"`
	} `json:"Metadata"`
}

// parseBoundaryMetadata converts WordBoundary events into Boundaries.
// Azure reports offsets in 100ns ticks.
func parseBoundaryMetadata(body []byte) ([]Boundary, error) {
	var meta azureMetadata
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, fmt.Errorf("azure metadata: %w", err)
	}
	var out []Boundary
	for _, m := range meta.Metadata {
		if m.Type != "WordBoundary" {
			continue
		}
		start := time.Duration(m.Data.Offset * 100)
		out = append(out, Boundary{
			Text:  m.Data.Text.Text,
			Start: start,
			End:   start + time.Duration(m.Data.Duration*100),
		})
	}
	return out, nil
}

func buildSSML(req Request) string {
	rate := fmt.Sprintf("%+.0f%%", (req.Speed-1.0)*100)
	var b strings.Builder
	fmt.Fprintf(&b, `<speak version="1.0" xmlns="http://www.w3.org/2001/10/synthesis" xml:lang="%s">`, html.EscapeString(req.Lang))
	fmt.Fprintf(&b, `<voice name="%s">`, html.EscapeString(req.Voice))
	fmt.Fprintf(&b, `<prosody rate="%s">%s</prosody>`, rate, html.EscapeString(req.Text))
	b.WriteString(`</voice></speak>`)
	return b.String()
}

// classifyStatus maps HTTP status codes from the handshake onto the retry
// model. Credential and request errors cannot heal; throttling and server
// errors can.
func classifyStatus(code int, err error) error {
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden, code == http.StatusBadRequest:
		return Fatal(fmt.Errorf("%w (status %d)", err, code))
	default:
		return fmt.Errorf("%w (status %d)", err, code)
	}
}

type azureVoice struct {
	ShortName string `json:"ShortName"`
	Locale    string `json:"Locale"`
	Gender    string `json:"Gender"`
}

// Voices queries the region's voice list endpoint.
func (a *azureSynth) Voices(ctx context.Context) ([]Voice, error) {
	url := fmt.Sprintf("https://%s.tts.speech.microsoft.com/cognitiveservices/voices/list", a.region)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", a.key)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("azure voices: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, classifyStatus(resp.StatusCode, fmt.Errorf("azure voices: %s", strings.TrimSpace(string(body))))
	}

	var raw []azureVoice
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("azure voices decode: %w", err)
	}
	out := make([]Voice, 0, len(raw))
	for _, v := range raw {
		out = append(out, Voice{Name: v.ShortName, Locale: v.Locale, Gender: v.Gender})
	}
	return out, nil
}
