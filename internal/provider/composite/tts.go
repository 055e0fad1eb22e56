package composite

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/aivalabs/aiva-bridge/internal/ledger"
)

// TTS sub-provider tags as they appear in agent configs.
const (
	ttsElevenLabs = "elevenlabs"
	ttsUplift     = "uplift"
)

// synthesizer turns one reply into PCM16 audio, delivering chunks through
// emit as they become available. It returns the usage delta for the
// utterance; the session owns resampling to the contract output rate.
type synthesizer interface {
	Speak(ctx context.Context, text string, emit func(pcm []byte) error) (*ledger.CostDelta, error)
	SampleRate() int
}

// newSynthesizer picks the TTS leg named by the agent config.
func newSynthesizer(opts Options, subProvider, voiceID string) (synthesizer, error) {
	switch subProvider {
	case ttsElevenLabs, "":
		return &elevenLabsTTS{
			apiKey:  opts.ElevenLabsAPIKey,
			baseURL: opts.ElevenLabsBaseURL,
			voiceID: voiceID,
		}, nil
	case ttsUplift:
		return &upliftTTS{
			apiKey:  opts.UpliftAPIKey,
			baseURL: opts.UpliftBaseURL,
			voiceID: voiceID,
			client:  &http.Client{Timeout: 30 * time.Second},
		}, nil
	default:
		return nil, fmt.Errorf("composite: unknown tts sub-provider %q", subProvider)
	}
}

// ─── ElevenLabs (stream-input WebSocket, 24 kHz PCM) ────────────────────────

const (
	elevenDefaultBaseURL = "wss://api.elevenlabs.io/v1/text-to-speech"
	elevenModel          = "eleven_flash_v2_5"
	elevenSampleRate     = 24000
)

type elevenLabsTTS struct {
	apiKey  string
	baseURL string
	voiceID string
}

type elevenVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// elevenBOI is the begin-of-input handshake frame.
type elevenBOI struct {
	Text          string               `json:"text"`
	VoiceSettings *elevenVoiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string               `json:"xi_api_key"`
	OutputFormat  string               `json:"output_format,omitempty"`
}

type elevenTextMessage struct {
	Text string `json:"text"`
}

type elevenAudioResponse struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
}

func (e *elevenLabsTTS) SampleRate() int { return elevenSampleRate }

// Speak opens a fresh stream-input socket per utterance: sessions are short
// and per-utterance sockets avoid the provider's inactivity timeouts.
func (e *elevenLabsTTS) Speak(ctx context.Context, text string, emit func([]byte) error) (*ledger.CostDelta, error) {
	baseURL := e.baseURL
	if baseURL == "" {
		baseURL = elevenDefaultBaseURL
	}
	wsURL := fmt.Sprintf("%s/%s/stream-input?model_id=%s", baseURL, e.voiceID, elevenModel)

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("composite: elevenlabs dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "utterance done")
	conn.SetReadLimit(1 << 24)

	// A non-empty first text value is required by the protocol.
	boi := elevenBOI{
		Text:          " ",
		VoiceSettings: &elevenVoiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
		XiAPIKey:      e.apiKey,
		OutputFormat:  "pcm_24000",
	}
	if err := writeWSJSON(ctx, conn, boi); err != nil {
		return nil, fmt.Errorf("composite: elevenlabs handshake: %w", err)
	}
	if err := writeWSJSON(ctx, conn, elevenTextMessage{Text: text + " "}); err != nil {
		return nil, fmt.Errorf("composite: elevenlabs send text: %w", err)
	}
	// Empty text flushes and ends the input.
	if err := writeWSJSON(ctx, conn, elevenTextMessage{}); err != nil {
		return nil, fmt.Errorf("composite: elevenlabs flush: %w", err)
	}

	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			// The server closes the socket once synthesis completes.
			break
		}
		var resp elevenAudioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err == nil && len(pcm) > 0 {
				if err := emit(pcm); err != nil {
					return nil, err
				}
			}
		}
		if resp.IsFinal {
			break
		}
	}
	return &ledger.CostDelta{TTSCharacters: int64(len(text))}, nil
}

// ─── Uplift (HTTP, raw 16 kHz PCM body) ─────────────────────────────────────

const (
	upliftDefaultBaseURL = "https://api.upliftai.org"
	upliftSampleRate     = 16000
)

type upliftTTS struct {
	apiKey  string
	baseURL string
	voiceID string
	client  *http.Client
}

func (u *upliftTTS) SampleRate() int { return upliftSampleRate }

func (u *upliftTTS) Speak(ctx context.Context, text string, emit func([]byte) error) (*ledger.CostDelta, error) {
	baseURL := u.baseURL
	if baseURL == "" {
		baseURL = upliftDefaultBaseURL
	}

	payload, err := json.Marshal(map[string]string{
		"text":         text,
		"voiceId":      u.voiceID,
		"outputFormat": "PCM_16000",
	})
	if err != nil {
		return nil, fmt.Errorf("composite: uplift encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/synthesis/text-to-speech", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("composite: uplift request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+u.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("composite: uplift synthesize: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("composite: uplift synthesize: status %d: %s", resp.StatusCode, snippet)
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("composite: uplift read audio: %w", err)
	}
	if len(pcm) > 0 {
		if err := emit(pcm); err != nil {
			return nil, err
		}
	}
	seconds := float64(len(pcm)/2) / float64(upliftSampleRate)
	return &ledger.CostDelta{TTSSeconds: seconds}, nil
}

func writeWSJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
