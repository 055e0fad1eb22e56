package composite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/coder/websocket"
)

// sttDefaults for the Deepgram listen leg.
const (
	sttDefaultBaseURL = "wss://api.deepgram.com/v1/listen"
	sttModel          = "nova-2"
)

// sttResult is one recognition result from the STT leg.
type sttResult struct {
	Text  string
	Final bool
}

// sttStream is a live Deepgram streaming-transcription session. Audio goes in
// as binary frames; results come back on a channel consumed by the session's
// turn loop.
type sttStream struct {
	conn    *websocket.Conn
	ctx     context.Context
	results chan sttResult
	audio   chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// sttURL builds the listen endpoint URL. More than one language hint switches
// recognition into multilingual mode.
func sttURL(baseURL string, sampleRate int, languages []string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}

	lang := "en"
	switch {
	case len(languages) == 1:
		lang = languages[0]
	case len(languages) > 1:
		lang = "multi"
	}

	q := u.Query()
	q.Set("model", sttModel)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// openSTT dials the listen endpoint and starts the read and write loops. The
// loops run until ctx is cancelled or the stream is closed; ctx should be the
// session lifetime, not a dial timeout.
func openSTT(ctx context.Context, apiKey, baseURL string, sampleRate int, languages []string) (*sttStream, error) {
	if baseURL == "" {
		baseURL = sttDefaultBaseURL
	}
	wsURL, err := sttURL(baseURL, sampleRate, languages)
	if err != nil {
		return nil, fmt.Errorf("composite: stt url: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Token " + apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("composite: stt dial: %w", err)
	}

	s := &sttStream{
		conn:    conn,
		ctx:     ctx,
		results: make(chan sttResult, 64),
		audio:   make(chan []byte, 256),
		done:    make(chan struct{}),
	}
	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	return s, nil
}

// SendAudio queues a PCM16 chunk for the recognizer.
func (s *sttStream) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("composite: stt stream is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("composite: stt stream is closed")
	}
}

// Results returns the recognition stream. Closed when the stream ends.
func (s *sttStream) Results() <-chan sttResult { return s.results }

// Close flushes pending audio and terminates the stream. Idempotent.
func (s *sttStream) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "stream closed")
	})
	return nil
}

func (s *sttStream) writeLoop() {
	defer s.wg.Done()
	ctx := s.ctx
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			// Flush whatever is still queued before CloseStream lands.
			for {
				select {
				case chunk := <-s.audio:
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// listenResponse is the Results message shape of the listen protocol.
type listenResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (s *sttStream) readLoop() {
	defer s.wg.Done()
	defer close(s.results)

	for {
		select {
		case <-s.done:
			return
		default:
		}
		_, msg, err := s.conn.Read(s.ctx)
		if err != nil {
			return
		}
		res, ok := parseListenResponse(msg)
		if !ok {
			continue
		}
		select {
		case s.results <- res:
		case <-s.done:
			return
		}
	}
}

// parseListenResponse extracts the top alternative from a Results message.
// Empty transcripts (silence windows) are dropped.
func parseListenResponse(data []byte) (sttResult, bool) {
	var resp listenResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return sttResult{}, false
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return sttResult{}, false
	}
	text := resp.Channel.Alternatives[0].Transcript
	if text == "" {
		return sttResult{}, false
	}
	return sttResult{Text: text, Final: resp.IsFinal}, true
}
