package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const googleTTSEndpoint = "https://texttospeech.googleapis.com/v1/text:synthesize"

// GoogleSpeaker synthesizes MP3 through the Google Cloud Text-to-Speech REST
// API and pipes it into a player reading from stdin.
type GoogleSpeaker struct {
	APIKey   string
	Endpoint string
	Voice    string
	Language string
	Player   []string // command line, audio arrives on stdin

	client *http.Client
}

type ttsRequest struct {
	Input struct {
		Text string `json:"text"`
	} `json:"input"`
	Voice struct {
		LanguageCode string `json:"languageCode"`
		Name         string `json:"name,omitempty"`
	} `json:"voice"`
	AudioConfig struct {
		AudioEncoding string  `json:"audioEncoding"`
		SpeakingRate  float64 `json:"speakingRate,omitempty"`
	} `json:"audioConfig"`
}

type ttsResponse struct {
	AudioContent string `json:"audioContent"`
}

func NewGoogleSpeaker(apiKey, player string) *GoogleSpeaker {
	if player == "" {
		player = "mpg123"
	}
	return &GoogleSpeaker{
		APIKey:   apiKey,
		Endpoint: googleTTSEndpoint,
		Voice:    "en-US-Standard-C",
		Language: "en-US",
		Player:   []string{player, "-q", "-"},
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Synthesize returns MP3 audio for text.
func (g *GoogleSpeaker) Synthesize(ctx context.Context, text string) ([]byte, error) {
	var body ttsRequest
	body.Input.Text = text
	body.Voice.LanguageCode = g.Language
	body.Voice.Name = g.Voice
	body.AudioConfig.AudioEncoding = "MP3"
	body.AudioConfig.SpeakingRate = 1.0

	data, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal TTS request")
	}

	url := fmt.Sprintf("%s?key=%s", g.Endpoint, g.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create TTS request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send TTS request")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read TTS response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("TTS API error: %s - %s", resp.Status, strings.TrimSpace(string(raw)))
	}

	var out ttsResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal TTS response")
	}
	audio, err := base64.StdEncoding.DecodeString(out.AudioContent)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode audio content")
	}
	return audio, nil
}

func (g *GoogleSpeaker) Speak(ctx context.Context, text string) error {
	audio, err := g.Synthesize(ctx, text)
	if err != nil {
		return err
	}
	if len(g.Player) == 0 {
		return errors.New("no audio player configured")
	}

	cmd := exec.CommandContext(ctx, g.Player[0], g.Player[1:]...)
	cmd.Stdin = bytes.NewReader(audio)
	if out, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, "%s failed: %s", g.Player[0], strings.TrimSpace(string(out)))
	}
	return nil
}
