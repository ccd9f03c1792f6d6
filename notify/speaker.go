// Package notify holds the outbound notification channels: spoken
// announcements and SMS / voice calls.
package notify

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"driver-hub/common/log"

	"github.com/pkg/errors"
)

// Speaker synthesizes and plays text, returning once playback is done.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// CommandSpeaker runs a local TTS program with the text as last argument,
// e.g. espeak-ng.
type CommandSpeaker struct {
	Binary string
	Args   []string
}

func NewCommandSpeaker(binary string, args ...string) *CommandSpeaker {
	if binary == "" {
		binary = "espeak-ng"
	}
	return &CommandSpeaker{Binary: binary, Args: args}
}

func (s *CommandSpeaker) Speak(ctx context.Context, text string) error {
	args := append(append([]string{}, s.Args...), text)
	out, err := exec.CommandContext(ctx, s.Binary, args...).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "%s failed: %s", s.Binary, strings.TrimSpace(string(out)))
	}
	return nil
}

// NopSpeaker only logs what would have been said.
type NopSpeaker struct{}

func (NopSpeaker) Speak(_ context.Context, text string) error {
	log.Info(fmt.Sprintf("say: %s", text))
	return nil
}

// NewSpeaker picks a speaker by engine name: "espeak", "google" or "none".
func NewSpeaker(engine, command, player, apiKey string) (Speaker, error) {
	switch engine {
	case "", "espeak":
		return NewCommandSpeaker(command), nil
	case "google":
		if apiKey == "" {
			return nil, errors.New("google voice engine needs GOOGLE_TTS_API_KEY")
		}
		return NewGoogleSpeaker(apiKey, player), nil
	case "none":
		return NopSpeaker{}, nil
	default:
		return nil, errors.Errorf("unknown voice engine %q", engine)
	}
}
