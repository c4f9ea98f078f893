// Package protocol defines what travels over the service's three standard
// streams: JSON commands on stdin, framed PCM on stdout and JSON status lines
// on stderr.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	CmdSpeak     = "speak"
	CmdCancel    = "cancel"
	CmdGetVoices = "get_voices"
	CmdShutdown  = "shutdown"
	CmdRestart   = "restart"
)

var (
	ErrMissingCommand = errors.New("missing cmd")
	ErrUnknownCommand = errors.New("unknown cmd")
	ErrEmptyText      = errors.New("empty text")
	ErrInvalidVoice   = errors.New("invalid voice")
)

var (
	percentPattern = regexp.MustCompile(`^[+-]\d{1,3}%$`)
	hertzPattern   = regexp.MustCompile(`^[+-]\d{1,4}Hz$`)
	// short names ("en-US-AriaNeural") and long names
	// ("Microsoft Server Speech Text to Speech Voice (en-US, AriaNeural)")
	voicePattern = regexp.MustCompile(`^[A-Za-z0-9(), -]{1,128}$`)
)

// maxProsodyStep bounds integer prosody values before conversion.
const maxProsodyStep = 9999

// Command is one decoded input line.
type Command interface {
	Name() string
}

// SpeakCommand asks for Text to be synthesized. Voice is empty when the client
// did not name one. Rate, Pitch and Volume are already normalized to the
// signed forms the backends expect ("+10%", "-5Hz").
type SpeakCommand struct {
	Text   string
	Voice  string
	Rate   string
	Pitch  string
	Volume string
}

type CancelCommand struct{}

type GetVoicesCommand struct{}

type ShutdownCommand struct{}

// RestartCommand resets the default voice (when Voice is set) and re-announces
// readiness.
type RestartCommand struct {
	Voice string
}

func (SpeakCommand) Name() string     { return CmdSpeak }
func (CancelCommand) Name() string    { return CmdCancel }
func (GetVoicesCommand) Name() string { return CmdGetVoices }
func (ShutdownCommand) Name() string  { return CmdShutdown }
func (RestartCommand) Name() string   { return CmdRestart }

type rawCommand struct {
	Cmd    *string         `json:"cmd"`
	Text   *string         `json:"text"`
	Voice  string          `json:"voice"`
	Rate   json.RawMessage `json:"rate"`
	Pitch  json.RawMessage `json:"pitch"`
	Volume json.RawMessage `json:"volume"`
}

// DecodeCommand parses and validates one input line.
func DecodeCommand(line []byte) (Command, error) {
	var raw rawCommand
	dec := json.NewDecoder(bytes.NewReader(line))
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	if raw.Cmd == nil || *raw.Cmd == "" {
		return nil, ErrMissingCommand
	}

	switch *raw.Cmd {
	case CmdSpeak:
		return decodeSpeak(raw)
	case CmdCancel:
		return CancelCommand{}, nil
	case CmdGetVoices:
		return GetVoicesCommand{}, nil
	case CmdShutdown:
		return ShutdownCommand{}, nil
	case CmdRestart:
		voice, err := decodeVoice(raw.Voice)
		if err != nil {
			return nil, err
		}
		return RestartCommand{Voice: voice}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, *raw.Cmd)
	}
}

func decodeSpeak(raw rawCommand) (Command, error) {
	if raw.Text == nil || strings.TrimSpace(*raw.Text) == "" {
		return nil, ErrEmptyText
	}
	voice, err := decodeVoice(raw.Voice)
	if err != nil {
		return nil, err
	}
	rate, err := prosody(raw.Rate, "rate", percentPattern, func(n int) string { return fmt.Sprintf("%+d%%", n*5) })
	if err != nil {
		return nil, err
	}
	pitch, err := prosody(raw.Pitch, "pitch", hertzPattern, func(n int) string { return fmt.Sprintf("%+dHz", n) })
	if err != nil {
		return nil, err
	}
	volume, err := prosody(raw.Volume, "volume", percentPattern, func(n int) string { return fmt.Sprintf("%+d%%", n) })
	if err != nil {
		return nil, err
	}
	return SpeakCommand{
		Text:   *raw.Text,
		Voice:  voice,
		Rate:   rate,
		Pitch:  pitch,
		Volume: volume,
	}, nil
}

// decodeVoice trims v and checks it is a plausible voice name. Empty means
// the default voice.
func decodeVoice(v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" || voicePattern.MatchString(v) {
		return v, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidVoice, v)
}

// prosody accepts either an integer, converted with fromInt, or a string that
// must already match pattern. Both forms are held to the same range. Absent
// values map to the neutral setting.
func prosody(raw json.RawMessage, field string, pattern *regexp.Regexp, fromInt func(int) string) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return fromInt(0), nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		if n >= -maxProsodyStep && n <= maxProsodyStep {
			if s := fromInt(n); pattern.MatchString(s) {
				return s, nil
			}
		}
		return "", fmt.Errorf("invalid %s: %s out of range", field, string(raw))
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		if pattern.MatchString(s) {
			return s, nil
		}
	}
	return "", fmt.Errorf("invalid %s: %s", field, string(raw))
}
